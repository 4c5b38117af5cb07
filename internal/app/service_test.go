package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/internal/store"
	"github.com/datamart/fulfillment-service/pkg/rabbitmq"
	"github.com/datamart/fulfillment-service/pkg/vendors"
	"github.com/datamart/fulfillment-service/pkg/vendors/hubnet"
)

type purchaseRepoStub struct {
	store.Repository

	account   *domain.Account
	price     int64
	priceErr  error
	inventory *domain.NetworkInventory

	order *domain.Order

	settleCalls   []store.SettleParams
	settleErrs    []error // consumed per call; nil means success
	settledOrders []domain.Order

	recentDup    bool
	recentDupErr error
	dupChecks    int

	rangeParams []store.RangeUpdateParams
}

func (s *purchaseRepoStub) RecentDuplicateExists(ctx context.Context, accountID uuid.UUID, phone string, network domain.Network, capacityGB int, window time.Duration) (bool, error) {
	s.dupChecks++
	if s.recentDupErr != nil {
		return false, s.recentDupErr
	}
	return s.recentDup, nil
}

func (s *purchaseRepoStub) PreviewRangeUpdate(ctx context.Context, params store.RangeUpdateParams) (*domain.RangeUpdatePreview, error) {
	s.rangeParams = append(s.rangeParams, params)
	return &domain.RangeUpdatePreview{}, nil
}

func (s *purchaseRepoStub) FindOrderByReference(ctx context.Context, ref string) (*domain.Order, error) {
	if s.order == nil || s.order.Reference != ref {
		return nil, store.ErrOrderNotFound
	}
	copied := *s.order
	return &copied, nil
}

func (s *purchaseRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if s.account == nil {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *purchaseRepoStub) LookupBundlePrice(ctx context.Context, network domain.Network, capacityGB int, role string) (int64, error) {
	if s.priceErr != nil {
		return 0, s.priceErr
	}
	return s.price, nil
}

func (s *purchaseRepoStub) GetInventory(ctx context.Context, network domain.Network) (*domain.NetworkInventory, error) {
	if s.inventory == nil {
		return nil, store.ErrInventoryNotFound
	}
	return s.inventory, nil
}

func (s *purchaseRepoStub) SettlePurchase(ctx context.Context, params store.SettleParams) (*store.SettleResult, error) {
	s.settleCalls = append(s.settleCalls, params)
	s.settledOrders = append(s.settledOrders, *params.Order)
	if len(s.settleErrs) > 0 {
		err := s.settleErrs[0]
		s.settleErrs = s.settleErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	result := &store.SettleResult{BalanceBefore: s.account.Balance, BalanceAfter: s.account.Balance}
	if params.Debit {
		result.BalanceAfter -= params.Order.Price
		result.LedgerReference = params.LedgerRef
	}
	return result, nil
}

type adapterStub struct {
	id          string
	submitted   []vendors.OrderRequest
	submitErr   error
	vendorOrder string
}

func (a *adapterStub) ID() string { return a.id }

func (a *adapterStub) Submit(ctx context.Context, req vendors.OrderRequest) (*vendors.SubmitResult, error) {
	a.submitted = append(a.submitted, req)
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &vendors.SubmitResult{VendorOrderID: a.vendorOrder, Raw: json.RawMessage(`{"ok":true}`)}, nil
}

func (a *adapterStub) CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*vendors.StatusResult, error) {
	return &vendors.StatusResult{State: vendors.StateUnknown}, nil
}

type publisherStub struct {
	events []rabbitmq.OrderEvent
	keys   []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *publisherStub) PublishOrderEvent(ctx context.Context, routingKey string, event rabbitmq.OrderEvent) error {
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	return nil
}

func (p *publisherStub) Close() {}

func newPurchaseFixture(balance int64) (*purchaseRepoStub, *adapterStub, *publisherStub, *Service) {
	repo := &purchaseRepoStub{
		account: &domain.Account{
			ID:             uuid.New(),
			Role:           domain.RoleUser,
			Balance:        balance,
			ProcessingMode: domain.ModeUserOverride,
		},
		price: 2300, // GHS 23.00
		inventory: &domain.NetworkInventory{
			Network:    domain.NetworkMTN,
			WebInStock: true,
			APIInStock: true,
		},
	}
	adapter := &adapterStub{id: hubnet.VendorID, vendorOrder: "HB-1001"}
	publisher := &publisherStub{}
	svc := NewService(repo, vendors.NewRegistry(adapter), publisher, nil, ServiceConfig{
		VendorTimeout:      time.Second,
		DuplicateWindowWeb: 5 * time.Minute,
		DuplicateWindowAPI: time.Minute,
	})
	return repo, adapter, publisher, svc
}

func validPurchase() domain.PurchaseRequest {
	return domain.PurchaseRequest{
		Phone:      "0241234567",
		Network:    "mtn",
		CapacityGB: 5,
	}
}

func TestSubmitPurchase_VendorSuccessDebitsAndCompletes(t *testing.T) {
	repo, adapter, publisher, svc := newPurchaseFixture(10000) // GHS 100.00

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receipt.Status != domain.OrderStatusCompleted {
		t.Fatalf("receipt status = %s, want completed", receipt.Status)
	}
	if receipt.BalanceAfter != 7700 {
		t.Fatalf("balance after = %d, want 7700", receipt.BalanceAfter)
	}
	if len(adapter.submitted) != 1 {
		t.Fatalf("expected one vendor submit, got %d", len(adapter.submitted))
	}
	if adapter.submitted[0].Reference != receipt.OrderReference {
		t.Fatalf("vendor got reference %q, receipt has %q", adapter.submitted[0].Reference, receipt.OrderReference)
	}

	if len(repo.settleCalls) != 1 {
		t.Fatalf("expected one settlement, got %d", len(repo.settleCalls))
	}
	params := repo.settleCalls[0]
	if !params.Debit || params.LedgerStatus != domain.LedgerStatusCompleted {
		t.Fatalf("expected completed debit settlement, got debit=%t status=%s", params.Debit, params.LedgerStatus)
	}
	settled := repo.settledOrders[0]
	if settled.Status != domain.OrderStatusCompleted {
		t.Fatalf("settled order status = %s, want completed", settled.Status)
	}
	if settled.VendorOrderID == nil || *settled.VendorOrderID != "HB-1001" {
		t.Fatalf("vendor order id not recorded: %+v", settled.VendorOrderID)
	}
	if !strings.HasPrefix(settled.Reference, "WL") {
		t.Fatalf("web live order should carry WL reference, got %q", settled.Reference)
	}

	if len(publisher.keys) != 1 || publisher.keys[0] != rabbitmq.RouteOrderCompleted {
		t.Fatalf("expected one order.completed event, got %v", publisher.keys)
	}
}

func TestSubmitPurchase_VendorTimeoutHoldsProvisionalDebit(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	adapter.submitErr = &vendors.Error{Vendor: adapter.id, Kind: vendors.KindVendorTimeout, Message: "deadline exceeded"}

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status != domain.OrderStatusProcessing {
		t.Fatalf("receipt status = %s, want processing", receipt.Status)
	}
	if receipt.BalanceAfter != 7700 {
		t.Fatalf("ambiguous outcome must still hold the funds, balance=%d", receipt.BalanceAfter)
	}

	params := repo.settleCalls[0]
	if !params.Debit || params.LedgerStatus != domain.LedgerStatusPending {
		t.Fatalf("expected pending provisional debit, got debit=%t status=%s", params.Debit, params.LedgerStatus)
	}
}

func TestSubmitPurchase_VendorRejectionRecordsWithoutCharge(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	adapter.submitErr = &vendors.Error{Vendor: adapter.id, Kind: vendors.KindInvalidRecipient, Message: "bad msisdn", Raw: json.RawMessage(`{"code":422}`)}

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if vendors.Kind(err) != vendors.KindInvalidRecipient {
		t.Fatalf("expected invalid_recipient error, got %v", err)
	}

	if len(repo.settleCalls) != 1 {
		t.Fatalf("rejected order must still be recorded, got %d settlements", len(repo.settleCalls))
	}
	params := repo.settleCalls[0]
	if params.Debit {
		t.Fatal("confirmed rejection must not debit the wallet")
	}
	settled := repo.settledOrders[0]
	if settled.Status != domain.OrderStatusFailed || settled.FailureReason == nil {
		t.Fatalf("expected failed order with reason, got status=%s reason=%v", settled.Status, settled.FailureReason)
	}
	if len(settled.VendorResponse) == 0 {
		t.Fatal("raw vendor payload must be retained on the failed order")
	}
}

func TestSubmitPurchase_DuplicateUpstreamRecordsNothing(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	adapter.submitErr = &vendors.Error{Vendor: adapter.id, Kind: vendors.KindDuplicateUpstream, Message: "duplicate order"}

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if !errors.Is(err, store.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if len(repo.settleCalls) != 0 {
		t.Fatalf("duplicate must not settle, got %d settlements", len(repo.settleCalls))
	}
}

func TestSubmitPurchase_InsufficientFundsBeforeVendorCall(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(1000) // below the 2300 price

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(adapter.submitted) != 0 {
		t.Fatal("underfunded request must never reach the vendor")
	}
}

func TestSubmitPurchase_OutOfStockRejects(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	repo.inventory.WebInStock = false

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if len(adapter.submitted) != 0 || len(repo.settleCalls) != 0 {
		t.Fatal("out-of-stock request must not submit or settle")
	}
}

func TestSubmitPurchase_ManualModeQueuesWithPendingDebit(t *testing.T) {
	repo, adapter, publisher, svc := newPurchaseFixture(10000)
	repo.account.ProcessingMode = domain.ModeAlwaysManual

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status != domain.OrderStatusWaiting {
		t.Fatalf("receipt status = %s, want waiting", receipt.Status)
	}
	if len(adapter.submitted) != 0 {
		t.Fatal("manual route must not call the vendor")
	}

	params := repo.settleCalls[0]
	if !params.Debit || params.LedgerStatus != domain.LedgerStatusPending {
		t.Fatalf("manual settlement must hold a pending debit, got debit=%t status=%s", params.Debit, params.LedgerStatus)
	}
	if !strings.HasPrefix(repo.settledOrders[0].Reference, "WM") {
		t.Fatalf("web manual order should carry WM reference, got %q", repo.settledOrders[0].Reference)
	}
	if len(publisher.keys) != 1 || publisher.keys[0] != rabbitmq.RouteOrderQueued {
		t.Fatalf("expected one order.queued event, got %v", publisher.keys)
	}
}

func TestSubmitPurchase_DuplicateInWindowNeverReachesVendor(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	repo.recentDup = true

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if !errors.Is(err, store.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if len(adapter.submitted) != 0 {
		t.Fatal("a duplicate inside the window must be rejected before the vendor is contacted")
	}
	if len(repo.settleCalls) != 0 {
		t.Fatalf("duplicate rejection must not settle or charge, got %d settlements", len(repo.settleCalls))
	}
	if repo.dupChecks != 1 {
		t.Fatalf("expected one duplicate check, got %d", repo.dupChecks)
	}
}

func TestSubmitPurchase_DuplicateCheckOutageDoesNotBlock(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	repo.recentDupErr = errors.New("connection refused")

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("advisory duplicate check outage must not fail the purchase: %v", err)
	}
	if receipt.Status != domain.OrderStatusCompleted {
		t.Fatalf("receipt status = %s, want completed", receipt.Status)
	}
	if len(adapter.submitted) != 1 {
		t.Fatal("purchase should proceed on the settlement's own duplicate check")
	}
}

func TestSubmitPurchase_GuardRaceAfterDeliveryStillCommits(t *testing.T) {
	// Two requests race past the advisory duplicate check; the vendor delivers for both
	// before either settles. The losing commit sees the winner's row, but the
	// bundle is delivered, so the settlement retries without guards.
	repo, adapter, _, svc := newPurchaseFixture(10000)
	repo.settleErrs = []error{store.ErrDuplicateOrder, nil}

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status != domain.OrderStatusCompleted {
		t.Fatalf("receipt status = %s, want completed", receipt.Status)
	}
	if len(adapter.submitted) != 1 {
		t.Fatalf("expected one vendor submit, got %d", len(adapter.submitted))
	}
	if len(repo.settleCalls) != 2 {
		t.Fatalf("expected guarded then unguarded settlement, got %d calls", len(repo.settleCalls))
	}
	retry := repo.settleCalls[1]
	if retry.EnforceLimits || retry.DuplicateWindow != 0 {
		t.Fatalf("retry after confirmed delivery must drop guards, got limits=%t window=%s", retry.EnforceLimits, retry.DuplicateWindow)
	}
	if !retry.Debit {
		t.Fatal("delivered bundle must still be charged")
	}
}

func TestSubmitPurchase_TimeoutGuardRaceStillRecordsOrder(t *testing.T) {
	// The vendor call timed out, so it may have delivered. A guard conflict at
	// settle time must not leave the ambiguous outcome without an order row.
	repo, adapter, _, svc := newPurchaseFixture(10000)
	adapter.submitErr = &vendors.Error{Vendor: adapter.id, Kind: vendors.KindVendorTimeout, Message: "deadline exceeded"}
	repo.settleErrs = []error{store.ErrDuplicateOrder, nil}

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Status != domain.OrderStatusProcessing {
		t.Fatalf("receipt status = %s, want processing", receipt.Status)
	}
	if len(repo.settleCalls) != 2 {
		t.Fatalf("expected guarded then unguarded settlement, got %d calls", len(repo.settleCalls))
	}
	retry := repo.settleCalls[1]
	if retry.EnforceLimits || retry.DuplicateWindow != 0 {
		t.Fatalf("retry must drop guards so the ambiguous order is recorded, got limits=%t window=%s", retry.EnforceLimits, retry.DuplicateWindow)
	}
	if repo.settledOrders[1].Status != domain.OrderStatusProcessing {
		t.Fatalf("recorded order status = %s, want processing", repo.settledOrders[1].Status)
	}
}

func TestSubmitPurchase_DailyCeilingStopsBeforeVendor(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)
	repo.account.DailyOrderLimit = 5
	repo.account.OrdersToday = 5
	repo.account.OrdersTodayDate = time.Now()

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if !errors.Is(err, store.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if len(adapter.submitted) != 0 {
		t.Fatal("an account at its ceiling must never reach the vendor")
	}
}

func TestSubmitPurchase_LapsedHourlyWindowDoesNotBlock(t *testing.T) {
	repo, _, _, svc := newPurchaseFixture(10000)
	repo.account.HourlyOrderLimit = 3
	repo.account.OrdersThisHour = 3
	repo.account.OrdersHourStart = time.Now().Add(-2 * time.Hour)

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("a counter from a lapsed window must not block: %v", err)
	}
	if receipt.Status != domain.OrderStatusCompleted {
		t.Fatalf("receipt status = %s, want completed", receipt.Status)
	}
}

func TestPreviewRangeUpdate_ValidatesTransition(t *testing.T) {
	repo, _, _, svc := newPurchaseFixture(10000)

	t.Run("illegal from/to pair rejected", func(t *testing.T) {
		_, err := svc.PreviewRangeUpdate(context.Background(), store.RangeUpdateParams{
			CurrentStatus: domain.OrderStatusCompleted,
			NewStatus:     domain.OrderStatusProcessing,
			Spec:          domain.RangeSpec{Mode: domain.RangeAll},
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		if len(repo.rangeParams) != 0 {
			t.Fatal("invalid transition must not reach the repository")
		}
	})

	t.Run("unknown current status rejected", func(t *testing.T) {
		_, err := svc.PreviewRangeUpdate(context.Background(), store.RangeUpdateParams{
			CurrentStatus: "limbo",
			NewStatus:     domain.OrderStatusFailed,
			Spec:          domain.RangeSpec{Mode: domain.RangeAll},
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("pending to failed passes through", func(t *testing.T) {
		_, err := svc.PreviewRangeUpdate(context.Background(), store.RangeUpdateParams{
			CurrentStatus: domain.OrderStatusPending,
			NewStatus:     domain.OrderStatusFailed,
			Spec:          domain.RangeSpec{Mode: domain.RangeUpTo, From: 50},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(repo.rangeParams) != 1 || repo.rangeParams[0].CurrentStatus != domain.OrderStatusPending {
			t.Fatalf("expected the current status to reach the repository, got %+v", repo.rangeParams)
		}
	})
}

func TestSubmitPurchase_ReferenceCollisionRetries(t *testing.T) {
	repo, _, _, svc := newPurchaseFixture(10000)
	repo.settleErrs = []error{store.ErrReferenceCollision, store.ErrReferenceCollision, nil}

	receipt, err := svc.SubmitPurchase(context.Background(), repo.account.ID, validPurchase())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.settleCalls) != 3 {
		t.Fatalf("expected 3 settlement attempts, got %d", len(repo.settleCalls))
	}
	if repo.settledOrders[0].Reference == repo.settledOrders[2].Reference {
		t.Fatal("collision retry must regenerate the order reference")
	}
	if receipt.OrderReference != repo.settledOrders[2].Reference {
		t.Fatal("receipt must carry the reference that actually committed")
	}
}

func TestGetOrder_OwnershipAndRawPayload(t *testing.T) {
	repo, _, _, svc := newPurchaseFixture(10000)
	owner := repo.account.ID
	repo.order = &domain.Order{
		ID:             uuid.New(),
		Reference:      "WL4242QQ",
		AccountID:      owner,
		Status:         domain.OrderStatusCompleted,
		VendorResponse: json.RawMessage(`{"upstream":"payload"}`),
	}

	t.Run("owner sees order without raw payload", func(t *testing.T) {
		order, err := svc.GetOrder(context.Background(), owner, "WL4242QQ", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order.VendorResponse != nil {
			t.Fatal("raw vendor payload must be admin-only")
		}
	})

	t.Run("admin sees raw payload", func(t *testing.T) {
		order, err := svc.GetOrder(context.Background(), uuid.New(), "WL4242QQ", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(order.VendorResponse) == 0 {
			t.Fatal("admin lookup should include the raw vendor payload")
		}
	})

	t.Run("non-owner cannot see the order", func(t *testing.T) {
		if _, err := svc.GetOrder(context.Background(), uuid.New(), "WL4242QQ", false); !errors.Is(err, ErrNotOrderOwner) {
			t.Fatalf("expected ErrNotOrderOwner, got %v", err)
		}
	})
}

func TestSubmitPurchase_ValidationRejectsBadPhone(t *testing.T) {
	repo, adapter, _, svc := newPurchaseFixture(10000)

	req := validPurchase()
	req.Phone = "12345" // not a 10-digit MSISDN

	_, err := svc.SubmitPurchase(context.Background(), repo.account.ID, req)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(adapter.submitted) != 0 {
		t.Fatal("invalid request must never reach the vendor")
	}
}

func TestSubmitPurchase_UnknownNetworkRejected(t *testing.T) {
	repo, _, _, svc := newPurchaseFixture(10000)

	req := validPurchase()
	req.Network = "vodacom"

	if _, err := svc.SubmitPurchase(context.Background(), repo.account.ID, req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
