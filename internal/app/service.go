/**
 * @description
 * This file contains the core business logic for the fulfillment-service. The
 * `Service` struct orchestrates the purchase pipeline: validation, pricing,
 * advisory guards, routing, the vendor call, and the atomic settlement commit.
 *
 * Key features:
 * - The vendor HTTP call runs outside any database transaction; the wallet is
 *   only touched inside the single settlement commit afterwards.
 * - A confirmed vendor rejection records a failed order without moving money.
 * - Ambiguous vendor outcomes (timeouts) settle a provisional debit and leave
 *   the order in processing for the reconciliation sweep to resolve.
 * - Publishes order lifecycle events to RabbitMQ after the commit.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For account identifiers.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/vendors, pkg/reference, pkg/rabbitmq: Upstream adapters, reference
 *   generation, and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/internal/store"
	"github.com/datamart/fulfillment-service/pkg/rabbitmq"
	"github.com/datamart/fulfillment-service/pkg/reference"
	"github.com/datamart/fulfillment-service/pkg/vendors"
)

// ErrValidation wraps request payload validation failures for the API layer.
var ErrValidation = errors.New("invalid request")

// ErrNotOrderOwner guards order lookups against cross-account reads.
var ErrNotOrderOwner = errors.New("order belongs to a different account")

const settleRetries = 3

// ServiceConfig carries the tunables the purchase pipeline needs.
type ServiceConfig struct {
	VendorTimeout      time.Duration
	DuplicateWindowWeb time.Duration
	DuplicateWindowAPI time.Duration
}

// Service provides the core business logic for purchases and settlement.
type Service struct {
	repo          store.Repository
	vendors       *vendors.Registry
	eventProducer rabbitmq.Publisher
	rateLimiter   *RedisOrderRateLimiter
	validate      *validator.Validate
	cfg           ServiceConfig
}

// NewService creates a new fulfillment service instance. rateLimiter may be
// nil when Redis is not configured; the in-transaction guards still apply.
func NewService(repo store.Repository, registry *vendors.Registry, producer rabbitmq.Publisher, rateLimiter *RedisOrderRateLimiter, cfg ServiceConfig) *Service {
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = 30 * time.Second
	}
	return &Service{
		repo:          repo,
		vendors:       registry,
		eventProducer: producer,
		rateLimiter:   rateLimiter,
		validate:      validator.New(),
		cfg:           cfg,
	}
}

func (s *Service) duplicateWindow(ch domain.Channel) time.Duration {
	if ch == domain.ChannelAPI {
		return s.cfg.DuplicateWindowAPI
	}
	return s.cfg.DuplicateWindowWeb
}

// checkOrderCeiling evaluates the account's lazy usage counters against its
// limits, mirroring the windows the settlement commit evaluates in SQL. A
// counter whose window has lapsed counts as zero.
func checkOrderCeiling(acct *domain.Account, now time.Time) error {
	if acct.DailyOrderLimit > 0 && acct.OrdersToday >= acct.DailyOrderLimit {
		y1, m1, d1 := acct.OrdersTodayDate.Date()
		y2, m2, d2 := now.Date()
		if y1 == y2 && m1 == m2 && d1 == d2 {
			return store.ErrRateLimitExceeded
		}
	}
	if acct.HourlyOrderLimit > 0 && acct.OrdersThisHour >= acct.HourlyOrderLimit &&
		!acct.OrdersHourStart.Before(now.Truncate(time.Hour)) {
		return store.ErrRateLimitExceeded
	}
	return nil
}

func referencePrefix(ch domain.Channel, method domain.ProcessingMethod) string {
	if ch == domain.ChannelAPI {
		if method == domain.MethodManual {
			return reference.PrefixAPIManual
		}
		return reference.PrefixAPILive
	}
	if method == domain.MethodManual {
		return reference.PrefixWebManual
	}
	return reference.PrefixWebLive
}

// SubmitPurchase runs the full purchase pipeline for one request and returns a
// receipt with the committed wallet balance.
func (s *Service) SubmitPurchase(ctx context.Context, accountID uuid.UUID, req domain.PurchaseRequest) (*domain.PurchaseReceipt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	network, err := domain.ParseNetwork(req.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ch := domain.ChannelWeb
	if req.Channel != "" {
		if ch, err = domain.ParseChannel(req.Channel); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	acct, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	price, err := s.repo.LookupBundlePrice(ctx, network, req.CapacityGB, acct.Role)
	if err != nil {
		return nil, err
	}

	// Advisory guards. These run before the vendor call so an obviously bad
	// request never reaches upstream; the transaction re-checks them under
	// the wallet lock.
	if acct.Balance < price {
		return nil, store.ErrInsufficientFunds
	}
	if err := checkOrderCeiling(acct, time.Now()); err != nil {
		return nil, err
	}
	if s.rateLimiter != nil && acct.HourlyOrderLimit > 0 {
		count, _, rlErr := s.rateLimiter.ConsumeRateLimit(ctx, "purchase", accountID.String(), acct.HourlyOrderLimit, time.Hour)
		if rlErr != nil {
			log.Printf("level=warn component=service msg=\"advisory rate limit unavailable\" account=%s err=%v", accountID, rlErr)
		} else if count > acct.HourlyOrderLimit {
			return nil, store.ErrRateLimitExceeded
		}
	}
	if window := s.duplicateWindow(ch); window > 0 {
		dup, dupErr := s.repo.RecentDuplicateExists(ctx, accountID, req.Phone, network, req.CapacityGB, window)
		if dupErr != nil {
			log.Printf("level=warn component=service msg=\"advisory duplicate check unavailable\" account=%s err=%v", accountID, dupErr)
		} else if dup {
			return nil, store.ErrDuplicateOrder
		}
	}

	inv, err := s.repo.GetInventory(ctx, network)
	if err != nil {
		return nil, err
	}
	route, err := DecideRoute(acct, inv, network, ch)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:               uuid.New(),
		AccountID:        accountID,
		Phone:            req.Phone,
		Network:          network,
		CapacityGB:       req.CapacityGB,
		Price:            price,
		Channel:          ch,
		ProcessingMethod: route.Method,
		Status:           route.InitialStatus,
	}
	order.Reference = reference.Generate(referencePrefix(ch, route.Method))

	if route.Method == domain.MethodManual {
		return s.settleManual(ctx, order, ch)
	}
	return s.settleLive(ctx, order, route.VendorID, ch)
}

// settleManual commits a manual-queue order with a provisional debit.
func (s *Service) settleManual(ctx context.Context, order *domain.Order, ch domain.Channel) (*domain.PurchaseReceipt, error) {
	result, err := s.settleWithRetry(ctx, order, store.SettleParams{
		Order:           order,
		Debit:           true,
		LedgerStatus:    domain.LedgerStatusPending,
		DuplicateWindow: s.duplicateWindow(ch),
		EnforceLimits:   true,
	}, ch)
	if err != nil {
		return nil, err
	}

	s.publishOrderEvent(ctx, rabbitmq.RouteOrderQueued, order, "")
	ordersTotal.WithLabelValues(string(order.Network), string(order.ProcessingMethod), order.Status).Inc()

	msg := "order queued for manual fulfillment"
	if order.Status == domain.OrderStatusPending {
		msg = "order held for approval"
	}
	return &domain.PurchaseReceipt{
		Status:           order.Status,
		OrderReference:   order.Reference,
		ProcessingMethod: order.ProcessingMethod,
		BalanceAfter:     result.BalanceAfter,
		Message:          msg,
	}, nil
}

// settleLive submits the order to its vendor and commits the matching outcome.
func (s *Service) settleLive(ctx context.Context, order *domain.Order, vendorID string, ch domain.Channel) (*domain.PurchaseReceipt, error) {
	adapter, err := s.vendors.Get(vendorID)
	if err != nil {
		return nil, err
	}
	order.VendorID = &vendorID

	vendorCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorTimeout)
	defer cancel()

	start := time.Now()
	submit, submitErr := adapter.Submit(vendorCtx, vendors.OrderRequest{
		Reference:  order.Reference,
		Phone:      order.Phone,
		Network:    string(order.Network),
		CapacityGB: order.CapacityGB,
	})
	outcome := "success"
	if submitErr != nil {
		outcome = vendors.Kind(submitErr)
	}
	vendorRequestDuration.WithLabelValues(vendorID, outcome).Observe(time.Since(start).Seconds())

	switch {
	case submitErr == nil:
		// Confirmed delivery: definitive success, the debit must commit.
		order.Status = domain.OrderStatusCompleted
		order.VendorOrderID = &submit.VendorOrderID
		order.VendorResponse = submit.Raw
		return s.commitDelivered(ctx, order, ch)

	case vendors.Kind(submitErr) == vendors.KindDuplicateUpstream:
		// The vendor already holds an order with this profile; nothing is
		// recorded and nothing is charged.
		log.Printf("level=info component=service msg=\"vendor reported duplicate\" reference=%s vendor=%s", order.Reference, vendorID)
		return nil, store.ErrDuplicateOrder

	case vendors.IsTimeout(submitErr) || vendors.Kind(submitErr) == vendors.KindUnknown:
		// Ambiguous: the vendor may have delivered. Hold the money and let
		// reconciliation resolve the order.
		log.Printf("level=warn component=service msg=\"vendor outcome ambiguous, order held for reconciliation\" reference=%s vendor=%s err=%v", order.Reference, vendorID, submitErr)
		order.Status = domain.OrderStatusProcessing
		result, err := s.settlePostVendor(ctx, order, store.SettleParams{
			Order:           order,
			Debit:           true,
			LedgerStatus:    domain.LedgerStatusPending,
			DuplicateWindow: s.duplicateWindow(ch),
			EnforceLimits:   true,
		}, ch)
		if err != nil {
			return nil, err
		}
		ordersTotal.WithLabelValues(string(order.Network), string(order.ProcessingMethod), order.Status).Inc()
		return &domain.PurchaseReceipt{
			Status:           order.Status,
			OrderReference:   order.Reference,
			ProcessingMethod: order.ProcessingMethod,
			BalanceAfter:     result.BalanceAfter,
			Message:          "order submitted, awaiting vendor confirmation",
		}, nil

	default:
		// Confirmed rejection: record the failed order for audit, charge nothing.
		reason := submitErr.Error()
		order.Status = domain.OrderStatusFailed
		order.FailureReason = &reason
		var ve *vendors.Error
		if errors.As(submitErr, &ve) {
			order.VendorResponse = ve.Raw
		}
		if _, err := s.settleWithRetry(ctx, order, store.SettleParams{
			Order: order,
			Debit: false,
		}, ch); err != nil {
			log.Printf("level=error component=service msg=\"failed to record rejected order\" reference=%s err=%v", order.Reference, err)
		}
		ordersTotal.WithLabelValues(string(order.Network), string(order.ProcessingMethod), order.Status).Inc()
		s.publishOrderEvent(ctx, rabbitmq.RouteOrderFailed, order, reason)
		return nil, submitErr
	}
}

// commitDelivered settles a vendor-confirmed delivery.
func (s *Service) commitDelivered(ctx context.Context, order *domain.Order, ch domain.Channel) (*domain.PurchaseReceipt, error) {
	result, err := s.settlePostVendor(ctx, order, store.SettleParams{
		Order:           order,
		Debit:           true,
		LedgerStatus:    domain.LedgerStatusCompleted,
		DuplicateWindow: s.duplicateWindow(ch),
		EnforceLimits:   true,
	}, ch)
	if err != nil {
		return nil, err
	}

	ordersTotal.WithLabelValues(string(order.Network), string(order.ProcessingMethod), order.Status).Inc()
	s.publishOrderEvent(ctx, rabbitmq.RouteOrderCompleted, order, "")
	return &domain.PurchaseReceipt{
		Status:           order.Status,
		OrderReference:   order.Reference,
		ProcessingMethod: order.ProcessingMethod,
		BalanceAfter:     result.BalanceAfter,
		Message:          "bundle delivered",
	}, nil
}

// settlePostVendor commits a settlement for an order whose vendor has already
// been contacted. Guard conflicts or a balance race found at this point cannot
// undo the upstream call, so the order is recorded regardless: a guard
// rejection is logged and the commit retried without guards, and a balance
// shortfall records the order without a debit rather than drive the wallet
// negative. The advisory pre-vendor guards make either fallback a race, not
// the normal path.
func (s *Service) settlePostVendor(ctx context.Context, order *domain.Order, params store.SettleParams, ch domain.Channel) (*store.SettleResult, error) {
	result, err := s.settleWithRetry(ctx, order, params, ch)
	if errors.Is(err, store.ErrRateLimitExceeded) || errors.Is(err, store.ErrDuplicateOrder) {
		log.Printf("level=error component=service msg=\"guard conflict after vendor call, recording order anyway\" reference=%s account=%s status=%s err=%v", order.Reference, order.AccountID, order.Status, err)
		params.DuplicateWindow = 0
		params.EnforceLimits = false
		result, err = s.settleWithRetry(ctx, order, params, ch)
	}
	if errors.Is(err, store.ErrInsufficientFunds) {
		log.Printf("level=error component=service msg=\"CRITICAL: insufficient funds after vendor call, recording order without debit\" reference=%s account=%s", order.Reference, order.AccountID)
		params.Debit = false
		params.DuplicateWindow = 0
		params.EnforceLimits = false
		result, err = s.settleWithRetry(ctx, order, params, ch)
	}
	return result, err
}

// settleWithRetry retries SettlePurchase with fresh references when the random
// reference collides with an existing row.
func (s *Service) settleWithRetry(ctx context.Context, order *domain.Order, params store.SettleParams, ch domain.Channel) (*store.SettleResult, error) {
	for attempt := 0; ; attempt++ {
		if params.Debit {
			params.LedgerRef = reference.Generate(reference.PrefixLedger)
		}
		result, err := s.repo.SettlePurchase(ctx, params)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, store.ErrReferenceCollision) || attempt >= settleRetries-1 {
			return nil, err
		}
		log.Printf("level=warn component=service msg=\"reference collision, regenerating\" reference=%s attempt=%d", order.Reference, attempt+1)
		order.Reference = reference.Generate(referencePrefix(ch, order.ProcessingMethod))
		params.Order = order
	}
}

func (s *Service) publishOrderEvent(ctx context.Context, routingKey string, order *domain.Order, reason string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.OrderEvent{
		Reference:        order.Reference,
		AccountID:        order.AccountID,
		Phone:            order.Phone,
		Network:          string(order.Network),
		CapacityGB:       order.CapacityGB,
		Price:            order.Price,
		Status:           order.Status,
		ProcessingMethod: string(order.ProcessingMethod),
		Reason:           reason,
	}
	if err := s.eventProducer.PublishOrderEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"order event publish failed\" reference=%s routing_key=%s err=%v", order.Reference, routingKey, err)
	}
}

// ResolveAccount converts a verified auth subject into the internal account.
// This allows handlers to accept subject ids from validated JWTs while the
// repositories continue to operate on UUIDs.
func (s *Service) ResolveAccount(ctx context.Context, subject string) (*domain.Account, error) {
	return s.repo.FindAccountBySubject(ctx, subject)
}

// GetOrder returns one order, restricted to its owner unless admin is set.
// Raw vendor payloads are admin-only.
func (s *Service) GetOrder(ctx context.Context, accountID uuid.UUID, ref string, admin bool) (*domain.Order, error) {
	order, err := s.repo.FindOrderByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !admin {
		if order.AccountID != accountID {
			return nil, ErrNotOrderOwner
		}
		order.VendorResponse = nil
	}
	return order, nil
}

// ListOrders returns the caller's order history, newest first. Raw vendor
// payloads stay admin-only here too.
func (s *Service) ListOrders(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Order, error) {
	orders, err := s.repo.ListOrdersByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].VendorResponse = nil
	}
	return orders, nil
}

// Wallet bundles the account's balance with its recent ledger entries.
type Wallet struct {
	Balance int64                `json:"balance"`
	Ledger  []domain.LedgerEntry `json:"ledger"`
}

// GetWallet returns the caller's balance and recent ledger, newest first.
func (s *Service) GetWallet(ctx context.Context, accountID uuid.UUID, limit, offset int) (*Wallet, error) {
	acct, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListLedgerByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &Wallet{Balance: acct.Balance, Ledger: entries}, nil
}

// ListInventory returns the flag sets for all networks.
func (s *Service) ListInventory(ctx context.Context) ([]domain.NetworkInventory, error) {
	return s.repo.ListInventory(ctx)
}

// UpdateInventory applies an admin inventory write with optimistic versioning.
func (s *Service) UpdateInventory(ctx context.Context, inv *domain.NetworkInventory) (*domain.NetworkInventory, error) {
	if _, err := domain.ParseNetwork(string(inv.Network)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	updated, err := s.repo.UpdateInventory(ctx, inv)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"inventory updated\" network=%s version=%d by=%s", updated.Network, updated.Version, updated.UpdatedBy)
	return updated, nil
}

// ManualAdjust applies a signed admin wallet adjustment and returns the ledger
// movement.
func (s *Service) ManualAdjust(ctx context.Context, accountID uuid.UUID, amount int64, note string) (*store.SettleResult, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: adjustment amount must be non-zero", ErrValidation)
	}
	for attempt := 0; ; attempt++ {
		ref := reference.Generate(reference.PrefixLedger)
		result, err := s.repo.ManualAdjust(ctx, accountID, amount, note, ref)
		if err == nil {
			log.Printf("level=info component=service msg=\"manual adjustment applied\" account=%s amount=%d ledger_ref=%s", accountID, amount, ref)
			return result, nil
		}
		if !errors.Is(err, store.ErrReferenceCollision) || attempt >= settleRetries-1 {
			return nil, err
		}
	}
}

// PreviewRangeUpdate is the dry run for an admin bulk status update.
func (s *Service) PreviewRangeUpdate(ctx context.Context, params store.RangeUpdateParams) (*domain.RangeUpdatePreview, error) {
	if err := validateRangeTransition(params.CurrentStatus, params.NewStatus); err != nil {
		return nil, err
	}
	return s.repo.PreviewRangeUpdate(ctx, params)
}

// ExecuteRangeUpdate applies an admin bulk status update and publishes refund
// events for any orders the transition refunded.
func (s *Service) ExecuteRangeUpdate(ctx context.Context, params store.RangeUpdateParams) (*domain.RangeUpdateResult, error) {
	if err := validateRangeTransition(params.CurrentStatus, params.NewStatus); err != nil {
		return nil, err
	}
	result, err := s.repo.ExecuteRangeUpdate(ctx, params)
	if err != nil {
		return nil, err
	}
	if result.Refunded > 0 {
		refundsTotal.WithLabelValues("range_update").Add(float64(result.Refunded))
	}
	log.Printf("level=info component=service msg=\"range update executed\" account=%s from=%s to=%s matched=%d modified=%d refunded=%d",
		params.AccountID, params.CurrentStatus, params.NewStatus, result.Matched, result.Modified, result.Refunded)
	return result, nil
}

// validateRangeTransition rejects bulk updates up front when the single
// from/to pair they describe is not a legal order transition. The positional
// selection is numbered over orders holding from, so every matched row either
// takes the transition or was moved concurrently.
func validateRangeTransition(from, to string) error {
	if !domain.IsOrderStatus(from) {
		return fmt.Errorf("%w: %q is not an order status", ErrValidation, from)
	}
	switch to {
	case domain.OrderStatusCompleted, domain.OrderStatusFailed, domain.OrderStatusWaiting,
		domain.OrderStatusProcessing, domain.OrderStatusDelivered, domain.OrderStatusOn:
	default:
		return fmt.Errorf("%w: %q is not a valid bulk update target", ErrValidation, to)
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: orders cannot move from %q to %q", ErrValidation, from, to)
	}
	return nil
}
