/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * operations required by the fulfillment service. The interface decouples order
 * settlement and wallet logic from the PostgreSQL implementation, which keeps the
 * purchase pipeline testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For account and bundle identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/datamart/fulfillment-service/internal/domain"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrBundleNotFound     = errors.New("bundle not found")
	ErrInventoryNotFound  = errors.New("network inventory not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateOrder     = errors.New("duplicate order within suppression window")
	ErrRateLimitExceeded  = errors.New("order rate limit exceeded")
	ErrReferenceCollision = errors.New("order reference already exists")
	ErrStaleInventory     = errors.New("inventory was modified concurrently")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrOrderNotProcessing = errors.New("order is no longer processing")
)

// SettleParams carries everything SettlePurchase needs to commit a purchase
// atomically: the order row to insert, whether the wallet is debited, and how
// the in-transaction guards behave for this channel.
type SettleParams struct {
	Order *domain.Order

	// Debit controls whether the wallet balance is reduced and a ledger entry
	// written. A confirmed vendor rejection settles with Debit=false: the order
	// row is recorded as failed but no money moves.
	Debit bool

	// LedgerStatus for the purchase_debit entry: completed when the vendor
	// confirmed delivery, pending for provisional debits (manual queue,
	// ambiguous vendor outcomes).
	LedgerStatus string

	// LedgerRef is the pre-generated reference for the purchase_debit ledger
	// entry. Ignored when Debit is false.
	LedgerRef string

	// DuplicateWindow is the per-channel suppression window. Zero disables the
	// duplicate check (admin replays).
	DuplicateWindow time.Duration

	// EnforceLimits applies the account's daily/hourly order counters inside
	// the transaction. Disabled for admin-originated orders.
	EnforceLimits bool
}

// SettleResult reports the wallet movement recorded by SettlePurchase.
type SettleResult struct {
	BalanceBefore   int64
	BalanceAfter    int64
	LedgerReference string
}

// RangeUpdateParams describes an admin bulk status update over a chronological
// slice of an account's orders.
type RangeUpdateParams struct {
	// AccountID narrows the selection to one account. uuid.Nil selects
	// across all accounts.
	AccountID uuid.UUID
	// CurrentStatus is the status orders must hold to be part of the
	// positional range. Positions are numbered over this set only.
	CurrentStatus string
	Spec          domain.RangeSpec
	Filters       domain.RangeUpdateFilters
	NewStatus     string
	Reason        string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account and wallet methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountBySubject(ctx context.Context, subject string) (*domain.Account, error)
	ManualAdjust(ctx context.Context, accountID uuid.UUID, amount int64, note string, ledgerRef string) (*SettleResult, error)
	ListLedgerByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)

	// Catalog and inventory methods
	LookupBundlePrice(ctx context.Context, network domain.Network, capacityGB int, role string) (int64, error)
	GetInventory(ctx context.Context, network domain.Network) (*domain.NetworkInventory, error)
	ListInventory(ctx context.Context) ([]domain.NetworkInventory, error)
	UpdateInventory(ctx context.Context, inv *domain.NetworkInventory) (*domain.NetworkInventory, error)

	// Settlement: all-or-nothing commit of guards, debit, order row and ledger row.
	SettlePurchase(ctx context.Context, params SettleParams) (*SettleResult, error)

	// RecentDuplicateExists is the advisory form of the settlement's duplicate-order
	// check: same profile match, no lock. Run before the vendor call so a
	// duplicate is rejected without reaching upstream.
	RecentDuplicateExists(ctx context.Context, accountID uuid.UUID, phone string, network domain.Network, capacityGB int, window time.Duration) (bool, error)

	// Order lookup methods
	FindOrderByReference(ctx context.Context, reference string) (*domain.Order, error)
	ListOrdersByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Order, error)
	ListProcessingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error)

	// Reconciliation transitions. Both are compare-and-swap on the current
	// status so concurrent sweeps and admin updates cannot double-apply.
	CompleteProcessingOrder(ctx context.Context, reference string, vendorResponse json.RawMessage) error
	FailOrderWithRefund(ctx context.Context, reference string, fromStatus string, reason string, refundRef string) error

	// Admin range updates over 1-based chronological positions.
	PreviewRangeUpdate(ctx context.Context, params RangeUpdateParams) (*domain.RangeUpdatePreview, error)
	ExecuteRangeUpdate(ctx context.Context, params RangeUpdateParams) (*domain.RangeUpdateResult, error)
}
