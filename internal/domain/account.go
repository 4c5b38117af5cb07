/**
 * @description
 * Account, ledger, and inventory domain models. The account carries both the
 * wallet balance and the per-account routing preferences the policy engine
 * consumes; the ledger entry is the immutable audit record for every balance
 * change.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Processing modes controlling how an account's orders are routed.
const (
	ModeUserOverride   = "user_override"   // default: account skip flags, then inventory
	ModeAlwaysManual   = "always_manual"   // every order goes to the manual queue
	ModeAlwaysAPI      = "always_api"      // every order goes to a live vendor
	ModeInventoryFirst = "inventory_first" // defer to the inventory skip flag only
)

// Account is a wallet-holding identity with routing preferences and the lazy
// rolling usage counters backing the rate guard. Counter windows are reset in
// place the first time they are read after expiry (local midnight for the daily
// counter, top of the hour for the hourly one).
type Account struct {
	ID               uuid.UUID        `json:"id"`
	Subject          string           `json:"-"` // auth subject from the verified JWT
	Phone            string           `json:"phone"`
	Role             string           `json:"role"`
	Balance          int64            `json:"balance"` // in pesewas
	ProcessingMode   string           `json:"processing_mode"`
	SkipLiveGlobal   bool             `json:"skip_live_global"`
	SkipLiveNetworks map[Network]bool `json:"skip_live_networks,omitempty"`
	RequiresApproval bool             `json:"requires_approval"`
	DailyOrderLimit  int              `json:"daily_order_limit"`
	HourlyOrderLimit int              `json:"hourly_order_limit"`
	OrdersToday      int              `json:"orders_today"`
	OrdersTodayDate  time.Time        `json:"orders_today_date"`
	OrdersThisHour   int              `json:"orders_this_hour"`
	OrdersHourStart  time.Time        `json:"orders_hour_start"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SkipsLiveVendor reports the account-level skip flag for a network, checking
// the per-network override before the global one.
func (a *Account) SkipsLiveVendor(network Network) bool {
	if a.SkipLiveNetworks != nil && a.SkipLiveNetworks[network] {
		return true
	}
	return a.SkipLiveGlobal
}

// Ledger entry types.
const (
	LedgerTypePurchaseDebit    = "purchase_debit"
	LedgerTypeRefundCredit     = "refund_credit"
	LedgerTypeManualAdjustment = "manual_adjustment"
)

// Ledger entry statuses. A purchase debit for an order that is still in flight
// (queued or awaiting vendor confirmation) stays pending; it is cascaded to
// completed when the order completes.
const (
	LedgerStatusPending   = "pending"
	LedgerStatusCompleted = "completed"
)

// LedgerEntry is one immutable money movement. BalanceBefore/BalanceAfter are
// captured in the same transaction as the account mutation, so replaying the
// entries in chronological order reconstructs the balance exactly.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	Reference      string    `json:"reference"`
	AccountID      uuid.UUID `json:"account_id"`
	OrderReference *string   `json:"order_reference,omitempty"`
	Type           string    `json:"type"`
	Amount         int64     `json:"amount"` // signed: credits positive, debits negative
	BalanceBefore  int64     `json:"balance_before"`
	BalanceAfter   int64     `json:"balance_after"`
	Status         string    `json:"status"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NetworkInventory is the admin-writable flag set for one network. The version
// is bumped on every write so decisions can be traced to the configuration they
// were made against.
type NetworkInventory struct {
	Network       Network   `json:"network"`
	WebInStock    bool      `json:"web_in_stock"`
	WebSkipVendor bool      `json:"web_skip_vendor"`
	APIInStock    bool      `json:"api_in_stock"`
	APISkipVendor bool      `json:"api_skip_vendor"`
	Version       int       `json:"version"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InStock reports availability for the given channel.
func (inv *NetworkInventory) InStock(ch Channel) bool {
	if ch == ChannelAPI {
		return inv.APIInStock
	}
	return inv.WebInStock
}

// SkipsVendor reports the channel's "skip live vendor" flag.
func (inv *NetworkInventory) SkipsVendor(ch Channel) bool {
	if ch == ChannelAPI {
		return inv.APISkipVendor
	}
	return inv.WebSkipVendor
}
