/**
 * @description
 * Core domain models for the fulfillment-service: purchase orders, the order
 * lifecycle state machine, and the API-facing purchase DTOs.
 *
 * @notes
 * - Amounts are stored as `int64` in pesewas (the smallest GHS unit) to avoid
 *   floating-point inaccuracies with money.
 * - An order's reference is assigned exactly once and never reused; the raw
 *   vendor payload is retained opaquely for audit and reconciliation.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Order lifecycle statuses. pending/waiting/processing are non-terminal and must
// eventually be moved to completed/failed/refunded by vendor confirmation,
// reconciliation, or admin action. delivered and on are admin bookkeeping states.
const (
	OrderStatusPending    = "pending"    // accepted, awaiting processing (e.g. manual approval)
	OrderStatusWaiting    = "waiting"    // queued for manual fulfillment
	OrderStatusProcessing = "processing" // submitted upstream, outcome not yet confirmed
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusRefunded   = "refunded"
	OrderStatusDelivered  = "delivered" // admin-only manual bookkeeping
	OrderStatusOn         = "on"        // admin-only manual bookkeeping
)

var orderStatusTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusWaiting, OrderStatusProcessing, OrderStatusCompleted, OrderStatusFailed, OrderStatusDelivered, OrderStatusOn},
	OrderStatusWaiting:    {OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusFailed, OrderStatusDelivered, OrderStatusOn},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusDelivered, OrderStatusOn},
	OrderStatusFailed:     {OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusCompleted},
	OrderStatusOn:         {OrderStatusCompleted, OrderStatusDelivered},
}

// CanTransition reports whether moving an order from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, allowed := range orderStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsOrderStatus reports whether the string names a known lifecycle status.
func IsOrderStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusWaiting, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded,
		OrderStatusDelivered, OrderStatusOn:
		return true
	}
	return false
}

// IsTerminalStatus reports whether a status ends the order lifecycle.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// Order is one purchase attempt for a data bundle. Orders are never deleted,
// only re-stated through status transitions.
type Order struct {
	ID               uuid.UUID        `json:"id"`
	Reference        string           `json:"reference"`
	AccountID        uuid.UUID        `json:"account_id"`
	Phone            string           `json:"phone"`
	Network          Network          `json:"network"`
	CapacityGB       int              `json:"capacity_gb"`
	Price            int64            `json:"price"` // in pesewas
	Channel          Channel          `json:"channel"`
	ProcessingMethod ProcessingMethod `json:"processing_method"`
	VendorID         *string          `json:"vendor_id,omitempty"`
	VendorOrderID    *string          `json:"vendor_order_id,omitempty"`
	VendorResponse   json.RawMessage  `json:"vendor_response,omitempty"` // opaque, audit only
	Status           string           `json:"status"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// PurchaseRequest is the DTO for incoming purchase API requests.
type PurchaseRequest struct {
	Phone      string `json:"phone" validate:"required,len=10,numeric"`
	Network    string `json:"network" validate:"required"`
	CapacityGB int    `json:"capacity_gb" validate:"required,gt=0,lte=200"`
	Channel    string `json:"channel" validate:"omitempty,oneof=web api"`
}

// PurchaseReceipt is returned to the caller after a purchase request has been
// settled (or queued). BalanceAfter is the committed wallet balance.
type PurchaseReceipt struct {
	Status           string           `json:"status"`
	OrderReference   string           `json:"order_reference"`
	ProcessingMethod ProcessingMethod `json:"processing_method"`
	BalanceAfter     int64            `json:"balance_after"`
	Message          string           `json:"message,omitempty"`
}
