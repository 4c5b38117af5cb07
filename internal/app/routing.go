/**
 * @description
 * The routing policy engine: decides, for one purchase, whether the order goes
 * to a live vendor (and which) or to the manual fulfillment queue. The decision
 * is a pure function of the account preferences, the network inventory flags,
 * and the request, so it is deterministic and trivially testable.
 *
 * Precedence, highest first:
 *   1. Channel out-of-stock flag rejects the order outright.
 *   2. AT BigTime always routes to swiftnet; no other vendor carries it.
 *   3. The account's processing mode (always_manual / always_api / overrides).
 *   4. requires_approval forces otherwise-live orders into the manual queue
 *      in the pending state.
 */

package app

import (
	"errors"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/pkg/vendors/dataxpress"
	"github.com/datamart/fulfillment-service/pkg/vendors/hubnet"
	"github.com/datamart/fulfillment-service/pkg/vendors/swiftnet"
)

// ErrOutOfStock rejects a purchase whose network is flagged out of stock for
// the requesting channel.
var ErrOutOfStock = errors.New("network is out of stock for this channel")

// Route is the routing engine's verdict for one purchase.
type Route struct {
	Method domain.ProcessingMethod
	// VendorID is set only for live routes.
	VendorID string
	// InitialStatus the order is created in: processing for live routes,
	// waiting for the manual queue, pending when approval is required.
	InitialStatus string
}

// defaultVendorFor maps a network to the vendor that carries it on the live path.
func defaultVendorFor(network domain.Network) string {
	switch network {
	case domain.NetworkATBigTime:
		return swiftnet.VendorID
	case domain.NetworkTelecel:
		return dataxpress.VendorID
	default:
		return hubnet.VendorID
	}
}

func manualRoute(acct *domain.Account) Route {
	status := domain.OrderStatusWaiting
	if acct.RequiresApproval {
		status = domain.OrderStatusPending
	}
	return Route{Method: domain.MethodManual, InitialStatus: status}
}

func liveRoute(acct *domain.Account, network domain.Network) Route {
	if acct.RequiresApproval {
		// Flagged accounts never hit vendors unattended.
		return Route{Method: domain.MethodManual, InitialStatus: domain.OrderStatusPending}
	}
	return Route{
		Method:        domain.MethodLiveVendor,
		VendorID:      defaultVendorFor(network),
		InitialStatus: domain.OrderStatusProcessing,
	}
}

// DecideRoute resolves the processing route for a purchase.
func DecideRoute(acct *domain.Account, inv *domain.NetworkInventory, network domain.Network, ch domain.Channel) (Route, error) {
	if !inv.InStock(ch) {
		return Route{}, ErrOutOfStock
	}

	// AT BigTime is exclusive to swiftnet; account and inventory skip flags
	// cannot reroute it to a vendor that does not carry the product.
	if network == domain.NetworkATBigTime {
		return liveRoute(acct, network), nil
	}

	switch acct.ProcessingMode {
	case domain.ModeAlwaysManual:
		return manualRoute(acct), nil
	case domain.ModeAlwaysAPI:
		return liveRoute(acct, network), nil
	case domain.ModeInventoryFirst:
		if inv.SkipsVendor(ch) {
			return manualRoute(acct), nil
		}
		return liveRoute(acct, network), nil
	default: // ModeUserOverride
		if acct.SkipsLiveVendor(network) || inv.SkipsVendor(ch) {
			return manualRoute(acct), nil
		}
		return liveRoute(acct, network), nil
	}
}
