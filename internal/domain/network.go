/**
 * @description
 * This file defines the closed set of mobile networks the service can fulfil
 * bundles for, together with the purchase channels through which orders arrive.
 *
 * @notes
 * - Network is a closed enum rather than free-form strings so that routing rules
 *   (including the AT BigTime hard rule) live in one place and typos fail at the
 *   boundary instead of deep inside the engine.
 */

package domain

import (
	"fmt"
	"strings"
)

// Network identifies the mobile network a data bundle is delivered on.
type Network string

const (
	NetworkMTN       Network = "mtn"
	NetworkTelecel   Network = "telecel"
	NetworkAT        Network = "at"
	NetworkATBigTime Network = "at_bigtime" // premium AT variant with a dedicated vendor
)

// AllNetworks lists every supported network in a stable order.
var AllNetworks = []Network{NetworkMTN, NetworkTelecel, NetworkAT, NetworkATBigTime}

// ParseNetwork normalizes and validates a network identifier from the API boundary.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllNetworks {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// Channel is the surface a purchase request arrived through. Inventory flags and
// duplicate-suppression windows are tracked per channel.
type Channel string

const (
	ChannelWeb Channel = "web"
	ChannelAPI Channel = "api"
)

// ParseChannel validates a channel identifier.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChannelWeb, ChannelAPI:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ProcessingMethod is the routing path an order was fulfilled through.
type ProcessingMethod string

const (
	MethodLiveVendor ProcessingMethod = "live_vendor"
	MethodManual     ProcessingMethod = "manual"
)
