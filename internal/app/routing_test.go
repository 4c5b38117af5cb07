package app

import (
	"errors"
	"testing"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/pkg/vendors/dataxpress"
	"github.com/datamart/fulfillment-service/pkg/vendors/hubnet"
	"github.com/datamart/fulfillment-service/pkg/vendors/swiftnet"
)

func inStockInventory() *domain.NetworkInventory {
	return &domain.NetworkInventory{
		WebInStock: true,
		APIInStock: true,
	}
}

func TestDecideRoute_OutOfStockRejects(t *testing.T) {
	acct := &domain.Account{ProcessingMode: domain.ModeAlwaysAPI}
	inv := &domain.NetworkInventory{WebInStock: false, APIInStock: true}

	_, err := DecideRoute(acct, inv, domain.NetworkMTN, domain.ChannelWeb)
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	// The API channel has its own flag and stays open.
	route, err := DecideRoute(acct, inv, domain.NetworkMTN, domain.ChannelAPI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Method != domain.MethodLiveVendor {
		t.Fatalf("expected live route on API channel, got %s", route.Method)
	}
}

func TestDecideRoute_ATBigTimeAlwaysSwiftnet(t *testing.T) {
	// Even with every skip flag raised, at_bigtime goes to swiftnet because no
	// other vendor carries it.
	acct := &domain.Account{
		ProcessingMode: domain.ModeUserOverride,
		SkipLiveGlobal: true,
	}
	inv := inStockInventory()
	inv.WebSkipVendor = true

	route, err := DecideRoute(acct, inv, domain.NetworkATBigTime, domain.ChannelWeb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Method != domain.MethodLiveVendor || route.VendorID != swiftnet.VendorID {
		t.Fatalf("expected live swiftnet route, got method=%s vendor=%s", route.Method, route.VendorID)
	}
	if route.InitialStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected processing status, got %s", route.InitialStatus)
	}
}

func TestDecideRoute_ATBigTimeOutOfStockStillRejects(t *testing.T) {
	acct := &domain.Account{ProcessingMode: domain.ModeAlwaysAPI}
	inv := &domain.NetworkInventory{WebInStock: false}

	if _, err := DecideRoute(acct, inv, domain.NetworkATBigTime, domain.ChannelWeb); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock to outrank the vendor hard rule, got %v", err)
	}
}

func TestDecideRoute_ProcessingModes(t *testing.T) {
	tests := []struct {
		name       string
		acct       *domain.Account
		inv        *domain.NetworkInventory
		network    domain.Network
		wantMethod domain.ProcessingMethod
		wantVendor string
		wantStatus string
	}{
		{
			name:       "always manual queues",
			acct:       &domain.Account{ProcessingMode: domain.ModeAlwaysManual},
			inv:        inStockInventory(),
			network:    domain.NetworkMTN,
			wantMethod: domain.MethodManual,
			wantStatus: domain.OrderStatusWaiting,
		},
		{
			name:       "always api goes live despite skips",
			acct:       &domain.Account{ProcessingMode: domain.ModeAlwaysAPI, SkipLiveGlobal: true},
			inv:        func() *domain.NetworkInventory { inv := inStockInventory(); inv.WebSkipVendor = true; return inv }(),
			network:    domain.NetworkMTN,
			wantMethod: domain.MethodLiveVendor,
			wantVendor: hubnet.VendorID,
			wantStatus: domain.OrderStatusProcessing,
		},
		{
			name:       "inventory first ignores account skips",
			acct:       &domain.Account{ProcessingMode: domain.ModeInventoryFirst, SkipLiveGlobal: true},
			inv:        inStockInventory(),
			network:    domain.NetworkTelecel,
			wantMethod: domain.MethodLiveVendor,
			wantVendor: dataxpress.VendorID,
			wantStatus: domain.OrderStatusProcessing,
		},
		{
			name:       "inventory first honors inventory skip",
			acct:       &domain.Account{ProcessingMode: domain.ModeInventoryFirst},
			inv:        func() *domain.NetworkInventory { inv := inStockInventory(); inv.WebSkipVendor = true; return inv }(),
			network:    domain.NetworkMTN,
			wantMethod: domain.MethodManual,
			wantStatus: domain.OrderStatusWaiting,
		},
		{
			name: "user override honors per-network skip",
			acct: &domain.Account{
				ProcessingMode:   domain.ModeUserOverride,
				SkipLiveNetworks: map[domain.Network]bool{domain.NetworkAT: true},
			},
			inv:        inStockInventory(),
			network:    domain.NetworkAT,
			wantMethod: domain.MethodManual,
			wantStatus: domain.OrderStatusWaiting,
		},
		{
			name:       "user override defaults to live",
			acct:       &domain.Account{ProcessingMode: domain.ModeUserOverride},
			inv:        inStockInventory(),
			network:    domain.NetworkMTN,
			wantMethod: domain.MethodLiveVendor,
			wantVendor: hubnet.VendorID,
			wantStatus: domain.OrderStatusProcessing,
		},
		{
			name:       "requires approval forces pending manual",
			acct:       &domain.Account{ProcessingMode: domain.ModeAlwaysAPI, RequiresApproval: true},
			inv:        inStockInventory(),
			network:    domain.NetworkMTN,
			wantMethod: domain.MethodManual,
			wantStatus: domain.OrderStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := DecideRoute(tt.acct, tt.inv, tt.network, domain.ChannelWeb)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.Method != tt.wantMethod {
				t.Fatalf("method = %s, want %s", route.Method, tt.wantMethod)
			}
			if route.VendorID != tt.wantVendor {
				t.Fatalf("vendor = %q, want %q", route.VendorID, tt.wantVendor)
			}
			if route.InitialStatus != tt.wantStatus {
				t.Fatalf("initial status = %s, want %s", route.InitialStatus, tt.wantStatus)
			}
		})
	}
}
