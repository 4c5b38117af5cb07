package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"testing"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			wantKind: KindVendorTimeout,
		},
		{
			name:     "wrapped context deadline",
			err:      fmt.Errorf("Post \"https://vendor/api\": %w", context.DeadlineExceeded),
			wantKind: KindVendorTimeout,
		},
		{
			name:     "net timeout",
			err:      &url.Error{Op: "Post", URL: "https://vendor/api", Err: &fakeNetError{timeout: true}},
			wantKind: KindVendorTimeout,
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp: connection refused"),
			wantKind: KindUnknown,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ve := ClassifyTransport("testvendor", tc.err)
			if ve.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s", ve.Kind, tc.wantKind)
			}
			if ve.Vendor != "testvendor" {
				t.Fatalf("vendor = %s, want testvendor", ve.Vendor)
			}
		})
	}
}

func TestKindAndIsTimeout(t *testing.T) {
	timeout := &Error{Vendor: "v", Kind: KindVendorTimeout, Message: "no response"}
	if !IsTimeout(timeout) {
		t.Fatal("IsTimeout should recognize a timeout Error")
	}
	if IsTimeout(errors.New("plain")) {
		t.Fatal("IsTimeout must not match plain errors")
	}

	wrapped := fmt.Errorf("submit: %w", &Error{Vendor: "v", Kind: KindInvalidRecipient})
	if Kind(wrapped) != KindInvalidRecipient {
		t.Fatalf("Kind through wrapping = %s, want invalid_recipient", Kind(wrapped))
	}
	if Kind(errors.New("plain")) != KindUnknown {
		t.Fatal("unclassified errors must report unknown")
	}
}

type registryAdapter struct{ id string }

func (a *registryAdapter) ID() string { return a.id }

func (a *registryAdapter) Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error) {
	return nil, errors.New("not implemented")
}

func (a *registryAdapter) CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*StatusResult, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&registryAdapter{id: "alpha"}, &registryAdapter{id: "beta"})

	a, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID() != "alpha" {
		t.Fatalf("got adapter %s, want alpha", a.ID())
	}

	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected an error for an unregistered vendor")
	}

	ids := r.IDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("IDs() = %v", ids)
	}
}
