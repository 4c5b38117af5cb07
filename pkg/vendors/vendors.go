/**
 * @description
 * This package defines the uniform contract every upstream network-vendor
 * adapter implements, plus the normalized error taxonomy and the registry the
 * engine resolves adapters from. Each vendor speaks a different dialect
 * (status strings, numeric codes, nested envelopes); adapters translate those
 * into SubmitResult / Error here so raw shapes never leak past this boundary.
 *
 * @notes
 * - A timeout is an explicitly ambiguous outcome: the order may or may not
 *   have been delivered. Callers must never treat KindVendorTimeout as a
 *   confirmed failure; such orders stay non-terminal until reconciled.
 */

package vendors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Error kinds bucketing heterogeneous upstream failures.
const (
	KindDuplicateUpstream = "duplicate_upstream"
	KindInvalidRecipient  = "invalid_recipient"
	KindVendorOutOfFunds  = "vendor_out_of_funds"
	KindVendorTimeout     = "vendor_timeout" // ambiguous: no response within deadline
	KindVendorRejected    = "vendor_rejected"
	KindUnknown           = "unknown"
)

// OrderRequest is the vendor-neutral submission payload. Reference doubles as
// the dedupe handle on the vendor side; retries must reuse it.
type OrderRequest struct {
	Reference  string
	Phone      string
	Network    string
	CapacityGB int
}

// SubmitResult is a confirmed-successful submission.
type SubmitResult struct {
	VendorOrderID string
	Raw           json.RawMessage // opaque, retained for audit
}

// Status states reported by CheckStatus. StateUnknown means the vendor could
// not (yet) give a definitive answer; the order stays as-is.
const (
	StateDelivered = "delivered"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
)

// StatusResult is the outcome of a reconciliation status check.
type StatusResult struct {
	State string
	Raw   json.RawMessage
}

// Error is a classified upstream failure.
type Error struct {
	Vendor  string
	Kind    string
	Message string
	Raw     json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("vendor %s: %s: %s", e.Vendor, e.Kind, e.Message)
}

// IsTimeout reports whether err is a classified vendor timeout.
func IsTimeout(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindVendorTimeout
}

// Kind extracts the error kind, or KindUnknown for unclassified errors.
func Kind(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

// Adapter is the uniform submit/status contract each upstream API is wrapped in.
type Adapter interface {
	ID() string
	Submit(ctx context.Context, req OrderRequest) (*SubmitResult, error)
	CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*StatusResult, error)
}

// Registry resolves adapters by vendor id.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for a vendor id.
func (r *Registry) Get(vendorID string) (Adapter, error) {
	a, ok := r.adapters[vendorID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for vendor %q", vendorID)
	}
	return a, nil
}

// IDs lists registered vendor ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// ClassifyTransport maps a transport-level error from an HTTP round trip into
// the taxonomy. Deadline and net timeouts become KindVendorTimeout; anything
// else is KindUnknown because we cannot prove the request never reached the
// vendor.
func ClassifyTransport(vendor string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Vendor: vendor, Kind: KindVendorTimeout, Message: "no response within deadline"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Vendor: vendor, Kind: KindVendorTimeout, Message: "no response within deadline"}
	}
	return &Error{Vendor: vendor, Kind: KindUnknown, Message: err.Error()}
}

// NewHTTPClient is the shared client constructor so every adapter carries the
// same call deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
