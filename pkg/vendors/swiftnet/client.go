/**
 * @description
 * This package provides the adapter for the SwiftNet bundle API, the only
 * vendor able to fulfil AT BigTime bundles. SwiftNet wraps everything in a
 * JSON:API-style envelope: success responses nest the order under
 * `data.order`, failures carry an `errors` array with machine codes.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - pkg/vendors: Common adapter contract and error taxonomy.
 */
package swiftnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/datamart/fulfillment-service/pkg/vendors"
)

const VendorID = "swiftnet"

// Client is a client for the SwiftNet API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new SwiftNet adapter.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: vendors.NewHTTPClient(timeout),
	}
}

// ID implements vendors.Adapter.
func (c *Client) ID() string { return VendorID }

type orderEnvelope struct {
	Data struct {
		Order struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"order"`
	} `json:"data"`
}

type errorEnvelope struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// Submit places a bundle order with SwiftNet.
func (c *Client) Submit(ctx context.Context, req vendors.OrderRequest) (*vendors.SubmitResult, error) {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "BundleOrder",
			"attributes": map[string]interface{}{
				"reference":   req.Reference,
				"recipient":   req.Phone,
				"network":     req.Network,
				"capacity_gb": req.CapacityGB,
			},
		},
	}
	raw, vendorErr := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", payload)
	if vendorErr != nil {
		return nil, vendorErr
	}

	var env orderEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable envelope: %v", err), Raw: raw}
	}

	switch strings.ToLower(env.Data.Order.State) {
	case "confirmed", "delivered", "completed":
		return &vendors.SubmitResult{VendorOrderID: env.Data.Order.ID, Raw: raw}, nil
	case "", "rejected", "failed":
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindVendorRejected, Message: fmt.Sprintf("order state %q", env.Data.Order.State), Raw: raw}
	}
	// Accepted but not yet confirmed counts as a success with the order id; the
	// reconciliation pass resolves the final state.
	return &vendors.SubmitResult{VendorOrderID: env.Data.Order.ID, Raw: raw}, nil
}

// CheckStatus asks SwiftNet for the current state of a submitted order.
func (c *Client) CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*vendors.StatusResult, error) {
	ref := vendorOrderID
	if ref == "" {
		ref = orderReference
	}
	raw, vendorErr := c.doRequest(ctx, http.MethodGet, "/api/v1/orders/"+ref, nil)
	if vendorErr != nil {
		return nil, vendorErr
	}

	var env orderEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable status envelope: %v", err), Raw: raw}
	}

	switch strings.ToLower(env.Data.Order.State) {
	case "delivered", "completed", "confirmed":
		return &vendors.StatusResult{State: vendors.StateDelivered, Raw: raw}, nil
	case "failed", "rejected", "cancelled":
		return &vendors.StatusResult{State: vendors.StateFailed, Raw: raw}, nil
	}
	return &vendors.StatusResult{State: vendors.StateUnknown, Raw: raw}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal swiftnet request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create swiftnet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-swiftnet-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, vendors.ClassifyTransport(VendorID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vendors.ClassifyTransport(VendorID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || len(env.Errors) == 0 {
			log.Printf("level=warn component=swiftnet_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("http %d", resp.StatusCode), Raw: raw}
		}
		first := env.Errors[0]
		log.Printf("level=warn component=swiftnet_client op=%s status=%d code=%q detail=%q", path, resp.StatusCode, first.Code, first.Detail)
		return nil, classifyCode(first.Code, first.Title, first.Detail, raw)
	}

	return raw, nil
}

// classifyCode maps SwiftNet machine codes to the common taxonomy.
func classifyCode(code, title, detail string, raw json.RawMessage) *vendors.Error {
	kind := vendors.KindVendorRejected
	switch strings.ToLower(code) {
	case "duplicate_order":
		kind = vendors.KindDuplicateUpstream
	case "invalid_msisdn", "invalid_recipient":
		kind = vendors.KindInvalidRecipient
	case "insufficient_float", "insufficient_balance":
		kind = vendors.KindVendorOutOfFunds
	}
	message := detail
	if message == "" {
		message = title
	}
	if message == "" {
		message = fmt.Sprintf("swiftnet error %s", code)
	}
	return &vendors.Error{Vendor: VendorID, Kind: kind, Message: message, Raw: raw}
}
