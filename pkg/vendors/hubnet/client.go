/**
 * @description
 * This package provides the adapter for the Hubnet bundle API. Hubnet marks
 * success with a `"status": "success"` string and reports failures through a
 * free-text `message` field, which this adapter classifies into the common
 * vendor error taxonomy.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, strings, time: Standard Go libraries.
 * - pkg/vendors: Common adapter contract and error taxonomy.
 */
package hubnet

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

const VendorID = "hubnet"

// Client is a client for the Hubnet API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Hubnet adapter.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: vendors.NewHTTPClient(timeout),
	}
}

// ID implements vendors.Adapter.
func (c *Client) ID() string { return VendorID }

type submitRequest struct {
	Reference string `json:"reference"`
	Phone     string `json:"phone"`
	Network   string `json:"network"`
	VolumeGB  int    `json:"volume_gb"`
}

type submitResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Submit places a bundle order with Hubnet.
func (c *Client) Submit(ctx context.Context, req vendors.OrderRequest) (*vendors.SubmitResult, error) {
	payload := submitRequest{
		Reference: req.Reference,
		Phone:     req.Phone,
		Network:   req.Network,
		VolumeGB:  req.CapacityGB,
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/api/v2/orders", payload)
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable response: %v", err), Raw: raw}
	}

	if strings.EqualFold(resp.Status, "success") {
		return &vendors.SubmitResult{VendorOrderID: resp.OrderID, Raw: raw}, nil
	}
	return nil, classifyMessage(resp.Message, raw)
}

// CheckStatus asks Hubnet for the current state of a previously submitted order.
func (c *Client) CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*vendors.StatusResult, error) {
	ref := vendorOrderID
	if ref == "" {
		ref = orderReference
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/api/v2/orders/"+ref, nil)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable status response: %v", err), Raw: raw}
	}

	switch strings.ToLower(resp.Status) {
	case "delivered", "success", "completed":
		return &vendors.StatusResult{State: vendors.StateDelivered, Raw: raw}, nil
	case "failed", "cancelled", "rejected":
		return &vendors.StatusResult{State: vendors.StateFailed, Raw: raw}, nil
	}
	return &vendors.StatusResult{State: vendors.StateUnknown, Raw: raw}, nil
}

// doRequest executes one authenticated call and returns the raw body for any
// 2xx response. Non-2xx bodies are classified through the same message rules
// as application-level failures.
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hubnet request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create hubnet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

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
		var failure submitResponse
		if err := json.Unmarshal(raw, &failure); err != nil {
			log.Printf("level=warn component=hubnet_client op=%s status=%d msg=\"non-2xx response (unparsable body)\"", path, resp.StatusCode)
			return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("http %d", resp.StatusCode), Raw: raw}
		}
		log.Printf("level=warn component=hubnet_client op=%s status=%d message=%q", path, resp.StatusCode, failure.Message)
		return nil, classifyMessage(failure.Message, raw)
	}

	return raw, nil
}

// classifyMessage buckets Hubnet's free-text failure messages.
func classifyMessage(message string, raw json.RawMessage) *vendors.Error {
	lower := strings.ToLower(message)
	kind := vendors.KindVendorRejected
	switch {
	case strings.Contains(lower, "duplicate"):
		kind = vendors.KindDuplicateUpstream
	case strings.Contains(lower, "invalid") && (strings.Contains(lower, "number") || strings.Contains(lower, "recipient") || strings.Contains(lower, "beneficiary")):
		kind = vendors.KindInvalidRecipient
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "balance"):
		kind = vendors.KindVendorOutOfFunds
	}
	if message == "" {
		message = "hubnet rejected the order"
	}
	return &vendors.Error{Vendor: VendorID, Kind: kind, Message: message, Raw: raw}
}
