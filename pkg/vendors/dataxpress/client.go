/**
 * @description
 * This package provides the adapter for the DataXpress bundle API. DataXpress
 * signals outcomes with an application-level numeric `code` (the HTTP status is
 * almost always 200), so classification keys off code ranges rather than
 * message text.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - pkg/vendors: Common adapter contract and error taxonomy.
 */
package dataxpress

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

const VendorID = "dataxpress"

// Application-level result codes used by DataXpress.
const (
	codeOK              = 200
	codeDuplicate       = 409
	codeInvalidMSISDN   = 422
	codeSupplierBalance = 402
	stateCodeDelivered  = 1
	stateCodeFailed     = 2
	stateCodeInProgress = 0
)

// Client is a client for the DataXpress API.
type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

// NewClient creates a new DataXpress adapter.
func NewClient(baseURL, apiToken string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIToken:   apiToken,
		HTTPClient: vendors.NewHTTPClient(timeout),
	}
}

// ID implements vendors.Adapter.
func (c *Client) ID() string { return VendorID }

type envelope struct {
	Code int             `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

type submitData struct {
	TxID string `json:"txid"`
}

type statusData struct {
	State int `json:"state"`
}

// Submit places a bundle order with DataXpress.
func (c *Client) Submit(ctx context.Context, req vendors.OrderRequest) (*vendors.SubmitResult, error) {
	payload := map[string]interface{}{
		"ref":     req.Reference,
		"msisdn":  req.Phone,
		"network": req.Network,
		"size_gb": req.CapacityGB,
	}
	env, raw, err := c.doRequest(ctx, http.MethodPost, "/v1/bundles", payload)
	if err != nil {
		return nil, err
	}

	if env.Code != codeOK {
		return nil, classifyCode(env.Code, env.Desc, raw)
	}

	var data submitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable data block: %v", err), Raw: raw}
	}
	return &vendors.SubmitResult{VendorOrderID: data.TxID, Raw: raw}, nil
}

// CheckStatus asks DataXpress for the current state of a submitted order.
func (c *Client) CheckStatus(ctx context.Context, vendorOrderID, orderReference string) (*vendors.StatusResult, error) {
	ref := vendorOrderID
	if ref == "" {
		ref = orderReference
	}
	env, raw, err := c.doRequest(ctx, http.MethodGet, "/v1/bundles/"+ref+"/status", nil)
	if err != nil {
		return nil, err
	}
	if env.Code != codeOK {
		// A non-OK status lookup is not a definitive order outcome.
		return &vendors.StatusResult{State: vendors.StateUnknown, Raw: raw}, nil
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("undecodable status block: %v", err), Raw: raw}
	}

	switch data.State {
	case stateCodeDelivered:
		return &vendors.StatusResult{State: vendors.StateDelivered, Raw: raw}, nil
	case stateCodeFailed:
		return &vendors.StatusResult{State: vendors.StateFailed, Raw: raw}, nil
	}
	return &vendors.StatusResult{State: vendors.StateUnknown, Raw: raw}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) (*envelope, json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal dataxpress request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create dataxpress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, vendors.ClassifyTransport(VendorID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, vendors.ClassifyTransport(VendorID, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("level=warn component=dataxpress_client op=%s status=%d msg=\"undecodable envelope\"", path, resp.StatusCode)
		return nil, nil, &vendors.Error{Vendor: VendorID, Kind: vendors.KindUnknown, Message: fmt.Sprintf("http %d: undecodable envelope", resp.StatusCode), Raw: raw}
	}
	return &env, raw, nil
}

// classifyCode maps DataXpress application codes to the common taxonomy.
func classifyCode(code int, desc string, raw json.RawMessage) *vendors.Error {
	kind := vendors.KindVendorRejected
	switch code {
	case codeDuplicate:
		kind = vendors.KindDuplicateUpstream
	case codeInvalidMSISDN:
		kind = vendors.KindInvalidRecipient
	case codeSupplierBalance:
		kind = vendors.KindVendorOutOfFunds
	}
	if desc == "" {
		desc = fmt.Sprintf("dataxpress code %d", code)
	}
	return &vendors.Error{Vendor: VendorID, Kind: kind, Message: desc, Raw: raw}
}
