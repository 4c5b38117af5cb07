/**
 * @description
 * This file contains the HTTP handlers for the fulfillment-service's caller-facing
 * API endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datamart/fulfillment-service/internal/app"
	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/internal/store"
	"github.com/datamart/fulfillment-service/pkg/vendors"
)

// FulfillmentHandlers holds the application service that handlers will use.
type FulfillmentHandlers struct {
	service *app.Service
}

// NewFulfillmentHandlers creates a new instance of FulfillmentHandlers.
func NewFulfillmentHandlers(service *app.Service) *FulfillmentHandlers {
	return &FulfillmentHandlers{service: service}
}

func (h *FulfillmentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *FulfillmentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// requireAccount resolves the authenticated subject to its account. The role
// stored on the account is authoritative; the token's role claim is not trusted
// for authorization decisions.
func (h *FulfillmentHandlers) requireAccount(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get subject from context")
		return nil, false
	}
	acct, err := h.service.ResolveAccount(r.Context(), subject)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusForbidden, "No account for this identity")
			return nil, false
		}
		log.Printf("level=error component=api msg=\"account resolution failed\" subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to resolve account")
		return nil, false
	}
	return acct, true
}

// writeServiceError maps service and vendor errors onto HTTP statuses.
func (h *FulfillmentHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBundleNotFound):
		h.writeError(w, http.StatusNotFound, "No such bundle for this network")
	case errors.Is(err, store.ErrInventoryNotFound):
		h.writeError(w, http.StatusNotFound, "Unknown network")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance")
	case errors.Is(err, store.ErrDuplicateOrder):
		h.writeError(w, http.StatusConflict, "A matching order was placed moments ago; wait before retrying")
	case errors.Is(err, store.ErrRateLimitExceeded):
		h.writeError(w, http.StatusTooManyRequests, "Order rate limit exceeded")
	case errors.Is(err, app.ErrOutOfStock):
		h.writeError(w, http.StatusConflict, "Network is out of stock")
	case errors.Is(err, store.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, app.ErrNotOrderOwner):
		// Indistinguishable from absent, deliberately.
		h.writeError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, store.ErrStaleInventory):
		h.writeError(w, http.StatusConflict, "Inventory was changed by another admin; re-read and retry")
	default:
		if kind := vendors.Kind(err); kind != vendors.KindUnknown {
			h.writeVendorError(w, err, kind)
			return
		}
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *FulfillmentHandlers) writeVendorError(w http.ResponseWriter, err error, kind string) {
	switch kind {
	case vendors.KindInvalidRecipient:
		h.writeError(w, http.StatusUnprocessableEntity, "The recipient number was rejected by the network")
	case vendors.KindDuplicateUpstream:
		h.writeError(w, http.StatusConflict, "A matching order is already in flight upstream")
	case vendors.KindVendorOutOfFunds, vendors.KindVendorRejected:
		h.writeError(w, http.StatusBadGateway, "The upstream vendor rejected the order; you have not been charged")
	default:
		log.Printf("level=error component=api msg=\"unmapped vendor error\" kind=%s err=%v", kind, err)
		h.writeError(w, http.StatusBadGateway, "Upstream vendor error")
	}
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

// PurchaseHandler handles POST /orders: the full purchase pipeline.
func (h *FulfillmentHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	receipt, err := h.service.SubmitPurchase(r.Context(), acct.ID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if receipt.Status != domain.OrderStatusCompleted {
		// Queued or awaiting confirmation.
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, receipt)
}

// GetOrderHandler handles GET /orders/{reference}.
func (h *FulfillmentHandlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	ref := chi.URLParam(r, "reference")
	order, err := h.service.GetOrder(r.Context(), acct.ID, ref, acct.Role == domain.RoleAdmin)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// ListOrdersHandler handles GET /orders: the caller's order history.
func (h *FulfillmentHandlers) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	limit, offset := paginationParams(r)
	orders, err := h.service.ListOrders(r.Context(), acct.ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// WalletHandler handles GET /wallet: balance plus recent ledger entries.
func (h *FulfillmentHandlers) WalletHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	limit, offset := paginationParams(r)
	wallet, err := h.service.GetWallet(r.Context(), acct.ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// ListInventoryHandler handles GET /inventory: public stock flags per network.
func (h *FulfillmentHandlers) ListInventoryHandler(w http.ResponseWriter, r *http.Request) {
	inventory, err := h.service.ListInventory(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"inventory": inventory})
}
