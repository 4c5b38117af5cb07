/**
 * @description
 * HTTP handlers for the admin surface: bulk range updates over order history,
 * inventory writes, manual wallet adjustments, and on-demand reconciliation.
 * Every handler here re-checks the admin role against the account row, not the
 * token claim.
 */

package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/internal/store"
)

func (h *FulfillmentHandlers) requireAdmin(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	acct, ok := h.requireAccount(w, r)
	if !ok {
		return nil, false
	}
	if acct.Role != domain.RoleAdmin {
		h.writeError(w, http.StatusForbidden, "Admin role required")
		return nil, false
	}
	return acct, true
}

// rangeUpdateRequest is the shared payload for preview and execute.
// account_id is optional; omitting it ranges over every account.
// current_status defaults to pending, the usual backlog being swept.
type rangeUpdateRequest struct {
	AccountID     string           `json:"account_id,omitempty"`
	CurrentStatus string           `json:"current_status,omitempty"`
	Range         domain.RangeSpec `json:"range"`
	Network       string           `json:"network,omitempty"`
	From          *time.Time       `json:"from,omitempty"`
	To            *time.Time       `json:"to,omitempty"`
	NewStatus     string           `json:"new_status"`
	Reason        string           `json:"reason,omitempty"`
}

func (h *FulfillmentHandlers) parseRangeUpdate(w http.ResponseWriter, r *http.Request) (store.RangeUpdateParams, bool) {
	var req rangeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return store.RangeUpdateParams{}, false
	}

	accountID := uuid.Nil
	if req.AccountID != "" {
		parsed, err := uuid.Parse(req.AccountID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid account_id")
			return store.RangeUpdateParams{}, false
		}
		accountID = parsed
	}
	if err := req.Range.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return store.RangeUpdateParams{}, false
	}
	currentStatus := req.CurrentStatus
	if currentStatus == "" {
		currentStatus = domain.OrderStatusPending
	}

	params := store.RangeUpdateParams{
		AccountID:     accountID,
		CurrentStatus: currentStatus,
		Spec:          req.Range,
		NewStatus:     req.NewStatus,
		Reason:        req.Reason,
		Filters:       domain.RangeUpdateFilters{From: req.From, To: req.To},
	}
	if req.Network != "" {
		network, err := domain.ParseNetwork(req.Network)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return store.RangeUpdateParams{}, false
		}
		params.Filters.Network = &network
	}
	return params, true
}

// PreviewRangeUpdateHandler handles POST /admin/orders/range-update/preview.
func (h *FulfillmentHandlers) PreviewRangeUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	params, ok := h.parseRangeUpdate(w, r)
	if !ok {
		return
	}

	preview, err := h.service.PreviewRangeUpdate(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// ExecuteRangeUpdateHandler handles POST /admin/orders/range-update/execute.
func (h *FulfillmentHandlers) ExecuteRangeUpdateHandler(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	params, ok := h.parseRangeUpdate(w, r)
	if !ok {
		return
	}

	log.Printf("level=info component=api msg=\"range update requested\" admin=%s account=%s from=%s to=%s mode=%s",
		admin.ID, params.AccountID, params.CurrentStatus, params.NewStatus, params.Spec.Mode)
	result, err := h.service.ExecuteRangeUpdate(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AdminListInventoryHandler handles GET /admin/inventory: all networks with
// their admin-only fields (version, updated_by).
func (h *FulfillmentHandlers) AdminListInventoryHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	inv, err := h.service.ListInventory(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// GetInventoryHandler handles GET /admin/inventory/{network}.
func (h *FulfillmentHandlers) GetInventoryHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	network, err := domain.ParseNetwork(chi.URLParam(r, "network"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := h.service.ListInventory(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	for i := range inv {
		if inv[i].Network == network {
			h.writeJSON(w, http.StatusOK, inv[i])
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "Unknown network")
}

// UpdateInventoryHandler handles PUT /admin/inventory/{network}. The request
// must carry the version it read; a stale version is rejected with 409.
func (h *FulfillmentHandlers) UpdateInventoryHandler(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	network, err := domain.ParseNetwork(chi.URLParam(r, "network"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var inv domain.NetworkInventory
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	inv.Network = network
	inv.UpdatedBy = admin.Subject

	updated, err := h.service.UpdateInventory(r.Context(), &inv)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

type manualAdjustRequest struct {
	Amount int64  `json:"amount"` // signed, pesewas
	Note   string `json:"note"`
}

// ManualAdjustHandler handles POST /admin/accounts/{id}/adjust.
func (h *FulfillmentHandlers) ManualAdjustHandler(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	var req manualAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	note := req.Note
	if note == "" {
		note = "manual adjustment by " + admin.Subject
	}
	result, err := h.service.ManualAdjust(r.Context(), accountID, req.Amount, note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileNowHandler handles POST /admin/reconcile: one immediate sweep over
// stale processing orders, bypassing the worker's ticker.
func (h *FulfillmentHandlers) ReconcileNowHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	grace := 0 * time.Second // admin sweep ignores the grace period by default
	if raw := r.URL.Query().Get("grace_seconds"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			grace = time.Duration(parsed) * time.Second
		}
	}

	summary, err := h.service.ReconcileProcessingOrders(r.Context(), grace, 200)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}
