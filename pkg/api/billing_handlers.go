package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitlements/pkg/billing"
	"github.com/platinummonkey/entitlements/pkg/httputil"
)

// BillingHandlers serves the organization subscription
type BillingHandlers struct {
	engine Engine
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(engine Engine) *BillingHandlers {
	return &BillingHandlers{engine: engine}
}

// RegisterRoutes registers subscription routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{org_id}/subscription/current", h.GetCurrent).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{org_id}/subscription", h.ChangeSubscription).Methods(http.MethodPut)
	router.HandleFunc("/orgs/{org_id}/subscription", h.CancelSubscription).Methods(http.MethodDelete)
	router.HandleFunc("/orgs/{org_id}/subscription/resume", h.ResumeSubscription).Methods(http.MethodPost)
}

// GetCurrent returns the subscription, plan and usage snapshot
func (h *BillingHandlers) GetCurrent(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	snapshot, err := h.engine.CurrentSubscription(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, snapshot)
}

// ChangeSubscription subscribes or changes plan and billing cycle
func (h *BillingHandlers) ChangeSubscription(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	var req billing.ChangeSubscriptionRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := h.engine.ChangeSubscription(r.Context(), actor(r), orgID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}

// CancelSubscription cancels at the end of the current period
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	sub, err := h.engine.CancelSubscription(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}

// ResumeSubscription withdraws a scheduled cancellation
func (h *BillingHandlers) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	sub, err := h.engine.ResumeSubscription(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}
