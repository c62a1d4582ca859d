package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// UsageHandlers serves usage reads, metered consumption and the plan
// catalog
type UsageHandlers struct {
	engine Engine
}

// NewUsageHandlers creates a new UsageHandlers
func NewUsageHandlers(engine Engine) *UsageHandlers {
	return &UsageHandlers{engine: engine}
}

// RegisterRoutes registers usage and plan routes
func (h *UsageHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{org_id}/usage", h.ListUsage).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{org_id}/usage/{metric}", h.Consume).Methods(http.MethodPost)
	router.HandleFunc("/plans", h.ListPlans).Methods(http.MethodGet)
}

// ListUsage returns the usage of every metric of the organization's plan
func (h *UsageHandlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	list, err := h.engine.ListUsage(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []usage.Usage{}
	}

	httputil.WriteSuccess(w, list)
}

// Consume authorizes a metered action and records ?delta= units, default 1.
// A refused request records nothing and answers 429 with the current usage.
func (h *UsageHandlers) Consume(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	delta, err := httputil.ParseQueryInt64(r, "delta", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}

	decision, err := h.engine.Consume(r.Context(), actor(r), orgID, mux.Vars(r)["metric"], delta)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, decision)
}

// ListPlans returns the plan catalog. It needs no identity.
func (h *UsageHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.engine.Plans())
}
