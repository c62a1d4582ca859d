package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/entitlements/pkg/httputil"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/orgs"
)

// OrgHandlers serves organizations, invitations and members
type OrgHandlers struct {
	engine Engine
}

// NewOrgHandlers creates a new OrgHandlers
func NewOrgHandlers(engine Engine) *OrgHandlers {
	return &OrgHandlers{engine: engine}
}

// CreateOrgResponse is the body of a successful organization creation
type CreateOrgResponse struct {
	Organization *orgs.Organization `json:"organization"`
	Owner        *orgs.Member       `json:"owner"`
}

// RegisterRoutes registers organization routes
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.CreateOrganization).Methods(http.MethodPost)

	// Invitations
	router.HandleFunc("/orgs/{org_id}/invitations", h.CreateInvitation).Methods(http.MethodPost)
	router.HandleFunc("/orgs/{org_id}/invitations", h.ListInvitations).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{org_id}/invitations/{id}/resend", h.ResendInvitation).Methods(http.MethodPost)
	router.HandleFunc("/orgs/{org_id}/invitations/{id}", h.CancelInvitation).Methods(http.MethodDelete)
	router.HandleFunc("/invitations/{id}/accept", h.AcceptInvitation).Methods(http.MethodPost)
	router.HandleFunc("/invitations/{id}/decline", h.DeclineInvitation).Methods(http.MethodPost)

	// Members
	router.HandleFunc("/orgs/{org_id}/members", h.ListMembers).Methods(http.MethodGet)
	router.HandleFunc("/orgs/{org_id}/members/{id}", h.UpdateMember).Methods(http.MethodPut)
	router.HandleFunc("/orgs/{org_id}/members/{id}", h.RemoveMember).Methods(http.MethodDelete)
}

// CreateOrganization creates an organization owned by the caller
func (h *OrgHandlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req orgs.CreateOrgRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	org, owner, err := h.engine.CreateOrganization(r.Context(), middleware.IdentityFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteCreated(w, CreateOrgResponse{Organization: org, Owner: owner})
}

// CreateInvitation invites an email address with a role
func (h *OrgHandlers) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	var req orgs.InviteMemberRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := h.engine.InviteMember(r.Context(), actor(r), orgID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteCreated(w, inv)
}

// ListInvitations lists the organization's invitations
func (h *OrgHandlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	invitations, err := h.engine.ListInvitations(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if invitations == nil {
		invitations = []*orgs.Invitation{}
	}

	httputil.WriteSuccess(w, invitations)
}

// ResendInvitation extends a pending invitation
func (h *OrgHandlers) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.engine.ResendInvitation(r.Context(), actor(r), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, inv)
}

// CancelInvitation cancels a pending invitation, expired or not. Cancelling an
// invitation that is no longer pending conflicts.
func (h *OrgHandlers) CancelInvitation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.engine.CancelInvitation(r.Context(), actor(r), orgID, id); err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

// AcceptInvitation makes the caller a member of the inviting organization
func (h *OrgHandlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	member, err := h.engine.AcceptInvitation(r.Context(), middleware.IdentityFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, member)
}

// DeclineInvitation refuses an invitation addressed to the caller
func (h *OrgHandlers) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	inv, err := h.engine.DeclineInvitation(r.Context(), middleware.IdentityFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, inv)
}

// ListMembers lists the organization's members
func (h *OrgHandlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}

	members, err := h.engine.ListMembers(r.Context(), actor(r), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if members == nil {
		members = []*orgs.Member{}
	}

	httputil.WriteSuccess(w, members)
}

// UpdateMember changes a member's role
func (h *OrgHandlers) UpdateMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req orgs.UpdateMemberRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	member, err := h.engine.UpdateMemberRole(r.Context(), actor(r), orgID, memberID, req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, member)
}

// RemoveMember removes a member from the organization
func (h *OrgHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "org_id")
	if !ok {
		return
	}
	memberID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.engine.RemoveMember(r.Context(), actor(r), orgID, memberID); err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteNoContent(w)
}

func actor(r *http.Request) string {
	return middleware.IdentityFromContext(r.Context()).UserID
}
