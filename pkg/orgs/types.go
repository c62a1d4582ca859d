package orgs

import (
	"time"

	"github.com/platinummonkey/entitlements/pkg/rbac"
)

// MemberStatus represents the membership state of a member
type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusPending  MemberStatus = "pending"
	MemberStatusInactive MemberStatus = "inactive"
)

// InvitationStatus is the stored state of an invitation. Expiry is never
// stored; see Invitation.IsExpired.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationDeclined  InvitationStatus = "declined"
	InvitationCancelled InvitationStatus = "cancelled"
)

// Organization is a tenant
type Organization struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member is a user's association with an organization
type Member struct {
	ID        int64        `json:"id"`
	OrgID     int64        `json:"org_id"`
	UserID    string       `json:"user_id"`
	Email     string       `json:"email,omitempty"`
	Role      rbac.Role    `json:"role"`
	Status    MemberStatus `json:"status"`
	InvitedBy *int64       `json:"invited_by,omitempty"`
	JoinedAt  time.Time    `json:"joined_at"`
}

// Invitation is a time-bounded offer for an email address to join an
// organization with a role
type Invitation struct {
	ID           int64            `json:"id"`
	OrgID        int64            `json:"org_id"`
	Email        string           `json:"email"`
	Role         rbac.Role        `json:"role"`
	InvitedBy    *int64           `json:"invited_by,omitempty"`
	Status       InvitationStatus `json:"status"`
	ResentCount  int              `json:"resent_count"`
	LastResentAt *time.Time       `json:"last_resent_at,omitempty"`
	AcceptedBy   *int64           `json:"accepted_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	UpdatedAt    time.Time        `json:"updated_at"`

	// Expired is derived at read time
	Expired bool `json:"expired"`
}

// IsExpired reports whether a pending invitation is past its expiry at now
func (i *Invitation) IsExpired(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}

// IsPending reports whether the invitation can still be acted upon
func (i *Invitation) IsPending() bool {
	return i.Status == InvitationPending
}

// Identity is the authenticated user acting on an invitation addressed to
// them. Email is optional; when present it must match the invitation.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// CreateOrgRequest represents a request to create an organization
type CreateOrgRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
}

// InviteMemberRequest represents a request to invite a member
type InviteMemberRequest struct {
	Email string    `json:"email"`
	Role  rbac.Role `json:"role"`
}

// UpdateMemberRequest represents a request to update a member's role
type UpdateMemberRequest struct {
	Role rbac.Role `json:"role"`
}
