package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const invitationColumns = `id, org_id, email, role, invited_by, status, resent_count, last_resent_at, accepted_by, created_at, expires_at, updated_at`

func scanInvitation(row rowScanner) (*Invitation, error) {
	inv := &Invitation{}
	err := row.Scan(
		&inv.ID, &inv.OrgID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.Status,
		&inv.ResentCount, &inv.LastResentAt, &inv.AcceptedBy,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// loadInvitation reads an invitation, locking the row when forUpdate is set.
// orgID 0 matches any organization.
func loadInvitation(ctx context.Context, q postgres.Querier, orgID, id int64, forUpdate bool) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`
	args := []interface{}{id}
	if orgID != 0 {
		query += ` AND org_id = $2`
		args = append(args, orgID)
	}
	if forUpdate {
		query += ` FOR UPDATE`
	}

	inv, err := scanInvitation(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("invitation %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// CreateInvitation invites email to the organization with role. At most one
// pending invitation per email exists; the partial unique index on
// invitations decides races between concurrent invites.
func (s *PostgresService) CreateInvitation(ctx context.Context, orgID int64, email string, role rbac.Role, actorUserID string) (*Invitation, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if role == rbac.RoleOwner {
		return nil, apperr.Validation("invitations cannot grant the owner role")
	}
	if !role.Valid() {
		return nil, apperr.Validation("invalid role %q", role)
	}

	now := s.now()
	inv := &Invitation{
		OrgID:     orgID,
		Email:     email,
		Role:      role,
		Status:    InvitationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.invitationTTL),
		UpdatedAt: now,
	}

	err = postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}

		actor, err := resolveActor(ctx, tx, orgID, actorUserID)
		if err != nil {
			return err
		}
		if !rbac.CanInvite(actor.Role) {
			return apperr.PermissionDenied("role %s cannot invite members", actor.Role)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM members WHERE org_id = $1 AND lower(email) = $2)`,
			orgID, email,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check membership: %w", err)
		}
		if exists {
			return apperr.Conflict("%s is already a member", email)
		}

		// An expired pending invitation still holds the unique slot
		if _, err := tx.ExecContext(ctx, `
			UPDATE invitations SET status = 'cancelled', updated_at = $3
			WHERE org_id = $1 AND lower(email) = $2 AND status = 'pending' AND expires_at < $3
		`, orgID, email, now); err != nil {
			return fmt.Errorf("failed to retire expired invitation: %w", err)
		}

		inv.InvitedBy = &actor.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO invitations (org_id, email, role, invited_by, status, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', $5, $6, $5)
			RETURNING id
		`, orgID, email, string(role), actor.ID, now, inv.ExpiresAt).Scan(&inv.ID)
		if postgres.IsUniqueViolation(err, postgres.ConstraintPendingInvitation) {
			return apperr.Conflict("a pending invitation for %s already exists", email)
		}
		if err != nil {
			return fmt.Errorf("failed to create invitation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to create invitation")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":        orgID,
		"invitation_id": inv.ID,
		"role":          role,
	}).Info("invitation created")

	return inv, nil
}

// GetInvitation retrieves an invitation of an organization
func (s *PostgresService) GetInvitation(ctx context.Context, orgID, id int64) (*Invitation, error) {
	inv, err := loadInvitation(ctx, s.db, orgID, id, false)
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to get invitation")
	}
	inv.Expired = inv.IsExpired(s.now())
	return inv, nil
}

// ListInvitations lists an organization's invitations, newest first
func (s *PostgresService) ListInvitations(ctx context.Context, orgID int64) ([]*Invitation, error) {
	rows, err := s.readDB().QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE org_id = $1 ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, apperr.Unavailable(err, true, "failed to list invitations")
	}
	defer rows.Close()

	now := s.now()
	invitations := make([]*Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, apperr.Unavailable(err, true, "failed to scan invitation")
		}
		inv.Expired = inv.IsExpired(now)
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable(err, true, "failed to list invitations")
	}

	return invitations, nil
}

// ResendInvitation refreshes the expiry of a pending, unexpired invitation
func (s *PostgresService) ResendInvitation(ctx context.Context, orgID, id int64, actorUserID string) (*Invitation, error) {
	now := s.now()

	var inv *Invitation
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		actor, err := resolveActor(ctx, tx, orgID, actorUserID)
		if err != nil {
			return err
		}
		if !rbac.CanInvite(actor.Role) {
			return apperr.PermissionDenied("role %s cannot resend invitations", actor.Role)
		}

		inv, err = loadInvitation(ctx, tx, orgID, id, true)
		if err != nil {
			return err
		}
		if !inv.IsPending() {
			return apperr.InvalidState("invitation %d is %s", id, inv.Status)
		}
		if inv.IsExpired(now) {
			return apperr.Expired("invitation %d expired at %s", id, inv.ExpiresAt.Format(time.RFC3339))
		}

		inv.ResentCount++
		inv.LastResentAt = &now
		inv.ExpiresAt = now.Add(s.invitationTTL)
		inv.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE invitations
			SET resent_count = resent_count + 1, last_resent_at = $1, expires_at = $2, updated_at = $1
			WHERE id = $3
		`, now, inv.ExpiresAt, id); err != nil {
			return fmt.Errorf("failed to resend invitation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to resend invitation")
	}

	return inv, nil
}

// CancelInvitation cancels a pending invitation, expired or not
func (s *PostgresService) CancelInvitation(ctx context.Context, orgID, id int64, actorUserID string) (*Invitation, error) {
	now := s.now()

	var inv *Invitation
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		actor, err := resolveActor(ctx, tx, orgID, actorUserID)
		if err != nil {
			return err
		}
		if !rbac.CanInvite(actor.Role) {
			return apperr.PermissionDenied("role %s cannot cancel invitations", actor.Role)
		}

		inv, err = loadInvitation(ctx, tx, orgID, id, true)
		if err != nil {
			return err
		}
		if !inv.IsPending() {
			return apperr.InvalidState("invitation %d is %s", id, inv.Status)
		}

		return setInvitationStatus(ctx, tx, inv, InvitationCancelled, now)
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to cancel invitation")
	}

	return inv, nil
}

// AcceptInvitation turns a pending invitation into a membership for identity.
// The member insert and the status change commit together under the
// organization lock.
func (s *PostgresService) AcceptInvitation(ctx context.Context, id int64, identity Identity) (*Member, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, apperr.Validation("user id is required")
	}

	now := s.now()

	var member *Member
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var orgID int64
		err := tx.QueryRowContext(ctx, `SELECT org_id FROM invitations WHERE id = $1`, id).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("invitation %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get invitation: %w", err)
		}

		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}

		inv, err := loadInvitation(ctx, tx, orgID, id, true)
		if err != nil {
			return err
		}
		if inv.IsExpired(now) {
			return apperr.Expired("invitation %d expired at %s", id, inv.ExpiresAt.Format(time.RFC3339))
		}
		if !inv.IsPending() {
			return apperr.InvalidState("invitation %d is %s", id, inv.Status)
		}
		if identity.Email != "" && !strings.EqualFold(strings.TrimSpace(identity.Email), inv.Email) {
			return apperr.PermissionDenied("invitation %d was sent to a different email", id)
		}

		if _, err := getMemberByUser(ctx, tx, orgID, identity.UserID); err == nil {
			return apperr.Conflict("user %s is already a member", identity.UserID)
		} else if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}

		member = &Member{
			OrgID:     orgID,
			UserID:    identity.UserID,
			Email:     inv.Email,
			Role:      inv.Role,
			Status:    MemberStatusActive,
			InvitedBy: inv.InvitedBy,
			JoinedAt:  now,
		}
		if err := insertMember(ctx, tx, member); err != nil {
			return err
		}

		inv.AcceptedBy = &member.ID
		if _, err := tx.ExecContext(ctx,
			`UPDATE invitations SET status = 'accepted', accepted_by = $1, updated_at = $2 WHERE id = $3`,
			member.ID, now, id,
		); err != nil {
			return fmt.Errorf("failed to accept invitation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to accept invitation")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":        member.OrgID,
		"invitation_id": id,
		"member_id":     member.ID,
	}).Info("invitation accepted")

	return member, nil
}

// DeclineInvitation declines a pending invitation. Expired invitations may
// still be declined.
func (s *PostgresService) DeclineInvitation(ctx context.Context, id int64, identity Identity) (*Invitation, error) {
	now := s.now()

	var inv *Invitation
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		inv, err = loadInvitation(ctx, tx, 0, id, true)
		if err != nil {
			return err
		}
		if !inv.IsPending() {
			return apperr.InvalidState("invitation %d is %s", id, inv.Status)
		}
		if identity.Email != "" && !strings.EqualFold(strings.TrimSpace(identity.Email), inv.Email) {
			return apperr.PermissionDenied("invitation %d was sent to a different email", id)
		}
		return setInvitationStatus(ctx, tx, inv, InvitationDeclined, now)
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to decline invitation")
	}

	return inv, nil
}

// PurgeExpiredInvitations deletes pending invitations that expired more than
// retention ago. Expiry is always re-checked at use, so this only keeps the
// table small.
func (s *PostgresService) PurgeExpiredInvitations(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM invitations WHERE status = 'pending' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, apperr.Unavailable(err, true, "failed to purge expired invitations")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Unavailable(err, true, "failed to purge expired invitations")
	}
	return n, nil
}

func setInvitationStatus(ctx context.Context, tx *sql.Tx, inv *Invitation, status InvitationStatus, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE invitations SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now, inv.ID,
	); err != nil {
		return fmt.Errorf("failed to update invitation: %w", err)
	}
	inv.Status = status
	inv.UpdatedAt = now
	return nil
}
