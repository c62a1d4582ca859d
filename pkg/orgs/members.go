package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

const memberColumns = `id, org_id, user_id, email, role, status, invited_by, joined_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row rowScanner) (*Member, error) {
	m := &Member{}
	err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Email, &m.Role, &m.Status, &m.InvitedBy, &m.JoinedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func getMember(ctx context.Context, q postgres.Querier, orgID, memberID int64) (*Member, error) {
	m, err := scanMember(q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE org_id = $1 AND id = $2`, orgID, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("member %d not found", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func getMemberByUser(ctx context.Context, q postgres.Querier, orgID int64, userID string) (*Member, error) {
	m, err := scanMember(q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE org_id = $1 AND user_id = $2`, orgID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s is not a member", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func insertMember(ctx context.Context, tx *sql.Tx, m *Member) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO members (org_id, user_id, email, role, status, invited_by, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, m.OrgID, m.UserID, m.Email, string(m.Role), string(m.Status), m.InvitedBy, m.JoinedAt).Scan(&m.ID)
	if postgres.IsUniqueViolation(err, postgres.ConstraintMemberUser) {
		return apperr.Conflict("user %s is already a member", m.UserID)
	}
	if postgres.IsUniqueViolation(err, postgres.ConstraintSingleOwner) {
		return apperr.Conflict("organization %d already has an owner", m.OrgID)
	}
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// ListMembers returns the members of an organization ordered by join time
func (s *PostgresService) ListMembers(ctx context.Context, orgID int64) ([]*Member, error) {
	rows, err := s.readDB().QueryContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE org_id = $1 ORDER BY joined_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, apperr.Unavailable(err, true, "failed to list members")
	}
	defer rows.Close()

	members := make([]*Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, apperr.Unavailable(err, true, "failed to scan member")
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Unavailable(err, true, "failed to list members")
	}

	return members, nil
}

// GetMember retrieves a member by id
func (s *PostgresService) GetMember(ctx context.Context, orgID, memberID int64) (*Member, error) {
	m, err := getMember(ctx, s.db, orgID, memberID)
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to get member")
	}
	return m, nil
}

// GetMemberByUser retrieves the membership of a user
func (s *PostgresService) GetMemberByUser(ctx context.Context, orgID int64, userID string) (*Member, error) {
	m, err := getMemberByUser(ctx, s.db, orgID, userID)
	if err != nil {
		return nil, apperr.Storage(err, true, "failed to get member")
	}
	return m, nil
}

// CountOwners returns the number of owners of an organization
func (s *PostgresService) CountOwners(ctx context.Context, orgID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM members WHERE org_id = $1 AND role = 'owner'`, orgID).Scan(&n)
	if err != nil {
		return 0, apperr.Unavailable(err, true, "failed to count owners")
	}
	return n, nil
}

// UpdateMemberRole changes a member's role on behalf of actorUserID. The owner
// role can neither be granted nor taken away here.
func (s *PostgresService) UpdateMemberRole(ctx context.Context, orgID, memberID int64, newRole rbac.Role, actorUserID string) (*Member, error) {
	if !newRole.Valid() {
		return nil, apperr.Validation("invalid role %q", newRole)
	}

	var target *Member
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}

		actor, err := resolveActor(ctx, tx, orgID, actorUserID)
		if err != nil {
			return err
		}

		target, err = getMember(ctx, tx, orgID, memberID)
		if err != nil {
			return err
		}

		if actor.ID == target.ID {
			return apperr.Validation("members cannot change their own role")
		}
		if target.Role == rbac.RoleOwner {
			return apperr.Conflict("the owner role cannot be changed; transfer ownership first")
		}
		if !rbac.CanManage(actor.Role, target.Role) {
			return apperr.PermissionDenied("role %s cannot manage role %s", actor.Role, target.Role)
		}
		if !rbac.CanAssignRole(actor.Role, newRole) {
			return apperr.PermissionDenied("role %s cannot assign role %s", actor.Role, newRole)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE members SET role = $1 WHERE org_id = $2 AND id = $3`,
			string(newRole), orgID, memberID,
		); err != nil {
			return fmt.Errorf("failed to update member role: %w", err)
		}

		target.Role = newRole
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err, false, "failed to update member role")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"member_id": memberID,
		"role":      newRole,
	}).Info("member role updated")

	return target, nil
}

// RemoveMember removes a member on behalf of actorUserID. Removal is
// irreversible; the user must be invited again to rejoin.
func (s *PostgresService) RemoveMember(ctx context.Context, orgID, memberID int64, actorUserID string) error {
	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}

		actor, err := resolveActor(ctx, tx, orgID, actorUserID)
		if err != nil {
			return err
		}

		target, err := getMember(ctx, tx, orgID, memberID)
		if err != nil {
			return err
		}

		if target.Role == rbac.RoleOwner {
			return apperr.Conflict("the owner cannot be removed; transfer ownership first")
		}
		if !rbac.CanManage(actor.Role, target.Role) {
			return apperr.PermissionDenied("role %s cannot manage role %s", actor.Role, target.Role)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM members WHERE org_id = $1 AND id = $2`, orgID, memberID,
		); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		return nil
	})
	if err != nil {
		return apperr.Storage(err, false, "failed to remove member")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"member_id": memberID,
	}).Info("member removed")

	return nil
}
