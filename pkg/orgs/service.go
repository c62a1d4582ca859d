package orgs

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/platinummonkey/entitlements/pkg/apperr"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/rbac"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
)

// DefaultInvitationTTL is how long an invitation stays acceptable
const DefaultInvitationTTL = 7 * 24 * time.Hour

// PostgresService stores organizations, members and invitations in PostgreSQL
type PostgresService struct {
	db            *sql.DB
	reads         ReadPool
	invitationTTL time.Duration
	now           func() time.Time
	logger        *observability.Logger
}

// Option configures a PostgresService
type Option func(*PostgresService)

// WithInvitationTTL overrides the invitation lifetime
func WithInvitationTTL(ttl time.Duration) Option {
	return func(s *PostgresService) {
		if ttl > 0 {
			s.invitationTTL = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *PostgresService) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *PostgresService) {
		s.logger = logger
	}
}

// ReadPool hands out a pool for read-only queries.
// *postgres.ConnectionManager implements it.
type ReadPool interface {
	Replica() *sql.DB
}

// WithReadDB routes listing queries to the pools handed out by reads. A pool
// is picked per query so replicas dropped by health checks stop being used.
func WithReadDB(reads ReadPool) Option {
	return func(s *PostgresService) {
		s.reads = reads
	}
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, opts ...Option) *PostgresService {
	s := &PostgresService{
		db:            db,
		invitationTTL: DefaultInvitationTTL,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// readDB returns the pool for a listing query, the primary when no read
// pool is configured
func (s *PostgresService) readDB() *sql.DB {
	if s.reads != nil {
		if db := s.reads.Replica(); db != nil {
			return db
		}
	}
	return s.db
}

// CreateOrganization creates an organization and its owner in one transaction
func (s *PostgresService) CreateOrganization(ctx context.Context, req CreateOrgRequest, owner Identity) (*Organization, *Member, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, nil, apperr.Validation("organization name is required")
	}
	if strings.TrimSpace(owner.UserID) == "" {
		return nil, nil, apperr.Validation("owner user id is required")
	}

	slug := req.Slug
	if slug == "" {
		slug = generateSlug(name)
	}
	if slug == "" {
		return nil, nil, apperr.Validation("organization slug is required")
	}

	now := s.now()
	org := &Organization{Name: name, Slug: slug, Description: req.Description, CreatedAt: now}
	member := &Member{
		UserID:   owner.UserID,
		Email:    strings.ToLower(strings.TrimSpace(owner.Email)),
		Role:     rbac.RoleOwner,
		Status:   MemberStatusActive,
		JoinedAt: now,
	}

	err := postgres.InTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO organizations (name, slug, description, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, org.Name, org.Slug, org.Description, org.CreatedAt).Scan(&org.ID)
		if postgres.IsUniqueViolation(err, postgres.ConstraintOrganizationSlug) {
			return apperr.Conflict("organization slug %q is taken", org.Slug)
		}
		if err != nil {
			return err
		}

		member.OrgID = org.ID
		return insertMember(ctx, tx, member)
	})
	if err != nil {
		return nil, nil, apperr.Storage(err, false, "failed to create organization")
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":  org.ID,
		"user_id": owner.UserID,
	}).Info("organization created")

	return org, member, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresService) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	org := &Organization{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, description, created_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &org.Description, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("organization %d not found", id)
	}
	if err != nil {
		return nil, apperr.Unavailable(err, true, "failed to get organization")
	}
	return org, nil
}

// lockOrganization maps a missing organization to NotFound
func lockOrganization(ctx context.Context, tx *sql.Tx, orgID int64) error {
	err := postgres.LockOrganization(ctx, tx, orgID)
	if errors.Is(err, postgres.ErrOrganizationNotFound) {
		return apperr.NotFound("organization %d not found", orgID)
	}
	return err
}

// resolveActor loads the acting member. Users who are not active members of
// the organization are denied.
func resolveActor(ctx context.Context, q postgres.Querier, orgID int64, userID string) (*Member, error) {
	if userID == "" {
		return nil, apperr.PermissionDenied("authenticated user required")
	}
	actor, err := getMemberByUser(ctx, q, orgID, userID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.PermissionDenied("user is not a member of organization %d", orgID)
	}
	if err != nil {
		return nil, err
	}
	if actor.Status != MemberStatusActive {
		return nil, apperr.PermissionDenied("membership is %s", actor.Status)
	}
	return actor, nil
}

// normalizeEmail lower-cases and validates a bare email address
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("invalid email address %q", email)
	}
	return email, nil
}

// generateSlug generates a URL-friendly slug from a name
func generateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return strings.Trim(slug, "-")
}
