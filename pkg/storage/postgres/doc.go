// Package postgres holds the shared persistence plumbing for the entitlement
// stores: the PostgreSQL connection manager, transaction helpers, the
// per-organization row lock, schema migrations and the Redis client used by
// the Redis usage counter.
//
// # Serialization
//
// Membership mutations and invitation acceptance run inside InTx and take
// LockOrganization first:
//
//	err := postgres.InTx(ctx, db, func(tx *sql.Tx) error {
//		if err := postgres.LockOrganization(ctx, tx, orgID); err != nil {
//			return err
//		}
//		// read actor and target, mutate
//		return nil
//	})
//
// # Constraints
//
// Uniqueness rules that must hold under concurrency live in the schema
// (pending invitation per email, one open subscription per organization,
// one owner per organization). Stores translate violations with
// IsUniqueViolation.
package postgres
