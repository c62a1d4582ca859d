package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/apperr"
)

func TestInTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE organizations").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE organizations SET name = 'x'")
			return err
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back and returns fn error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		sentinel := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock is retryable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		deadlock := &pq.Error{Code: "40P01", Message: "deadlock detected"}
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE members").WillReturnError(deadlock)
		mock.ExpectRollback()

		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE members SET role = 'admin'")
			return err
		})
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
		assert.True(t, apperr.IsRetryable(err))
		assert.ErrorIs(t, err, deadlock)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure on commit is retryable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

		err = InTx(context.Background(), db, func(tx *sql.Tx) error { return nil })
		assert.True(t, apperr.IsRetryable(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("no connection"))

		called := false
		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestLockOrganization(t *testing.T) {
	t.Run("locks existing organization", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organizations WHERE id = \$1 FOR UPDATE`).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectCommit()

		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			return LockOrganization(context.Background(), tx, 7)
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown organization", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM organizations`).
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		err = InTx(context.Background(), db, func(tx *sql.Tx) error {
			return LockOrganization(context.Background(), tx, 99)
		})
		assert.ErrorIs(t, err, ErrOrganizationNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPQErrorClassification(t *testing.T) {
	unique := &pq.Error{Code: "23505", Constraint: ConstraintPendingInvitation}
	wrapped := fmt.Errorf("insert failed: %w", unique)

	assert.True(t, IsUniqueViolation(wrapped))
	assert.True(t, IsUniqueViolation(wrapped, ConstraintPendingInvitation))
	assert.False(t, IsUniqueViolation(wrapped, ConstraintMemberUser))
	assert.False(t, IsUniqueViolation(errors.New("23505")))

	assert.True(t, IsForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsForeignKeyViolation(unique))

	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(&pq.Error{Code: "40P01"}))
	assert.False(t, IsRetryable(unique))
}
