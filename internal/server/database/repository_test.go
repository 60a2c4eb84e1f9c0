package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"sharegate/internal/server/ledger"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

var repoCreated = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func repoRecord() ledger.ObjectRecord {
	return ledger.ObjectRecord{
		Key:               "river12.png",
		Owner:             "203.0.113.9",
		SizeBytes:         2048,
		CreatedAt:         repoCreated,
		ExpiresAt:         repoCreated.Add(168 * time.Hour),
		DeletionTokenHash: "$2a$10$hash",
	}
}

func TestRepository_PersistPut(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := repoRecord()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_objects`).
		WithArgs(rec.Key, rec.Owner, rec.SizeBytes, rec.CreatedAt, rec.ExpiresAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO ledger_usage .* ON CONFLICT \(identity\) DO UPDATE`).
		WithArgs(rec.Owner, int64(4096), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.Persist(context.Background(), nil, ledger.Change{
		Op:     ledger.OpPut,
		Record: rec,
		Usage:  ledger.IdentityUsage{TotalBytes: 4096, ObjectCount: 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PersistRemoveToZeroDeletesUsage(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := repoRecord()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM ledger_objects WHERE object_key = \$1`).
		WithArgs(rec.Key).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM ledger_usage WHERE identity = \$1`).
		WithArgs(rec.Owner).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := repo.Persist(context.Background(), nil, ledger.Change{Op: ledger.OpRemove, Record: rec})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PersistFailureRollsBack(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := repoRecord()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ledger_objects`).
		WithArgs(rec.Key, rec.Owner, rec.SizeBytes, rec.CreatedAt, rec.ExpiresAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO ledger_usage`).
		WithArgs(rec.Owner, rec.SizeBytes, 1).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.Persist(context.Background(), nil, ledger.Change{
		Op:     ledger.OpPut,
		Record: rec,
		Usage:  ledger.IdentityUsage{TotalBytes: rec.SizeBytes, ObjectCount: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert ledger usage")
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PersistThroughStoreRollsBackMemory(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := repoRecord()

	mock.ExpectQuery(`SELECT object_key`).
		WillReturnRows(pgxmock.NewRows([]string{"object_key", "owner", "size_bytes", "created_at", "expires_at", "deletion_token_hash"}))
	mock.ExpectQuery(`SELECT identity, total_bytes, object_count FROM ledger_usage`).
		WillReturnRows(pgxmock.NewRows([]string{"identity", "total_bytes", "object_count"}))
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	store := ledger.Open(context.Background(), repo)
	err := store.Put(context.Background(), rec)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.False(t, store.Has(rec.Key))
	assert.Zero(t, store.Usage(rec.Owner))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Load(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rec := repoRecord()

	mock.ExpectQuery(`SELECT object_key, owner, size_bytes, created_at, expires_at`).
		WillReturnRows(pgxmock.NewRows([]string{"object_key", "owner", "size_bytes", "created_at", "expires_at", "deletion_token_hash"}).
			AddRow(rec.Key, rec.Owner, rec.SizeBytes, rec.CreatedAt, rec.ExpiresAt, rec.DeletionTokenHash).
			AddRow("amber3.txt", rec.Owner, int64(10), rec.CreatedAt, rec.ExpiresAt, ""))
	mock.ExpectQuery(`SELECT identity, total_bytes, object_count FROM ledger_usage`).
		WillReturnRows(pgxmock.NewRows([]string{"identity", "total_bytes", "object_count"}).
			AddRow(rec.Owner, int64(2058), 2))

	snap, err := repo.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Objects, 2)
	assert.Equal(t, rec, snap.Objects[rec.Key])
	assert.Empty(t, snap.Objects["amber3.txt"].DeletionTokenHash)
	assert.Equal(t, ledger.IdentityUsage{TotalBytes: 2058, ObjectCount: 2}, snap.Usage[rec.Owner])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LoadQueryError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT object_key`).WillReturnError(errors.New("relation does not exist"))

	_, err := repo.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query ledger objects")
	assert.NoError(t, mock.ExpectationsWereMet())
}
