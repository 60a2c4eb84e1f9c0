package database

import (
	"context"
	"fmt"

	"sharegate/internal/server/ledger"

	"github.com/jackc/pgx/v5"
)

// Pool is the part of *pgxpool.Pool the repository uses.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository persists the ledger in Postgres. It implements ledger.Persister
// by applying each change as one transaction instead of rewriting the
// whole ledger.
type Repository struct {
	pool Pool
}

// NewRepository creates a new Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// Load reads every object and aggregate row.
func (r *Repository) Load(ctx context.Context) (*ledger.Snapshot, error) {
	snap := ledger.NewSnapshot()

	rows, err := r.pool.Query(ctx, `
		SELECT object_key, owner, size_bytes, created_at, expires_at,
			   COALESCE(deletion_token_hash, '')
		FROM ledger_objects
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ledger.ObjectRecord
		if err := rows.Scan(
			&rec.Key,
			&rec.Owner,
			&rec.SizeBytes,
			&rec.CreatedAt,
			&rec.ExpiresAt,
			&rec.DeletionTokenHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger object: %w", err)
		}
		snap.Objects[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger objects: %w", err)
	}

	usageRows, err := r.pool.Query(ctx,
		"SELECT identity, total_bytes, object_count FROM ledger_usage")
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger usage: %w", err)
	}
	defer usageRows.Close()

	for usageRows.Next() {
		var identity string
		var u ledger.IdentityUsage
		if err := usageRows.Scan(&identity, &u.TotalBytes, &u.ObjectCount); err != nil {
			return nil, fmt.Errorf("failed to scan ledger usage: %w", err)
		}
		snap.Usage[identity] = u
	}
	return snap, usageRows.Err()
}

// Persist applies change and the owner's new aggregate in one transaction.
func (r *Repository) Persist(ctx context.Context, _ *ledger.Snapshot, change ledger.Change) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rec := change.Record

		switch change.Op {
		case ledger.OpPut:
			var tokenHash *string
			if rec.DeletionTokenHash != "" {
				tokenHash = &rec.DeletionTokenHash
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ledger_objects (
					object_key, owner, size_bytes, created_at, expires_at, deletion_token_hash
				) VALUES ($1, $2, $3, $4, $5, $6)
			`,
				rec.Key,
				rec.Owner,
				rec.SizeBytes,
				rec.CreatedAt,
				rec.ExpiresAt,
				tokenHash,
			); err != nil {
				return fmt.Errorf("failed to insert ledger object: %w", err)
			}
		case ledger.OpRemove:
			if _, err := tx.Exec(ctx, "DELETE FROM ledger_objects WHERE object_key = $1", rec.Key); err != nil {
				return fmt.Errorf("failed to delete ledger object: %w", err)
			}
		default:
			return fmt.Errorf("unsupported ledger op %v", change.Op)
		}

		if change.Usage.ObjectCount == 0 {
			if _, err := tx.Exec(ctx, "DELETE FROM ledger_usage WHERE identity = $1", rec.Owner); err != nil {
				return fmt.Errorf("failed to delete ledger usage: %w", err)
			}
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_usage (identity, total_bytes, object_count)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity) DO UPDATE SET
				total_bytes = excluded.total_bytes,
				object_count = excluded.object_count
		`, rec.Owner, change.Usage.TotalBytes, change.Usage.ObjectCount); err != nil {
			return fmt.Errorf("failed to upsert ledger usage: %w", err)
		}
		return nil
	})
}

// Close is a no-op. The pool is owned by DB.
func (r *Repository) Close() error { return nil }
