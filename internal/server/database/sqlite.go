package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sharegate/internal/server/ledger"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteLedger persists the ledger in a local SQLite file. It suits a
// single instance that wants transactional writes without a Postgres server.
type SQLiteLedger struct {
	db   *sql.DB
	path string
}

// OpenSQLiteLedger opens (and creates if needed) the ledger database at path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &SQLiteLedger{db: db, path: path}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS ledger_objects (
		object_key          TEXT PRIMARY KEY,
		owner               TEXT    NOT NULL,
		size_bytes          INTEGER NOT NULL CHECK (size_bytes >= 0),
		created_at          INTEGER NOT NULL,
		expires_at          INTEGER NOT NULL,
		deletion_token_hash TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_objects_expires_at ON ledger_objects(expires_at);

	CREATE TABLE IF NOT EXISTS ledger_usage (
		identity     TEXT PRIMARY KEY,
		total_bytes  INTEGER NOT NULL,
		object_count INTEGER NOT NULL
	);
	`)
	return err
}

// Load reads every object and aggregate row.
func (l *SQLiteLedger) Load(ctx context.Context) (*ledger.Snapshot, error) {
	snap := ledger.NewSnapshot()

	rows, err := l.db.QueryContext(ctx, `
		SELECT object_key, owner, size_bytes, created_at, expires_at, deletion_token_hash
		FROM ledger_objects
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ledger.ObjectRecord
		var created, expires int64
		if err := rows.Scan(&rec.Key, &rec.Owner, &rec.SizeBytes, &created, &expires, &rec.DeletionTokenHash); err != nil {
			return nil, fmt.Errorf("failed to scan ledger object: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.ExpiresAt = time.Unix(0, expires).UTC()
		snap.Objects[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger objects: %w", err)
	}

	usageRows, err := l.db.QueryContext(ctx, "SELECT identity, total_bytes, object_count FROM ledger_usage")
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
func (l *SQLiteLedger) Persist(ctx context.Context, _ *ledger.Snapshot, change ledger.Change) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	rec := change.Record
	switch change.Op {
	case ledger.OpPut:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_objects (object_key, owner, size_bytes, created_at, expires_at, deletion_token_hash)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.Key, rec.Owner, rec.SizeBytes, rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(), rec.DeletionTokenHash)
	case ledger.OpRemove:
		_, err = tx.ExecContext(ctx, "DELETE FROM ledger_objects WHERE object_key = ?", rec.Key)
	default:
		err = fmt.Errorf("unsupported ledger op %v", change.Op)
	}
	if err != nil {
		return fmt.Errorf("failed to %s ledger object: %w", change.Op, err)
	}

	if change.Usage.ObjectCount == 0 {
		_, err = tx.ExecContext(ctx, "DELETE FROM ledger_usage WHERE identity = ?", rec.Owner)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_usage (identity, total_bytes, object_count)
			VALUES (?, ?, ?)
			ON CONFLICT (identity) DO UPDATE SET
				total_bytes = excluded.total_bytes,
				object_count = excluded.object_count
		`, rec.Owner, change.Usage.TotalBytes, change.Usage.ObjectCount)
	}
	if err != nil {
		return fmt.Errorf("failed to update ledger usage: %w", err)
	}

	return tx.Commit()
}

// HealthCheck verifies the database file is reachable.
func (l *SQLiteLedger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
