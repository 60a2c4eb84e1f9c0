package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sharegate/internal/server/config"
	"sharegate/internal/server/ledger"
)

// Backend is an opened ledger backend.
type Backend struct {
	Persister ledger.Persister

	// Health is nil for backends with nothing to check.
	Health interface {
		HealthCheck(ctx context.Context) error
	}

	// release frees resources the ledger store does not own.
	release func()
}

// Release frees connections held outside the persister. The persister itself
// is closed by the ledger store that uses it.
func (b *Backend) Release() {
	if b.release != nil {
		b.release()
	}
}

// OpenBackend opens the ledger backend named by cfg.LedgerBackend.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		db, err := New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations complete")
		return &Backend{Persister: NewRepository(db.Pool), Health: db, release: db.Close}, nil

	case config.LedgerSQLite:
		if err := ensureParentDir(cfg.LedgerPath); err != nil {
			return nil, err
		}
		sl, err := OpenSQLiteLedger(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite ledger opened", "path", cfg.LedgerPath)
		return &Backend{Persister: sl, Health: sl}, nil

	case config.LedgerFile:
		if err := ensureParentDir(cfg.LedgerPath); err != nil {
			return nil, err
		}
		slog.Info("file ledger opened", "path", cfg.LedgerPath)
		return &Backend{Persister: ledger.NewFilePersister(cfg.LedgerPath)}, nil

	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
	}
	return nil
}
