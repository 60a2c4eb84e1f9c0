// Package quota enforces the per-identity storage ceiling on top of the ledger.
//
// Admission is two-phase. CheckAndReserve is a read-only check used to reject
// an upload before any content is stored. Commit runs after the content has
// been stored and re-checks the ceiling atomically with the ledger put, so two
// concurrent uploads by one identity cannot both slip under the ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharegate/internal/server/ledger"
)

// ErrQuotaExceeded is returned when an object would push its owner over the ceiling.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Result is the outcome of CheckAndReserve.
type Result struct {
	Accepted     bool
	Reason       string
	CurrentUsage int64
	Ceiling      int64
}

// Enforcer checks and records object sizes against a fixed ceiling.
type Enforcer struct {
	store     *ledger.Store
	ceiling   int64
	retention time.Duration
}

// NewEnforcer creates an enforcer with a per-identity ceiling in bytes and
// the retention period stamped on new records.
func NewEnforcer(store *ledger.Store, ceiling int64, retention time.Duration) *Enforcer {
	return &Enforcer{store: store, ceiling: ceiling, retention: retention}
}

// Ceiling returns the configured per-identity ceiling in bytes.
func (e *Enforcer) Ceiling() int64 { return e.ceiling }

// Usage returns the identity's current aggregate.
func (e *Enforcer) Usage(identity string) ledger.IdentityUsage {
	return e.store.Usage(identity)
}

// CheckAndReserve reports whether an object of size bytes fits in the
// identity's remaining quota. It records nothing.
func (e *Enforcer) CheckAndReserve(identity string, size int64) Result {
	usage := e.store.Usage(identity)
	return e.evaluate(usage, size)
}

func (e *Enforcer) evaluate(usage ledger.IdentityUsage, size int64) Result {
	res := Result{
		Accepted:     true,
		CurrentUsage: usage.TotalBytes,
		Ceiling:      e.ceiling,
	}
	if usage.TotalBytes+size > e.ceiling {
		res.Accepted = false
		res.Reason = fmt.Sprintf("storage quota exceeded: %s used of %s, object needs %s",
			HumanizeBytes(usage.TotalBytes), HumanizeBytes(e.ceiling), HumanizeBytes(size))
	}
	return res
}

// NewRecord builds the ledger record for an object created at now.
func (e *Enforcer) NewRecord(identity, key string, size int64, now time.Time) ledger.ObjectRecord {
	now = now.UTC()
	return ledger.ObjectRecord{
		Key:       key,
		Owner:     identity,
		SizeBytes: size,
		CreatedAt: now,
		ExpiresAt: now.Add(e.retention),
	}
}

// Commit records rec if it still fits under the ceiling. It must only be
// called once the object's content has been stored successfully.
func (e *Enforcer) Commit(ctx context.Context, rec ledger.ObjectRecord) error {
	return e.store.PutIf(ctx, rec, func(usage ledger.IdentityUsage) error {
		if res := e.evaluate(usage, rec.SizeBytes); !res.Accepted {
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, res.Reason)
		}
		return nil
	})
}

// Release removes the record for key, returning its bytes to the owner's quota.
func (e *Enforcer) Release(ctx context.Context, key string) (ledger.ObjectRecord, error) {
	return e.store.Remove(ctx, key)
}

// HumanizeBytes formats a byte count into a human-readable string.
func HumanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
