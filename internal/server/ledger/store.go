package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Guard inspects the owner's current aggregate before a conditional put.
// Returning a non-nil error aborts the put with that error.
type Guard func(usage IdentityUsage) error

// Store holds the ledger in memory and persists every mutation.
// All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	state     *Snapshot
	persister Persister
}

// Open loads the ledger from p. A ledger that cannot be read or parsed is
// logged and replaced by an empty one. A nil persister gives a memory-only
// ledger.
func Open(ctx context.Context, p Persister) *Store {
	s := &Store{state: NewSnapshot(), persister: p}
	if p == nil {
		return s
	}

	snap, err := p.Load(ctx)
	if err != nil {
		slog.Warn("ledger unreadable, starting empty", "error", err)
		return s
	}
	if snap == nil {
		return s
	}
	if snap.Objects == nil {
		snap.Objects = make(map[string]ObjectRecord)
	}

	stored := snap.Usage
	snap.rebuildUsage()
	if len(stored) != len(snap.Usage) {
		slog.Warn("ledger aggregates out of sync, rebuilt from records",
			"stored_identities", len(stored),
			"rebuilt_identities", len(snap.Usage),
		)
	}
	s.state = snap

	slog.Info("ledger loaded",
		"objects", len(snap.Objects),
		"identities", len(snap.Usage),
	)
	return s
}

// Put records a new object and adds it to its owner's aggregate.
func (s *Store) Put(ctx context.Context, rec ObjectRecord) error {
	return s.PutIf(ctx, rec, nil)
}

// PutIf records a new object only if guard accepts the owner's aggregate.
// The guard and the put happen under the same lock, so a check-and-commit
// pair for one identity cannot interleave with another mutation.
func (s *Store) PutIf(ctx context.Context, rec ObjectRecord, guard Guard) error {
	if err := rec.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.Objects[rec.Key]; exists {
		return ErrExists
	}

	prev, hadUsage := s.state.Usage[rec.Owner]
	if guard != nil {
		if err := guard(prev); err != nil {
			return err
		}
	}

	usage := s.state.add(rec)
	if err := s.persistLocked(ctx, Change{Op: OpPut, Record: rec, Usage: usage}); err != nil {
		delete(s.state.Objects, rec.Key)
		s.state.restoreUsage(rec.Owner, prev, hadUsage)
		return &PersistenceError{Op: OpPut.String(), Key: rec.Key, Err: err}
	}
	return nil
}

// Remove deletes the record for key and subtracts it from its owner's
// aggregate. It returns the removed record.
func (s *Store) Remove(ctx context.Context, key string) (ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Objects[key]
	if !ok {
		return ObjectRecord{}, ErrNotFound
	}

	prev, hadUsage := s.state.Usage[rec.Owner]
	usage := s.state.drop(rec)
	if err := s.persistLocked(ctx, Change{Op: OpRemove, Record: rec, Usage: usage}); err != nil {
		s.state.Objects[rec.Key] = rec
		s.state.restoreUsage(rec.Owner, prev, hadUsage)
		return ObjectRecord{}, &PersistenceError{Op: OpRemove.String(), Key: key, Err: err}
	}
	return rec, nil
}

func (s *Store) persistLocked(ctx context.Context, change Change) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Persist(ctx, s.state, change)
}

// Get returns the record for key.
func (s *Store) Get(key string) (ObjectRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Objects[key]
	return rec, ok
}

// Has reports whether key is in the ledger.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Usage returns the aggregate for identity, or the zero value if it owns nothing.
func (s *Store) Usage(identity string) IdentityUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Usage[identity]
}

// All returns every record ordered by key.
func (s *Store) All() []ObjectRecord {
	return s.collect(func(ObjectRecord) bool { return true })
}

// Expired returns the records whose expiry is at or before now.
func (s *Store) Expired(now time.Time) []ObjectRecord {
	return s.collect(func(r ObjectRecord) bool { return r.Expired(now) })
}

// Keys returns the set of keys currently in the ledger.
func (s *Store) Keys() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]struct{}, len(s.state.Objects))
	for k := range s.state.Objects {
		keys[k] = struct{}{}
	}
	return keys
}

// Totals returns the number of objects, their combined size and the number
// of identities owning at least one object.
func (s *Store) Totals() (objects int, bytes int64, identities int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.state.Usage {
		bytes += u.TotalBytes
	}
	return len(s.state.Objects), bytes, len(s.state.Usage)
}

// Close releases the persister.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

func (s *Store) collect(keep func(ObjectRecord) bool) []ObjectRecord {
	s.mu.Lock()
	out := make([]ObjectRecord, 0, len(s.state.Objects))
	for _, rec := range s.state.Objects {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
