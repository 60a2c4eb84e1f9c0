package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the ledger.
var (
	ErrNotFound        = errors.New("ledger record not found")
	ErrExists          = errors.New("ledger record already exists")
	ErrInvalidIdentity = errors.New("identity must not be empty")
	ErrInvalidRecord   = errors.New("invalid ledger record")
	ErrPersistence     = errors.New("ledger persistence failed")
)

// PersistenceError is returned when a mutation could not be written durably.
// The in-memory mutation has already been rolled back when this is returned.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets callers match any persistence failure with errors.Is(err, ErrPersistence).
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ObjectRecord is the ledger entry for one stored content object.
type ObjectRecord struct {
	Key       string    `json:"-"`
	Owner     string    `json:"owner"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// DeletionTokenHash is the bcrypt hash of the token that authorizes an
	// explicit delete. Empty when the object can only expire.
	DeletionTokenHash string `json:"deletion_token_hash,omitempty"`
}

// Expired reports whether the record is due for removal at now.
func (r ObjectRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

func (r ObjectRecord) validate() error {
	switch {
	case r.Owner == "":
		return ErrInvalidIdentity
	case r.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	case r.SizeBytes < 0:
		return fmt.Errorf("%w: negative size %d", ErrInvalidRecord, r.SizeBytes)
	}
	return nil
}

// IdentityUsage is the per-identity aggregate over live records.
type IdentityUsage struct {
	TotalBytes  int64 `json:"total_bytes"`
	ObjectCount int   `json:"object_count"`
}

// Snapshot is the full ledger state and its persisted form.
type Snapshot struct {
	Objects map[string]ObjectRecord  `json:"objects"`
	Usage   map[string]IdentityUsage `json:"usage"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Objects: make(map[string]ObjectRecord),
		Usage:   make(map[string]IdentityUsage),
	}
}

// add inserts rec and returns the owner's aggregate afterwards.
func (s *Snapshot) add(rec ObjectRecord) IdentityUsage {
	s.Objects[rec.Key] = rec
	u := s.Usage[rec.Owner]
	u.TotalBytes += rec.SizeBytes
	u.ObjectCount++
	s.Usage[rec.Owner] = u
	return u
}

// drop removes rec and returns the owner's aggregate afterwards. An aggregate
// with no objects left is deleted, never kept at zero.
func (s *Snapshot) drop(rec ObjectRecord) IdentityUsage {
	delete(s.Objects, rec.Key)
	u, ok := s.Usage[rec.Owner]
	if !ok {
		return IdentityUsage{}
	}
	u.TotalBytes -= rec.SizeBytes
	u.ObjectCount--
	if u.ObjectCount <= 0 {
		delete(s.Usage, rec.Owner)
		return IdentityUsage{}
	}
	if u.TotalBytes < 0 {
		u.TotalBytes = 0
	}
	s.Usage[rec.Owner] = u
	return u
}

// restoreUsage puts back the owner's aggregate as it was before a mutation.
func (s *Snapshot) restoreUsage(owner string, prev IdentityUsage, existed bool) {
	if existed {
		s.Usage[owner] = prev
	} else {
		delete(s.Usage, owner)
	}
}

// rebuildUsage recomputes every aggregate from the records.
func (s *Snapshot) rebuildUsage() {
	s.Usage = make(map[string]IdentityUsage)
	for key, rec := range s.Objects {
		rec.Key = key
		s.Objects[key] = rec
		u := s.Usage[rec.Owner]
		u.TotalBytes += rec.SizeBytes
		u.ObjectCount++
		s.Usage[rec.Owner] = u
	}
}

// Op identifies the kind of ledger mutation handed to a Persister.
type Op int

const (
	OpPut Op = iota + 1
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change describes a single mutation. Usage is the owner's aggregate after
// the mutation; a zero ObjectCount means the aggregate was deleted.
type Change struct {
	Op     Op
	Record ObjectRecord
	Usage  IdentityUsage
}

// Persister makes ledger state durable.
//
// Persist is called with the ledger lock held, after the in-memory state has
// been mutated. Implementations may write the whole snapshot or apply only
// the change, but must not retain snap after returning.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Persist(ctx context.Context, snap *Snapshot, change Change) error
	Close() error
}
