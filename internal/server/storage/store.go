package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors for storage backends.
var (
	ErrNotFound   = errors.New("object not found")
	ErrExists     = errors.New("object already exists")
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store defines the interface for object storage backends.
// Keys are flat names such as "river12.png"; backends decide where they live.
type Store interface {
	// Save writes data under a new key and returns the number of bytes
	// stored. It fails with ErrExists, leaving the stored object untouched,
	// when key is already present.
	Save(ctx context.Context, key string, data io.Reader) (int64, error)

	// Open returns the object's content. The caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns ErrNotFound when the object does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes the object. Backends that can tell return ErrNotFound
	// for a missing object; callers treat that as already deleted.
	Delete(ctx context.Context, key string) error

	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// StorageDeleteError reports a failed delete during a sweep. It never
// leaves the sweeper.
type StorageDeleteError struct {
	Key string
	Err error
}

func (e *StorageDeleteError) Error() string {
	return fmt.Sprintf("failed to delete stored object %q: %v", e.Key, e.Err)
}

func (e *StorageDeleteError) Unwrap() error { return e.Err }

// Exists reports whether key is present in s.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Size returns the stored size of key in bytes.
func Size(ctx context.Context, s Store, key string) (int64, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// LastModified returns when key was last written.
func LastModified(ctx context.Context, s Store, key string) (time.Time, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return info.LastModified, nil
}
