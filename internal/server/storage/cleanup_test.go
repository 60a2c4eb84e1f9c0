package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sharegate/internal/server/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDeleteStore fails deletes for the keys in failing.
type flakyDeleteStore struct {
	*FileSystemStore
	mu      sync.Mutex
	failing map[string]bool
}

func (s *flakyDeleteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	fail := s.failing[key]
	s.mu.Unlock()
	if fail {
		return errors.New("disk unavailable")
	}
	return s.FileSystemStore.Delete(ctx, key)
}

func (s *flakyDeleteStore) heal(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failing, key)
}

type cleanupFixture struct {
	dir    string
	now    time.Time
	ledger *ledger.Store
	store  *flakyDeleteStore
	svc    *CleanupService
}

func newCleanupFixture(t *testing.T, margin time.Duration) *cleanupFixture {
	t.Helper()
	dir := t.TempDir()
	f := &cleanupFixture{
		dir:    dir,
		now:    time.Now().UTC(),
		ledger: ledger.Open(context.Background(), nil),
		store:  &flakyDeleteStore{FileSystemStore: NewFileSystemStore(dir), failing: map[string]bool{}},
	}
	f.svc = NewCleanupService(f.ledger, f.store, CleanupConfig{
		Interval:           time.Hour,
		OrphanSafetyMargin: margin,
		Ignore:             []string{"ledger.json"},
	}, WithCleanupClock(func() time.Time { return f.now }))
	return f
}

func (f *cleanupFixture) addObject(t *testing.T, key string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, key), []byte("content"), 0644))
	require.NoError(t, f.ledger.Put(context.Background(), ledger.ObjectRecord{
		Key:       key,
		Owner:     "10.0.0.1",
		SizeBytes: 7,
		CreatedAt: expiresAt.Add(-7 * 24 * time.Hour),
		ExpiresAt: expiresAt,
	}))
}

func (f *cleanupFixture) writeFile(t *testing.T, key string, modified time.Time) {
	t.Helper()
	path := filepath.Join(f.dir, key)
	require.NoError(t, os.WriteFile(path, []byte("orphan"), 0644))
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func (f *cleanupFixture) fileExists(key string) bool {
	_, err := os.Stat(filepath.Join(f.dir, key))
	return err == nil
}

func TestCleanupService_RemovesOnlyExpired(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "old1.txt", f.now.Add(-time.Minute))
	f.addObject(t, "fresh2.txt", f.now.Add(time.Hour))

	report := f.svc.RunOnce(context.Background())

	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Removed)
	assert.Zero(t, report.Failed)

	assert.False(t, f.fileExists("old1.txt"))
	assert.False(t, f.ledger.Has("old1.txt"))
	assert.True(t, f.fileExists("fresh2.txt"))
	assert.True(t, f.ledger.Has("fresh2.txt"))
	assert.Equal(t, ledger.IdentityUsage{TotalBytes: 7, ObjectCount: 1}, f.ledger.Usage("10.0.0.1"))
}

func TestCleanupService_ExpiryBoundaryIsInclusive(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "edge.txt", f.now)

	report := f.svc.RunOnce(context.Background())
	assert.Equal(t, 1, report.Removed)
	assert.False(t, f.ledger.Has("edge.txt"))
}

func TestCleanupService_DeleteFailureIsRetried(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "stuck.bin", f.now.Add(-time.Hour))
	f.addObject(t, "gone.bin", f.now.Add(-time.Hour))
	f.store.failing["stuck.bin"] = true

	report := f.svc.RunOnce(context.Background())
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, f.ledger.Has("stuck.bin"), "record stays until its content is deleted")
	assert.False(t, f.ledger.Has("gone.bin"))

	f.store.heal("stuck.bin")
	report = f.svc.RunOnce(context.Background())
	assert.Equal(t, 1, report.Removed)
	assert.False(t, f.ledger.Has("stuck.bin"))
	assert.False(t, f.fileExists("stuck.bin"))
}

func TestCleanupService_MissingContentStillClearsRecord(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "vanished.txt", f.now.Add(-time.Hour))
	require.NoError(t, os.Remove(filepath.Join(f.dir, "vanished.txt")))

	report := f.svc.RunOnce(context.Background())
	assert.Equal(t, 1, report.Removed)
	assert.False(t, f.ledger.Has("vanished.txt"))
	assert.Zero(t, f.ledger.Usage("10.0.0.1").ObjectCount)
}

func TestCleanupService_Orphans(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "kept.txt", f.now.Add(time.Hour))
	f.writeFile(t, "young.txt", f.now.Add(-time.Hour))
	f.writeFile(t, "ancient.txt", f.now.Add(-48*time.Hour))
	f.writeFile(t, "ledger.json", f.now.Add(-48*time.Hour))

	report := f.svc.RunOnce(context.Background())
	assert.Equal(t, 1, report.OrphansDeleted)
	assert.Zero(t, report.OrphanFailures)

	assert.False(t, f.fileExists("ancient.txt"))
	assert.True(t, f.fileExists("young.txt"), "orphans inside the safety margin are kept")
	assert.True(t, f.fileExists("ledger.json"), "ignored keys are never orphans")
	assert.True(t, f.fileExists("kept.txt"))
}

func TestCleanupService_CancelledContextDoesNothing(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "old.txt", f.now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.svc.RunOnce(ctx)
	assert.Zero(t, report.Removed)
	assert.True(t, f.ledger.Has("old.txt"))
}

func TestCleanupService_StartRunsImmediatelyAndStops(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	f.addObject(t, "old.txt", f.now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.svc.Start(ctx))
	assert.Error(t, f.svc.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool { return !f.ledger.Has("old.txt") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	waited := make(chan struct{})
	go func() {
		f.svc.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup service did not stop")
	}
}

func TestCleanupService_RestartAfterStop(t *testing.T) {
	f := newCleanupFixture(t, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Start(ctx))
		f.svc.Stop()
		f.svc.Wait()
	}
	assert.NotPanics(t, f.svc.Stop)
}

func TestCleanupService_RejectsNonPositiveInterval(t *testing.T) {
	svc := NewCleanupService(ledger.Open(context.Background(), nil), NewFileSystemStore(t.TempDir()), CleanupConfig{})
	assert.Error(t, svc.Start(context.Background()))
}
