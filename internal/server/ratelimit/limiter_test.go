package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordViolation(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[identity]++
	return false
}

func defaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionUpload: {Limit: 10, Window: time.Hour},
		ActionView:   {Limit: 100, Window: time.Hour},
	}
}

func TestLimiter_DeniesAfterLimitWithinWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(defaultRules(), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		res := l.Check("X", ActionUpload)
		require.True(t, res.Allowed, "upload %d", i+1)
		assert.Equal(t, 10-i-1, res.Remaining)
		l.Record("X", ActionUpload)
		clock.Advance(6 * time.Second)
	}

	res := l.Check("X", ActionUpload)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10, res.Limit)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 3540*time.Second, res.RetryAfter)

	clock.Advance(61 * time.Minute)
	assert.True(t, l.Check("X", ActionUpload).Allowed)
}

func TestLimiter_WindowSlidesContinuously(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Action]Rule{
		ActionUpload: {Limit: 3, Window: time.Minute},
		ActionView:   {Limit: 3, Window: time.Minute},
	}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		l.Record("ip", ActionUpload)
		clock.Advance(20 * time.Second)
	}
	// Entries at t=0, 20s, 40s; now t=60s so the first has just aged out.
	assert.True(t, l.Check("ip", ActionUpload).Allowed)
	l.Record("ip", ActionUpload)

	res := l.Check("ip", ActionUpload)
	require.False(t, res.Allowed)
	assert.Equal(t, 20*time.Second, res.RetryAfter, "retry is driven by the oldest counted entry")

	clock.Advance(20 * time.Second)
	assert.True(t, l.Check("ip", ActionUpload).Allowed)
}

func TestLimiter_SameSequenceSpreadOutIsAllowed(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(defaultRules(), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("X", ActionUpload).Allowed)
		l.Record("X", ActionUpload)
		clock.Advance(7 * time.Minute)
	}
	assert.True(t, l.Check("X", ActionUpload).Allowed)
}

func TestLimiter_ActionsAreCountedSeparately(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Action]Rule{
		ActionUpload: {Limit: 1, Window: time.Hour},
		ActionView:   {Limit: 2, Window: time.Hour},
	}, WithClock(clock.Now))

	l.Record("ip", ActionUpload)
	assert.False(t, l.Check("ip", ActionUpload).Allowed)

	res := l.Check("ip", ActionView)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLimiter_CheckDoesNotRecord(t *testing.T) {
	l := NewLimiter(map[Action]Rule{ActionUpload: {Limit: 1, Window: time.Hour}})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("ip", ActionUpload).Allowed)
	}
	assert.Zero(t, l.Len())
}

func TestLimiter_DenialsReportViolations(t *testing.T) {
	rec := &countingRecorder{}
	l := NewLimiter(map[Action]Rule{ActionUpload: {Limit: 1, Window: time.Hour}}, WithViolationRecorder(rec))

	l.Record("ip", ActionUpload)
	for i := 0; i < 3; i++ {
		l.Check("ip", ActionUpload)
	}
	l.Check("other", ActionUpload)

	assert.Equal(t, 3, rec.counts["ip"])
	assert.Zero(t, rec.counts["other"])
}

func TestLimiter_LazyPurgeBoundsMemory(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(map[Action]Rule{ActionView: {Limit: 5, Window: time.Minute}}, WithClock(clock.Now))

	l.Record("gone", ActionView)
	l.Record("active", ActionView)
	clock.Advance(time.Minute)

	// The per-identity purge on check drops entries at exactly now-maxWindow.
	l.Check("active", ActionView)
	assert.Equal(t, 1, l.Len())

	// The periodic sweep picks up identities that never come back.
	clock.Advance(gcInterval)
	l.Check("someone-else", ActionView)
	assert.Zero(t, l.Len())
}

func TestLimiter_UnknownActionUsesViewRule(t *testing.T) {
	l := NewLimiter(defaultRules())
	assert.Equal(t, 100, l.Rule(Action("download")).Limit)
	assert.Equal(t, ActionView, ParseAction("download"))
	assert.Equal(t, ActionUpload, ParseAction("upload"))
}

func TestLimiter_ConcurrentIdentities(t *testing.T) {
	l := NewLimiter(map[Action]Rule{ActionView: {Limit: 1000, Window: time.Hour}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				identity := string(rune('a' + id))
				if l.Check(identity, ActionView).Allowed {
					l.Record(identity, ActionView)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, l.Len())
}
