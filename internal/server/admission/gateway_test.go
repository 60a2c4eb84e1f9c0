package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sharegate/internal/server/ban"
	"sharegate/internal/server/ledger"
	"sharegate/internal/server/quota"
	"sharegate/internal/server/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	clock   *fakeClock
	store   *ledger.Store
	bans    *ban.Tracker
	limiter *ratelimit.Limiter
	gw      *Gateway
}

type fixtureConfig struct {
	uploadLimit  int
	viewLimit    int
	banThreshold int
	ceiling      int64
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)}
	store := ledger.Open(context.Background(), nil)
	bans := ban.NewTracker(cfg.banThreshold, 24*time.Hour, ban.WithClock(clock.Now))
	limiter := ratelimit.NewLimiter(map[ratelimit.Action]ratelimit.Rule{
		ratelimit.ActionUpload: {Limit: cfg.uploadLimit, Window: time.Hour},
		ratelimit.ActionView:   {Limit: cfg.viewLimit, Window: time.Hour},
	}, ratelimit.WithClock(clock.Now), ratelimit.WithViolationRecorder(bans))
	enforcer := quota.NewEnforcer(store, cfg.ceiling, 7*24*time.Hour)

	return &fixture{
		clock:   clock,
		store:   store,
		bans:    bans,
		limiter: limiter,
		gw:      New(bans, limiter, enforcer, WithClock(clock.Now)),
	}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, fixtureConfig{uploadLimit: 10, viewLimit: 100, banThreshold: 20, ceiling: 100 << 20})
}

func size(n int64) *int64 { return &n }

func TestGateway_UploadRateLimitScenario(t *testing.T) {
	f := defaultFixture(t)

	for i := 0; i < 10; i++ {
		d := f.gw.Admit("X", ratelimit.ActionUpload, size(1024))
		require.True(t, d.Allowed, "upload %d", i+1)
		f.clock.Advance(6 * time.Second)
	}

	d := f.gw.Admit("X", ratelimit.ActionUpload, size(1024))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 3540, d.RetryAfterSeconds())
	assert.ErrorIs(t, d.Err(), ErrRateLimitExceeded)
	assert.Equal(t, "Too many uploads. Please try again later.", d.Message)

	f.clock.Advance(61 * time.Minute)
	assert.True(t, f.gw.Admit("X", ratelimit.ActionUpload, size(1024)).Allowed)
}

func TestGateway_BanPreemptsEverything(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 1, viewLimit: 100, banThreshold: 3, ceiling: 1000})

	require.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, size(1)).Allowed)
	for i := 0; i < 3; i++ {
		d := f.gw.Admit("ip", ratelimit.ActionUpload, size(1))
		require.Equal(t, ReasonRateLimited, d.Reason)
	}

	banned, remaining := f.bans.IsBanned("ip")
	require.True(t, banned)
	assert.Equal(t, 24*time.Hour, remaining)

	// Views are refused too, and no longer touch the limiter's bookkeeping.
	violations := f.bans.Violations("ip")
	d := f.gw.Admit("ip", ratelimit.ActionView, nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBanned, d.Reason)
	assert.Equal(t, 24*3600, d.RetryAfterSeconds())
	assert.Contains(t, d.Message, "Ban expires in 24h 0m.")
	assert.ErrorIs(t, d.Err(), ErrBanned)
	assert.Equal(t, violations, f.bans.Violations("ip"))

	d = f.gw.CheckBan("ip")
	assert.Equal(t, ReasonBanned, d.Reason)
	assert.True(t, f.gw.CheckBan("someone-else").Allowed)

	f.clock.Advance(24*time.Hour + time.Second)
	assert.True(t, f.gw.Admit("ip", ratelimit.ActionView, nil).Allowed)
	assert.True(t, f.gw.CheckBan("ip").Allowed)
}

func TestGateway_QuotaRejectionDoesNotConsumeRateLimit(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 2, viewLimit: 100, banThreshold: 20, ceiling: 100})

	for i := 0; i < 5; i++ {
		d := f.gw.Admit("ip", ratelimit.ActionUpload, size(101))
		require.Equal(t, ReasonQuotaExceeded, d.Reason)
		assert.Equal(t, int64(100), d.Ceiling)
		assert.ErrorIs(t, d.Err(), ErrQuotaExceeded)
	}

	d := f.gw.Admit("ip", ratelimit.ActionUpload, size(10))
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestGateway_CheckQuotaLeavesRateLimitAlone(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 1, viewLimit: 100, banThreshold: 1, ceiling: 100})

	require.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, nil).Allowed)

	for i := 0; i < 3; i++ {
		d := f.gw.CheckQuota("ip", 40)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(100), d.Ceiling)
	}
	assert.Zero(t, f.bans.Violations("ip"))

	d := f.gw.CheckQuota("ip", 101)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrQuotaExceeded)

	assert.Equal(t, ReasonInvalidRequest, f.gw.CheckQuota("", 1).Reason)
	assert.Equal(t, ReasonInvalidRequest, f.gw.CheckQuota("ip", -1).Reason)
}

func TestGateway_CommitAndRelease(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 10, viewLimit: 100, banThreshold: 20, ceiling: 100})
	ctx := context.Background()

	require.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, size(60)).Allowed)
	rec, err := f.gw.Commit(ctx, "ip", "sunset7.txt", 60, "hash")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), rec.ExpiresAt)
	assert.Equal(t, "hash", rec.DeletionTokenHash)

	d := f.gw.Admit("ip", ratelimit.ActionUpload, size(50))
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, int64(60), d.Usage)

	usage, ceiling := f.gw.Usage("ip")
	assert.Equal(t, ledger.IdentityUsage{TotalBytes: 60, ObjectCount: 1}, usage)
	assert.Equal(t, int64(100), ceiling)

	_, err = f.gw.Release(ctx, "sunset7.txt")
	require.NoError(t, err)
	assert.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, size(50)).Allowed)

	_, err = f.gw.Release(ctx, "sunset7.txt")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGateway_CommitRechecksCeiling(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 10, viewLimit: 100, banThreshold: 20, ceiling: 100})
	ctx := context.Background()

	// Both admitted against the same starting usage; only one fits.
	require.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, size(70)).Allowed)
	require.True(t, f.gw.Admit("ip", ratelimit.ActionUpload, size(70)).Allowed)

	_, err := f.gw.Commit(ctx, "ip", "a", 70, "")
	require.NoError(t, err)
	_, err = f.gw.Commit(ctx, "ip", "b", 70, "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestGateway_InvalidRequests(t *testing.T) {
	f := defaultFixture(t)

	d := f.gw.Admit("", ratelimit.ActionView, nil)
	assert.Equal(t, ReasonInvalidRequest, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrInvalidRequest)

	d = f.gw.Admit("ip", ratelimit.ActionUpload, size(-1))
	assert.Equal(t, ReasonInvalidRequest, d.Reason)
	assert.Zero(t, f.limiter.Len())
}

func TestGateway_SameIdentityIsSerialized(t *testing.T) {
	f := newFixture(t, fixtureConfig{uploadLimit: 5, viewLimit: 100, banThreshold: 1000, ceiling: 1 << 30})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.gw.Admit("ip", ratelimit.ActionUpload, size(1)).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
	assert.Zero(t, f.gw.locks.size(), "per-identity locks must be released")
}

func TestDecision_Err(t *testing.T) {
	assert.NoError(t, Decision{Allowed: true, Reason: ReasonAllowed}.Err())

	err := Decision{Reason: ReasonQuotaExceeded, Message: "full"}.Err()
	assert.True(t, errors.Is(err, quota.ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "full")
}

func TestDecision_RetryAfterSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, 2, Decision{RetryAfter: 1100 * time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, 0, Decision{}.RetryAfterSeconds())
}
