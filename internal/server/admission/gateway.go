// Package admission composes the ban tracker, the rate limiter and the quota
// enforcer into the single check the request layer makes per request.
//
// The order is fixed: a banned identity is rejected before touching any rate
// limit or quota bookkeeping, and quota is checked last. Only a request that
// passes every stage is recorded against the rate limit.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sharegate/internal/server/ban"
	"sharegate/internal/server/ledger"
	"sharegate/internal/server/metrics"
	"sharegate/internal/server/quota"
	"sharegate/internal/server/ratelimit"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records decisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the time source used to stamp committed records.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the single admission entry point.
type Gateway struct {
	bans    *ban.Tracker
	limiter *ratelimit.Limiter
	quota   *quota.Enforcer
	locks   *keyedMutex
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a gateway over the three enforcement stages.
func New(bans *ban.Tracker, limiter *ratelimit.Limiter, enforcer *quota.Enforcer, opts ...Option) *Gateway {
	g := &Gateway{
		bans:    bans,
		limiter: limiter,
		quota:   enforcer,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides whether identity may perform action. size is the byte size
// of the content being created, or nil for requests that create nothing.
//
// Checks for the same identity are serialized so that two requests cannot
// both pass a limit meant to admit only one of them.
func (g *Gateway) Admit(identity string, action ratelimit.Action, size *int64) Decision {
	d := g.admit(identity, action, size)
	g.metrics.RecordAdmission(string(action), string(d.Reason))
	return d
}

func (g *Gateway) admit(identity string, action ratelimit.Action, size *int64) Decision {
	d := Decision{Action: action}
	if rejectInvalid(&d, identity, size) {
		return d
	}

	unlock := g.locks.Lock(identity)
	defer unlock()

	if banned, remaining := g.bans.IsBanned(identity); banned {
		d.Reason = ReasonBanned
		d.RetryAfter = remaining
		d.Message = banMessage(remaining)
		return d
	}

	rl := g.limiter.Check(identity, action)
	d.Limit = rl.Limit
	d.Window = rl.Window
	if !rl.Allowed {
		d.Reason = ReasonRateLimited
		d.RetryAfter = rl.RetryAfter
		d.Message = rateLimitMessage(action)
		slog.Warn("rate limit exceeded",
			"identity", identity,
			"action", action,
			"retry_after", rl.RetryAfter,
			"banned", rl.Banned,
		)
		return d
	}
	d.Remaining = rl.Remaining

	if size != nil {
		q := g.quota.CheckAndReserve(identity, *size)
		d.Usage = q.CurrentUsage
		d.Ceiling = q.Ceiling
		if !q.Accepted {
			d.Reason = ReasonQuotaExceeded
			d.Message = q.Reason
			return d
		}
	}

	g.limiter.Record(identity, action)
	d.Allowed = true
	d.Reason = ReasonAllowed
	return d
}

// CheckQuota checks size against identity's remaining storage. It is used
// once the size of a request already admitted by Admit is known, and does
// not touch bans or rate limits.
func (g *Gateway) CheckQuota(identity string, size int64) Decision {
	d := Decision{Action: ratelimit.ActionUpload}
	if rejectInvalid(&d, identity, &size) {
		g.metrics.RecordAdmission(string(d.Action), string(d.Reason))
		return d
	}

	unlock := g.locks.Lock(identity)
	defer unlock()

	q := g.quota.CheckAndReserve(identity, size)
	d.Usage = q.CurrentUsage
	d.Ceiling = q.Ceiling
	if !q.Accepted {
		d.Reason = ReasonQuotaExceeded
		d.Message = q.Reason
		g.metrics.RecordAdmission(string(d.Action), string(d.Reason))
		return d
	}

	d.Allowed = true
	d.Reason = ReasonAllowed
	return d
}

func rejectInvalid(d *Decision, identity string, size *int64) bool {
	switch {
	case identity == "":
		d.Message = "identity must not be empty"
	case size != nil && *size < 0:
		d.Message = "content size must not be negative"
	default:
		return false
	}
	d.Reason = ReasonInvalidRequest
	return true
}

// CheckBan refuses a banned identity without touching any rate limit. It is
// used for requests that are neither uploads nor views.
func (g *Gateway) CheckBan(identity string) Decision {
	if banned, remaining := g.bans.IsBanned(identity); banned {
		return Decision{
			Reason:     ReasonBanned,
			RetryAfter: remaining,
			Message:    banMessage(remaining),
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// Commit records a stored object against its owner's quota. The owner's
// usage is re-checked atomically with the write. Callers must delete the
// stored content if Commit fails.
func (g *Gateway) Commit(ctx context.Context, identity, key string, size int64, deletionTokenHash string) (ledger.ObjectRecord, error) {
	rec := g.quota.NewRecord(identity, key, size, g.now())
	rec.DeletionTokenHash = deletionTokenHash

	unlock := g.locks.Lock(identity)
	defer unlock()

	if err := g.quota.Commit(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrPersistence) {
			g.metrics.RecordPersistenceFailure()
		}
		return ledger.ObjectRecord{}, err
	}
	return rec, nil
}

// Release removes key from the ledger early, freeing its owner's quota.
func (g *Gateway) Release(ctx context.Context, key string) (ledger.ObjectRecord, error) {
	rec, err := g.quota.Release(ctx, key)
	if errors.Is(err, ledger.ErrPersistence) {
		g.metrics.RecordPersistenceFailure()
	}
	return rec, err
}

// Usage returns the identity's aggregate and the configured ceiling.
func (g *Gateway) Usage(identity string) (ledger.IdentityUsage, int64) {
	return g.quota.Usage(identity), g.quota.Ceiling()
}

// Rule returns the rate limit rule for action.
func (g *Gateway) Rule(action ratelimit.Action) ratelimit.Rule {
	return g.limiter.Rule(action)
}
