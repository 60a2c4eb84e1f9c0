// Package ban tracks rate-limit violations per identity and installs
// time-boxed bans once a threshold is reached.
//
// An identity is Banned while its ban deadline is in the future and Clear
// otherwise. Bans end purely by time passing; nothing needs to run for a ban
// to lift. The violation counter survives both the ban and its expiry, so a
// repeat offender is banned again on its next violation.
package ban

import (
	"log/slog"
	"sync"
	"time"
)

const gcInterval = 5 * time.Minute

type entry struct {
	violations    int
	bannedUntil   time.Time
	lastViolation time.Time
}

// banned is the pure state function over an entry. A deadline in the past
// reads as Clear.
func (e *entry) banned(now time.Time) (bool, time.Duration) {
	if e == nil || !e.bannedUntil.After(now) {
		return false, 0
	}
	return true, e.bannedUntil.Sub(now)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithForgetAfter drops idle, unbanned entries once their last violation is
// older than d. Zero keeps entries forever.
func WithForgetAfter(d time.Duration) Option {
	return func(t *Tracker) { t.forgetAfter = d }
}

// WithBanHook registers fn to be called whenever a ban is installed.
func WithBanHook(fn func(identity string, until time.Time)) Option {
	return func(t *Tracker) { t.onBan = fn }
}

// Tracker is the per-identity ban state machine. It is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]*entry
	threshold   int
	duration    time.Duration
	forgetAfter time.Duration
	lastGC      time.Time
	now         func() time.Time
	onBan       func(identity string, until time.Time)
}

// NewTracker creates a tracker that bans for duration once an identity has
// accumulated threshold violations.
func NewTracker(threshold int, duration time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		duration:  duration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastGC = t.now()
	return t
}

// RecordViolation counts one violation for identity and reports whether the
// identity is banned afterwards.
func (t *Tracker) RecordViolation(identity string) bool {
	t.mu.Lock()
	now := t.now()
	t.maybeGCLocked(now)

	e, ok := t.entries[identity]
	if !ok {
		e = &entry{}
		t.entries[identity] = e
	}
	e.violations++
	e.lastViolation = now

	if banned, _ := e.banned(now); banned {
		t.mu.Unlock()
		return true
	}
	if e.violations < t.threshold {
		t.mu.Unlock()
		return false
	}

	e.bannedUntil = now.Add(t.duration)
	until, violations := e.bannedUntil, e.violations
	onBan := t.onBan
	t.mu.Unlock()

	slog.Warn("identity banned",
		"identity", identity,
		"violations", violations,
		"banned_until", until,
	)
	if onBan != nil {
		onBan(identity, until)
	}
	return true
}

// IsBanned reports whether identity is currently banned and for how much longer.
func (t *Tracker) IsBanned(identity string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.maybeGCLocked(now)

	e, ok := t.entries[identity]
	if !ok {
		return false, 0
	}
	banned, remaining := e.banned(now)
	if !banned && !e.bannedUntil.IsZero() {
		// Lapsed ban: drop the deadline, keep the counter.
		e.bannedUntil = time.Time{}
	}
	return banned, remaining
}

// Violations returns the number of violations recorded for identity.
func (t *Tracker) Violations(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[identity]; ok {
		return e.violations
	}
	return 0
}

// Len returns the number of tracked identities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// maybeGCLocked forgets idle identities at most once per gcInterval.
// Caller must hold t.mu.
func (t *Tracker) maybeGCLocked(now time.Time) {
	if t.forgetAfter <= 0 || now.Sub(t.lastGC) < gcInterval {
		return
	}
	t.lastGC = now

	cutoff := now.Add(-t.forgetAfter)
	for id, e := range t.entries {
		if banned, _ := e.banned(now); banned {
			continue
		}
		if e.lastViolation.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}
