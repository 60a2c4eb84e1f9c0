package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// gcInterval is how often Check sweeps idle identities out of the history map.
const gcInterval = 5 * time.Minute

// ViolationRecorder is told about every denied check.
type ViolationRecorder interface {
	RecordViolation(identity string) bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithViolationRecorder reports denials to r, typically a ban tracker.
func WithViolationRecorder(r ViolationRecorder) Option {
	return func(l *Limiter) { l.violations = r }
}

// Limiter is a per-identity sliding-window limiter over a closed set of
// actions. Check and Record are separate so a request can be evaluated
// without being committed.
type Limiter struct {
	mu         sync.Mutex
	history    map[string][]ActionRecord
	rules      map[Action]Rule
	maxWindow  time.Duration
	violations ViolationRecorder
	lastGC     time.Time
	now        func() time.Time
}

// NewLimiter creates a limiter with one rule per action.
func NewLimiter(rules map[Action]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		history: make(map[string][]ActionRecord),
		rules:   make(map[Action]Rule, len(rules)),
		now:     time.Now,
	}
	for action, rule := range rules {
		l.rules[action] = rule
		if rule.Window > l.maxWindow {
			l.maxWindow = rule.Window
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastGC = l.now()
	return l
}

// Rule returns the rule applied to action.
func (l *Limiter) Rule(action Action) Rule {
	if rule, ok := l.rules[action]; ok {
		return rule
	}
	return l.rules[ActionView]
}

// Check evaluates whether identity may perform action now. A denial is
// reported to the violation recorder; an allowed check records nothing.
func (l *Limiter) Check(identity string, action Action) Result {
	rule := l.Rule(action)

	l.mu.Lock()
	now := l.now()
	l.maybeGCLocked(now)

	history := l.pruneLocked(identity, now)

	windowStart := now.Add(-rule.Window)
	count := 0
	var oldest time.Time
	for _, rec := range history {
		if rec.Action != action || !rec.At.After(windowStart) {
			continue
		}
		if count == 0 {
			oldest = rec.At
		}
		count++
	}
	l.mu.Unlock()

	res := Result{
		Action: action,
		Limit:  rule.Limit,
		Window: rule.Window,
	}

	if count >= rule.Limit {
		res.RetryAfter = oldest.Add(rule.Window).Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		if l.violations != nil {
			res.Banned = l.violations.RecordViolation(identity)
		}
		return res
	}

	res.Allowed = true
	res.Remaining = rule.Limit - count - 1
	return res
}

// Record appends an action for identity at the current time.
func (l *Limiter) Record(identity string, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	history := l.history[identity]
	// Keep the slice ordered even if the clock stepped backwards.
	if n := len(history); n > 0 && history[n-1].At.After(now) {
		history = append(history, ActionRecord{At: now, Action: action})
		sort.SliceStable(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })
		l.history[identity] = history
		return
	}
	l.history[identity] = append(history, ActionRecord{At: now, Action: action})
}

// Len returns the number of identities with recorded history.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// pruneLocked drops entries at or before now-maxWindow for identity and
// returns what is left. Caller must hold l.mu.
func (l *Limiter) pruneLocked(identity string, now time.Time) []ActionRecord {
	history, ok := l.history[identity]
	if !ok {
		return nil
	}

	kept := trimBefore(history, now.Add(-l.maxWindow))
	if len(kept) == 0 {
		delete(l.history, identity)
		return nil
	}
	l.history[identity] = kept
	return kept
}

// maybeGCLocked prunes every identity at most once per gcInterval so
// identities that stop sending requests do not linger. Caller must hold l.mu.
func (l *Limiter) maybeGCLocked(now time.Time) {
	if now.Sub(l.lastGC) < gcInterval {
		return
	}
	l.lastGC = now

	cutoff := now.Add(-l.maxWindow)
	for id, history := range l.history {
		kept := trimBefore(history, cutoff)
		if len(kept) == 0 {
			delete(l.history, id)
			continue
		}
		l.history[id] = kept
	}
}

// trimBefore returns the suffix of an ordered history with entries after cutoff.
func trimBefore(history []ActionRecord, cutoff time.Time) []ActionRecord {
	i := sort.Search(len(history), func(i int) bool { return history[i].At.After(cutoff) })
	if i == 0 {
		return history
	}
	return append(history[:0:0], history[i:]...)
}
