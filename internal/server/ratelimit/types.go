// Package ratelimit implements a per-identity sliding-window rate limiter.
//
// Each identity keeps an ordered history of recent actions. A check counts
// the entries of the requested action that fall inside the window ending
// now, so old actions age out one by one instead of all resetting at a
// fixed boundary.
package ratelimit

import "time"

// Action is the class of request being rate limited.
type Action string

const (
	ActionUpload Action = "upload"
	ActionView   Action = "view"
)

// ParseAction maps a string to an Action. Anything that is not an upload
// counts as a view.
func ParseAction(s string) Action {
	if Action(s) == ActionUpload {
		return ActionUpload
	}
	return ActionView
}

// Rule is a (limit, window) pair: at most Limit actions in any Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// ActionRecord is one recorded action in an identity's history.
type ActionRecord struct {
	At     time.Time
	Action Action
}

// Result is the outcome of a Check.
type Result struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	Action Action

	// Limit is the configured limit for the action.
	Limit int

	// Remaining is how many more actions fit in the window after this one.
	Remaining int

	// Window is the length of the sliding window.
	Window time.Duration

	// RetryAfter is how long until the oldest counted action leaves the
	// window. Only set when Allowed is false.
	RetryAfter time.Duration

	// Banned reports that this denial tipped the identity into a ban.
	Banned bool
}
