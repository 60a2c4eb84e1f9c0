package admission

import (
	"errors"
	"fmt"
	"math"
	"time"

	"sharegate/internal/server/quota"
	"sharegate/internal/server/ratelimit"
)

// Errors matching each kind of denial.
var (
	ErrBanned            = errors.New("identity is temporarily banned")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrQuotaExceeded     = quota.ErrQuotaExceeded
	ErrInvalidRequest    = errors.New("invalid admission request")
)

// Reason names the stage that produced a decision.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonBanned         Reason = "banned"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonInvalidRequest Reason = "invalid_request"
)

// Decision is the unified verdict for one request.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
	Action  ratelimit.Action

	// RetryAfter is set for bans and rate limits.
	RetryAfter time.Duration

	// Rate limit state for response headers.
	Limit     int
	Remaining int
	Window    time.Duration

	// Quota state, set when a size was checked.
	Usage   int64
	Ceiling int64
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Err returns nil for an allowed decision and the matching sentinel otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonBanned:
		return fmt.Errorf("%w: %s", ErrBanned, d.Message)
	case ReasonRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimitExceeded, d.Message)
	case ReasonQuotaExceeded:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, d.Message)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, d.Message)
	}
}

func banMessage(remaining time.Duration) string {
	hours := int(remaining / time.Hour)
	minutes := int((remaining % time.Hour) / time.Minute)
	return fmt.Sprintf("Your IP has been temporarily banned due to excessive requests. Ban expires in %dh %dm.", hours, minutes)
}

func rateLimitMessage(action ratelimit.Action) string {
	return fmt.Sprintf("Too many %ss. Please try again later.", action)
}
