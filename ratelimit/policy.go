package ratelimit

import "time"

// Backoff defaults.
const (
	DefaultBaseMinutes = 5
	DefaultCapMinutes  = 1440
)

// Policy is the per-call-site throttle configuration.
type Policy struct {
	// Name labels audit events and logs, e.g. "login".
	Name        string
	MaxAttempts int
	Window      time.Duration
	BaseMinutes int
	CapMinutes  int
	// FailClosed denies when the counter store is unreachable. The default
	// (false) lets traffic through so a storage outage cannot lock every
	// user out; the error is still logged.
	FailClosed bool
}

// Built-in policies. Callers copy and adjust them; they are values, not
// globals that the limiter reads.
var (
	LoginPolicy = Policy{Name: "login", MaxAttempts: 5, Window: 15 * time.Minute}
	APIPolicy   = Policy{Name: "api", MaxAttempts: 100, Window: 60 * time.Minute}
	OTPPolicy   = Policy{Name: "otp", MaxAttempts: 3, Window: 15 * time.Minute}
)

func (p Policy) withDefaults() Policy {
	if p.Name == "" {
		p.Name = "default"
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 5
	}
	if p.Window <= 0 {
		p.Window = 15 * time.Minute
	}
	if p.BaseMinutes <= 0 {
		p.BaseMinutes = DefaultBaseMinutes
	}
	if p.CapMinutes <= 0 {
		p.CapMinutes = DefaultCapMinutes
	}
	return p
}

// BackoffMinutes returns how long an identifier with the given attempt count
// should wait. Below MaxAttempts nothing is owed; from there on the wait is
// BaseMinutes doubled per excess attempt, clamped to CapMinutes.
//
//	attempts == max   -> base
//	attempts == max+1 -> 2*base
//	...               -> min(2^(attempts-max) * base, cap)
func (p Policy) BackoffMinutes(attempts int) int {
	p = p.withDefaults()
	if attempts < p.MaxAttempts {
		return 0
	}
	excess := attempts - p.MaxAttempts
	if excess > 62 {
		return p.CapMinutes
	}
	// compare before shifting so an oversized base cannot wrap
	if int64(p.BaseMinutes) > int64(p.CapMinutes)>>uint(excess) {
		return p.CapMinutes
	}
	return p.BaseMinutes << uint(excess)
}

// WindowMinutes reports the window length in whole minutes.
func (p Policy) WindowMinutes() int {
	return int(p.withDefaults().Window / time.Minute)
}
