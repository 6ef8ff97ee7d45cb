// Package retry holds the capped exponential backoff policy and the per-run
// state machine the task engine drives between attempts.
package retry

import (
	"fmt"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 5 * time.Second
	DefaultCap        = 60 * time.Second
)

// Policy decides how long to wait after a failed attempt and whether another
// attempt is allowed. Attempts are numbered from 0.
type Policy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	Cap        time.Duration `json:"cap"`
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, Cap: DefaultCap}
}

// Once never retries: the first failure is terminal.
func Once() Policy { return Policy{} }

// WaitTime returns min(BaseDelay * 2^n, Cap).
func (p Policy) WaitTime(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
		// Stop doubling before int64 overflow.
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// ShouldRetry reports whether the attempt numbered n may run.
func (p Policy) ShouldRetry(n int) bool { return n <= p.MaxRetries }

// Attempts is the total number of attempts a run may make.
func (p Policy) Attempts() int { return p.MaxRetries + 1 }

func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be >= 0, got %s", p.BaseDelay)
	}
	if p.Cap < 0 {
		return fmt.Errorf("cap must be >= 0, got %s", p.Cap)
	}
	if p.Cap > 0 && p.BaseDelay > p.Cap {
		return fmt.Errorf("base_delay %s exceeds cap %s", p.BaseDelay, p.Cap)
	}
	return nil
}

func (p Policy) String() string {
	return fmt.Sprintf("retries=%d base=%s cap=%s", p.MaxRetries, p.BaseDelay, p.Cap)
}
