package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
)

// Policy is a fixed-window quota: at most Quota cost units are admitted per
// Window, and every call consumes Cost units.
type Policy struct {
	Window time.Duration
	Quota  int64
	Cost   int64
}

// Validate reports configuration errors. A policy whose single call costs more
// than its quota can never admit anything and is rejected here rather than at
// request time.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0", coord.ErrInvalidPolicy)
	}
	if p.Quota <= 0 {
		return fmt.Errorf("%w: quota must be > 0", coord.ErrInvalidPolicy)
	}
	if p.Cost <= 0 {
		return fmt.Errorf("%w: cost must be > 0", coord.ErrInvalidPolicy)
	}
	if p.Cost > p.Quota {
		return fmt.Errorf("%w: cost %d exceeds quota %d", coord.ErrInvalidPolicy, p.Cost, p.Quota)
	}
	return nil
}

// MaxCalls is the number of calls admitted in one window.
func (p Policy) MaxCalls() int64 {
	if p.Cost <= 0 {
		return 0
	}
	return p.Quota / p.Cost
}

type RateLimiter interface {
	Admit(ctx context.Context, key coord.Key, policy Policy) (coord.Decision, error)
}
