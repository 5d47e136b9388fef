package idempotent

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

const defaultCodeDigits = 6

// Codes issues one-shot verification codes bound to a correlation id, such
// as the answer of a captcha. A code can be verified successfully once; the
// successful Verify deletes it in the same atomic step that checks it.
//
// A wrong guess leaves the code in place until it expires. Codes does not
// count attempts; put a limiter in front of Verify for that.
type Codes struct {
	store     store.Store
	prefix    string
	operation string
	digits    int
}

type CodesOption func(*Codes)

// WithCodePrefix sets the key prefix (default "coord:").
func WithCodePrefix(prefix string) CodesOption {
	return func(c *Codes) { c.prefix = prefix }
}

// WithDigits sets the code length (default 6).
func WithDigits(n int) CodesOption {
	return func(c *Codes) {
		if n > 0 && n <= 18 {
			c.digits = n
		}
	}
}

// NewCodes stores codes for operation (for example "captcha") in s.
func NewCodes(s store.Store, operation string, opts ...CodesOption) (*Codes, error) {
	if s == nil {
		return nil, fmt.Errorf("idempotent: store is required")
	}
	c := &Codes{store: s, prefix: defaultPrefix, operation: operation, digits: defaultCodeDigits}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := c.key("probe"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codes) key(correlationID string) (string, error) {
	k, err := coord.NewKey(coord.KindIdempotent, c.operation, coord.ScopePersonal, correlationID)
	if err != nil {
		return "", err
	}
	return c.prefix + k.String(), nil
}

// Issue generates a code for correlationID valid for ttl. Issuing again while
// a code is live returns coord.ErrDuplicateRequest.
func (c *Codes) Issue(ctx context.Context, correlationID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be > 0", coord.ErrInvalidPolicy)
	}
	k, err := c.key(correlationID)
	if err != nil {
		return "", err
	}
	code, err := c.generate()
	if err != nil {
		return "", err
	}
	ok, err := c.store.SetIfAbsent(ctx, k, code, ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: code for %s already issued", coord.ErrDuplicateRequest, correlationID)
	}
	return code, nil
}

// Verify consumes the code for correlationID if it equals code.
func (c *Codes) Verify(ctx context.Context, correlationID, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	k, err := c.key(correlationID)
	if err != nil {
		return false, err
	}
	return c.store.CompareAndDelete(ctx, k, code)
}

func (c *Codes) generate() (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("idempotent: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", c.digits, n), nil
}
