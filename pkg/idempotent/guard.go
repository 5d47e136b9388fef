package idempotent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

const (
	defaultPrefix = "coord:"
	// resultNamespace is not a coord.Kind, so result keys can never collide
	// with a guard key.
	resultNamespace = "result:"
)

// Outcome is the answer to TryAdmitOnce.
type Outcome int

const (
	// Won means the caller created the record and must run the operation.
	Won Outcome = iota + 1
	// AlreadyInFlightOrDone means another caller won within the window.
	AlreadyInFlightOrDone
)

func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case AlreadyInFlightOrDone:
		return "already-in-flight-or-done"
	}
	return "unknown"
}

// Record is what the winner leaves in the store for the rest of the window.
type Record struct {
	Token       string        `json:"token"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	TTL         time.Duration `json:"ttl"`
}

// Policy configures a debounce window. Scope is used by RepeatGuard to build
// the key; Guard itself takes the key as given.
type Policy struct {
	Window time.Duration
	Scope  coord.Scope
}

func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0", coord.ErrInvalidPolicy)
	}
	if p.Scope != coord.ScopePersonal && p.Scope != coord.ScopeAll {
		return fmt.Errorf("%w: unknown scope %d", coord.ErrInvalidPolicy, int(p.Scope))
	}
	return nil
}

// Guard admits at most one caller per key per TTL window using the store's
// set-if-absent.
type Guard struct {
	store    store.Store
	prefix   string
	now      func() time.Time
	recorder coord.MetricsRecorder
	logger   *slog.Logger
}

type Option func(*Guard)

// WithPrefix sets the key prefix (default "coord:").
func WithPrefix(prefix string) Option {
	return func(g *Guard) { g.prefix = prefix }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithRecorder(r coord.MetricsRecorder) Option {
	return func(g *Guard) {
		if r != nil {
			g.recorder = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New constructs a Guard over s.
func New(s store.Store, opts ...Option) (*Guard, error) {
	if s == nil {
		return nil, fmt.Errorf("idempotent: store is required")
	}
	g := &Guard{
		store:    s,
		prefix:   defaultPrefix,
		now:      time.Now,
		recorder: &coord.NoOpMetricsRecorder{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "idempotent")
	return g, nil
}

func (g *Guard) storeKey(key coord.Key) (string, error) {
	if key.Kind != coord.KindIdempotent {
		return "", fmt.Errorf("%w: idempotency guard needs a %s key, got %s", coord.ErrInvalidKey, coord.KindIdempotent, key.Kind)
	}
	if err := key.Validate(); err != nil {
		return "", err
	}
	return g.prefix + key.String(), nil
}

// TryAdmitOnce reports Won to exactly one caller per key until ttl elapses.
func (g *Guard) TryAdmitOnce(ctx context.Context, key coord.Key, ttl time.Duration) (Outcome, error) {
	_, outcome, err := g.claim(ctx, key, ttl)
	return outcome, err
}

// claimed is the record a winner wrote, with its exact stored encoding so it
// can later be compared-and-deleted.
type claimed struct {
	rec Record
	raw string
}

func (g *Guard) claim(ctx context.Context, key coord.Key, ttl time.Duration) (claimed, Outcome, error) {
	if ttl <= 0 {
		return claimed{}, 0, fmt.Errorf("%w: ttl must be > 0", coord.ErrInvalidPolicy)
	}
	k, err := g.storeKey(key)
	if err != nil {
		return claimed{}, 0, err
	}
	rec := Record{Token: uuid.NewString(), FirstSeenAt: g.now().UTC(), TTL: ttl}
	raw, err := json.Marshal(rec)
	if err != nil {
		return claimed{}, 0, err
	}

	won, err := g.store.SetIfAbsent(ctx, k, string(raw), ttl)
	if err != nil {
		g.recorder.Add("idempotent.error", 1, nil)
		return claimed{}, 0, err
	}
	if won {
		g.recorder.Add("idempotent.won", 1, nil)
		return claimed{rec: rec, raw: string(raw)}, Won, nil
	}
	g.recorder.Add("idempotent.duplicate", 1, nil)
	g.logger.Debug("duplicate request suppressed", "key", key.String())
	return claimed{}, AlreadyInFlightOrDone, nil
}

// Admit is TryAdmitOnce expressed as a coord.Decision. A rejection carries the
// time left in the window as RetryAfter.
func (g *Guard) Admit(ctx context.Context, key coord.Key, policy Policy) (coord.Decision, error) {
	if err := policy.Validate(); err != nil {
		return coord.Decision{}, err
	}
	outcome, err := g.TryAdmitOnce(ctx, key, policy.Window)
	if err != nil {
		return coord.Decision{}, err
	}
	if outcome == Won {
		return coord.Admit(0), nil
	}
	k, _ := g.storeKey(key)
	ttl, err := g.store.TTL(ctx, k)
	if err != nil || ttl <= 0 || ttl > policy.Window {
		ttl = policy.Window
	}
	return coord.Deny("duplicate request", ttl), nil
}

// Lookup returns the record currently held for key.
func (g *Guard) Lookup(ctx context.Context, key coord.Key) (Record, bool, error) {
	k, err := g.storeKey(key)
	if err != nil {
		return Record{}, false, err
	}
	raw, ok, err := g.store.Get(ctx, k)
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotent: decode record %s: %w", key, err)
	}
	return rec, true, nil
}

// Do runs fn at most once per key within ttl and shares its result.
//
// The winner runs fn and stores the returned bytes; callers arriving later in
// the window get those bytes back with replayed set. Callers arriving while
// the winner is still running get coord.ErrDuplicateRequest. If fn fails the
// claim is released so that a retry can run it again.
func (g *Guard) Do(ctx context.Context, key coord.Key, ttl time.Duration, fn func(context.Context) ([]byte, error)) (result []byte, replayed bool, err error) {
	c, outcome, err := g.claim(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	k, _ := g.storeKey(key)
	resultKey := g.prefix + resultNamespace + key.String()

	if outcome != Won {
		raw, ok, err := g.store.Get(ctx, resultKey)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: %s is in flight", coord.ErrDuplicateRequest, key)
		}
		return []byte(raw), true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		if _, relErr := g.store.CompareAndDelete(context.WithoutCancel(ctx), k, c.raw); relErr != nil {
			g.logger.Warn("releasing failed claim", "key", key.String(), "error", relErr)
		}
		return nil, false, err
	}

	// The result lives no longer than the claim it belongs to.
	remaining := ttl - g.now().UTC().Sub(c.rec.FirstSeenAt)
	if remaining <= 0 {
		return result, false, nil
	}
	if err := g.store.Set(ctx, resultKey, string(result), remaining); err != nil {
		if errors.Is(err, coord.ErrStoreUnavailable) {
			g.logger.Warn("storing result failed", "key", key.String(), "error", err)
			return result, false, nil
		}
		return result, false, err
	}
	return result, false, nil
}
