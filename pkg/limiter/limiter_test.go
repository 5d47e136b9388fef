package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, opts ...store.MemoryOption) (*Limiter, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(opts...)
	l, err := New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, s
}

func TestLimiter_Admit_Basics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	limiter, _ := newTestLimiter(t)

	policy := Policy{Window: time.Second, Quota: 10, Cost: 1}
	key := coord.MustKey(coord.KindRateLimit, "login", coord.ScopePersonal, "user_1")

	decision, err := limiter.Admit(ctx, key, policy)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !decision.Admitted {
		t.Error("Expected request to be admitted, but got denied!")
	}
	if decision.Remaining != 9 {
		t.Errorf("Expected 9 remaining units, got %d instead", decision.Remaining)
	}
}

func TestLimiter_Exhaustion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	limiter, _ := newTestLimiter(t)

	policy := Policy{Window: time.Minute, Quota: 10, Cost: 2}
	key := coord.MustKey(coord.KindRateLimit, "captcha", coord.ScopePersonal, "user_1")

	for i := 0; i < 5; i++ {
		dec, err := limiter.Admit(ctx, key, policy)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if !dec.Admitted {
			t.Fatalf("Request %d was unexpectedly denied", i)
		}
	}

	dec, err := limiter.Admit(ctx, key, policy)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if dec.Admitted {
		t.Errorf("The 6th request should have been denied (Quota=10, Cost=2), but was admitted")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > policy.Window {
		t.Errorf("Expected RetryAfter in (0, %s], got %s", policy.Window, dec.RetryAfter)
	}
}

func TestLimiter_RejectionIsCompensated(t *testing.T) {
	ctx := context.Background()
	limiter, s := newTestLimiter(t)

	policy := Policy{Window: time.Minute, Quota: 3, Cost: 1}
	key := coord.MustKey(coord.KindRateLimit, "op", coord.ScopeAll, "")

	for i := 0; i < 10; i++ {
		limiter.Admit(ctx, key, policy)
	}

	raw, ok, err := s.Get(ctx, "coord:"+key.String())
	if err != nil || !ok {
		t.Fatalf("bucket missing: ok=%v err=%v", ok, err)
	}
	if raw != "3" {
		t.Errorf("Expected bucket to hold only admitted cost 3, got %s", raw)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter, _ := newTestLimiter(t, store.WithClock(clock.Now))

	policy := Policy{Window: time.Second, Quota: 1, Cost: 1}
	key := coord.MustKey(coord.KindRateLimit, "op", coord.ScopePersonal, "user_1")

	limiter.Admit(ctx, key, policy)

	dec, _ := limiter.Admit(ctx, key, policy)
	if dec.Admitted {
		t.Fatal("Should be denied immediately")
	}

	clock.Advance(time.Second)

	dec, err := limiter.Admit(ctx, key, policy)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !dec.Admitted {
		t.Error("Expected a fresh window after the bucket expired")
	}
}

// windowJumpStore moves the clock past the window right after the first
// over-quota increment, so the refund lands after the bucket has expired.
type windowJumpStore struct {
	*store.MemoryStore
	clock  *fakeClock
	jump   time.Duration
	quota  int64
	jumped bool
}

func (s *windowJumpStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := s.MemoryStore.IncrementBy(ctx, key, delta, ttl)
	if err == nil && v > s.quota && !s.jumped {
		s.jumped = true
		s.clock.Advance(s.jump)
	}
	return v, err
}

func TestLimiter_LateCompensationDoesNotLeakIntoNextWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	policy := Policy{Window: time.Second, Quota: 2, Cost: 1}
	s := &windowJumpStore{
		MemoryStore: store.NewMemoryStore(store.WithClock(clock.Now)),
		clock:       clock,
		jump:        2 * policy.Window,
		quota:       policy.Quota,
	}
	limiter, err := New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := coord.MustKey(coord.KindRateLimit, "op", coord.ScopePersonal, "user_1")

	for i := 0; i < 3; i++ {
		if _, err := limiter.Admit(ctx, key, policy); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	if !s.jumped {
		t.Fatal("Expected the third call to go over quota")
	}

	admitted := 0
	for i := 0; i < 5; i++ {
		dec, err := limiter.Admit(ctx, key, policy)
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if dec.Admitted {
			admitted++
		}
	}
	if admitted != int(policy.Quota) {
		t.Errorf("Expected %d admissions in the fresh window, got %d", policy.Quota, admitted)
	}
}

func TestLimiter_InvalidPolicy(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	key := coord.MustKey(coord.KindRateLimit, "op", coord.ScopeAll, "")

	cases := []Policy{
		{Window: time.Second, Quota: 1, Cost: 2},
		{Window: 0, Quota: 1, Cost: 1},
		{Window: time.Second, Quota: 0, Cost: 1},
		{Window: time.Second, Quota: 1, Cost: 0},
	}
	for _, p := range cases {
		_, err := limiter.Admit(context.Background(), key, p)
		if !errors.Is(err, coord.ErrInvalidPolicy) {
			t.Errorf("policy %+v: expected ErrInvalidPolicy, got %v", p, err)
		}
	}
}

func TestLimiter_RejectsForeignKeyKind(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	key := coord.MustKey(coord.KindLock, "op", coord.ScopeAll, "")

	_, err := limiter.Admit(context.Background(), key, Policy{Window: time.Second, Quota: 1, Cost: 1})
	if !errors.Is(err, coord.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
}

func TestLimiter_Scopes(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, Quota: 1, Cost: 1}

	a := coord.MustKey(coord.KindRateLimit, "op", coord.ScopePersonal, "alice")
	b := coord.MustKey(coord.KindRateLimit, "op", coord.ScopePersonal, "bob")
	limiter.Admit(ctx, a, policy)
	if dec, _ := limiter.Admit(ctx, b, policy); !dec.Admitted {
		t.Error("Personal buckets must be independent per caller")
	}

	all := coord.MustKey(coord.KindRateLimit, "op", coord.ScopeAll, "")
	limiter.Admit(ctx, all, policy)
	if dec, _ := limiter.Admit(ctx, all, policy); dec.Admitted {
		t.Error("All scope must share one bucket between callers")
	}
}

// Race Test
func TestLimiter_ConcurrentAdmissionBound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	limiter, _ := newTestLimiter(t)

	policy := Policy{Window: time.Minute, Quota: 100, Cost: 3}
	key := coord.MustKey(coord.KindRateLimit, "op", coord.ScopeAll, "")

	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(200)
	for range 200 {
		go func() {
			defer wg.Done()
			dec, err := limiter.Admit(ctx, key, policy)
			if err == nil && dec.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got, want := admitted.Load(), policy.MaxCalls(); got != want {
		t.Errorf("Expected exactly %d admissions, got %d", want, got)
	}

	dec, _ := limiter.Admit(ctx, key, policy)
	if dec.Admitted {
		t.Error("Expected bucket to be exhausted after concurrent burst")
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > policy.Window {
		t.Errorf("Expected RetryAfter in (0, %s], got %s", policy.Window, dec.RetryAfter)
	}
}

func BenchmarkLimiter_Admit(b *testing.B) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	limiter, _ := New(store.NewMemoryStore())

	policy := Policy{Window: time.Second, Quota: 1 << 40, Cost: 1}
	key := coord.MustKey(coord.KindRateLimit, "bench", coord.ScopePersonal, "user_1")

	for b.Loop() {
		limiter.Admit(ctx, key, policy)
	}
}
