package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

func TestLimiter_Options(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	t.Run("WithPrefix", func(t *testing.T) {
		s := store.NewMemoryStore()
		prefix := "custom_app:"
		key := coord.MustKey(coord.KindRateLimit, "options", coord.ScopePersonal, "user_1")
		policy := Policy{Window: time.Second, Quota: 1, Cost: 1}

		limiter, err := New(s, WithPrefix(prefix))
		if err != nil {
			t.Fatalf("Failed to create limiter: %v", err)
		}

		if _, err := limiter.Admit(ctx, key, policy); err != nil {
			t.Fatalf("Admit failed: %v", err)
		}

		// Verify the key uses the custom prefix
		expectedKey := prefix + "ratelimit:options:user_1"
		if _, ok, _ := s.Get(ctx, expectedKey); !ok {
			t.Errorf("Expected key %s to exist, but it does not", expectedKey)
		}
	})

	t.Run("WithTimeout", func(t *testing.T) {
		limiter, err := New(store.NewMemoryStore(), WithTimeout(10*time.Millisecond))
		if err != nil {
			t.Fatalf("WithTimeout should not cause error: %v", err)
		}
		if limiter.timeout != 10*time.Millisecond {
			t.Errorf("Expected timeout 10ms, got %s", limiter.timeout)
		}
	})

	t.Run("NilStore", func(t *testing.T) {
		if _, err := New(nil); err == nil {
			t.Error("Expected an error for a nil store")
		}
	})
}
