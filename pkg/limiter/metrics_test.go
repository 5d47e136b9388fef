package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

// MockRecorder captures metrics in memory for assertion
type MockRecorder struct {
	mu       sync.Mutex
	Counters map[string]float64
	Timings  map[string][]float64
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Counters: make(map[string]float64),
		Timings:  make(map[string][]float64),
	}
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
}

func TestLimiter_Metrics(t *testing.T) {
	mock := NewMockRecorder()

	limiter, err := New(store.NewMemoryStore(), WithRecorder(mock))
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}

	key := coord.MustKey(coord.KindRateLimit, "metrics_test", coord.ScopePersonal, "user_1")
	policy := Policy{Window: time.Second, Quota: 1, Cost: 1}

	if _, err := limiter.Admit(context.Background(), key, policy); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if _, err := limiter.Admit(context.Background(), key, policy); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if val := mock.Counters["ratelimit.call"]; val != 2 {
		t.Errorf("Expected 'ratelimit.call' counter to be 2, got %v", val)
	}
	if val := mock.Counters["ratelimit.rejected"]; val != 1 {
		t.Errorf("Expected 'ratelimit.rejected' counter to be 1, got %v", val)
	}

	if timings, ok := mock.Timings["ratelimit.latency"]; !ok || len(timings) != 2 {
		t.Error("Expected 2 latency observations")
	} else if timings[0] < 0 {
		t.Errorf("Expected non-negative latency, got %v", timings[0])
	}
}
