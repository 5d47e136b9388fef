// Package limiter provides distributed quota enforcement on top of a shared
// store.
//
// The primary entry point is the RateLimiter interface:
//
//	dec, err := limiter.Admit(ctx, key, policy)
//
// The returned coord.Decision reports whether the call is admitted, how many
// cost units remain in the window, and, on rejection, how long until the
// window resets (suitable for a Retry-After header).
//
// # Overview
//
// Each key owns a bucket that lives for one window:
//
//   - The first call of a window creates the bucket holding Cost units, with
//     an expiry of Window, in a single set-if-absent.
//   - Later calls atomically add Cost. If the new total is within Quota the
//     call is admitted.
//   - Otherwise the call is rejected and its Cost is subtracted again, so the
//     bucket only ever counts admitted calls.
//   - When the bucket expires the next call opens a fresh window.
//
// Stores implementing store.QuotaConsumer (RedisStore does) run the whole
// decision as one Lua script; a rejected call then never touches the bucket.
//
// # Core Types
//
// Policy defines the budget:
//
//   - Window: how long one bucket lives
//   - Quota: cost units admitted per window
//   - Cost: cost units one call consumes
//
// Cost > Quota is a configuration error reported by Policy.Validate and by
// Admit; it is never reported as a rate limit rejection.
//
// The key is a coord.Key of kind coord.KindRateLimit. Use coord.ScopePersonal
// to give each caller its own bucket and coord.ScopeAll for one bucket shared
// by everyone.
//
// # Concurrency
//
// Limiter holds no per-key state and is safe for concurrent use. Correctness
// across goroutines and processes comes from the store's atomic operations:
// with quota Q and cost C at most Q/C calls are admitted per window, however
// many callers race.
//
// # Context and Error Policy
//
// Admit passes its context to the store. If the store is unavailable or the
// context expires, Admit returns a non-nil error and the caller decides
// whether to fail open or closed. The guard package applies
// coord.DefaultFailurePolicy, which fails open for rate limits.
//
// # Configuration
//
// Limiter is configured using the Functional Options pattern:
//
//	l, _ := limiter.New(s,
//		limiter.WithPrefix("myapp:"),
//		limiter.WithTimeout(2*time.Second),
//		limiter.WithRecorder(myMetrics),
//	)
//
// Supported options:
//
//   - WithPrefix(string): Sets the key prefix (default "coord:").
//   - WithTimeout(time.Duration): Sets the context timeout for one Admit call
//     (default 5s).
//   - WithRecorder(coord.MetricsRecorder): Injects a custom metrics backend.
//   - WithLogger(*slog.Logger): Sets the logger.
package limiter
