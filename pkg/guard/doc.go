// Package guard puts the coordination primitives behind one decision call
// and an HTTP middleware.
//
// Evaluator.Evaluate takes a guard kind, a key and the matching policy, and
// answers with a coord.Decision. It is also where store outages are resolved:
// each kind has a coord.FailurePolicy (rate limits fail open, everything else
// fails closed by default) and every outage is logged and counted whichever
// way it is resolved.
//
// Middleware turns decisions into HTTP responses: 429 with Retry-After for
// rate limits, 409 for duplicates and held locks, 503 for fail-closed outages.
package guard
