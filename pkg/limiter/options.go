package limiter

import (
	"log/slog"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
)

const (
	defaultPrefix  = "coord:"
	defaultTimeout = 5 * time.Second
)

type Option func(*Limiter)

// WithPrefix sets the key prefix (default "coord:").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// WithTimeout sets the context timeout for one Admit call (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r coord.MetricsRecorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}
