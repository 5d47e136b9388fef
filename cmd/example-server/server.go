package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/manenim/coordkit/internal/config"
	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/guard"
	"github.com/manenim/coordkit/pkg/idempotent"
	"github.com/manenim/coordkit/pkg/queue"
	"github.com/manenim/coordkit/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// orderJob is what /orders hands to the background worker.
type orderJob struct {
	OrderID  string    `json:"order_id"`
	Item     string    `json:"item"`
	Quantity int       `json:"quantity"`
	PlacedAt time.Time `json:"placed_at"`
}

type server struct {
	cfg     config.Config
	logger  *slog.Logger
	ev      *guard.Evaluator
	captcha *idempotent.Codes
	orders  *queue.Typed[orderJob]
	jobs    *queue.Queue
}

func run(ctx context.Context, cfg config.Config) error {
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("app", "example-server")

	s, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := coord.NewPrometheusRecorder(reg, cfg.Metrics.Namespace)

	srv, err := newServer(cfg, s, logger, recorder)
	if err != nil {
		return err
	}

	listener, err := srv.jobs.Listen(ctx, cfg.Queue.Name, srv.orders.Handler(srv.processOrder),
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithPollTimeout(cfg.Queue.PollTimeout),
	)
	if err != nil {
		return err
	}
	defer listener.Stop()

	mux := srv.routes()
	mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Listen, "store", cfg.Store)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newServer(cfg config.Config, s store.Store, logger *slog.Logger, recorder coord.MetricsRecorder) (*server, error) {
	failure, err := cfg.FailurePolicies()
	if err != nil {
		return nil, err
	}
	evOpts := []guard.Option{
		guard.WithPrefix(cfg.Prefix),
		guard.WithRecorder(recorder),
		guard.WithLogger(logger),
	}
	for kind, p := range failure {
		evOpts = append(evOpts, guard.WithFailurePolicy(kind, p))
	}
	ev, err := guard.New(s, evOpts...)
	if err != nil {
		return nil, err
	}

	captcha, err := idempotent.NewCodes(s, "captcha",
		idempotent.WithCodePrefix(cfg.Prefix),
		idempotent.WithDigits(cfg.Captcha.Digits),
	)
	if err != nil {
		return nil, err
	}
	jobs, err := queue.New(s,
		queue.WithPrefix(cfg.Prefix),
		queue.WithRecorder(recorder),
		queue.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:     cfg,
		logger:  logger,
		ev:      ev,
		captcha: captcha,
		orders:  queue.NewTyped[orderJob](jobs, cfg.Queue.Name),
		jobs:    jobs,
	}, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-process memory store; guards are not shared between instances")
		return store.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s, err := store.NewRedisStore(client,
		store.WithTimeout(cfg.Redis.Timeout),
		store.WithLogger(logger),
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
	}
	return s, func() { _ = client.Close() }, nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	perIP := guard.Middleware(s.ev, guard.Rule{
		Kind:    coord.KindRateLimit,
		KeyFunc: guard.ByClientIP(coord.KindRateLimit, "api"),
		Policy:  s.cfg.RateLimitPolicy(),
	})
	// Routes listed under route-limits get a bucket of their own.
	limit := func(route string) func(http.Handler) http.Handler {
		if _, ok := s.cfg.RouteLimits[route]; !ok {
			return perIP
		}
		p, _ := s.cfg.RouteLimitPolicy(route)
		return guard.Middleware(s.ev, guard.Rule{
			Kind:    coord.KindRateLimit,
			KeyFunc: guard.ByClientIP(coord.KindRateLimit, "api-"+route),
			Policy:  p,
		})
	}

	mux.Handle("GET /ping", limit("ping")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Pong!\n"))
	})))

	mux.Handle("POST /captcha", limit("captcha")(http.HandlerFunc(s.issueCaptcha)))
	mux.Handle("POST /captcha/verify", limit("captcha")(http.HandlerFunc(s.verifyCaptcha)))

	repeat, _ := s.cfg.RepeatPolicy()
	feedbackKey := guard.ByHeader(coord.KindIdempotent, "submit-feedback", "X-User-ID")
	if repeat.Scope == coord.ScopeAll {
		feedbackKey = guard.Global(coord.KindIdempotent, "submit-feedback")
	}
	mux.Handle("POST /feedback", guard.Chain(http.HandlerFunc(s.feedback),
		limit("feedback"),
		guard.Middleware(s.ev, guard.Rule{Kind: coord.KindIdempotent, KeyFunc: feedbackKey, Policy: repeat}),
	))

	mux.Handle("POST /orders", limit("orders")(http.HandlerFunc(s.placeOrder)))
	mux.Handle("GET /orders/pending", http.HandlerFunc(s.pendingOrders))

	mux.Handle("POST /reports/rebuild", guard.Chain(http.HandlerFunc(s.rebuildReport),
		limit("reports"),
		guard.Middleware(s.ev, guard.Rule{
			Kind:    coord.KindLock,
			KeyFunc: guard.Global(coord.KindLock, "rebuild-report"),
			Policy:  s.cfg.LockPolicy(),
		}),
	))
	return mux
}

func (s *server) issueCaptcha(w http.ResponseWriter, r *http.Request) {
	id := xid.New().String()
	code, err := s.captcha.Issue(r.Context(), id, s.cfg.Captcha.TTL)
	if err != nil {
		s.fail(w, "issue captcha", err)
		return
	}
	// A real deployment renders the code into an image instead of returning it.
	writeJSON(w, http.StatusCreated, map[string]string{"correlation_id": id, "code": code})
}

func (s *server) verifyCaptcha(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CorrelationID string `json:"correlation_id"`
		Code          string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if _, err := xid.FromString(req.CorrelationID); err != nil {
		http.Error(w, "invalid correlation id", http.StatusBadRequest)
		return
	}
	ok, err := s.captcha.Verify(r.Context(), req.CorrelationID, req.Code)
	if err != nil {
		s.fail(w, "verify captcha", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *server) feedback(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

// placeOrder runs at most once per Idempotency-Key; retries within the window
// get the first response replayed.
func (s *server) placeOrder(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		http.Error(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}
	var req struct {
		Item     string `json:"item"`
		Quantity int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Item == "" || req.Quantity <= 0 {
		http.Error(w, "invalid order", http.StatusBadRequest)
		return
	}
	key, err := coord.NewKey(coord.KindIdempotent, "place-order", coord.ScopePersonal, coord.EscapeID(idemKey))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, replayed, err := s.ev.Idempotency().Do(r.Context(), key, s.cfg.Orders.ReplayWindow, func(ctx context.Context) ([]byte, error) {
		job := orderJob{OrderID: xid.New().String(), Item: req.Item, Quantity: req.Quantity, PlacedAt: time.Now().UTC()}
		if err := s.orders.Push(ctx, job); err != nil {
			return nil, err
		}
		return json.Marshal(job)
	})
	switch {
	case errors.Is(err, coord.ErrDuplicateRequest):
		http.Error(w, "order is being placed", http.StatusConflict)
		return
	case err != nil:
		s.fail(w, "place order", err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(body)
}

func (s *server) pendingOrders(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.Len(r.Context(), s.cfg.Queue.Name)
	if err != nil {
		s.fail(w, "queue length", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

func (s *server) rebuildReport(w http.ResponseWriter, r *http.Request) {
	select {
	case <-time.After(500 * time.Millisecond):
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

func (s *server) processOrder(ctx context.Context, job orderJob) error {
	s.logger.Info("order processed", "order_id", job.OrderID, "item", job.Item, "quantity", job.Quantity)
	return nil
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	if errors.Is(err, coord.ErrStoreUnavailable) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if errors.Is(err, coord.ErrDuplicateRequest) {
		http.Error(w, "duplicate request", http.StatusConflict)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
