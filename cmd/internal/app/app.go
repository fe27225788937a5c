// Package app wires the rollcall server runtime: config, logging, storage,
// HTTP routes, and the signaling gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"rollcall/cmd/internal/attendance"
	attendanceapi "rollcall/cmd/internal/attendance/api"
	"rollcall/cmd/internal/auth"
	"rollcall/cmd/internal/clock"
	"rollcall/cmd/internal/metrics"
	"rollcall/cmd/internal/ratewatch"
	"rollcall/cmd/internal/realtime"

	"github.com/redis/go-redis/v9"
)

// App is the rollcall server runtime: it owns HTTP wiring, the store, and
// the realtime gateway.
type App struct {
	cfg Config
	log Logger

	store   *storeHandle
	metrics *metrics.Metrics

	verifier *attendance.Verifier
	authn    *auth.Verifier
	relay    *realtime.Relay
	ws       *realtime.WSGateway
	api      *attendanceapi.Handler

	// closers release optional collaborators (Redis, Kafka) in reverse order.
	closers []io.Closer
}

// Option customizes App construction. Used by tests.
type Option func(*options)

type options struct {
	clock   clock.Clock
	gateway *realtime.GatewayConfig
}

// WithClock replaces the wall clock used by the Verifier.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGatewayConfig replaces the ROLLCALL_WS_* derived gateway config.
func WithGatewayConfig(cfg realtime.GatewayConfig) Option {
	return func(o *options) { o.gateway = &cfg }
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, store: st, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	watcher, err := a.newRateWatcher(ctx)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = runtimeBaseURL(cfg.HTTPAddr)
	}

	a.verifier, err = attendance.NewVerifier(st,
		attendance.WithClock(o.clock),
		attendance.WithWindows(cfg.SessionValidity, cfg.SessionRotation),
		attendance.WithLocation(loc),
		attendance.WithBaseURL(baseURL),
		attendance.WithHasher(hasher),
		attendance.WithObserver(watcher),
		attendance.WithRecorder(a.metrics),
		attendance.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	authOpts := []auth.Option{auth.WithTimeFunc(o.clock.Now)}
	if cfg.JWTIssuer != "" {
		authOpts = append(authOpts, auth.WithIssuer(cfg.JWTIssuer))
	}
	a.authn, err = auth.NewVerifier([]byte(cfg.JWTSecret), authOpts...)
	if err != nil {
		return nil, err
	}

	a.api, err = attendanceapi.NewHandler(log, a.verifier, a.authn, attendanceapi.WithLoginPath(cfg.LoginPath))
	if err != nil {
		return nil, err
	}

	relayOpts := []realtime.RelayOption{realtime.WithRecorder(a.metrics)}
	if cfg.ScopeClassCalls {
		relayOpts = append(relayOpts, realtime.WithClassRoster(classRoster{dir: st}))
	}
	a.relay = realtime.NewRelay(log, relayOpts...)

	gwCfg := realtime.GatewayConfigFromEnv()
	if o.gateway != nil {
		gwCfg = *o.gateway
	}
	a.ws = realtime.NewWSGateway(log, a.relay, a.authn, gwCfg)

	log.Info("app.ready",
		"backend", st.backend,
		"base_url", baseURL,
		"validity", cfg.SessionValidity,
		"rotation", cfg.SessionRotation,
		"token_hmac", hasher.Keyed(),
		"scope_class_calls", cfg.ScopeClassCalls,
	)
	ok = true
	return a, nil
}

// newRateWatcher builds the Rate Observer: a Redis sliding window when
// ROLLCALL_REDIS_ADDR is set (shared across instances), the ledger otherwise.
func (a *App) newRateWatcher(ctx context.Context) (*ratewatch.Watcher, error) {
	var counter ratewatch.Counter = ratewatch.LedgerCounter{Marks: a.store}

	if a.cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, rdb)
		counter = ratewatch.NewRedisCounter(rdb, "")
		a.log.Info("ratewatch.counter", "kind", "redis", "addr", a.cfg.RedisAddr)
	} else {
		a.log.Info("ratewatch.counter", "kind", "ledger")
	}

	reporters := []ratewatch.Reporter{ratewatch.LogReporter{Log: a.log}}
	if len(a.cfg.KafkaBrokers) > 0 {
		kr := ratewatch.NewKafkaReporter(a.cfg.KafkaBrokers, a.cfg.KafkaReviewTopic, a.log)
		a.closers = append(a.closers, kr)
		reporters = append(reporters, kr)
		a.log.Info("ratewatch.reporter", "kind", "kafka", "topic", a.cfg.KafkaReviewTopic)
	}

	return ratewatch.New(counter, a.log,
		ratewatch.WithWindow(a.cfg.BurstWindow, a.cfg.BurstThreshold),
		ratewatch.WithReporters(reporters...),
		ratewatch.WithRecorder(a.metrics),
		ratewatch.WithTimeout(a.cfg.BurstTimeout),
	), nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return a.routes()
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"backend", a.store.backend,
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases collaborators and the store. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("app.close.fail", "err", err)
		}
	}
	a.closers = nil
	a.store.shutdown()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL derives a reachable http base from a listen address.
// Wildcard binds resolve to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
