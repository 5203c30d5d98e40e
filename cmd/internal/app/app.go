// Package app wires the courier server: configuration, logging, storage,
// HTTP routes, the owner feed and the background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/identity"
	authapi "courier/cmd/internal/auth/api"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/files"
	"courier/cmd/internal/files/boltfallback"
	"courier/cmd/internal/files/s3fallback"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/migrations"
	"courier/cmd/internal/ratelimit"
	"courier/cmd/internal/realtime"
	"courier/cmd/internal/web"
	"courier/cmd/security/password"
	"courier/cmd/security/token"
)

// ErrNoFallback is returned by Reconcile when no fallback backend is configured.
var ErrNoFallback = errors.New("app: no fallback backend configured")

// App owns the server's resources. Build it with New, start it with Run and
// release it with Close.
type App struct {
	cfg Config
	log *slog.Logger

	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter

	sessions   *session.Service
	reconciler *files.Reconciler
	closers    []func() error

	handler http.Handler
}

// New connects to Postgres, migrates when configured to, and wires every
// service. Security settings are validated before anything is opened.
func New(ctx context.Context, cfg Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, sessCfg); err != nil {
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	hasher, err := token.HasherFromEnv(session.MinSecretBytes, cfg.RequireTokenHMAC)
	if err != nil {
		return nil, err
	}
	codec, err := session.NewCodec(sessCfg, hasher)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	a.pool, err = NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

	if cfg.DBAutoMigrate {
		if err := migrations.Up(ctx, a.pool, cfg.DBSchema); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	storeOpts := cfg.storeOptions()
	idStore, err := identity.NewPostgresStore(a.pool, storeOpts...)
	if err != nil {
		return nil, err
	}
	sessStore, err := session.NewPostgresStore(a.pool, storeOpts...)
	if err != nil {
		return nil, err
	}
	fileStore, err := files.NewPostgresStore(a.pool, storeOpts...)
	if err != nil {
		return nil, err
	}

	ids := identity.NewService(idStore, pwCfg, log)
	a.sessions = session.NewService(codec, sessStore, session.WithLogger(log), session.WithMetrics(a.metrics))
	hub := realtime.NewHub(log, a.metrics)

	fb, err := a.openFallback(ctx)
	if err != nil {
		return nil, err
	}

	fileOpts := []files.Option{
		files.WithNotifier(hub),
		files.WithMetrics(a.metrics),
		files.WithLogger(log),
		files.WithMaxBytes(cfg.MaxUploadBytes),
		files.WithListPolicy(cfg.ListOtherRoles),
	}
	if fb != nil {
		fileOpts = append(fileOpts, files.WithFallback(fb))
		a.reconciler = files.NewReconciler(fileStore, fb,
			files.WithReconcilerLogger(log),
			files.WithReconcilerMetrics(a.metrics),
		)
	}
	fileSvc, err := files.NewService(fileStore, fileOpts...)
	if err != nil {
		return nil, err
	}

	rs := web.NewResponder(log, cfg.Dev())

	authCfg := authapi.LoadConfigFromEnv()
	authCfg.TrustProxy = cfg.TrustProxy
	authH, err := authapi.NewHandler(log, authCfg, ids, a.sessions, rs, a.metrics)
	if err != nil {
		return nil, err
	}

	var verifier authz.Verifier
	if fb != nil {
		verifier = a.sessions
	}

	a.limiter = ratelimit.New(cfg.RateLimit)
	a.handler = newRouter(routes{
		log:      log,
		cfg:      cfg,
		rs:       rs,
		metrics:  a.metrics,
		pool:     a.pool,
		limiter:  a.limiter,
		auth:     a.sessions,
		verifier: verifier,
		authAPI:  authH,
		files:    files.NewHandler(fileSvc, rs),
		feed:     realtime.NewGateway(log, hub, a.sessions, rs, realtime.LoadConfigFromEnv()),
	})

	log.Info("app.ready",
		"fallback", cfg.FallbackBackend,
		"list_other_roles", string(cfg.ListOtherRoles),
		"token_hmac", hasher.HMAC(),
		"metrics", cfg.MetricsEnabled,
	)
	return a, nil
}

func (a *App) openFallback(ctx context.Context) (files.Fallback, error) {
	switch a.cfg.FallbackBackend {
	case FallbackBolt:
		st, err := boltfallback.Open(a.cfg.FallbackBoltPath, boltfallback.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case FallbackS3:
		client, err := s3fallback.NewClient(ctx, a.cfg.S3)
		if err != nil {
			return nil, err
		}
		return s3fallback.New(client, a.cfg.S3.Bucket, a.cfg.S3.Prefix)
	default:
		a.log.Warn("files.fallback.disabled")
		return nil, nil
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the background loops until ctx is cancelled,
// then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	// Hijacked feed connections are not tracked by Shutdown; they end when
	// bgCtx is cancelled.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	srv.BaseContext = func(net.Listener) context.Context { return bgCtx }

	var wg sync.WaitGroup
	a.startBackground(bgCtx, &wg)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	stopBackground()
	wg.Wait()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	goLoop := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goLoop(func() { ratelimit.RunSweeper(ctx, a.limiter, 0, a.log) })

	if a.reconciler != nil && a.cfg.ReconcileInterval > 0 {
		goLoop(func() { a.reconciler.Run(ctx, a.cfg.ReconcileInterval) })
	}
	if a.cfg.SessionPruneInterval > 0 {
		goLoop(func() { a.pruneSessions(ctx) })
	}
}

func (a *App) pruneSessions(ctx context.Context) {
	t := time.NewTicker(a.cfg.SessionPruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.sessions.Prune(ctx, a.cfg.SessionPruneGrace); err != nil && ctx.Err() == nil {
				a.log.Warn("session.prune.fail", "err", err)
			}
		}
	}
}

// Reconcile runs a single reconciliation pass.
func (a *App) Reconcile(ctx context.Context) (files.Report, error) {
	if a.reconciler == nil {
		return files.Report{}, ErrNoFallback
	}
	return a.reconciler.RunOnce(ctx)
}

// Close releases the fallback backend and the database pool, in reverse
// order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
