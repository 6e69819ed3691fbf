// Package deepresearch is the public API for embedding the research session
// lifecycle server.
//
// Consumers import this package to run the server with their own research
// engine without forking it:
//
//	app, err := deepresearch.New(
//	    deepresearch.WithVersion(version),
//	    deepresearch.WithLogger(logger),
//	    deepresearch.WithStepper(myEngine{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: deepresearch (root)
// imports internal/*, but internal/* never imports deepresearch (root).
// Public types (Session, StepOutcome) are standalone structs with no internal
// imports; the conversion helpers live here because this is the only file
// that sees both sides of the boundary.
package deepresearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelododaro/open-deep-research/api"
	"github.com/angelododaro/open-deep-research/internal/auth"
	"github.com/angelododaro/open-deep-research/internal/config"
	"github.com/angelododaro/open-deep-research/internal/mcp"
	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/ratelimit"
	"github.com/angelododaro/open-deep-research/internal/server"
	"github.com/angelododaro/open-deep-research/internal/service/research"
	"github.com/angelododaro/open-deep-research/internal/session"
	"github.com/angelododaro/open-deep-research/internal/storage"
	"github.com/angelododaro/open-deep-research/internal/telemetry"
)

// App is the research server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	backend      storage.Backend
	store        *session.Store
	registry     session.Registry
	redis        *session.RedisRegistry // nil when Redis is not configured
	runner       *research.Runner
	sweeper      *research.Sweeper
	controller   *research.Controller
	limiter      ratelimit.Limiter
	broker       *server.Broker
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the storage backend and Redis
// (when configured), wires all subsystems and returns a ready-to-run App.
// It does NOT migrate the schema, start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("deepresearch starting",
		"version", version,
		"port", cfg.Port,
		"storage", cfg.StorageKind(),
	)

	ctx := context.Background()

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		Version:        version,
		Storage:        cfg.StorageKind(),
		Registry:       cfg.RegistryKind(),
		BatchTimeout:   cfg.OTELBatchTimeout,
		MetricInterval: cfg.OTELMetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to the storage backend.
	backend, err := storage.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	cleanup := func() {
		backend.Close(ctx)
		_ = otelShutdown(ctx)
	}

	// Extension signal registry: shared through Redis, else process-local.
	var (
		registry session.Registry
		redisReg *session.RedisRegistry
	)
	if cfg.RedisURL != "" {
		redisReg, err = session.DialRedisRegistry(ctx, cfg.RedisURL, cfg.ExtensionSignalTTL)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("extension registry: %w", err)
		}
		registry = redisReg
		logger.Info("extension registry: redis")
	} else {
		registry = session.NewMemoryRegistry()
		logger.Info("extension registry: memory (signals are not shared between processes)")
	}

	store := session.NewStore(backend, logger)

	// Research engine: injected Stepper or the paced stand-in.
	var stepper research.Stepper = research.PacedStepper{StepDuration: cfg.StepDuration, Steps: cfg.Steps}
	if o.stepper != nil {
		stepper = newStepperAdapter(o.stepper)
		logger.Info("research engine: external stepper")
	} else {
		logger.Info("research engine: paced", "step_duration", cfg.StepDuration, "steps", cfg.Steps)
	}

	worker := research.NewWorker(store, registry, stepper, research.WorkerConfig{
		PollInterval:   cfg.WorkerPollInterval,
		ExtensionGrant: cfg.ExtensionGrant,
	}, logger)
	runner := research.NewRunner(ctx, worker, logger)
	sweeper := research.NewSweeper(store, runner.Active, research.SweeperConfig{
		Interval: cfg.SweepInterval,
		Grace:    cfg.SweepGrace,
	}, logger)
	controller := research.NewController(store, registry, backend, runner, research.ControllerConfig{
		DefaultTimeLimit: cfg.DefaultTimeLimit,
		MaxTimeLimit:     cfg.MaxTimeLimit,
	}, logger)

	// SSE status stream fed by every committed change.
	broker := server.NewBroker(logger)
	store.Subscribe(broker.Publish)

	// Per-user rate limiter for state-changing routes.
	limiter := newLimiter(cfg, redisReg, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = limiter.Close()
		if redisReg != nil {
			_ = redisReg.Close()
		}
		cleanup()
		return nil, fmt.Errorf("jwt: %w", err)
	}

	mcpSrv := mcp.New(controller, logger, version)

	// Adapt public Middleware to the server's func type.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Controller:          controller,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              broker,
		Storage:             backend,
		RegistryKind:        registry.Kind(),
		ActiveWorkers:       runner.Count,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Middleware:          middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		backend:      backend,
		store:        store,
		registry:     registry,
		redis:        redisReg,
		runner:       runner,
		sweeper:      sweeper,
		controller:   controller,
		limiter:      limiter,
		broker:       broker,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and for embedding behind
// another listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Init brings the storage schema up to date. Run calls it; calling it
// earlier surfaces migration errors before the listener opens.
func (a *App) Init(ctx context.Context) error {
	return a.store.Init(ctx)
}

// Run initialises storage, starts the sweeper and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown has been called, so callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}
	stopSweep()

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the session workers and wait for their current step,
// (3) close the SSE streams.
// It then closes Redis, the storage backend and the OTEL provider.
// Sessions left running are finalized by the sweeper of the next process.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("deepresearch shutting down", "active_workers", a.runner.Count())

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: worker drain.
	a.runner.Stop()
	workerCtx, workerCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownWorkerTimeout)
	var drainErr error
	if err := waitContext(workerCtx, a.runner.Wait); err != nil {
		a.logger.Error("worker drain incomplete, sessions will be finalized by the sweeper",
			"error", err,
			"remaining_workers", a.runner.Count(),
			"configured_timeout", a.cfg.ShutdownWorkerTimeout,
		)
		drainErr = fmt.Errorf("worker drain failed: %w", err)
	}
	workerCancel()

	// Phase 3: SSE streams.
	if err := a.broker.Shutdown(ctx); err != nil {
		a.logger.Warn("sse broker shutdown error", "error", err)
	}

	// Cleanup.
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close error", "error", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.backend.Close(context.Background())
	_ = a.otelShutdown(context.Background())

	a.logger.Info("deepresearch stopped")
	return drainErr
}

// newLimiter picks the rate limiter backend. Redis gives a limit shared by
// every process; otherwise the limit is per process.
func newLimiter(cfg config.Config, redisReg *session.RedisRegistry, logger *slog.Logger) ratelimit.Limiter {
	switch {
	case cfg.RateLimitRPS <= 0:
		logger.Info("rate limiting disabled")
		return ratelimit.NoopLimiter{}
	case redisReg != nil:
		return ratelimit.NewRedisLimiter(redisReg.Client(), cfg.RateLimitBurst, time.Duration(float64(cfg.RateLimitBurst)/float64(cfg.RateLimitRPS)*float64(time.Second)))
	default:
		return ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
}

// waitContext runs wait in a goroutine and gives up when ctx is done.
func waitContext(ctx context.Context, wait func() error) error {
	done := make(chan error, 1)
	go func() { done <- wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// stepperAdapter wraps a deepresearch.Stepper to satisfy research.Stepper.
// It converts internal model types to public types at the boundary.
type stepperAdapter struct {
	s Stepper
}

func (a *stepperAdapter) Step(ctx context.Context, s model.ResearchSession) (research.StepOutcome, error) {
	out, err := a.s.Step(ctx, toPublicSession(s))
	if err != nil {
		return research.StepOutcome{}, err
	}
	return research.StepOutcome{
		CurrentDepth:       out.CurrentDepth,
		CompletedSteps:     out.CompletedSteps,
		TotalExpectedSteps: out.TotalExpectedSteps,
		Done:               out.Done,
	}, nil
}

// finalizingStepperAdapter is used when the public Stepper also implements
// Finalizer, so the worker's type assertion sees it.
type finalizingStepperAdapter struct {
	stepperAdapter
	f Finalizer
}

func (a *finalizingStepperAdapter) Finalize(ctx context.Context, s model.ResearchSession) error {
	return a.f.Finalize(ctx, toPublicSession(s))
}

func newStepperAdapter(s Stepper) research.Stepper {
	if f, ok := s.(Finalizer); ok {
		return &finalizingStepperAdapter{stepperAdapter: stepperAdapter{s: s}, f: f}
	}
	return &stepperAdapter{s: s}
}

func toPublicSession(s model.ResearchSession) Session {
	return Session{
		ID:                 s.ID,
		UserID:             s.UserID,
		Topic:              s.Topic,
		Status:             Status(s.Status),
		StartTime:          s.StartTime,
		TimeLimitSeconds:   s.TimeLimitSeconds,
		CurrentDepth:       s.CurrentDepth,
		CompletedSteps:     s.CompletedSteps,
		TotalExpectedSteps: s.TotalExpectedSteps,
	}
}
