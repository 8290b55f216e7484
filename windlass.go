// Package windlass is the public API for embedding the Windlass deployment
// pipeline engine.
//
//	app, err := windlass.New(
//	    windlass.WithVersion(version),
//	    windlass.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: windlass (root) imports
// internal/*, but internal/* never imports windlass (root).
package windlass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/windlass-ci/windlass/api"
	"github.com/windlass-ci/windlass/internal/agents"
	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/config"
	"github.com/windlass-ci/windlass/internal/deploy"
	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/gates"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/ratelimit"
	"github.com/windlass-ci/windlass/internal/server"
	"github.com/windlass-ci/windlass/internal/storage"
	"github.com/windlass-ci/windlass/internal/telemetry"
	"github.com/windlass-ci/windlass/internal/workflow"
	"github.com/windlass-ci/windlass/migrations"
)

// App is the Windlass server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	engine       *engine.Engine
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Windlass server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections until Run is called.
func New(opts ...Option) (*App, error) {
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
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("windlass starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher = workflow.NewClient(cfg.GitHubAPIURL, cfg.GitHubToken, cfg.GitHubRepo, logger)
	}

	gateCoord := gates.NewCoordinator(db, dispatcher, jwtMgr, cfg.BaseURL, cfg.CallbackTokenTTL, logger)
	deployer := deploy.NewDispatcher(dispatcher, jwtMgr, cfg.BaseURL, cfg.IntegrationBranch, cfg.CallbackTokenTTL, logger)
	launcher := agents.NewLauncher(dispatcher, jwtMgr, cfg.BaseURL, cfg.CallbackTokenTTL, logger)

	eng := engine.New(db, gateCoord, deployer, launcher, cfg.MaxFixCycles, logger)
	for _, hook := range o.hooks {
		eng.AddHook(hookAdapter(hook, logger))
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              eng,
		WebhookSecret:       []byte(cfg.WebhookSecret),
		IntegrationBranch:   cfg.IntegrationBranch,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RateLimiter:         limiter,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares(o.middlewares),
	})

	if err := bootstrapAdminKey(context.Background(), db, cfg, logger); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin key bootstrap: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		engine:       eng,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Engine exposes the pipeline engine for embedding consumers.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run starts the HTTP server and background sweepers, then blocks until ctx
// is cancelled or a fatal server error occurs. All resources are released
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.eventSweepLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) close() {
	a.logger.Info("windlass shutting down")
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()
	a.logger.Info("windlass stopped")
}

// eventSweepLoop periodically removes webhook dedupe records older than the
// retention window.
func (a *App) eventSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			removed, err := a.db.SweepProcessedEvents(opCtx, a.cfg.EventRetention)
			cancel()
			if err != nil {
				a.logger.Warn("processed event sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				a.logger.Info("processed event sweep", "removed", removed)
			}
		}
	}
}

// hookAdapter converts internal transition notifications into the public
// RunEvent shape. Hook errors are logged and dropped.
func hookAdapter(h EventHook, logger *slog.Logger) engine.Hook {
	return func(ctx context.Context, run model.PipelineRun, from model.RunState, trigger model.TriggerKind) {
		ev := RunEvent{
			RunID:         run.ID,
			SourceRef:     run.SourceRef,
			Branch:        run.Branch,
			TargetBranch:  run.TargetBranch,
			CommitSHA:     run.CommitSHA,
			FromState:     string(from),
			ToState:       string(run.State),
			Trigger:       string(trigger),
			FixCycleCount: run.FixCycleCount,
			Terminal:      run.State.IsTerminal(),
			OccurredAt:    time.Now().UTC(),
		}
		if run.LastFailedGate != nil {
			ev.LastFailedGate = string(*run.LastFailedGate)
		}
		if err := h.OnRunTransition(ctx, ev); err != nil {
			logger.Warn("event hook failed", "run_id", run.ID, "to", run.State, "error", err)
		}
	}
}

func middlewares(mws []Middleware) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, len(mws))
	for i, mw := range mws {
		out[i] = mw
	}
	return out
}

// bootstrapAdminKey seeds an operator API key from WINDLASS_ADMIN_API_KEY so
// a fresh deployment can authenticate without a manual insert.
func bootstrapAdminKey(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.AdminAPIKey == "" {
		logger.Info("no admin API key configured, skipping bootstrap")
		return nil
	}

	prefix, err := model.ParseRawKey(cfg.AdminAPIKey)
	if err != nil {
		return fmt.Errorf("invalid WINDLASS_ADMIN_API_KEY format: %w", err)
	}
	hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
	if err != nil {
		return err
	}
	if err := db.BootstrapAdminKey(ctx, prefix, hash); err != nil {
		return err
	}
	logger.Info("admin API key ready", "prefix", prefix)
	return nil
}
