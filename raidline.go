// Package raidline is the public API for embedding the raid coordination
// engine.
//
//	app, err := raidline.New(ctx,
//	    raidline.WithVersion(version),
//	    raidline.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package. Public types are aliases of the
// internal model; adapters for the extension interfaces live here because
// this is the only package that sees both sides of the boundary.
package raidline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/raidline/internal/auth"
	"github.com/ashita-ai/raidline/internal/config"
	"github.com/ashita-ai/raidline/internal/executor"
	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/monitor"
	"github.com/ashita-ai/raidline/internal/platform"
	"github.com/ashita-ai/raidline/internal/platform/web"
	"github.com/ashita-ai/raidline/internal/raid"
	"github.com/ashita-ai/raidline/internal/session"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/storage/postgres"
	"github.com/ashita-ai/raidline/internal/storage/sqlite"
	"github.com/ashita-ai/raidline/internal/telemetry"
	"github.com/ashita-ai/raidline/internal/verify"
	"github.com/ashita-ai/raidline/migrations"
)

// App is the raid engine lifecycle. Construct with New, run background work
// with Run, release resources with Close.
type App struct {
	cfg          config.Config
	store        storage.Store
	exec         *executor.Executor
	auth         *auth.Manager
	sessions     *session.Manager
	raids        *raid.Controller
	monitor      *monitor.Monitor
	targets      []config.Target
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	closeOnce sync.Once
}

// New loads configuration, opens storage and wires every component. It does
// not start background goroutines other than the executor's state eviction;
// call Run for sweeps and configured monitor targets.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// .env is optional; production won't have one.
	if !o.skipDotenv {
		_ = godotenv.Load()
	}
	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("raidline starting", "version", version, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	var targets []config.Target
	if cfg.TargetsFile != "" {
		targets, err = config.LoadTargets(cfg.TargetsFile, cfg.MonitorInterval)
		if err != nil {
			store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	now := o.now
	if now == nil {
		now = time.Now
	}

	exec := executor.New(executor.Config{
		RateLimit:        cfg.RateLimit,
		RateWindow:       cfg.RateWindow,
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BaseDelay,
		Multiplier:       cfg.Multiplier,
		MaxDelay:         cfg.MaxDelay,
		RateLimitedDelay: cfg.RateLimitedDelay,
		AttemptTimeout:   cfg.AttemptTimeout,
	}, logger.With("component", "executor"))

	factory := o.platformFactory
	if factory == nil {
		webCfg := web.DefaultConfig(cfg.PlatformURL)
		webCfg.Timeout = cfg.PlatformTimeout
		factory = web.Factory(webCfg, logger.With("component", "platform"))
	}
	artifactPath := cfg.ArtifactPath
	if artifactPath == "" {
		if artifactPath, err = auth.DefaultArtifactPath(); err != nil {
			_ = exec.Close()
			store.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}
	authMgr := auth.NewManager(factory, auth.NewFileStore(artifactPath), exec, auth.Config{
		EnvCredentials: platform.Credentials{
			Username: cfg.PlatformUsername,
			Password: cfg.PlatformPassword,
			Email:    cfg.PlatformEmail,
		},
	}, logger.With("component", "auth"))

	var corroborator verify.Corroborator
	switch {
	case o.corroborator != nil:
		corroborator = o.corroborator
	case cfg.VerifyPlatform:
		corroborator = verify.NewPlatformCorroborator(authMgr.Handle, exec, "")
	}
	verifier := verify.New(verify.Config{
		Trust:       verify.Trust(cfg.VerifyTrust),
		MinInterval: cfg.VerifyMinInterval,
	}, corroborator, logger.With("component", "verify"))

	var scorer verify.Scorer
	if o.scorer != nil {
		scorer = scorerAdapter{o.scorer}
	}

	mon, err := monitor.New(authMgr.Handle, exec, store, monitor.Config{
		Dir:            cfg.SnapshotDir,
		Now:            now,
		Reauthenticate: authMgr.ReAuthenticate,
	}, logger.With("component", "monitor"))
	if err != nil {
		_ = exec.Close()
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	sessions := session.NewManager(store, logger.With("component", "session"), session.Options{Now: now})
	raids := raid.NewController(store, sessions, verifier, scorer, mon, raid.Config{
		Policy: raid.Policy(cfg.ObjectivePolicy),
		Now:    now,
	}, logger.With("component", "raid"))

	return &App{
		cfg:          cfg,
		store:        store,
		exec:         exec,
		auth:         authMgr,
		sessions:     sessions,
		raids:        raids,
		monitor:      mon,
		targets:      targets,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.snapshotDir != "" {
		cfg.SnapshotDir = o.snapshotDir
	}
	if o.artifactPath != "" {
		cfg.ArtifactPath = o.artifactPath
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	logger = logger.With("component", "storage")
	switch cfg.Storage {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, migrations.SQLite(), logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		db, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.Postgres()); err != nil {
			db.Close(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage)
	}
}

// Run starts the session and raid sweepers and the monitors declared in the
// targets file, then blocks until ctx is cancelled. Run does not call Close.
func (a *App) Run(ctx context.Context) error {
	for _, t := range a.targets {
		if err := a.monitor.Start(t.ID, t.Link, t.Interval); err != nil && !errors.Is(err, monitor.ErrAlreadyMonitoring) {
			return fmt.Errorf("start monitor %s: %w", t.ID, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(ctx, a.cfg.SweepInterval) })
	g.Go(func() error { return a.raids.Run(ctx, a.cfg.SweepInterval) })
	err := g.Wait()

	a.monitor.StopAll()
	a.logger.Info("raidline stopped")
	return err
}

// Close stops monitors and the executor, then closes storage and flushes
// telemetry. Safe to call multiple times.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.monitor.Close()
		_ = a.exec.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.store.Close(ctx)
		err = a.otelShutdown(ctx)
	})
	return err
}

// CreateRaid validates and opens a raid. Invalid definitions return
// *ValidationError.
func (a *App) CreateRaid(ctx context.Context, req CreateRaidRequest) (Raid, error) {
	return a.raids.CreateRaid(ctx, req)
}

// Join adds a participant to a raid. Rejections are *Rejection errors.
func (a *App) Join(ctx context.Context, raidID string, identity Identity) (Participant, error) {
	return a.raids.Join(ctx, raidID, identity)
}

// RecordAction verifies and credits an action claim.
func (a *App) RecordAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return a.raids.RecordAction(ctx, req)
}

// Status reports raid progress.
func (a *App) Status(ctx context.Context, raidID string) (RaidStatus, error) {
	return a.raids.Status(ctx, raidID)
}

// Report returns the final report, or a provisional one for an open raid.
func (a *App) Report(ctx context.Context, raidID string) (RaidReport, error) {
	return a.raids.Report(ctx, raidID)
}

// Stop ends a raid early and returns its final report.
func (a *App) Stop(ctx context.Context, raidID string) (RaidReport, error) {
	return a.raids.Stop(ctx, raidID)
}

// StartMonitor begins snapshot polling for targetID. A zero interval uses
// RAIDLINE_MONITOR_INTERVAL.
func (a *App) StartMonitor(targetID, link string, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.MonitorInterval
	}
	return a.monitor.Start(targetID, link, interval)
}

// StopMonitor stops polling targetID. Returns false if it was not running.
func (a *App) StopMonitor(targetID string) bool {
	return a.monitor.Stop(targetID)
}

// MonitorStatus reports the state of a monitored target.
func (a *App) MonitorStatus(targetID string) (MonitorStatus, bool) {
	return a.monitor.Status(targetID)
}

// Snapshots returns the recorded snapshots for targetID, oldest first.
func (a *App) Snapshots(ctx context.Context, targetID string) ([]Snapshot, error) {
	return a.monitor.History(ctx, targetID)
}

// Auth exposes the authentication session manager.
func (a *App) Auth() *auth.Manager { return a.auth }

// ExecutorStats returns the outbound call counters.
func (a *App) ExecutorStats() ExecutorStats { return a.exec.Stats() }

// scorerAdapter wraps a public Scorer as a verify.Scorer.
type scorerAdapter struct{ s Scorer }

func (a scorerAdapter) Score(obj model.Objective, res verify.Result) int {
	return a.s.Score(obj, res.Verification())
}
