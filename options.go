package raidline

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	storage         string
	databaseURL     string
	sqlitePath      string
	snapshotDir     string
	artifactPath    string
	platformFactory PlatformFactory
	corroborator    Corroborator
	scorer          Scorer
	now             func() time.Time
	skipDotenv      bool
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStorage overrides the storage backend from config (RAIDLINE_STORAGE):
// "memory", "sqlite" or "postgres".
func WithStorage(backend string) Option {
	return func(o *resolvedOptions) { o.storage = backend }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file (RAIDLINE_SQLITE_PATH).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithSnapshotDir overrides the JSONL snapshot directory (RAIDLINE_SNAPSHOT_DIR).
func WithSnapshotDir(dir string) Option {
	return func(o *resolvedOptions) { o.snapshotDir = dir }
}

// WithArtifactPath overrides where the authentication artifact is persisted.
func WithArtifactPath(path string) Option {
	return func(o *resolvedOptions) { o.artifactPath = path }
}

// WithPlatformFactory replaces the built-in web client.
func WithPlatformFactory(f PlatformFactory) Option {
	return func(o *resolvedOptions) { o.platformFactory = f }
}

// WithCorroborator replaces platform corroboration of action claims.
// Only the last call wins.
func WithCorroborator(c Corroborator) Option {
	return func(o *resolvedOptions) { o.corroborator = c }
}

// WithScorer replaces fixed objective points with a custom scoring policy.
// Only the last call wins.
func WithScorer(s Scorer) Option {
	return func(o *resolvedOptions) { o.scorer = s }
}

// WithClock replaces time.Now for sessions, raids and snapshots.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}

// WithoutDotenv skips loading a .env file from the working directory.
func WithoutDotenv() Option {
	return func(o *resolvedOptions) { o.skipDotenv = true }
}
