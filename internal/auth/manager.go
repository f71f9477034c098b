// Package auth authenticates the platform client from a persisted session
// artifact, explicit credentials or environment credentials, in that order
// of preference.
//
// The persisted-artifact path never performs a full login: repeated logins
// trip anti-automation defenses, so a live artifact is always preferred and
// every successful login is exported and persisted for the next run.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/raidline/internal/platform"
)

// Runner executes platform operations with rate limiting and retries.
// *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, identifier string, op func(ctx context.Context) error) error
}

// Strategy names one link of the fallback chain.
type Strategy string

const (
	StrategyPersisted        Strategy = "persisted_artifact"
	StrategyCredentials      Strategy = "credentials"
	StrategyExplicitArtifact Strategy = "explicit_artifact"
	StrategyEnvironment      Strategy = "environment_credentials"
)

// StrategyFailure records why one strategy did not produce a client.
type StrategyFailure struct {
	Strategy Strategy
	Err      error
}

// AuthenticationError is returned when every strategy failed.
type AuthenticationError struct {
	Failures []StrategyFailure
}

func (e *AuthenticationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return "auth: all strategies failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual strategy errors to errors.Is/As.
func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Options are per-call inputs to Authenticate.
type Options struct {
	Credentials *platform.Credentials
	Artifact    string // explicit artifact text, bypassing the persisted store
}

// Config configures a Manager.
type Config struct {
	Rules          []KeyRule
	EnvCredentials platform.Credentials
	Identifier     string // executor identifier for auth traffic
}

// Status describes the current authentication state.
type Status struct {
	Authenticated        bool   `json:"authenticated"`
	HasPersistedArtifact bool   `json:"has_persisted_artifact"`
	ArtifactValid        bool   `json:"artifact_valid"`
	Fingerprint          string `json:"fingerprint,omitempty"`
}

// Manager owns the authenticated platform client.
type Manager struct {
	factory platform.Factory
	store   ArtifactStore
	runner  Runner
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	handle   platform.Client
	lastOpts *Options

	group singleflight.Group
}

// NewManager creates a Manager. Nil Rules fall back to DefaultRules.
func NewManager(factory platform.Factory, store ArtifactStore, runner Runner, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Identifier == "" {
		cfg.Identifier = "platform-auth"
	}
	return &Manager{
		factory: factory,
		store:   store,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate runs the fallback chain and installs the resulting client as
// the current handle. Concurrent calls with equal options share one run;
// calls with different credentials or artifacts run separately.
func (m *Manager) Authenticate(ctx context.Context, opts *Options) (platform.Client, error) {
	v, err, _ := m.group.Do(flightKey(opts), func() (any, error) {
		client, err := m.authenticate(ctx, opts)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.handle = client
		m.lastOpts = opts
		m.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(platform.Client), nil
}

// Handle returns the current client, authenticating lazily on first use.
func (m *Manager) Handle(ctx context.Context) (platform.Client, error) {
	m.mu.Lock()
	h, opts := m.handle, m.lastOpts
	m.mu.Unlock()
	if h != nil {
		return h, nil
	}
	return m.Authenticate(ctx, opts)
}

// ReAuthenticate discards the current client and runs the chain again with
// the options of the last successful call.
func (m *Manager) ReAuthenticate(ctx context.Context) (platform.Client, error) {
	m.mu.Lock()
	m.handle = nil
	opts := m.lastOpts
	m.mu.Unlock()
	return m.Authenticate(ctx, opts)
}

// Status reports whether a client is held and whether the persisted artifact
// passes structural validation.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	st := Status{Authenticated: m.handle != nil}
	m.mu.Unlock()

	art, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoArtifact):
		return st, nil
	case err != nil:
		// An unreadable or unparsable file still counts as present.
		st.HasPersistedArtifact = true
		return st, nil
	}
	st.HasPersistedArtifact = true
	st.ArtifactValid = art.Validate(m.cfg.Rules, m.now()) == nil
	st.Fingerprint = art.Fingerprint()
	return st, nil
}

// Clear deletes the persisted artifact and drops the current client.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.handle = nil
	m.mu.Unlock()
	if err := m.store.Delete(ctx); err != nil {
		return fmt.Errorf("auth: clear: %w", err)
	}
	m.logger.Info("auth: cleared session artifact")
	return nil
}

// flightKey identifies the inputs of an Authenticate call without putting
// secrets in the key.
func flightKey(opts *Options) string {
	if opts == nil || (opts.Credentials == nil && opts.Artifact == "") {
		return "default"
	}
	h, _ := blake2b.New256(nil)
	if c := opts.Credentials; c != nil {
		h.Write([]byte("credentials\x00" + c.Username + "\x00" + c.Password + "\x00" + c.Email + "\x00"))
	}
	h.Write([]byte("artifact\x00" + opts.Artifact))
	return "explicit:" + hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) authenticate(ctx context.Context, opts *Options) (platform.Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	var failures []StrategyFailure
	fail := func(s Strategy, err error) {
		m.logger.Info("auth: strategy failed", "strategy", string(s), "error", err)
		failures = append(failures, StrategyFailure{Strategy: s, Err: err})
	}

	client, err := m.fromPersisted(ctx)
	if err == nil {
		return client, nil
	}
	fail(StrategyPersisted, err)

	if opts.Credentials != nil && !opts.Credentials.Empty() {
		client, err := m.login(ctx, *opts.Credentials, StrategyCredentials)
		if err == nil {
			return client, nil
		}
		fail(StrategyCredentials, err)
	}

	if strings.TrimSpace(opts.Artifact) != "" {
		client, err := m.fromExplicit(ctx, opts.Artifact)
		if err == nil {
			return client, nil
		}
		fail(StrategyExplicitArtifact, err)
	}

	if !m.cfg.EnvCredentials.Empty() {
		client, err := m.login(ctx, m.cfg.EnvCredentials, StrategyEnvironment)
		if err == nil {
			return client, nil
		}
		fail(StrategyEnvironment, err)
	}

	return nil, &AuthenticationError{Failures: failures}
}

// fromPersisted applies the stored artifact and probes it. It never logs in.
func (m *Manager) fromPersisted(ctx context.Context) (platform.Client, error) {
	art, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := art.Validate(m.cfg.Rules, m.now()); err != nil {
		return nil, err
	}
	client, err := m.applyAndProbe(ctx, art)
	if err != nil {
		return nil, err
	}
	m.logger.Info("auth: authenticated", "strategy", string(StrategyPersisted), "artifact", art)
	return client, nil
}

func (m *Manager) fromExplicit(ctx context.Context, text string) (platform.Client, error) {
	art, err := ParseArtifact(text)
	if err != nil {
		return nil, err
	}
	if err := art.Validate(m.cfg.Rules, m.now()); err != nil {
		return nil, err
	}
	client, err := m.applyAndProbe(ctx, art)
	if err != nil {
		return nil, err
	}
	m.persist(ctx, art)
	m.logger.Info("auth: authenticated", "strategy", string(StrategyExplicitArtifact), "artifact", art)
	return client, nil
}

func (m *Manager) applyAndProbe(ctx context.Context, art Artifact) (platform.Client, error) {
	client, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("auth: create client: %w", err)
	}
	if err := client.ApplyArtifact(ctx, art.Cookies()); err != nil {
		return nil, fmt.Errorf("auth: apply artifact: %w", err)
	}
	if err := m.runner.Execute(ctx, m.cfg.Identifier, client.Probe); err != nil {
		return nil, fmt.Errorf("auth: probe: %w", err)
	}
	return client, nil
}

// login performs a full login and persists the exported artifact.
func (m *Manager) login(ctx context.Context, creds platform.Credentials, s Strategy) (platform.Client, error) {
	client, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("auth: create client: %w", err)
	}
	err = m.runner.Execute(ctx, m.cfg.Identifier, func(ctx context.Context) error {
		return client.Login(ctx, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}

	cookies, err := client.ExportArtifact(ctx)
	if err != nil {
		m.logger.Warn("auth: export artifact after login", "error", err)
		return client, nil
	}
	art := NewArtifact(cookies)
	if err := art.Validate(m.cfg.Rules, m.now()); err != nil {
		m.logger.Warn("auth: exported artifact failed validation, not persisting", "artifact", art, "error", err)
	} else {
		m.persist(ctx, art)
	}
	m.logger.Info("auth: authenticated", "strategy", string(s), "artifact", art)
	return client, nil
}

func (m *Manager) persist(ctx context.Context, art Artifact) {
	if err := m.store.Save(ctx, art); err != nil {
		m.logger.Warn("auth: persist artifact", "artifact", art, "error", err)
	}
}
