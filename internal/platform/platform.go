// Package platform defines the contract between the raid engine and the
// external social platform. Concrete clients live in subpackages; the engine
// only ever calls them through the executor.
package platform

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashita-ai/raidline/internal/model"
)

// ErrUnauthorized is returned when the platform rejects the current
// credentials or session artifact.
var ErrUnauthorized = errors.New("platform: unauthorized")

// Credentials are primary login credentials.
type Credentials struct {
	Username string
	Password string
	Email    string // some platforms challenge for the email on suspicious logins
}

// Empty reports whether the credentials are unusable for a login.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Client is a session-bound platform client. Implementations return errors
// classified for the executor: executor.Permanent for requests that must not
// be repeated, *executor.RateLimitedError for throttling, anything else as
// transient.
type Client interface {
	// Login performs a full credential login.
	Login(ctx context.Context, creds Credentials) error
	// ApplyArtifact installs previously exported session cookies.
	ApplyArtifact(ctx context.Context, cookies []*http.Cookie) error
	// ExportArtifact returns the live session's cookies.
	ExportArtifact(ctx context.Context) ([]*http.Cookie, error)
	// Probe is a cheap authenticated request confirming the session is live.
	Probe(ctx context.Context) error
	// FetchMetrics returns the public engagement counters of a post.
	FetchMetrics(ctx context.Context, targetID string) (model.Metrics, error)
	// HasEngaged reports whether actorID performed action on targetID.
	HasEngaged(ctx context.Context, actorID string, action model.ActionType, targetID string) (bool, error)
}

// Factory creates a fresh, unauthenticated Client.
type Factory func() (Client, error)
