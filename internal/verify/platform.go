package verify

import (
	"context"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/platform"
)

// Runner executes a platform operation through the resilient executor.
type Runner interface {
	Execute(ctx context.Context, identifier string, op func(ctx context.Context) error) error
}

// HandleFunc returns the current authenticated platform client.
type HandleFunc func(ctx context.Context) (platform.Client, error)

// PlatformCorroborator asks the platform whether the actor engaged.
type PlatformCorroborator struct {
	handle     HandleFunc
	runner     Runner
	identifier string
}

// NewPlatformCorroborator returns a Corroborator issuing lookups as identifier.
func NewPlatformCorroborator(handle HandleFunc, runner Runner, identifier string) *PlatformCorroborator {
	if identifier == "" {
		identifier = "platform-engagement"
	}
	return &PlatformCorroborator{handle: handle, runner: runner, identifier: identifier}
}

// Corroborate implements Corroborator.
func (c *PlatformCorroborator) Corroborate(ctx context.Context, actorID string, action model.ActionType, targetID string) (bool, error) {
	client, err := c.handle(ctx)
	if err != nil {
		return false, err
	}
	var engaged bool
	err = c.runner.Execute(ctx, c.identifier, func(ctx context.Context) error {
		var err error
		engaged, err = client.HasEngaged(ctx, actorID, action, targetID)
		return err
	})
	return engaged, err
}
