package pipeline

import (
	"context"

	"github.com/teranos/agentdeploy/deployment"
)

// Events receives collaborator output while a stage runs. Implementations
// are safe for concurrent use and never block for long.
type Events interface {
	// Log records one line of output.
	Log(line string)
	// Step reports done of total sub-steps finished. Progress inside the
	// stage is interpolated from it.
	Step(done, total int)
}

// BuildSpec is the input of one build attempt.
type BuildSpec struct {
	JobID   string
	AgentID string
	Attempt int
	Config  deployment.Config
}

// Builder produces a deployable artifact.
type Builder interface {
	// Build returns an artifact reference. Errors marked
	// errors.ErrTransientInfra are retried.
	Build(ctx context.Context, spec BuildSpec, ev Events) (string, error)
	// Cleanup removes an artifact produced by Build.
	Cleanup(ctx context.Context, artifactRef string) error
}

// DeployRequest is the input of a rollout.
type DeployRequest struct {
	JobID       string
	AgentID     string
	ArtifactRef string
	Config      deployment.Config
}

// Platform rolls artifacts out as addressable services.
type Platform interface {
	// Deploy returns the service endpoint. Rollouts are never retried.
	Deploy(ctx context.Context, req DeployRequest, ev Events) (string, error)
	// ProbeHealth reports whether the service at endpoint is healthy.
	ProbeHealth(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error)
	// Teardown removes whatever Deploy created for req.
	Teardown(ctx context.Context, req DeployRequest) error
}

// AgentDirectory answers the referential check of the validating stage.
type AgentDirectory interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

type nopEvents struct{}

func (nopEvents) Log(string)    {}
func (nopEvents) Step(int, int) {}

// NopEvents discards collaborator output.
var NopEvents Events = nopEvents{}
