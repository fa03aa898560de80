// Package worker provides an exported entry point for running the
// TaskBridge worker as a library.
package worker

import (
	"context"
	"fmt"

	"github.com/taskbridge/taskbridge/internal/hub/bridge"
	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/worker/hub"
)

// RunConfig holds configuration for running the worker as a library.
type RunConfig struct {
	HubURL     string       // Hub server URL (e.g. "http://localhost:8420")
	InstanceID string       // Registered instance id
	AuthToken  string       // Instance credentials
	UserID     string       // Owner of the instance
	Executor   hub.Executor // Task executor (nil uses EchoExecutor)

	// OnDeregister is called when the hub rejects the worker's
	// credentials, meaning the instance was unregistered.
	OnDeregister func()
}

// Run starts the worker and blocks until ctx is cancelled or the hub
// rejects the worker's credentials.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.InstanceID == "" || cfg.AuthToken == "" {
		return fmt.Errorf("instance id and auth token are required")
	}
	exec := cfg.Executor
	if exec == nil {
		exec = EchoExecutor{}
	}

	client := hub.New(cfg.HubURL, cfg.InstanceID, cfg.UserID, exec)
	defer client.Stop()
	client.OnDeregister = cfg.OnDeregister

	client.ConnectWithReconnect(ctx, cfg.AuthToken)
	return nil
}

// EchoExecutor acknowledges tasks without doing real work. It stands in
// for a VM-backed executor in demos and smoke tests.
type EchoExecutor struct{}

// Execute streams a log line per task and completes with the prompt
// echoed back.
func (EchoExecutor) Execute(ctx context.Context, task bridge.TaskSpec, session *hub.TaskSession) (*hub.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session.Log("info", "echoing task prompt")
	session.Emit(event.TypeTaskStepCompleted, map[string]any{"step": 1, "description": "echo"})
	return &hub.TaskResult{Result: task.Prompt}, nil
}
