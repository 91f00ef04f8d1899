// Package drivers maps cloud types to provisioning actions.
//
// A driver is just a runner.Action factory: the orchestrator stays
// ignorant of vendor APIs and only requires that the action narrates
// progress on the job record and reaches a terminal state.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/polling"
	"github.com/skyforge/provisd/pkg/remote"
	"github.com/skyforge/provisd/pkg/runner"
)

// Registry resolves provisioning actions by cloud type and operation.
type Registry struct {
	mu      sync.Mutex
	actions map[string]runner.Action
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]runner.Action)}
}

func key(cloudType, operation string) string {
	return cloudType + ":" + operation
}

// Register binds an action to a cloud type and operation
// ("ec2", "launch"). Re-registering replaces the previous action.
func (r *Registry) Register(cloudType, operation string, action runner.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[key(cloudType, operation)] = action
}

// Resolve returns the action for a cloud type and operation.
func (r *Registry) Resolve(cloudType, operation string) (runner.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	action, ok := r.actions[key(cloudType, operation)]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %s/%s", cloudType, operation)
	}
	return action, nil
}

// Fake returns a driver that "provisions" instantly. Used by tests and
// local development; it honors cooperative cancellation. An empty
// instanceID generates a fresh one per job.
func Fake(instanceID string) runner.Action {
	return func(ctx context.Context, rec *job.Record) error {
		instanceID := instanceID
		if instanceID == "" {
			instanceID = "i-" + uuid.New().String()[:8]
		}
		if err := rec.AddLog(ctx, "Launching instance"); err != nil {
			return err
		}
		if rec.CancelRequested(ctx) {
			if err := rec.AddLog(ctx, "Cancelled before provisioning"); err != nil {
				return err
			}
			if err := rec.SetErrorResponse(ctx, job.InternalErrorCode, "cancelled by request", "", nil); err != nil {
				return err
			}
			return rec.SetStatus(ctx, job.StatusFailed)
		}
		if err := rec.Set(ctx, job.FieldInstanceID, instanceID); err != nil {
			return err
		}
		if err := rec.AddLog(ctx, "Instance ready"); err != nil {
			return err
		}
		if err := rec.SetResult(ctx, []string{instanceID}); err != nil {
			return err
		}
		return rec.SetStatus(ctx, job.StatusCompleted)
	}
}

// RemoteAgent returns a driver that delegates the operation to a
// management agent and mirrors the agent job's outcome onto the local
// record.
func RemoteAgent(client *remote.Client, operation string, pollTimeout time.Duration) runner.Action {
	return func(ctx context.Context, rec *job.Record) error {
		params := map[string]string{}
		if v := rec.ImageID(); v != "" {
			params["imageId"] = v
		}
		if v := rec.InstanceID(); v != "" {
			params["instanceId"] = v
		}

		if err := rec.AddLog(ctx, fmt.Sprintf("Submitting %s to agent", operation)); err != nil {
			return err
		}
		handle, err := client.SubmitAction(ctx, operation, params)
		if err != nil {
			return err
		}
		if err := rec.AddLog(ctx, fmt.Sprintf("Agent accepted job %s", handle.ID)); err != nil {
			return err
		}

		timeout := pollTimeout
		if timeout <= 0 {
			timeout = remoteDefaultTimeout
		}
		handle, err = client.PollJob(ctx, handle, timeout)
		if errors.Is(err, polling.ErrTimeout) {
			return fmt.Errorf("agent job %s did not finish within %s", handle.ID, timeout)
		}
		if err != nil {
			return err
		}

		if handle.Status == job.StatusFailed {
			fault := handle.Fault
			if fault == "" {
				fault = "agent reported failure without detail"
			}
			if err := rec.SetErrorResponse(ctx, job.InternalErrorCode, fault, "", nil); err != nil {
				return err
			}
			return rec.SetStatus(ctx, job.StatusFailed)
		}

		if handle.Result != "" {
			if err := rec.SetResult(ctx, []string{handle.Result}); err != nil {
				return err
			}
		}
		return rec.SetStatus(ctx, job.StatusCompleted)
	}
}

const remoteDefaultTimeout = 10 * time.Minute
