package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/werkbank/internal/apperr"
	"github.com/p-arndt/werkbank/internal/hooks"
	"github.com/p-arndt/werkbank/internal/lock"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
)

const systemActor = "system"

// CreateConfig describes a new task. ID and Owner are optional.
type CreateConfig struct {
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name"`
	Owner     string           `json:"owner,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Resources *resource.Limits `json:"resources,omitempty"`
}

// Result is what an agent reports when a task completes.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Lifecycle drives tasks through their states. Every mutation runs under the
// exclusive lock task:<id> and is journaled through the Persister.
type Lifecycle struct {
	locks     *lock.Manager
	registry  Registry
	persist   Persister
	admission Admission
	hooks     Hooks
	logger    *slog.Logger
}

// NewLifecycle wires a lifecycle. admission and h may be nil.
func NewLifecycle(locks *lock.Manager, registry Registry, persist Persister, admission Admission, h Hooks, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		locks:     locks,
		registry:  registry,
		persist:   persist,
		admission: admission,
		hooks:     h,
		logger:    logger,
	}
}

func lockKey(id string) string { return "task:" + id }

// lockOwner is unique per call. Two concurrent calls by the same actor must
// not re-enter each other's exclusive task lock.
func lockOwner(actor string) string {
	if actor == "" {
		actor = systemActor
	}
	return "lifecycle:" + actor + ":" + uuid.NewString()[:8]
}

func (l *Lifecycle) withTaskLock(ctx context.Context, id, actor string, fn func(ctx context.Context) error) error {
	return l.locks.WithLock(ctx, lockKey(id), lockOwner(actor), lock.AcquireOptions{Mode: lock.ModeExclusive}, fn)
}

func (l *Lifecycle) load(id string) (*store.Task, error) {
	t, err := l.registry.GetTask(id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t == nil {
		return nil, apperr.New(apperr.CodeTaskNotFound, fmt.Sprintf("task %s not found", id), map[string]any{"task_id": id})
	}
	return t, nil
}

func checkTransition(t *store.Task, to Status) error {
	from := Status(t.Status)
	if CanTransition(from, to) {
		return nil
	}
	return apperr.New(apperr.CodeInvalidStateTransition,
		fmt.Sprintf("cannot move task %s from %s to %s", t.ID, from, to),
		map[string]any{"task_id": t.ID, "from": string(from), "to": string(to)})
}

func (l *Lifecycle) journal(id string, status Status, data map[string]any, level persistence.Level, msg string, logData map[string]any) error {
	if err := l.persist.SaveState(id, persistence.State{Status: string(status), Data: data}); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if _, err := l.persist.AppendLog(id, persistence.LogEntry{Level: level, Message: msg, Data: logData}); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (l *Lifecycle) runHooks(ctx context.Context, ev hooks.Event) {
	if l.hooks == nil {
		return
	}
	// Failures are already logged by the registry.
	_ = l.hooks.Run(ctx, ev)
}

func (l *Lifecycle) unregister(id string) {
	if l.admission != nil {
		l.admission.Unregister(id)
	}
}

func limitsOf(t *store.Task) resource.Limits {
	if t.Resources == nil {
		return resource.Limits{}
	}
	return resource.Limits{
		MemoryMB:  t.Resources.MemoryMB,
		CPUShares: t.Resources.CPUShares,
		PidsLimit: t.Resources.PidsLimit,
		DiskMB:    t.Resources.DiskMB,
	}
}

// Create records a pending task.
func (l *Lifecycle) Create(ctx context.Context, cfg CreateConfig) (*store.Task, error) {
	id := cfg.ID
	if id == "" {
		id = "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	owner := cfg.Owner
	if owner == "" {
		owner = systemActor
	}
	if cfg.Name == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "task name is required", nil)
	}

	now := time.Now().UTC()
	t := &store.Task{
		ID:        id,
		Name:      cfg.Name,
		Status:    string(StatusPending),
		Owner:     owner,
		Metadata:  cfg.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cfg.Resources != nil {
		t.Resources = &store.TaskResources{
			MemoryMB:  cfg.Resources.MemoryMB,
			CPUShares: cfg.Resources.CPUShares,
			PidsLimit: cfg.Resources.PidsLimit,
			DiskMB:    cfg.Resources.DiskMB,
		}
	}

	err := l.withTaskLock(ctx, id, owner, func(ctx context.Context) error {
		if err := l.registry.CreateTask(t); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.New(apperr.CodeTaskAlreadyExists, fmt.Sprintf("task %s already exists", id), map[string]any{"task_id": id})
			}
			return fmt.Errorf("create task: %w", err)
		}
		return l.journal(id, StatusPending,
			map[string]any{"name": cfg.Name, "owner": owner, "metadata": cfg.Metadata},
			persistence.LevelInfo, "Task created",
			map[string]any{"name": cfg.Name, "owner": owner})
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("task created", "task_id", id, "owner", owner)
	return t, nil
}

// Start admits and runs a pending task on behalf of agentID.
func (l *Lifecycle) Start(ctx context.Context, id, agentID string) (*store.Task, error) {
	var out *store.Task
	err := l.withTaskLock(ctx, id, agentID, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		if err := checkTransition(t, StatusRunning); err != nil {
			return err
		}

		req := limitsOf(t)
		if l.admission != nil {
			d := l.admission.Admit(req)
			if !d.Admitted {
				return apperr.New(apperr.CodeResourceLimitExceeded,
					fmt.Sprintf("insufficient %s to start task %s", d.Reason, id),
					map[string]any{
						"task_id":             id,
						"reason":              d.Reason,
						"projected_memory_mb": d.ProjectedMemoryMB,
						"memory_threshold_mb": d.MemoryThresholdMB,
						"projected_pids":      d.ProjectedPids,
						"pids_threshold":      d.PidsThreshold,
					})
			}
		}

		ev := hooks.Event{TaskID: id, From: t.Status, To: string(StatusRunning), AgentID: agentID}
		ev.Type = hooks.BeforeStart
		l.runHooks(ctx, ev)

		if err := l.registry.MarkRunning(id, agentID); err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		if l.admission != nil {
			l.admission.Register(id, req)
		}
		if err := l.journal(id, StatusRunning,
			map[string]any{"agentId": agentID},
			persistence.LevelInfo, "Task started",
			map[string]any{"fromStatus": t.Status, "toStatus": string(StatusRunning), "agentId": agentID}); err != nil {
			return err
		}

		ev.Type = hooks.AfterStart
		l.runHooks(ctx, ev)

		out, err = l.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("task started", "task_id", id, "agent_id", agentID)
	return out, nil
}

// Complete finishes a running task with the agent's result.
func (l *Lifecycle) Complete(ctx context.Context, id string, res Result) (*store.Task, error) {
	var out *store.Task
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		if err := checkTransition(t, StatusCompleted); err != nil {
			return err
		}

		ev := hooks.Event{Type: hooks.BeforeComplete, TaskID: id, From: t.Status, To: string(StatusCompleted), AgentID: t.AgentID,
			Data: map[string]any{"result": res}}
		l.runHooks(ctx, ev)

		if err := l.registry.MarkCompleted(id); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if err := l.journal(id, StatusCompleted,
			map[string]any{"result": res},
			persistence.LevelInfo, "Task completed successfully",
			map[string]any{"result": res}); err != nil {
			return err
		}
		l.unregister(id)

		ev.Type = hooks.AfterComplete
		l.runHooks(ctx, ev)

		out, err = l.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("task completed", "task_id", id, "success", res.Success)
	return out, nil
}

// Fail marks a running task failed with msg.
func (l *Lifecycle) Fail(ctx context.Context, id, msg string) (*store.Task, error) {
	var out *store.Task
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		if err := checkTransition(t, StatusFailed); err != nil {
			return err
		}

		ev := hooks.Event{Type: hooks.BeforeFail, TaskID: id, From: t.Status, To: string(StatusFailed), AgentID: t.AgentID,
			Data: map[string]any{"error": msg}}
		l.runHooks(ctx, ev)

		if err := l.registry.MarkFailed(id, msg); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if err := l.journal(id, StatusFailed,
			map[string]any{"error": msg},
			persistence.LevelError, "Task failed",
			map[string]any{"error": msg}); err != nil {
			return err
		}
		l.unregister(id)

		ev.Type = hooks.AfterFail
		l.runHooks(ctx, ev)

		out, err = l.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("task failed", "task_id", id, "error", msg)
	return out, nil
}

// Cancel stops a pending or running task.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*store.Task, error) {
	var out *store.Task
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		if err := checkTransition(t, StatusCancelled); err != nil {
			return err
		}

		status := string(StatusCancelled)
		if err := l.registry.UpdateTask(id, store.TaskPatch{Status: &status}); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		if err := l.journal(id, StatusCancelled, nil,
			persistence.LevelWarning, "Task cancelled",
			map[string]any{"fromStatus": t.Status}); err != nil {
			return err
		}
		l.unregister(id)

		out, err = l.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("task cancelled", "task_id", id)
	return out, nil
}

// Delete removes a task in any status together with its journal and files.
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		if _, err := l.persist.AppendLog(id, persistence.LogEntry{
			Level:   persistence.LevelInfo,
			Message: "Task deleted",
			Data:    map[string]any{"fromStatus": t.Status},
		}); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		if err := l.registry.DeleteTask(id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := l.persist.Cleanup(id); err != nil {
			l.logger.Error("task cleanup incomplete", "task_id", id, "error", err)
		}
		l.unregister(id)
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("task deleted", "task_id", id)
	return nil
}

// GetStatus returns the task record without taking the task lock.
func (l *Lifecycle) GetStatus(_ context.Context, id string) (*store.Task, error) {
	return l.load(id)
}

// List returns tasks newest first. An empty status lists all.
func (l *Lifecycle) List(_ context.Context, status Status) ([]*store.Task, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("unknown status %q", status), nil)
	}
	tasks, err := l.registry.ListTasks(string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CreateCheckpoint captures the task's journal and, optionally, workspace files.
func (l *Lifecycle) CreateCheckpoint(ctx context.Context, id string, opts persistence.CheckpointOptions) (*persistence.Checkpoint, error) {
	var cp *persistence.Checkpoint
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		if _, err := l.load(id); err != nil {
			return err
		}
		var err error
		cp, err = l.persist.CreateCheckpoint(id, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("checkpoint created", "task_id", id, "checkpoint_id", cp.ID, "snapshot_id", cp.SnapshotID)
	return cp, nil
}

// ResumeFromCheckpoint rolls a task back to checkpointID and returns it to
// pending so it can be started again.
func (l *Lifecycle) ResumeFromCheckpoint(ctx context.Context, id, checkpointID string) (*store.Task, error) {
	var out *store.Task
	err := l.withTaskLock(ctx, id, systemActor, func(ctx context.Context) error {
		t, err := l.load(id)
		if err != nil {
			return err
		}
		cp, err := l.persist.RestoreCheckpoint(ctx, id, checkpointID)
		if err != nil {
			return err
		}

		if Status(t.Status) != StatusPending {
			status := string(StatusPending)
			empty := ""
			if err := l.registry.UpdateTask(id, store.TaskPatch{Status: &status, Error: &empty}); err != nil {
				return fmt.Errorf("reset task: %w", err)
			}
			l.unregister(id)
		}
		// The restore rewrote the durable state to the checkpoint's status.
		if Status(cp.State.Status) != StatusPending {
			if err := l.persist.SaveState(id, persistence.State{Status: string(StatusPending), Data: cp.State.Data}); err != nil {
				return fmt.Errorf("save state: %w", err)
			}
		}
		if _, err := l.persist.AppendLog(id, persistence.LogEntry{
			Level:   persistence.LevelWarning,
			Message: "Task resumed from checkpoint",
			Data:    map[string]any{"checkpointId": checkpointID, "fromStatus": t.Status},
		}); err != nil {
			return fmt.Errorf("append log: %w", err)
		}

		out, err = l.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("task resumed", "task_id", id, "checkpoint_id", checkpointID)
	return out, nil
}
