package api

import (
	"context"

	"github.com/p-arndt/werkbank/internal/lock"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

// TaskService abstracts the lifecycle operations needed by API handlers.
type TaskService interface {
	Create(ctx context.Context, cfg task.CreateConfig) (*store.Task, error)
	Start(ctx context.Context, id, agentID string) (*store.Task, error)
	Complete(ctx context.Context, id string, res task.Result) (*store.Task, error)
	Fail(ctx context.Context, id, msg string) (*store.Task, error)
	Cancel(ctx context.Context, id string) (*store.Task, error)
	Delete(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (*store.Task, error)
	List(ctx context.Context, status task.Status) ([]*store.Task, error)
	CreateCheckpoint(ctx context.Context, id string, opts persistence.CheckpointOptions) (*persistence.Checkpoint, error)
	ResumeFromCheckpoint(ctx context.Context, id, checkpointID string) (*store.Task, error)
}

// JournalService exposes the read side of task persistence.
type JournalService interface {
	Logs(taskID string) ([]persistence.LogEntry, error)
	ListCheckpoints(taskID string) ([]persistence.Checkpoint, error)
}

// LockService is implemented by *lock.Manager.
type LockService interface {
	Status(resource string) []lock.Info
	Stats() lock.Stats
}

// ResourceService is implemented by *resource.Monitor.
type ResourceService interface {
	Admit(req resource.Limits) resource.Decision
	GetSystemResourceUsage() resource.SystemUsage
	GetContainerUsage(id string) (resource.Usage, bool)
	GetDefaultLimits() resource.Limits
}
