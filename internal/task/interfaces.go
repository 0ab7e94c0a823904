package task

import (
	"context"

	"github.com/p-arndt/werkbank/internal/hooks"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
)

// Registry is the durable task table, implemented by *store.Store.
type Registry interface {
	CreateTask(t *store.Task) error
	GetTask(id string) (*store.Task, error)
	ListTasks(status string) ([]*store.Task, error)
	UpdateTask(id string, p store.TaskPatch) error
	MarkRunning(id, agentID string) error
	MarkCompleted(id string) error
	MarkFailed(id, msg string) error
	DeleteTask(id string) error
}

// Persister is implemented by *persistence.Service.
type Persister interface {
	SaveState(taskID string, st persistence.State) error
	AppendLog(taskID string, e persistence.LogEntry) (int64, error)
	CreateCheckpoint(taskID string, opts persistence.CheckpointOptions) (*persistence.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, taskID, checkpointID string) (*persistence.Checkpoint, error)
	Cleanup(taskID string) error
}

// Admission is implemented by *resource.Monitor.
type Admission interface {
	Admit(req resource.Limits) resource.Decision
	Register(id string, limits resource.Limits)
	Unregister(id string) bool
}

// Hooks is implemented by *hooks.Registry.
type Hooks interface {
	Run(ctx context.Context, ev hooks.Event) []error
}
