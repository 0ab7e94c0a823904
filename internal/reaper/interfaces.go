package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

// Tasks abstracts the lifecycle operations needed by the reaper.
type Tasks interface {
	List(ctx context.Context, status task.Status) ([]*store.Task, error)
	ResumeFromCheckpoint(ctx context.Context, id, checkpointID string) (*store.Task, error)
	Fail(ctx context.Context, id, msg string) (*store.Task, error)
}

// Journal abstracts the persistence operations needed by the reaper.
type Journal interface {
	LatestCheckpoint(taskID string) (*persistence.Checkpoint, error)
	CleanupOldSnapshots(taskID string, maxAge time.Duration) ([]string, error)
}

// SandboxChecker reports whether a task's sandbox survived a restart.
type SandboxChecker interface {
	IsContainerRunning(ctx context.Context, id string) (bool, error)
}

// Tracker re-registers surviving sandboxes with resource monitoring.
type Tracker interface {
	Register(id string, limits resource.Limits)
}
