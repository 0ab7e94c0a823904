package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

const restartFailure = "orchestrator restarted while task was running"

type Reaper struct {
	tasks     Tasks
	journal   Journal
	sandboxes SandboxChecker
	tracker   Tracker
	interval  time.Duration
	maxAge    time.Duration
	logger    *slog.Logger
}

func New(tasks Tasks, journal Journal, interval, maxAge time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		tasks:    tasks,
		journal:  journal,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// SetSandboxes enables the liveness check during reconcile. Tasks whose
// sandbox is still running are left running and handed to tracker.
func (r *Reaper) SetSandboxes(sc SandboxChecker, tracker Tracker) {
	r.sandboxes = sc
	r.tracker = tracker
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "snapshot_max_age", r.maxAge)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapSnapshots(ctx)
		}
	}
}

func (r *Reaper) reapSnapshots(ctx context.Context) {
	tasks, err := r.tasks.List(ctx, "")
	if err != nil {
		r.logger.Error("reaper: list tasks", "error", err)
		return
	}

	total := 0
	for _, t := range tasks {
		removed, err := r.journal.CleanupOldSnapshots(t.ID, r.maxAge)
		if err != nil {
			r.logger.Error("reaper: cleanup snapshots", "task_id", t.ID, "error", err)
			continue
		}
		total += len(removed)
	}

	if total > 0 {
		r.logger.Info("reaper: removed old snapshots", "count", total)
	}
}

func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	running, err := r.tasks.List(ctx, task.StatusRunning)
	if err != nil {
		r.logger.Error("reconcile: list running tasks", "error", err)
		return
	}

	for _, t := range running {
		if r.sandboxAlive(ctx, t) {
			continue
		}

		cp, err := r.journal.LatestCheckpoint(t.ID)
		if err != nil {
			r.logger.Warn("reconcile: error reading checkpoints", "task_id", t.ID, "error", err)
		}
		if cp != nil {
			_, err := r.tasks.ResumeFromCheckpoint(ctx, t.ID, cp.ID)
			if err == nil {
				r.logger.Warn("reconcile: task rolled back to checkpoint",
					"task_id", t.ID, "checkpoint_id", cp.ID)
				continue
			}
			r.logger.Error("reconcile: resume from checkpoint", "task_id", t.ID, "error", err)
		}

		r.logger.Warn("reconcile: task orphaned, marking failed", "task_id", t.ID)
		if _, err := r.tasks.Fail(ctx, t.ID, restartFailure); err != nil {
			r.logger.Error("reconcile: fail task", "task_id", t.ID, "error", err)
		}
	}

	r.logger.Info("reconciliation complete", "running", len(running))
}

func (r *Reaper) sandboxAlive(ctx context.Context, t *store.Task) bool {
	if r.sandboxes == nil {
		return false
	}
	alive, err := r.sandboxes.IsContainerRunning(ctx, t.ID)
	if err != nil {
		r.logger.Warn("reconcile: error checking sandbox status", "task_id", t.ID, "error", err)
		return false
	}
	if !alive {
		return false
	}
	if r.tracker != nil {
		var limits resource.Limits
		if t.Resources != nil {
			limits = resource.Limits{
				MemoryMB:  t.Resources.MemoryMB,
				CPUShares: t.Resources.CPUShares,
				PidsLimit: t.Resources.PidsLimit,
				DiskMB:    t.Resources.DiskMB,
			}
		}
		r.tracker.Register(t.ID, limits)
	}
	r.logger.Info("reconcile: sandbox still running, keeping task", "task_id", t.ID)
	return true
}
