package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/werkbank/internal/apperr"
	"github.com/p-arndt/werkbank/internal/store"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// State is the single durable state record of a task.
type State struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// LogEntry is one element of a task's append-only log.
type LogEntry struct {
	Seq       int64          `json:"seq"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Checkpoint captures a task's state and the log up to LogSeq, plus an
// optional workspace snapshot.
type Checkpoint struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	State       State     `json:"state"`
	LogSeq      int64     `json:"log_seq"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	Manifest    []string  `json:"manifest,omitempty"`
}

type CheckpointOptions struct {
	Description     string   `json:"description,omitempty"`
	IncludePaths    []string `json:"include_paths,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// Store is the durable backend, implemented by *store.Store.
type Store interface {
	SaveState(rec *store.StateRecord) error
	GetState(taskID string) (*store.StateRecord, error)
	AppendLog(rec *store.LogRecord) (int64, error)
	ListLogs(taskID string) ([]*store.LogRecord, error)
	LatestLogSeq(taskID string) (int64, error)
	CreateCheckpoint(cp *store.CheckpointRecord) error
	GetCheckpoint(taskID, id string) (*store.CheckpointRecord, error)
	ListCheckpoints(taskID string) ([]*store.CheckpointRecord, error)
	RestoreCheckpoint(cp *store.CheckpointRecord) error
	DeleteTaskData(taskID string) error
}

type Service struct {
	store  Store
	snaps  *Snapshotter
	now    func() time.Time
	logger *slog.Logger
}

func NewService(st Store, snaps *Snapshotter, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		snaps:  snaps,
		now:    time.Now,
		logger: logger,
	}
}

func (s *Service) Snapshots() *Snapshotter {
	return s.snaps
}

func (s *Service) SaveState(taskID string, st State) error {
	if st.LastUpdated.IsZero() {
		st.LastUpdated = s.now()
	}
	return s.store.SaveState(&store.StateRecord{
		TaskID:    taskID,
		Status:    st.Status,
		Data:      st.Data,
		UpdatedAt: st.LastUpdated,
	})
}

// State returns (nil, nil) when nothing was saved for the task.
func (s *Service) State(taskID string) (*State, error) {
	rec, err := s.store.GetState(taskID)
	if err != nil || rec == nil {
		return nil, err
	}
	st := stateFromRecord(*rec)
	return &st, nil
}

// AppendLog appends an entry and returns its sequence number. A zero
// timestamp is replaced with the current time.
func (s *Service) AppendLog(taskID string, e LogEntry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	return s.store.AppendLog(&store.LogRecord{
		TaskID:    taskID,
		Level:     string(e.Level),
		Message:   e.Message,
		Data:      e.Data,
		CreatedAt: e.Timestamp,
	})
}

func (s *Service) Logs(taskID string) ([]LogEntry, error) {
	recs, err := s.store.ListLogs(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, LogEntry{
			Seq:       r.Seq,
			TaskID:    r.TaskID,
			Timestamp: r.CreatedAt,
			Level:     Level(r.Level),
			Message:   r.Message,
			Data:      r.Data,
		})
	}
	return out, nil
}

// CreateCheckpoint records the current state and log position. When include
// paths are given a selective workspace snapshot is attached.
func (s *Service) CreateCheckpoint(taskID string, opts CheckpointOptions) (*Checkpoint, error) {
	details := map[string]any{"task_id": taskID}
	fail := func(err error, msg string) (*Checkpoint, error) {
		return nil, apperr.Wrap(apperr.CodeCheckpointCreateFailed, err, msg, details)
	}

	st, err := s.State(taskID)
	if err != nil {
		return fail(err, "reading state")
	}
	if st == nil {
		st = &State{TaskID: taskID, LastUpdated: s.now()}
	}
	seq, err := s.store.LatestLogSeq(taskID)
	if err != nil {
		return fail(err, "reading log position")
	}

	cp := &Checkpoint{
		ID:          "checkpoint_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		TaskID:      taskID,
		Timestamp:   s.now(),
		Description: opts.Description,
		State:       *st,
		LogSeq:      seq,
	}
	if len(opts.IncludePaths) > 0 {
		res, err := s.snaps.CreateSelectiveSnapshot(taskID, SnapshotOptions{
			IncludePaths:    opts.IncludePaths,
			ExcludePatterns: opts.ExcludePatterns,
		})
		if err != nil {
			return fail(err, "creating snapshot")
		}
		cp.SnapshotID = res.SnapshotID
		cp.Manifest = res.Manifest.Files
	}

	if err := s.store.CreateCheckpoint(checkpointRecord(cp)); err != nil {
		return fail(err, "storing checkpoint")
	}
	s.logger.Info("checkpoint created",
		"task_id", taskID,
		"checkpoint_id", cp.ID,
		"log_seq", cp.LogSeq,
		"snapshot_id", cp.SnapshotID,
	)
	return cp, nil
}

// RestoreCheckpoint rewinds state and log to the checkpoint and restores its
// snapshot, if any. Restoring the same checkpoint twice yields the same result.
func (s *Service) RestoreCheckpoint(ctx context.Context, taskID, checkpointID string) (*Checkpoint, error) {
	details := map[string]any{"task_id": taskID, "checkpoint_id": checkpointID}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckpointRestoreFailed, err, "restore cancelled", details)
	}

	rec, err := s.store.GetCheckpoint(taskID, checkpointID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckpointRestoreFailed, err, "reading checkpoint", details)
	}
	if rec == nil {
		return nil, apperr.New(apperr.CodeCheckpointNotFound, "checkpoint not found", details)
	}
	if err := s.store.RestoreCheckpoint(rec); err != nil {
		return nil, apperr.Wrap(apperr.CodeCheckpointRestoreFailed, err, "restoring state and log", details)
	}
	if rec.SnapshotID != "" {
		if _, err := s.snaps.RestoreSnapshot(taskID, rec.SnapshotID); err != nil {
			return nil, apperr.Wrap(apperr.CodeCheckpointRestoreFailed, err, "restoring snapshot", details)
		}
	}

	cp := checkpointFromRecord(rec)
	s.logger.Info("checkpoint restored", "task_id", taskID, "checkpoint_id", checkpointID, "log_seq", cp.LogSeq)
	return &cp, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *Service) ListCheckpoints(taskID string) ([]Checkpoint, error) {
	recs, err := s.store.ListCheckpoints(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, checkpointFromRecord(r))
	}
	return out, nil
}

// LatestCheckpoint returns (nil, nil) when the task has no checkpoints.
func (s *Service) LatestCheckpoint(taskID string) (*Checkpoint, error) {
	cps, err := s.ListCheckpoints(taskID)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return &cps[0], nil
}

// CleanupOldSnapshots applies snapshot retention to a task. The snapshot of
// the latest checkpoint is always kept.
func (s *Service) CleanupOldSnapshots(taskID string, maxAge time.Duration) ([]string, error) {
	latest, err := s.LatestCheckpoint(taskID)
	if err != nil {
		return nil, err
	}
	var keep []string
	if latest != nil && latest.SnapshotID != "" {
		keep = append(keep, latest.SnapshotID)
	}
	return s.snaps.CleanupOldSnapshots(taskID, maxAge, keep...)
}

// Cleanup removes every persisted artifact of a task.
func (s *Service) Cleanup(taskID string) error {
	var errs []error
	if err := s.store.DeleteTaskData(taskID); err != nil {
		errs = append(errs, fmt.Errorf("deleting task records: %w", err))
	}
	if err := s.snaps.RemoveTask(taskID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Debug("task data cleaned up", "task_id", taskID)
	return nil
}

func stateFromRecord(r store.StateRecord) State {
	return State{TaskID: r.TaskID, Status: r.Status, Data: r.Data, LastUpdated: r.UpdatedAt}
}

func checkpointRecord(cp *Checkpoint) *store.CheckpointRecord {
	return &store.CheckpointRecord{
		ID:          cp.ID,
		TaskID:      cp.TaskID,
		Description: cp.Description,
		State: store.StateRecord{
			TaskID:    cp.State.TaskID,
			Status:    cp.State.Status,
			Data:      cp.State.Data,
			UpdatedAt: cp.State.LastUpdated,
		},
		LogSeq:     cp.LogSeq,
		SnapshotID: cp.SnapshotID,
		Manifest:   cp.Manifest,
		CreatedAt:  cp.Timestamp,
	}
}

func checkpointFromRecord(r *store.CheckpointRecord) Checkpoint {
	return Checkpoint{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Timestamp:   r.CreatedAt,
		Description: r.Description,
		State:       stateFromRecord(r.State),
		LogSeq:      r.LogSeq,
		SnapshotID:  r.SnapshotID,
		Manifest:    r.Manifest,
	}
}
