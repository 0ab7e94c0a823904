package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StateRecord is the latest durable state of a task.
type StateRecord struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// LogRecord is one entry of a task's append-only log.
type LogRecord struct {
	Seq       int64          `json:"seq"`
	TaskID    string         `json:"task_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type CheckpointRecord struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	Description string      `json:"description,omitempty"`
	State       StateRecord `json:"state"`
	LogSeq      int64       `json:"log_seq"`
	SnapshotID  string      `json:"snapshot_id,omitempty"`
	Manifest    []string    `json:"manifest,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SaveState upserts the state record for a task.
func (s *Store) SaveState(rec *StateRecord) error {
	data, err := encodeJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(upsertStateSQL, rec.TaskID, rec.Status, data, rec.UpdatedAt.UTC())
		return e
	})
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

const upsertStateSQL = `
INSERT INTO task_state (task_id, status, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`

// GetState returns (nil, nil) when no state was saved.
func (s *Store) GetState(taskID string) (*StateRecord, error) {
	var (
		rec  StateRecord
		data string
	)
	err := s.db.QueryRow(
		`SELECT task_id, status, data, updated_at FROM task_state WHERE task_id = ?`, taskID,
	).Scan(&rec.TaskID, &rec.Status, &data, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if rec.Data, err = decodeMap(data); err != nil {
		return nil, fmt.Errorf("decoding state for %s: %w", taskID, err)
	}
	return &rec, nil
}

// AppendLog inserts a log entry and returns its sequence number.
func (s *Store) AppendLog(rec *LogRecord) (int64, error) {
	data, err := encodeJSON(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("encoding log data: %w", err)
	}
	var result sql.Result
	err = retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`INSERT INTO task_logs (task_id, level, message, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			rec.TaskID, rec.Level, rec.Message, data, rec.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("appending log: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading log seq: %w", err)
	}
	return seq, nil
}

// ListLogs returns a task's log in append order.
func (s *Store) ListLogs(taskID string) ([]*LogRecord, error) {
	rows, err := s.db.Query(
		`SELECT seq, task_id, level, message, data, created_at FROM task_logs WHERE task_id = ? ORDER BY seq`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var logs []*LogRecord
	for rows.Next() {
		var (
			rec  LogRecord
			data string
		)
		if err := rows.Scan(&rec.Seq, &rec.TaskID, &rec.Level, &rec.Message, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		if rec.Data, err = decodeMap(data); err != nil {
			return nil, fmt.Errorf("decoding log %d: %w", rec.Seq, err)
		}
		logs = append(logs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return logs, nil
}

// LatestLogSeq returns the highest sequence number logged for a task, or 0.
func (s *Store) LatestLogSeq(taskID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM task_logs WHERE task_id = ?`, taskID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading latest log seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) CreateCheckpoint(cp *CheckpointRecord) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encoding checkpoint state: %w", err)
	}
	manifest, err := json.Marshal(cp.Manifest)
	if err != nil {
		return fmt.Errorf("encoding checkpoint manifest: %w", err)
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO checkpoints (id, task_id, description, state, log_seq, snapshot_id, manifest, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.TaskID, cp.Description, string(state), cp.LogSeq, cp.SnapshotID, string(manifest),
			cp.CreatedAt.UTC(),
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("checkpoint %w: %s", ErrConflict, cp.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, task_id, description, state, log_seq, snapshot_id, manifest, created_at`

// GetCheckpoint returns (nil, nil) when taskID has no checkpoint with that id.
func (s *Store) GetCheckpoint(taskID, id string) (*CheckpointRecord, error) {
	row := s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? AND id = ?`, taskID, id)
	return scanCheckpoint(row)
}

// ListCheckpoints returns a task's checkpoints newest first.
func (s *Store) ListCheckpoints(taskID string) ([]*CheckpointRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY created_at DESC, log_seq DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*CheckpointRecord
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}
	return out, nil
}

// RestoreCheckpoint rewrites the task's state to the checkpoint's and drops
// every log entry appended after it, in one transaction.
func (s *Store) RestoreCheckpoint(cp *CheckpointRecord) error {
	data, err := encodeJSON(cp.State.Data)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin restore: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(upsertStateSQL, cp.TaskID, cp.State.Status, data, cp.State.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("restoring state: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM task_logs WHERE task_id = ? AND seq > ?`, cp.TaskID, cp.LogSeq); err != nil {
			return fmt.Errorf("truncating logs: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteTaskData removes state, logs and checkpoints of a task.
func (s *Store) DeleteTaskData(taskID string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin cleanup: %w", err)
		}
		defer tx.Rollback()

		for _, q := range []string{
			`DELETE FROM task_state WHERE task_id = ?`,
			`DELETE FROM task_logs WHERE task_id = ?`,
			`DELETE FROM checkpoints WHERE task_id = ?`,
		} {
			if _, err := tx.Exec(q, taskID); err != nil {
				return fmt.Errorf("cleanup %s: %w", taskID, err)
			}
		}
		return tx.Commit()
	})
}

func scanCheckpoint(row scannable) (*CheckpointRecord, error) {
	var (
		cp       CheckpointRecord
		state    string
		manifest string
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Description, &state, &cp.LogSeq, &cp.SnapshotID, &manifest, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("decoding checkpoint state %s: %w", cp.ID, err)
	}
	if manifest != "" {
		if err := json.Unmarshal([]byte(manifest), &cp.Manifest); err != nil {
			return nil, fmt.Errorf("decoding checkpoint manifest %s: %w", cp.ID, err)
		}
	}
	return &cp, nil
}
