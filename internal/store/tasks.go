package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskResources is the resource request recorded with a task.
type TaskResources struct {
	MemoryMB  int `json:"memory_mb,omitempty"`
	CPUShares int `json:"cpu_shares,omitempty"`
	PidsLimit int `json:"pids_limit,omitempty"`
	DiskMB    int `json:"disk_mb,omitempty"`
}

type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Owner     string         `json:"owner"`
	AgentID   string         `json:"agent_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Resources *TaskResources `json:"resources,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskPatch lists the fields UpdateTask may change. Nil fields are left alone.
type TaskPatch struct {
	Name     *string
	Status   *string
	AgentID  *string
	Error    *string
	Metadata map[string]any
}

const taskColumns = `id, name, status, owner, agent_id, error, metadata, resources, created_at, updated_at`

func (s *Store) CreateTask(t *Task) error {
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	var res sql.NullString
	if t.Resources != nil {
		b, err := json.Marshal(t.Resources)
		if err != nil {
			return fmt.Errorf("encoding resources: %w", err)
		}
		res = sql.NullString{String: string(b), Valid: true}
	}

	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Status, t.Owner, t.AgentID, t.Error, meta, res,
			t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("task %w: %s", ErrConflict, t.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask returns (nil, nil) when the task does not exist.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks newest first. An empty status lists all.
func (s *Store) ListTasks(status string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) UpdateTask(id string, p TaskPatch) error {
	var (
		sets []string
		args []any
	)
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if p.AgentID != nil {
		sets = append(sets, "agent_id = ?")
		args = append(args, *p.AgentID)
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	if p.Metadata != nil {
		meta, err := encodeJSON(p.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, meta)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return checkRowAffected(result, "task", id)
}

func (s *Store) MarkRunning(id, agentID string) error {
	status := "running"
	return s.UpdateTask(id, TaskPatch{Status: &status, AgentID: &agentID})
}

func (s *Store) MarkCompleted(id string) error {
	status := "completed"
	return s.UpdateTask(id, TaskPatch{Status: &status})
}

func (s *Store) MarkFailed(id, msg string) error {
	status := "failed"
	return s.UpdateTask(id, TaskPatch{Status: &status, Error: &msg})
}

func (s *Store) DeleteTask(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return checkRowAffected(result, "task", id)
}

func scanTask(row scannable) (*Task, error) {
	var (
		t    Task
		meta string
		res  sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Status, &t.Owner, &t.AgentID, &t.Error,
		&meta, &res, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if t.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", t.ID, err)
	}
	if res.Valid && res.String != "" {
		t.Resources = &TaskResources{}
		if err := json.Unmarshal([]byte(res.String), t.Resources); err != nil {
			return nil, fmt.Errorf("decoding resources for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}
