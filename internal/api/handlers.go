package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/task"
)

type startRequest struct {
	AgentID string `json:"agent_id"`
}

type failRequest struct {
	Error string `json:"error"`
}

type resumeRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type checkpointRequest struct {
	Description     string   `json:"description"`
	IncludePaths    []string `json:"include_paths"`
	ExcludePatterns []string `json:"exclude_patterns"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateConfig
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := validateCreateTaskRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	t, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.logger.Error("create task", "request_id", requestID(r.Context()), "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if err := validateStatus(status); err != nil {
		writeValidationError(w, err.Error(), map[string]any{"status": status})
		return
	}
	tasks, err := s.tasks.List(r.Context(), task.Status(status))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete task", "task_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.AgentID == "" {
		writeValidationError(w, "agent_id is required", nil)
		return
	}

	t, err := s.tasks.Start(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req task.Result
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	t, err := s.tasks.Complete(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Error == "" {
		writeValidationError(w, "error is required", nil)
		return
	}

	t, err := s.tasks.Fail(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.CheckpointID == "" {
		writeValidationError(w, "checkpoint_id is required", nil)
		return
	}

	id := chi.URLParam(r, "id")
	t, err := s.tasks.ResumeFromCheckpoint(r.Context(), id, req.CheckpointID)
	if err != nil {
		s.logger.Error("resume task", "task_id", id, "checkpoint_id", req.CheckpointID, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.tasks.GetStatus(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	logs, err := s.journal.Logs(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if logs == nil {
		logs = []persistence.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := validateCheckpointRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	id := chi.URLParam(r, "id")
	cp, err := s.tasks.CreateCheckpoint(r.Context(), id, persistence.CheckpointOptions{
		Description:     req.Description,
		IncludePaths:    req.IncludePaths,
		ExcludePatterns: req.ExcludePatterns,
	})
	if err != nil {
		s.logger.Error("create checkpoint", "task_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.tasks.GetStatus(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	cps, err := s.journal.ListCheckpoints(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if cps == nil {
		cps = []persistence.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.locks.Status(r.URL.Query().Get("resource")))
}

func (s *Server) handleLockStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.locks.Stats())
}

type resourceOverview struct {
	System   resource.SystemUsage `json:"system"`
	Defaults resource.Limits      `json:"defaults"`
}

func (s *Server) handleResourceUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resourceOverview{
		System:   s.resources.GetSystemResourceUsage(),
		Defaults: s.resources.GetDefaultLimits(),
	})
}

func (s *Server) handleSandboxUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, ok := s.resources.GetContainerUsage(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, APIError{
			Code:    codeSandboxNotFound,
			Message: "no resource usage recorded for " + id,
		})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleResourceCheck(w http.ResponseWriter, r *http.Request) {
	var req resource.Limits
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := validateLimits(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.resources.Admit(req))
}
