package api

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/task"
)

var (
	// taskIDPattern matches ids that are safe as a single path segment
	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

const (
	maxTaskIDLen   = 64
	maxTaskNameLen = 200
)

func validateTaskID(id string) error {
	if len(id) > maxTaskIDLen {
		return fmt.Errorf("id must not exceed %d characters", maxTaskIDLen)
	}
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("id must contain only letters, numbers, '_' and '-', and start with a letter or number")
	}
	return nil
}

// validateCreateTaskRequest validates task creation parameters
func validateCreateTaskRequest(req task.CreateConfig) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(req.Name) > maxTaskNameLen {
		return fmt.Errorf("name must not exceed %d characters", maxTaskNameLen)
	}
	if req.ID != "" {
		if err := validateTaskID(req.ID); err != nil {
			return err
		}
	}
	if req.Resources != nil {
		return validateLimits(*req.Resources)
	}
	return nil
}

func validateLimits(l resource.Limits) error {
	if l.MemoryMB < 0 || l.CPUShares < 0 || l.PidsLimit < 0 || l.DiskMB < 0 {
		return fmt.Errorf("resource limits must be non-negative")
	}
	return nil
}

// validateCheckpointRequest validates checkpoint parameters
func validateCheckpointRequest(req checkpointRequest) error {
	for _, p := range req.IncludePaths {
		if !filepath.IsLocal(p) {
			return fmt.Errorf("include path %q must be relative to the workspace", p)
		}
	}
	for _, p := range req.ExcludePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("exclude pattern %q is malformed", p)
		}
	}
	return nil
}

func validateStatus(s string) error {
	if s != "" && !task.Status(s).Valid() {
		return fmt.Errorf("unknown status %q", s)
	}
	return nil
}
