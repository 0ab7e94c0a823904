package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/task"
)

func TestValidateCreateTaskRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     task.CreateConfig
		wantErr string
	}{
		{
			name: "valid minimal request",
			req:  task.CreateConfig{Name: "build"},
		},
		{
			name: "valid with all fields",
			req: task.CreateConfig{
				ID:        "task_build-1",
				Name:      "build",
				Owner:     "agent-7",
				Resources: &resource.Limits{MemoryMB: 512, PidsLimit: 64},
			},
		},
		{
			name:    "missing name",
			req:     task.CreateConfig{},
			wantErr: "name is required",
		},
		{
			name:    "name too long",
			req:     task.CreateConfig{Name: strings.Repeat("n", 201)},
			wantErr: "name must not exceed 200",
		},
		{
			name:    "id with slash",
			req:     task.CreateConfig{ID: "a/b", Name: "x"},
			wantErr: "id must contain only",
		},
		{
			name:    "id starting with dot",
			req:     task.CreateConfig{ID: ".hidden", Name: "x"},
			wantErr: "id must contain only",
		},
		{
			name:    "id too long",
			req:     task.CreateConfig{ID: strings.Repeat("a", 65), Name: "x"},
			wantErr: "id must not exceed 64",
		},
		{
			name:    "negative memory",
			req:     task.CreateConfig{Name: "x", Resources: &resource.Limits{MemoryMB: -1}},
			wantErr: "non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCreateTaskRequest(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateCheckpointRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     checkpointRequest
		wantErr string
	}{
		{name: "no paths", req: checkpointRequest{Description: "d"}},
		{name: "relative paths", req: checkpointRequest{IncludePaths: []string{"src", "docs/readme.md"}, ExcludePatterns: []string{"*.log", "node_modules"}}},
		{name: "absolute path", req: checkpointRequest{IncludePaths: []string{"/etc/passwd"}}, wantErr: "must be relative"},
		{name: "escaping path", req: checkpointRequest{IncludePaths: []string{"../other"}}, wantErr: "must be relative"},
		{name: "bad pattern", req: checkpointRequest{ExcludePatterns: []string{"[unclosed"}}, wantErr: "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCheckpointRequest(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateStatus(t *testing.T) {
	assert.NoError(t, validateStatus(""))
	assert.NoError(t, validateStatus("completed"))
	assert.Error(t, validateStatus("done"))
}
