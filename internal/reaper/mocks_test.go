package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

// MockTasks mocks the Tasks interface.
type MockTasks struct {
	mock.Mock
}

func (m *MockTasks) List(ctx context.Context, status task.Status) ([]*store.Task, error) {
	args := m.Called(ctx, status)
	if tasks := args.Get(0); tasks != nil {
		return tasks.([]*store.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTasks) ResumeFromCheckpoint(ctx context.Context, id, checkpointID string) (*store.Task, error) {
	args := m.Called(ctx, id, checkpointID)
	if t := args.Get(0); t != nil {
		return t.(*store.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTasks) Fail(ctx context.Context, id, msg string) (*store.Task, error) {
	args := m.Called(ctx, id, msg)
	if t := args.Get(0); t != nil {
		return t.(*store.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockJournal mocks the Journal interface.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) LatestCheckpoint(taskID string) (*persistence.Checkpoint, error) {
	args := m.Called(taskID)
	if cp := args.Get(0); cp != nil {
		return cp.(*persistence.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournal) CleanupOldSnapshots(taskID string, maxAge time.Duration) ([]string, error) {
	args := m.Called(taskID, maxAge)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSandboxes mocks SandboxChecker and Tracker.
type MockSandboxes struct {
	mock.Mock
}

func (m *MockSandboxes) IsContainerRunning(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockSandboxes) Register(id string, limits resource.Limits) {
	m.Called(id, limits)
}
