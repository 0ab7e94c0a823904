package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkbank/internal/lock"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/task"
)

// MockTaskService is a mock implementation of TaskService.
type MockTaskService struct {
	mock.Mock
}

func taskResult(args mock.Arguments) (*store.Task, error) {
	if t := args.Get(0); t != nil {
		return t.(*store.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskService) Create(ctx context.Context, cfg task.CreateConfig) (*store.Task, error) {
	return taskResult(m.Called(ctx, cfg))
}

func (m *MockTaskService) Start(ctx context.Context, id, agentID string) (*store.Task, error) {
	return taskResult(m.Called(ctx, id, agentID))
}

func (m *MockTaskService) Complete(ctx context.Context, id string, res task.Result) (*store.Task, error) {
	return taskResult(m.Called(ctx, id, res))
}

func (m *MockTaskService) Fail(ctx context.Context, id, msg string) (*store.Task, error) {
	return taskResult(m.Called(ctx, id, msg))
}

func (m *MockTaskService) Cancel(ctx context.Context, id string) (*store.Task, error) {
	return taskResult(m.Called(ctx, id))
}

func (m *MockTaskService) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskService) GetStatus(ctx context.Context, id string) (*store.Task, error) {
	return taskResult(m.Called(ctx, id))
}

func (m *MockTaskService) List(ctx context.Context, status task.Status) ([]*store.Task, error) {
	args := m.Called(ctx, status)
	if tasks := args.Get(0); tasks != nil {
		return tasks.([]*store.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskService) CreateCheckpoint(ctx context.Context, id string, opts persistence.CheckpointOptions) (*persistence.Checkpoint, error) {
	args := m.Called(ctx, id, opts)
	if cp := args.Get(0); cp != nil {
		return cp.(*persistence.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskService) ResumeFromCheckpoint(ctx context.Context, id, checkpointID string) (*store.Task, error) {
	return taskResult(m.Called(ctx, id, checkpointID))
}

// MockJournalService is a mock implementation of JournalService.
type MockJournalService struct {
	mock.Mock
}

func (m *MockJournalService) Logs(taskID string) ([]persistence.LogEntry, error) {
	args := m.Called(taskID)
	if logs := args.Get(0); logs != nil {
		return logs.([]persistence.LogEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournalService) ListCheckpoints(taskID string) ([]persistence.Checkpoint, error) {
	args := m.Called(taskID)
	if cps := args.Get(0); cps != nil {
		return cps.([]persistence.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockLockService is a mock implementation of LockService.
type MockLockService struct {
	mock.Mock
}

func (m *MockLockService) Status(resource string) []lock.Info {
	args := m.Called(resource)
	return args.Get(0).([]lock.Info)
}

func (m *MockLockService) Stats() lock.Stats {
	args := m.Called()
	return args.Get(0).(lock.Stats)
}

// MockResourceService is a mock implementation of ResourceService.
type MockResourceService struct {
	mock.Mock
}

func (m *MockResourceService) Admit(req resource.Limits) resource.Decision {
	args := m.Called(req)
	return args.Get(0).(resource.Decision)
}

func (m *MockResourceService) GetSystemResourceUsage() resource.SystemUsage {
	args := m.Called()
	return args.Get(0).(resource.SystemUsage)
}

func (m *MockResourceService) GetContainerUsage(id string) (resource.Usage, bool) {
	args := m.Called(id)
	return args.Get(0).(resource.Usage), args.Bool(1)
}

func (m *MockResourceService) GetDefaultLimits() resource.Limits {
	args := m.Called()
	return args.Get(0).(resource.Limits)
}
