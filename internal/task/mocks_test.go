package task

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
)

// MockPersister is a mock implementation of Persister.
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveState(taskID string, st persistence.State) error {
	args := m.Called(taskID, st)
	return args.Error(0)
}

func (m *MockPersister) AppendLog(taskID string, e persistence.LogEntry) (int64, error) {
	args := m.Called(taskID, e)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPersister) CreateCheckpoint(taskID string, opts persistence.CheckpointOptions) (*persistence.Checkpoint, error) {
	args := m.Called(taskID, opts)
	if cp := args.Get(0); cp != nil {
		return cp.(*persistence.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPersister) RestoreCheckpoint(ctx context.Context, taskID, checkpointID string) (*persistence.Checkpoint, error) {
	args := m.Called(ctx, taskID, checkpointID)
	if cp := args.Get(0); cp != nil {
		return cp.(*persistence.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPersister) Cleanup(taskID string) error {
	args := m.Called(taskID)
	return args.Error(0)
}

// MockAdmission is a mock implementation of Admission.
type MockAdmission struct {
	mock.Mock
}

func (m *MockAdmission) Admit(req resource.Limits) resource.Decision {
	args := m.Called(req)
	return args.Get(0).(resource.Decision)
}

func (m *MockAdmission) Register(id string, limits resource.Limits) {
	m.Called(id, limits)
}

func (m *MockAdmission) Unregister(id string) bool {
	args := m.Called(id)
	return args.Bool(0)
}
