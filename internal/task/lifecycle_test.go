package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/werkbank/internal/apperr"
	"github.com/p-arndt/werkbank/internal/hooks"
	"github.com/p-arndt/werkbank/internal/lock"
	"github.com/p-arndt/werkbank/internal/persistence"
	"github.com/p-arndt/werkbank/internal/resource"
	"github.com/p-arndt/werkbank/internal/store"
	"github.com/p-arndt/werkbank/internal/testutil"
)

type harness struct {
	lc      *Lifecycle
	store   *store.Store
	persist *persistence.Service
	monitor *resource.Monitor
	hooks   *hooks.Registry
	locks   *lock.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.Logger()
	st := testutil.NewTestStore(t)
	snaps := persistence.NewSnapshotter(persistence.SnapshotterConfig{DataDir: t.TempDir()}, logger)
	h := &harness{
		store:   st,
		persist: persistence.NewService(st, snaps, logger),
		monitor: resource.NewMonitor(resource.DefaultConfig(), logger),
		hooks:   hooks.NewRegistry(logger),
		locks:   lock.NewManager(lock.NewTable(logger), lock.ManagerConfig{}, logger),
	}
	h.lc = NewLifecycle(h.locks, st, h.persist, h.monitor, h.hooks, logger)
	return h
}

func (h *harness) create(t *testing.T, id string) *store.Task {
	t.Helper()
	tk, err := h.lc.Create(context.Background(), CreateConfig{ID: id, Name: "build " + id})
	require.NoError(t, err)
	return tk
}

func (h *harness) logMessages(t *testing.T, id string) []string {
	t.Helper()
	logs, err := h.persist.Logs(id)
	require.NoError(t, err)
	var out []string
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func TestCreateDefaults(t *testing.T) {
	h := newHarness(t)

	tk, err := h.lc.Create(context.Background(), CreateConfig{Name: "refactor"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tk.ID, "task_"))
	assert.Len(t, tk.ID, len("task_")+12)
	assert.Equal(t, "system", tk.Owner)
	assert.Equal(t, string(StatusPending), tk.Status)

	st, err := h.persist.State(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "pending", st.Status)

	logs, err := h.persist.Logs(tk.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Task created", logs[0].Message)
	assert.Equal(t, "refactor", logs[0].Data["name"])
	assert.Equal(t, "system", logs[0].Data["owner"])

	assert.Empty(t, h.locks.Status(lockKey(tk.ID)), "task lock must be released")
}

func TestCreateDuplicate(t *testing.T) {
	h := newHarness(t)
	h.create(t, "t1")

	_, err := h.lc.Create(context.Background(), CreateConfig{ID: "t1", Name: "again"})
	assert.ErrorIs(t, err, apperr.ErrTaskAlreadyExists)
}

func TestCreateRequiresName(t *testing.T) {
	h := newHarness(t)

	_, err := h.lc.Create(context.Background(), CreateConfig{ID: "t1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestStartThenStartAgainIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")

	tk, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "running", tk.Status)
	assert.Equal(t, "agent-1", tk.AgentID)
	assert.Equal(t, []string{"t1"}, h.monitor.IDs())

	logs, err := h.persist.Logs("t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "pending", logs[1].Data["fromStatus"])
	assert.Equal(t, "running", logs[1].Data["toStatus"])
	assert.Equal(t, "agent-1", logs[1].Data["agentId"])

	_, err = h.lc.Start(ctx, "t1", "agent-2")
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	details := apperr.DetailsOf(err)
	assert.Equal(t, "running", details["from"])
	assert.Equal(t, "running", details["to"])
}

func TestCompleteThenCompleteAgainIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)

	tk, err := h.lc.Complete(ctx, "t1", Result{Success: true, Data: map[string]any{"files": 3}})
	require.NoError(t, err)
	assert.Equal(t, "completed", tk.Status)
	assert.Empty(t, h.monitor.IDs())

	logs, err := h.persist.Logs("t1")
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, "Task completed successfully", last.Message)
	assert.Contains(t, last.Data, "result")

	_, err = h.lc.Complete(ctx, "t1", Result{Success: true})
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestCompletePendingIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.create(t, "t1")

	_, err := h.lc.Complete(context.Background(), "t1", Result{Success: true})
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	tk, err := h.lc.GetStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", tk.Status)
}

func TestFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)

	tk, err := h.lc.Fail(ctx, "t1", "compiler exploded")
	require.NoError(t, err)
	assert.Equal(t, "failed", tk.Status)
	assert.Equal(t, "compiler exploded", tk.Error)

	logs, err := h.persist.Logs("t1")
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, persistence.LevelError, last.Level)
	assert.Equal(t, "compiler exploded", last.Data["error"])

	_, err = h.lc.Fail(ctx, "t1", "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "pending-task")
	h.create(t, "running-task")
	_, err := h.lc.Start(ctx, "running-task", "agent-1")
	require.NoError(t, err)

	for _, id := range []string{"pending-task", "running-task"} {
		tk, err := h.lc.Cancel(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, "cancelled", tk.Status)

		logs, err := h.persist.Logs(id)
		require.NoError(t, err)
		assert.Equal(t, persistence.LevelWarning, logs[len(logs)-1].Level)
	}
	assert.Empty(t, h.monitor.IDs())

	_, err = h.lc.Cancel(ctx, "pending-task")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestStartRejectedByAdmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.monitor.Register("busy", resource.Limits{MemoryMB: 8192})
	h.monitor.UpdateUsage("busy", resource.Sample{MemoryMB: 6800})

	_, err := h.lc.Create(ctx, CreateConfig{ID: "t1", Name: "big", Resources: &resource.Limits{MemoryMB: 1000}})
	require.NoError(t, err)

	_, err = h.lc.Start(ctx, "t1", "agent-1")
	require.ErrorIs(t, err, apperr.ErrResourceLimitExceeded)
	assert.Equal(t, "memory", apperr.DetailsOf(err)["reason"])

	tk, err := h.lc.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", tk.Status)
	assert.Equal(t, []string{"busy"}, h.monitor.IDs())
}

func TestHooksRunInOrderAndFailuresDoNotAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")

	var calls []string
	h.hooks.Register(hooks.BeforeStart, func(_ context.Context, ev hooks.Event) error {
		calls = append(calls, "before:late")
		return nil
	}, 10)
	h.hooks.Register(hooks.BeforeStart, func(_ context.Context, ev hooks.Event) error {
		calls = append(calls, "before:early")
		return errors.New("webhook unreachable")
	}, 1)
	h.hooks.Register(hooks.BeforeStart, func(context.Context, hooks.Event) error {
		panic("boom")
	}, 5)
	h.hooks.Register(hooks.AfterStart, func(_ context.Context, ev hooks.Event) error {
		calls = append(calls, "after:"+ev.From+"->"+ev.To+":"+ev.AgentID)
		return nil
	}, 0)

	tk, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "running", tk.Status)
	assert.Equal(t, []string{"before:early", "before:late", "after:pending->running:agent-1"}, calls)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)
	_, err = h.lc.CreateCheckpoint(ctx, "t1", persistence.CheckpointOptions{Description: "before delete"})
	require.NoError(t, err)

	require.NoError(t, h.lc.Delete(ctx, "t1"))

	_, err = h.lc.GetStatus(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	st, err := h.persist.State("t1")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Empty(t, h.logMessages(t, "t1"))
	cps, err := h.persist.ListCheckpoints("t1")
	require.NoError(t, err)
	assert.Empty(t, cps)
	assert.Empty(t, h.monitor.IDs())

	assert.ErrorIs(t, h.lc.Delete(ctx, "t1"), apperr.ErrTaskNotFound)
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)
	cp, err := h.lc.CreateCheckpoint(ctx, "t1", persistence.CheckpointOptions{Description: "started"})
	require.NoError(t, err)
	_, err = h.lc.Fail(ctx, "t1", "oom")
	require.NoError(t, err)

	tk, err := h.lc.ResumeFromCheckpoint(ctx, "t1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", tk.Status)
	assert.Empty(t, tk.Error)

	st, err := h.persist.State("t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, []string{"Task created", "Task started", "Task resumed from checkpoint"}, h.logMessages(t, "t1"))

	tk, err = h.lc.Start(ctx, "t1", "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "running", tk.Status)
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.create(t, "t1")

	_, err := h.lc.ResumeFromCheckpoint(context.Background(), "t1", "checkpoint_missing")
	assert.ErrorIs(t, err, apperr.ErrCheckpointNotFound)
}

func TestOperationsOnMissingTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.lc.Start(ctx, "ghost", "agent-1")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	_, err = h.lc.Complete(ctx, "ghost", Result{})
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	_, err = h.lc.Fail(ctx, "ghost", "x")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	_, err = h.lc.Cancel(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	_, err = h.lc.CreateCheckpoint(ctx, "ghost", persistence.CheckpointOptions{})
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
	_, err = h.lc.GetStatus(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
}

func TestLockedTaskRejectsOtherActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")

	_, err := h.locks.Table().Acquire(lockKey("t1"), "lifecycle:agent-9", lock.AcquireOptions{})
	require.NoError(t, err)

	_, err = h.lc.Start(ctx, "t1", "agent-1")
	assert.ErrorIs(t, err, apperr.ErrLockConflict)

	tk, err := h.lc.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pending", tk.Status)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "a")
	h.create(t, "b")
	_, err := h.lc.Start(ctx, "b", "agent-1")
	require.NoError(t, err)

	all, err := h.lc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := h.lc.List(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)

	_, err = h.lc.List(ctx, Status("sleeping"))
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestStartRegistersRequestedLimits(t *testing.T) {
	logger := testutil.Logger()
	st := testutil.NewTestStore(t)
	persist := new(MockPersister)
	adm := new(MockAdmission)
	lc := NewLifecycle(lock.NewManager(lock.NewTable(logger), lock.ManagerConfig{}, logger), st, persist, adm, nil, logger)

	tk := testutil.TestTask("t1")
	tk.Resources = &store.TaskResources{MemoryMB: 256, PidsLimit: 64}
	require.NoError(t, st.CreateTask(tk))

	want := resource.Limits{MemoryMB: 256, PidsLimit: 64}
	adm.On("Admit", want).Return(resource.Decision{Admitted: true})
	adm.On("Register", "t1", want).Return()
	persist.On("SaveState", "t1", mock.MatchedBy(func(s persistence.State) bool { return s.Status == "running" })).Return(nil)
	persist.On("AppendLog", "t1", mock.Anything).Return(int64(2), nil)

	_, err := lc.Start(context.Background(), "t1", "agent-1")
	require.NoError(t, err)
	adm.AssertExpectations(t)
	persist.AssertExpectations(t)
}

func TestStartSurfacesJournalFailure(t *testing.T) {
	logger := testutil.Logger()
	st := testutil.NewTestStore(t)
	persist := new(MockPersister)
	lc := NewLifecycle(lock.NewManager(lock.NewTable(logger), lock.ManagerConfig{}, logger), st, persist, nil, nil, logger)
	require.NoError(t, st.CreateTask(testutil.TestTask("t1")))

	persist.On("SaveState", "t1", mock.Anything).Return(errors.New("disk full"))

	_, err := lc.Start(context.Background(), "t1", "agent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	persist.AssertNotCalled(t, "AppendLog", mock.Anything, mock.Anything)
}

func TestDeleteToleratesCleanupFailure(t *testing.T) {
	logger := testutil.Logger()
	st := testutil.NewTestStore(t)
	persist := new(MockPersister)
	adm := new(MockAdmission)
	lc := NewLifecycle(lock.NewManager(lock.NewTable(logger), lock.ManagerConfig{}, logger), st, persist, adm, nil, logger)
	require.NoError(t, st.CreateTask(testutil.TestTask("t1")))

	persist.On("AppendLog", "t1", mock.MatchedBy(func(e persistence.LogEntry) bool { return e.Message == "Task deleted" })).Return(int64(1), nil)
	persist.On("Cleanup", "t1").Return(errors.New("permission denied"))
	adm.On("Unregister", "t1").Return(false)

	require.NoError(t, lc.Delete(context.Background(), "t1"))

	got, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	persist.AssertExpectations(t)
	adm.AssertExpectations(t)
}

func TestConcurrentTerminalTransitionsOnOneTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)

	slow := func(context.Context, hooks.Event) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	h.hooks.Register(hooks.BeforeComplete, slow, 0)
	h.hooks.Register(hooks.BeforeFail, slow, 0)

	var (
		wg                   sync.WaitGroup
		completeErr, failErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, completeErr = h.lc.Complete(ctx, "t1", Result{Success: true})
	}()
	go func() {
		defer wg.Done()
		_, failErr = h.lc.Fail(ctx, "t1", "boom")
	}()
	wg.Wait()

	require.True(t, (completeErr == nil) != (failErr == nil), "exactly one transition must win: complete=%v fail=%v", completeErr, failErr)
	loser := completeErr
	want := "failed"
	if failErr != nil {
		loser, want = failErr, "completed"
	}
	assert.True(t, errors.Is(loser, apperr.ErrLockConflict) || errors.Is(loser, apperr.ErrInvalidStateTransition), "unexpected error: %v", loser)

	tk, err := h.lc.GetStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want, tk.Status)

	msgs := h.logMessages(t, "t1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"Task created", "Task started"}, msgs[:2])
	assert.Nil(t, h.locks.Table().IsLocked(lockKey("t1")))
}

func TestConcurrentStartsBySameAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	h.hooks.Register(hooks.BeforeStart, func(context.Context, hooks.Event) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, 0)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.lc.Start(ctx, "t1", "agent-1")
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{"Task created", "Task started"}, h.logMessages(t, "t1"))
}

func TestResumeTwiceKeepsDurableStatePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "t1")
	_, err := h.lc.Start(ctx, "t1", "agent-1")
	require.NoError(t, err)
	cp, err := h.lc.CreateCheckpoint(ctx, "t1", persistence.CheckpointOptions{})
	require.NoError(t, err)
	require.Equal(t, "running", cp.State.Status)

	for range 2 {
		tk, err := h.lc.ResumeFromCheckpoint(ctx, "t1", cp.ID)
		require.NoError(t, err)
		assert.Equal(t, "pending", tk.Status)

		st, err := h.persist.State("t1")
		require.NoError(t, err)
		assert.Equal(t, "pending", st.Status)
	}
	assert.Equal(t, []string{"Task created", "Task started", "Task resumed from checkpoint"}, h.logMessages(t, "t1"))
}
