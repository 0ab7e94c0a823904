package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/werkbank/internal/apperr"
	"github.com/p-arndt/werkbank/internal/testutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	snaps := newTestSnapshotter(t, 1024, 256)
	return NewService(testutil.NewTestStore(t), snaps, testLogger())
}

func TestSaveAndReadState(t *testing.T) {
	svc := newTestService(t)

	st, err := svc.State("t1")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, svc.SaveState("t1", State{Status: "pending", Data: map[string]any{"name": "build"}}))

	st, err = svc.State("t1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, "build", st.Data["name"])
	assert.False(t, st.LastUpdated.IsZero())
}

func TestAppendLogDefaults(t *testing.T) {
	svc := newTestService(t)

	s1, err := svc.AppendLog("t1", LogEntry{Message: "Task created"})
	require.NoError(t, err)
	s2, err := svc.AppendLog("t1", LogEntry{Level: LevelWarning, Message: "Task cancelled", Data: map[string]any{"fromStatus": "pending"}})
	require.NoError(t, err)
	assert.Greater(t, s2, s1)

	logs, err := svc.Logs("t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, LevelInfo, logs[0].Level)
	assert.False(t, logs[0].Timestamp.IsZero())
	assert.Equal(t, LevelWarning, logs[1].Level)
	assert.Equal(t, "pending", logs[1].Data["fromStatus"])
}

func TestCheckpointRestoreIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SaveState("t1", State{Status: "running", Data: map[string]any{"step": "one"}}))
	_, err := svc.AppendLog("t1", LogEntry{Message: "step one"})
	require.NoError(t, err)

	cp, err := svc.CreateCheckpoint("t1", CheckpointOptions{Description: "after step one"})
	require.NoError(t, err)
	assert.Equal(t, "running", cp.State.Status)

	require.NoError(t, svc.SaveState("t1", State{Status: "running", Data: map[string]any{"step": "two"}}))
	_, err = svc.AppendLog("t1", LogEntry{Message: "step two"})
	require.NoError(t, err)

	_, err = svc.RestoreCheckpoint(ctx, "t1", cp.ID)
	require.NoError(t, err)
	firstState, err := svc.State("t1")
	require.NoError(t, err)
	firstLogs, err := svc.Logs("t1")
	require.NoError(t, err)

	_, err = svc.RestoreCheckpoint(ctx, "t1", cp.ID)
	require.NoError(t, err)
	secondState, err := svc.State("t1")
	require.NoError(t, err)
	secondLogs, err := svc.Logs("t1")
	require.NoError(t, err)

	assert.Equal(t, "one", firstState.Data["step"])
	require.Len(t, firstLogs, 1)
	assert.Equal(t, "step one", firstLogs[0].Message)
	assert.Equal(t, firstState.Data, secondState.Data)
	assert.Equal(t, firstState.Status, secondState.Status)
	assert.Equal(t, firstLogs, secondLogs)
}

func TestCheckpointWithSnapshot(t *testing.T) {
	svc := newTestService(t)
	snaps := svc.Snapshots()
	writeWorkspaceFile(t, snaps, "t1", "src/app.go", []byte("v1"))

	cp, err := svc.CreateCheckpoint("t1", CheckpointOptions{IncludePaths: []string{"src"}})
	require.NoError(t, err)
	assert.NotEmpty(t, cp.SnapshotID)
	assert.Equal(t, []string{"src/app.go"}, cp.Manifest)

	writeWorkspaceFile(t, snaps, "t1", "src/app.go", []byte("v2"))

	_, err = svc.RestoreCheckpoint(context.Background(), "t1", cp.ID)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(snaps.WorkspaceDir("t1"), "src", "app.go"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.RestoreCheckpoint(context.Background(), "t1", "checkpoint_nope")
	assert.ErrorIs(t, err, apperr.ErrCheckpointNotFound)
	assert.Equal(t, "t1", apperr.DetailsOf(err)["task_id"])
}

func TestRestoreCancelledContext(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.RestoreCheckpoint(ctx, "t1", "any")
	assert.ErrorIs(t, err, apperr.ErrCheckpointRestore)
}

func TestCreateCheckpointSnapshotFailure(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateCheckpoint("t1", CheckpointOptions{IncludePaths: []string{"../outside"}})
	assert.ErrorIs(t, err, apperr.ErrCheckpointCreate)
}

func TestLatestCheckpoint(t *testing.T) {
	svc := newTestService(t)

	latest, err := svc.LatestCheckpoint("t1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = svc.CreateCheckpoint("t1", CheckpointOptions{Description: "first"})
	require.NoError(t, err)
	_, err = svc.AppendLog("t1", LogEntry{Message: "more"})
	require.NoError(t, err)
	second, err := svc.CreateCheckpoint("t1", CheckpointOptions{Description: "second"})
	require.NoError(t, err)

	latest, err = svc.LatestCheckpoint("t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	all, err := svc.ListCheckpoints("t1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCleanupRemovesEverything(t *testing.T) {
	svc := newTestService(t)
	snaps := svc.Snapshots()
	writeWorkspaceFile(t, snaps, "t1", "f.txt", []byte("x"))
	require.NoError(t, svc.SaveState("t1", State{Status: "completed"}))
	_, err := svc.AppendLog("t1", LogEntry{Message: "done"})
	require.NoError(t, err)
	_, err = svc.CreateCheckpoint("t1", CheckpointOptions{IncludePaths: []string{"f.txt"}})
	require.NoError(t, err)

	require.NoError(t, svc.Cleanup("t1"))

	st, err := svc.State("t1")
	require.NoError(t, err)
	assert.Nil(t, st)
	logs, err := svc.Logs("t1")
	require.NoError(t, err)
	assert.Empty(t, logs)
	cps, err := svc.ListCheckpoints("t1")
	require.NoError(t, err)
	assert.Empty(t, cps)
	_, err = os.Stat(snaps.TaskDir("t1"))
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotRetentionKeepsLatestCheckpoint(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	snaps := newTestSnapshotter(t, 1024, 256, WithSnapshotClock(clock.Now))
	svc := NewService(testutil.NewTestStore(t), snaps, testLogger())
	writeWorkspaceFile(t, snaps, "t1", "a.txt", []byte("x"))

	loose, err := snaps.CreateSelectiveSnapshot("t1", SnapshotOptions{IncludePaths: []string{"a.txt"}})
	require.NoError(t, err)
	cp, err := svc.CreateCheckpoint("t1", CheckpointOptions{IncludePaths: []string{"a.txt"}})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	removed, err := svc.CleanupOldSnapshots("t1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{loose.SnapshotID}, removed)

	_, err = snaps.GetSnapshotInfo("t1", cp.SnapshotID)
	assert.NoError(t, err)
}
