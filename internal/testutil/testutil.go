package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/p-arndt/werkbank/internal/config"
	"github.com/p-arndt/werkbank/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.APIKey = "test-api-key"
	cfg.DBPath = ":memory:"
	cfg.DataDir = t.TempDir()
	cfg.Snapshot.ChunkThreshold = "1MB"
	cfg.Snapshot.ChunkSize = "256KB"
	return cfg
}

func TestTask(id string) *store.Task {
	now := time.Now().UTC()
	return &store.Task{
		ID:        id,
		Name:      "task " + id,
		Status:    "pending",
		Owner:     "system",
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
