package persistence

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/p-arndt/werkbank/internal/apperr"
)

const snapshotManifestName = "manifest.json"

// SnapshotEntry describes one file captured by a snapshot.
type SnapshotEntry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Chunked  bool   `json:"chunked,omitempty"`
}

// SnapshotManifest is stored as manifest.json in the snapshot directory.
type SnapshotManifest struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Timestamp time.Time       `json:"timestamp"`
	Files     []string        `json:"files"`
	Entries   []SnapshotEntry `json:"entries"`
	TotalSize int64           `json:"totalSize"`
}

type SnapshotOptions struct {
	IncludePaths    []string `json:"include_paths"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

type SnapshotResult struct {
	SnapshotID    string            `json:"snapshot_id"`
	FilesIncluded int               `json:"files_included"`
	TotalSize     int64             `json:"total_size"`
	Manifest      *SnapshotManifest `json:"manifest"`
}

// Snapshotter manages the on-disk task tree:
//
//	<data_dir>/tasks/<id>/workspace
//	<data_dir>/tasks/<id>/snapshots/<snapshot>/{manifest.json,files/,chunks/}
//	<data_dir>/tasks/<id>/chunks/<file>/
//	<data_dir>/tasks/<id>/reassembled/
type Snapshotter struct {
	root           string
	chunkThreshold int64
	chunkSize      int64
	now            func() time.Time
	logger         *slog.Logger
}

type SnapshotterConfig struct {
	DataDir        string
	ChunkThreshold int64
	ChunkSize      int64
}

type SnapshotterOption func(*Snapshotter)

// WithSnapshotClock overrides the clock used for manifest timestamps and retention.
func WithSnapshotClock(now func() time.Time) SnapshotterOption {
	return func(s *Snapshotter) { s.now = now }
}

func NewSnapshotter(cfg SnapshotterConfig, logger *slog.Logger, opts ...SnapshotterOption) *Snapshotter {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = DefaultChunkThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	s := &Snapshotter{
		root:           filepath.Join(cfg.DataDir, "tasks"),
		chunkThreshold: cfg.ChunkThreshold,
		chunkSize:      cfg.ChunkSize,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Snapshotter) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// WorkspaceDir is where a task's files live and where snapshots restore to.
func (s *Snapshotter) WorkspaceDir(taskID string) string {
	return filepath.Join(s.root, taskID, "workspace")
}

func (s *Snapshotter) snapshotDir(taskID, snapshotID string) string {
	return filepath.Join(s.root, taskID, "snapshots", snapshotID)
}

// CreateSelectiveSnapshot copies the files under the include paths (relative
// to the workspace) into a new snapshot. Files at or above the chunk
// threshold are stored as chunks.
func (s *Snapshotter) CreateSelectiveSnapshot(taskID string, opts SnapshotOptions) (*SnapshotResult, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, err
	}
	if len(opts.IncludePaths) == 0 {
		return nil, apperr.New(apperr.CodeSnapshotFailed, "no include paths given", map[string]any{"task_id": taskID})
	}

	id := "snapshot_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	dir := s.snapshotDir(taskID, id)
	manifest := &SnapshotManifest{
		ID:        id,
		TaskID:    taskID,
		Timestamp: s.now().UTC(),
		Files:     []string{},
		Entries:   []SnapshotEntry{},
	}

	if err := s.captureFiles(taskID, dir, opts, manifest); err != nil {
		os.RemoveAll(dir)
		return nil, apperr.Wrap(apperr.CodeSnapshotFailed, err, "creating snapshot", map[string]any{
			"task_id":     taskID,
			"snapshot_id": id,
		})
	}

	s.logger.Info("snapshot created",
		"task_id", taskID,
		"snapshot_id", id,
		"files", len(manifest.Files),
		"total_size", manifest.TotalSize,
	)
	return &SnapshotResult{
		SnapshotID:    id,
		FilesIncluded: len(manifest.Files),
		TotalSize:     manifest.TotalSize,
		Manifest:      manifest,
	}, nil
}

func (s *Snapshotter) captureFiles(taskID, dir string, opts SnapshotOptions, manifest *SnapshotManifest) error {
	ws := s.WorkspaceDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, inc := range opts.IncludePaths {
		inc = filepath.Clean(filepath.FromSlash(inc))
		if !filepath.IsLocal(inc) && inc != "." {
			return fmt.Errorf("include path %q escapes the workspace", inc)
		}
		root := filepath.Join(ws, inc)
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("snapshot include path missing", "task_id", taskID, "path", inc)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(ws, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel != "." && excluded(rel, opts.ExcludePatterns) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || seen[rel] {
				return nil
			}
			seen[rel] = true

			entry, err := s.captureFile(path, dir, rel)
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			manifest.Files = append(manifest.Files, rel)
			manifest.Entries = append(manifest.Entries, entry)
			manifest.TotalSize += entry.Size
			return nil
		})
		if err != nil {
			return err
		}
	}
	return writeJSON(filepath.Join(dir, snapshotManifestName), manifest)
}

func (s *Snapshotter) captureFile(src, dir, rel string) (SnapshotEntry, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return SnapshotEntry{}, err
	}
	if fi.Size() < s.chunkThreshold {
		in, err := os.Open(src)
		if err != nil {
			return SnapshotEntry{}, err
		}
		defer in.Close()
		n, sum, err := writeBlob(filepath.Join(dir, "files", filepath.FromSlash(rel)), in)
		if err != nil {
			return SnapshotEntry{}, err
		}
		return SnapshotEntry{Path: rel, Size: n, Checksum: sum}, nil
	}

	sum, err := hashFile(src)
	if err != nil {
		return SnapshotEntry{}, err
	}
	manifest, err := s.splitFile(src, filepath.Join(dir, "chunks", filepath.FromSlash(rel)), rel)
	if err != nil {
		return SnapshotEntry{}, err
	}
	var size int64
	for _, c := range manifest {
		size += c.ChunkSize
	}
	return SnapshotEntry{Path: rel, Size: size, Checksum: sum, Chunked: true}, nil
}

// excluded matches each pattern against the base name, the full relative
// path and every path segment.
func excluded(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if seg == p {
				return true
			}
		}
	}
	return false
}

// GetSnapshotInfo returns the manifest of a snapshot.
func (s *Snapshotter) GetSnapshotInfo(taskID, snapshotID string) (*SnapshotManifest, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, err
	}
	details := map[string]any{"task_id": taskID, "snapshot_id": snapshotID}
	if !filepath.IsLocal(snapshotID) || strings.ContainsAny(snapshotID, `/\`) {
		return nil, apperr.New(apperr.CodeSnapshotNotFound, "snapshot not found", details)
	}
	m, err := readSnapshotManifest(filepath.Join(s.snapshotDir(taskID, snapshotID), snapshotManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.CodeSnapshotNotFound, "snapshot not found", details)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSnapshotFailed, err, "reading snapshot manifest", details)
	}
	return m, nil
}

// ListSnapshots returns a task's snapshots oldest first. Directories without
// a readable manifest are skipped.
func (s *Snapshotter) ListSnapshots(taskID string) ([]*SnapshotManifest, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.TaskDir(taskID), "snapshots"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var out []*SnapshotManifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readSnapshotManifest(filepath.Join(s.snapshotDir(taskID, e.Name()), snapshotManifestName))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "task_id", taskID, "snapshot_id", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// RestoreSnapshot copies a snapshot's files back into the workspace and
// verifies their checksums. It returns the number of files restored.
func (s *Snapshotter) RestoreSnapshot(taskID, snapshotID string) (int, error) {
	m, err := s.GetSnapshotInfo(taskID, snapshotID)
	if err != nil {
		return 0, err
	}
	dir := s.snapshotDir(taskID, snapshotID)
	ws := s.WorkspaceDir(taskID)

	for _, e := range m.Entries {
		details := map[string]any{"task_id": taskID, "snapshot_id": snapshotID, "path": e.Path}
		if !filepath.IsLocal(filepath.FromSlash(e.Path)) {
			return 0, apperr.New(apperr.CodeSnapshotFailed, "snapshot entry escapes the workspace", details)
		}
		dst := filepath.Join(ws, filepath.FromSlash(e.Path))

		if e.Chunked {
			chunkDir := filepath.Join(dir, "chunks", filepath.FromSlash(e.Path))
			manifest, err := readChunkManifest(chunkDir)
			if err != nil {
				return 0, err
			}
			if _, err := reassembleInto(chunkDir, manifest, dst); err != nil {
				return 0, err
			}
		} else {
			in, err := os.Open(filepath.Join(dir, "files", filepath.FromSlash(e.Path)))
			if err != nil {
				return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "opening snapshot file", details)
			}
			_, _, err = writeBlob(dst, in)
			in.Close()
			if err != nil {
				return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "restoring file", details)
			}
		}

		sum, err := hashFile(dst)
		if err != nil {
			return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "hashing restored file", details)
		}
		if sum != e.Checksum {
			return 0, apperr.New(apperr.CodeSnapshotFailed, "checksum mismatch after restore", details)
		}
	}

	s.logger.Info("snapshot restored", "task_id", taskID, "snapshot_id", snapshotID, "files", len(m.Entries))
	return len(m.Entries), nil
}

// CleanupOldSnapshots deletes snapshots whose manifest timestamp is older
// than maxAge and returns their ids.
func (s *Snapshotter) CleanupOldSnapshots(taskID string, maxAge time.Duration, keep ...string) ([]string, error) {
	snaps, err := s.ListSnapshots(taskID)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxAge)
	deleted := []string{}
	for _, m := range snaps {
		if !m.Timestamp.Before(cutoff) || slices.Contains(keep, m.ID) {
			continue
		}
		if err := os.RemoveAll(s.snapshotDir(taskID, m.ID)); err != nil {
			s.logger.Error("failed to delete snapshot", "task_id", taskID, "snapshot_id", m.ID, "error", err)
			continue
		}
		deleted = append(deleted, m.ID)
	}
	if len(deleted) > 0 {
		s.logger.Info("old snapshots removed", "task_id", taskID, "count", len(deleted))
	}
	return deleted, nil
}

// RemoveTask deletes the whole task directory.
func (s *Snapshotter) RemoveTask(taskID string) error {
	if err := checkTaskID(taskID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.TaskDir(taskID)); err != nil {
		return fmt.Errorf("removing task dir: %w", err)
	}
	return nil
}

func checkTaskID(taskID string) error {
	if taskID == "" || !filepath.IsLocal(taskID) || strings.ContainsAny(taskID, `/\`) {
		return apperr.New(apperr.CodeInvalidRequest, "invalid task id", map[string]any{"task_id": taskID})
	}
	return nil
}

func readSnapshotManifest(path string) (*SnapshotManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m SnapshotManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// writeBlob copies r into path, creating parent directories, and returns the
// byte count and blake3 checksum of what was written.
func writeBlob(path string, r io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", err
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if err != nil {
		out.Close()
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	return n, formatSum(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return formatSum(h.Sum(nil)), nil
}

func formatSum(sum []byte) string {
	return "blake3:" + hex.EncodeToString(sum)
}
