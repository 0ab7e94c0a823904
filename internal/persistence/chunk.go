package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/go-units"
	"github.com/zeebo/blake3"

	"github.com/p-arndt/werkbank/internal/apperr"
)

const (
	DefaultChunkThreshold int64 = 100 * units.MiB
	DefaultChunkSize      int64 = 50 * units.MiB

	chunkManifestName = "chunk_manifest.json"
)

// ChunkInfo is one element of a chunk manifest. ChunkSize is the byte length
// of that chunk's blob; only the last chunk may be shorter than the rest.
type ChunkInfo struct {
	OriginalFile string `json:"originalFile"`
	ChunkIndex   int    `json:"chunkIndex"`
	ChunkSize    int64  `json:"chunkSize"`
	TotalChunks  int    `json:"totalChunks"`
	Checksum     string `json:"checksum,omitempty"`
}

type ChunkResult struct {
	OriginalFile string      `json:"original_file"`
	Chunks       []string    `json:"chunks"`
	TotalSize    int64       `json:"total_size"`
	Manifest     []ChunkInfo `json:"manifest"`
}

func chunkBlobName(i int) string {
	return fmt.Sprintf("chunk_%d.bin", i)
}

// CreateChunkedSnapshot splits a workspace file into <task>/chunks/<relFile>/.
// Files below the threshold produce a single chunk.
func (s *Snapshotter) CreateChunkedSnapshot(taskID, relFile string) (*ChunkResult, error) {
	if err := checkTaskID(taskID); err != nil {
		return nil, err
	}
	if !filepath.IsLocal(relFile) {
		return nil, apperr.New(apperr.CodeSnapshotFailed, fmt.Sprintf("file path %q escapes the workspace", relFile),
			map[string]any{"task_id": taskID, "file": relFile})
	}

	src := filepath.Join(s.WorkspaceDir(taskID), relFile)
	dst := filepath.Join(s.TaskDir(taskID), "chunks", relFile)
	if err := os.RemoveAll(dst); err != nil {
		return nil, apperr.Wrap(apperr.CodeSnapshotFailed, err, "clearing chunk dir", map[string]any{"task_id": taskID})
	}

	manifest, err := s.splitFile(src, dst, filepath.ToSlash(relFile))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSnapshotFailed, err, "chunking file", map[string]any{
			"task_id": taskID,
			"file":    relFile,
		})
	}

	res := &ChunkResult{OriginalFile: filepath.ToSlash(relFile), Manifest: manifest}
	for _, c := range manifest {
		res.Chunks = append(res.Chunks, filepath.Join(dst, chunkBlobName(c.ChunkIndex)))
		res.TotalSize += c.ChunkSize
	}
	s.logger.Info("chunked snapshot created",
		"task_id", taskID,
		"file", relFile,
		"chunks", len(manifest),
		"size", units.BytesSize(float64(res.TotalSize)),
	)
	return res, nil
}

// ReassembleChunkedFile rebuilds the file described by the chunk manifest in
// <task>/<chunkDirRel> and writes it to <task>/reassembled/<originalFile>.
func (s *Snapshotter) ReassembleChunkedFile(taskID, chunkDirRel string) (string, error) {
	if err := checkTaskID(taskID); err != nil {
		return "", err
	}
	details := map[string]any{"task_id": taskID, "chunk_dir": chunkDirRel}
	if !filepath.IsLocal(chunkDirRel) {
		return "", apperr.New(apperr.CodeChunkManifestInvalid, "chunk dir escapes the task directory", details)
	}
	dir := filepath.Join(s.TaskDir(taskID), chunkDirRel)

	manifest, err := readChunkManifest(dir)
	if err != nil {
		return "", err
	}
	out := filepath.Join(s.TaskDir(taskID), "reassembled", filepath.FromSlash(manifest[0].OriginalFile))
	if _, err := reassembleInto(dir, manifest, out); err != nil {
		return "", err
	}
	s.logger.Info("chunked file reassembled", "task_id", taskID, "output", out, "chunks", len(manifest))
	return out, nil
}

// splitFile writes the chunk blobs and manifest for src into dstDir.
func (s *Snapshotter) splitFile(src, dstDir, originalFile string) ([]ChunkInfo, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	chunkSize := size
	if size >= s.chunkThreshold {
		chunkSize = s.chunkSize
	}
	total := 1
	if chunkSize > 0 {
		total = int((size + chunkSize - 1) / chunkSize)
	}
	if total == 0 {
		total = 1
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, err
	}

	manifest := make([]ChunkInfo, 0, total)
	for i := 0; i < total; i++ {
		n := chunkSize
		if remaining := size - int64(i)*chunkSize; remaining < n {
			n = remaining
		}
		written, sum, err := writeBlob(filepath.Join(dstDir, chunkBlobName(i)), io.LimitReader(in, n))
		if err != nil {
			return nil, err
		}
		if written != n {
			return nil, fmt.Errorf("chunk %d: short read (%d of %d bytes)", i, written, n)
		}
		manifest = append(manifest, ChunkInfo{
			OriginalFile: originalFile,
			ChunkIndex:   i,
			ChunkSize:    written,
			TotalChunks:  total,
			Checksum:     sum,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dstDir, chunkManifestName), data, 0o444); err != nil {
		return nil, err
	}
	return manifest, nil
}

func readChunkManifest(dir string) ([]ChunkInfo, error) {
	details := map[string]any{"chunk_dir": dir}
	data, err := os.ReadFile(filepath.Join(dir, chunkManifestName))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChunkManifestInvalid, err, "reading chunk manifest", details)
	}
	var manifest []ChunkInfo
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, apperr.Wrap(apperr.CodeChunkManifestInvalid, err, "decoding chunk manifest", details)
	}
	if err := validateChunkManifest(manifest); err != nil {
		return nil, apperr.Wrap(apperr.CodeChunkManifestInvalid, err, "invalid chunk manifest", details)
	}
	return manifest, nil
}

// validateChunkManifest sorts the manifest by index and checks that it
// describes chunks 0..n-1 of a single file.
func validateChunkManifest(manifest []ChunkInfo) error {
	if len(manifest) == 0 {
		return fmt.Errorf("manifest is empty")
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].ChunkIndex < manifest[j].ChunkIndex })

	name := manifest[0].OriginalFile
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("invalid original file %q", name)
	}
	for i, c := range manifest {
		switch {
		case c.ChunkIndex != i:
			return fmt.Errorf("expected chunk index %d, found %d", i, c.ChunkIndex)
		case c.TotalChunks != len(manifest):
			return fmt.Errorf("chunk %d: totalChunks %d, manifest has %d", i, c.TotalChunks, len(manifest))
		case c.OriginalFile != name:
			return fmt.Errorf("chunk %d belongs to %q, not %q", i, c.OriginalFile, name)
		case c.ChunkSize < 0:
			return fmt.Errorf("chunk %d: negative size", i)
		}
	}
	return nil
}

// reassembleInto writes each chunk at the sum of the sizes of the chunks
// before it, so a short final chunk leaves no gap.
func reassembleInto(dir string, manifest []ChunkInfo, out string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "creating output dir", nil)
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "creating output file", nil)
	}
	defer f.Close()

	var offset int64
	for _, c := range manifest {
		if err := copyChunk(f, filepath.Join(dir, chunkBlobName(c.ChunkIndex)), offset, c); err != nil {
			return 0, err
		}
		offset += c.ChunkSize
	}
	if err := f.Close(); err != nil {
		return 0, apperr.Wrap(apperr.CodeSnapshotFailed, err, "closing output file", nil)
	}
	return offset, nil
}

func copyChunk(out *os.File, blob string, offset int64, c ChunkInfo) error {
	details := map[string]any{"chunk_index": c.ChunkIndex, "blob": blob}
	in, err := os.Open(blob)
	if err != nil {
		return apperr.Wrap(apperr.CodeChunkManifestInvalid, err, "opening chunk", details)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return apperr.Wrap(apperr.CodeChunkManifestInvalid, err, "stat chunk", details)
	}
	if fi.Size() != c.ChunkSize {
		details["expected"] = c.ChunkSize
		details["actual"] = fi.Size()
		return apperr.New(apperr.CodeChunkManifestInvalid, "chunk length does not match manifest", details)
	}

	h := blake3.New()
	w := io.MultiWriter(io.NewOffsetWriter(out, offset), h)
	if _, err := io.Copy(w, in); err != nil {
		return apperr.Wrap(apperr.CodeSnapshotFailed, err, "writing chunk", details)
	}
	if c.Checksum != "" && c.Checksum != formatSum(h.Sum(nil)) {
		return apperr.New(apperr.CodeChunkManifestInvalid, "chunk checksum mismatch", details)
	}
	return nil
}
