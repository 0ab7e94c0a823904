package cgroup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/werkbank/internal/resource"
)

const DefaultRoot = "/sys/fs/cgroup/werkbank"

type cpuMark struct {
	usageUsec uint64
	at        time.Time
}

// Reader samples cgroup v2 controllers of sandboxes living under
// <root>/<sandbox id>.
type Reader struct {
	root string
	now  func() time.Time

	mu   sync.Mutex
	last map[string]cpuMark
}

func NewReader(root string) *Reader {
	if root == "" {
		root = DefaultRoot
	}
	return &Reader{root: root, now: time.Now, last: make(map[string]cpuMark)}
}

func (r *Reader) Path(id string) string {
	return filepath.Join(r.root, id)
}

// Sample reads memory.current, pids.current and cpu.stat. CPU percent is
// derived from the previous sample of the same id and is 0 on the first one.
func (r *Reader) Sample(ctx context.Context, id string) (resource.Sample, error) {
	if err := ctx.Err(); err != nil {
		return resource.Sample{}, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return resource.Sample{}, fmt.Errorf("invalid sandbox id %q", id)
	}
	cg := r.Path(id)

	mem, err := readUint(filepath.Join(cg, "memory.current"))
	if err != nil {
		return resource.Sample{}, fmt.Errorf("read memory.current: %w", err)
	}
	pids, err := readUint(filepath.Join(cg, "pids.current"))
	if err != nil {
		return resource.Sample{}, fmt.Errorf("read pids.current: %w", err)
	}
	usage, err := readCPUUsage(filepath.Join(cg, "cpu.stat"))
	if err != nil {
		return resource.Sample{}, fmt.Errorf("read cpu.stat: %w", err)
	}

	return resource.Sample{
		MemoryMB:   float64(mem) / units.MiB,
		CPUPercent: r.cpuPercent(id, usage),
		Pids:       int(pids),
	}, nil
}

// Forget drops the CPU baseline of a sandbox.
func (r *Reader) Forget(id string) {
	r.mu.Lock()
	delete(r.last, id)
	r.mu.Unlock()
}

func (r *Reader) cpuPercent(id string, usageUsec uint64) float64 {
	now := r.now()
	r.mu.Lock()
	prev, ok := r.last[id]
	r.last[id] = cpuMark{usageUsec: usageUsec, at: now}
	r.mu.Unlock()

	if !ok || usageUsec < prev.usageUsec {
		return 0
	}
	elapsed := now.Sub(prev.at).Microseconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(usageUsec-prev.usageUsec) / float64(elapsed) * 100
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func readCPUUsage(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("usage_usec missing in %s", path)
}
