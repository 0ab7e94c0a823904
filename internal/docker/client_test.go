package docker

import (
	"encoding/json"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/werkbank/internal/resource"
)

var _ resource.StatsSource = (*Client)(nil)

func TestSampleFromStats(t *testing.T) {
	raw := `{
		"pids_stats": {"current": 17},
		"memory_stats": {"usage": 314572800, "stats": {"inactive_file": 104857600}},
		"cpu_stats": {"cpu_usage": {"total_usage": 400000000}, "system_cpu_usage": 20000000000, "online_cpus": 4},
		"precpu_stats": {"cpu_usage": {"total_usage": 200000000}, "system_cpu_usage": 10000000000}
	}`
	var stats container.StatsResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &stats))

	s := sampleFromStats(stats, 64*units.MiB)
	assert.Equal(t, 200.0, s.MemoryMB)
	assert.Equal(t, 17, s.Pids)
	assert.Equal(t, 64.0, s.DiskMB)
	assert.InDelta(t, 8.0, s.CPUPercent, 0.0001)
}

func TestMemoryUsedCgroupV1(t *testing.T) {
	m := container.MemoryStats{
		Usage: 100 * units.MiB,
		Stats: map[string]uint64{"total_inactive_file": 30 * units.MiB},
	}
	assert.Equal(t, uint64(70*units.MiB), memoryUsed(m))
}

func TestMemoryUsedNoCacheStats(t *testing.T) {
	assert.Equal(t, uint64(42), memoryUsed(container.MemoryStats{Usage: 42}))
}

func TestCPUPercentOneShotWithoutPrecpu(t *testing.T) {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = 100
	assert.Zero(t, cpuPercent(s))
}
