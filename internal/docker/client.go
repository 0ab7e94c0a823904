package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/p-arndt/werkbank/internal/resource"
)

// Client samples sandbox containers through the Docker engine API. Sandbox
// ids are container names or ids.
type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Sample reads one stats snapshot plus the writable layer size of a container.
func (c *Client) Sample(ctx context.Context, id string) (resource.Sample, error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return resource.Sample{}, fmt.Errorf("container %s not found: %w", id, err)
		}
		return resource.Sample{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return resource.Sample{}, fmt.Errorf("decode stats: %w", err)
	}

	var sizeRw int64
	info, _, err := c.docker.ContainerInspectWithRaw(ctx, id, true)
	if err != nil {
		return resource.Sample{}, fmt.Errorf("container inspect: %w", err)
	}
	if info.ContainerJSONBase != nil && info.SizeRw != nil {
		sizeRw = *info.SizeRw
	}

	return sampleFromStats(stats, sizeRw), nil
}

// IsContainerRunning checks if a container is currently running.
func (c *Client) IsContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func sampleFromStats(s container.StatsResponse, sizeRw int64) resource.Sample {
	return resource.Sample{
		MemoryMB:   float64(memoryUsed(s.MemoryStats)) / units.MiB,
		CPUPercent: cpuPercent(s),
		Pids:       int(s.PidsStats.Current),
		DiskMB:     float64(sizeRw) / units.MiB,
	}
}

// memoryUsed subtracts the page cache the same way `docker stats` does.
func memoryUsed(m container.MemoryStats) uint64 {
	if v, ok := m.Stats["total_inactive_file"]; ok && v < m.Usage {
		return m.Usage - v
	}
	if v, ok := m.Stats["inactive_file"]; ok && v < m.Usage {
		return m.Usage - v
	}
	return m.Usage
}

func cpuPercent(s container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	return cpuDelta / sysDelta * online * 100
}
