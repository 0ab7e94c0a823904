package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type LockConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	RetryBaseMs          int `yaml:"retry_base_ms"`
	RetryMaxMs           int `yaml:"retry_max_ms"`
	MaxRetries           int `yaml:"max_retries"`
}

type SnapshotConfig struct {
	ChunkThreshold string `yaml:"chunk_threshold"` // e.g. "100MB"
	ChunkSize      string `yaml:"chunk_size"`
	MaxAgeHours    int    `yaml:"max_age_hours"`
}

type SystemLimits struct {
	MemoryMB int `yaml:"memory_mb"`
	Pids     int `yaml:"pids"`
	DiskMB   int `yaml:"disk_mb"`
}

type Defaults struct {
	MemoryMB  int `yaml:"memory_mb"`
	CPUShares int `yaml:"cpu_shares"`
	PidsLimit int `yaml:"pids_limit"`
	DiskMB    int `yaml:"disk_mb"`
}

type ResourceConfig struct {
	System                 SystemLimits `yaml:"system"`
	Defaults               Defaults     `yaml:"defaults"`
	MemoryAdmitPct         float64      `yaml:"memory_admit_pct"`
	PidsAdmitPct           float64      `yaml:"pids_admit_pct"`
	MonitorIntervalSeconds int          `yaml:"monitor_interval_seconds"`
	StatsSource            string       `yaml:"stats_source"` // none | docker | cgroup
	CgroupRoot             string       `yaml:"cgroup_root"`
}

type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type Config struct {
	Listen    string         `yaml:"listen"`
	APIKey    string         `yaml:"api_key"`
	DBPath    string         `yaml:"db_path"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Lock      LockConfig     `yaml:"lock"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	Resources ResourceConfig `yaml:"resources"`
	Reaper    ReaperConfig   `yaml:"reaper"`
}

func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		DBPath:    "./werkbank.db",
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "json",
		Lock: LockConfig{
			SweepIntervalSeconds: 300,
			RetryBaseMs:          100,
			RetryMaxMs:           1000,
			MaxRetries:           3,
		},
		Snapshot: SnapshotConfig{
			ChunkThreshold: "100MB",
			ChunkSize:      "50MB",
			MaxAgeHours:    168,
		},
		Resources: ResourceConfig{
			System: SystemLimits{
				MemoryMB: 8192,
				Pids:     1024,
				DiskMB:   10240,
			},
			Defaults: Defaults{
				MemoryMB:  512,
				CPUShares: 1024,
				PidsLimit: 256,
				DiskMB:    1024,
			},
			MemoryAdmitPct:         80,
			PidsAdmitPct:           90,
			MonitorIntervalSeconds: 30,
			StatsSource:            "none",
			CgroupRoot:             "/sys/fs/cgroup/werkbank",
		},
		Reaper: ReaperConfig{
			IntervalSeconds: 600,
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if _, err := c.ChunkThresholdBytes(); err != nil {
		return fmt.Errorf("snapshot.chunk_threshold: %w", err)
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return fmt.Errorf("snapshot.chunk_size: %w", err)
	}
	switch c.Resources.StatsSource {
	case "", "none", "docker", "cgroup":
	default:
		return fmt.Errorf("resources.stats_source: unknown source %q", c.Resources.StatsSource)
	}
	if p := c.Resources.MemoryAdmitPct; p <= 0 || p > 100 {
		return fmt.Errorf("resources.memory_admit_pct: %v out of range (0, 100]", p)
	}
	if p := c.Resources.PidsAdmitPct; p <= 0 || p > 100 {
		return fmt.Errorf("resources.pids_admit_pct: %v out of range (0, 100]", p)
	}
	return nil
}

func (c *Config) ChunkThresholdBytes() (int64, error) {
	return parseSize(c.Snapshot.ChunkThreshold)
}

func (c *Config) ChunkSizeBytes() (int64, error) {
	return parseSize(c.Snapshot.ChunkSize)
}

func parseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", s)
	}
	return n, nil
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Lock.SweepIntervalSeconds) * time.Second
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Resources.MonitorIntervalSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

func (c *Config) SnapshotMaxAge() time.Duration {
	return time.Duration(c.Snapshot.MaxAgeHours) * time.Hour
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WERKBANK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("WERKBANK_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("WERKBANK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WERKBANK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WERKBANK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WERKBANK_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("WERKBANK_LOCK_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lock.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("WERKBANK_LOCK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lock.MaxRetries = n
		}
	}
	if v := os.Getenv("WERKBANK_CHUNK_THRESHOLD"); v != "" {
		if _, err := units.RAMInBytes(v); err == nil {
			cfg.Snapshot.ChunkThreshold = v
		}
	}
	if v := os.Getenv("WERKBANK_CHUNK_SIZE"); v != "" {
		if _, err := units.RAMInBytes(v); err == nil {
			cfg.Snapshot.ChunkSize = v
		}
	}
	if v := os.Getenv("WERKBANK_SNAPSHOT_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.MaxAgeHours = n
		}
	}
	if v := os.Getenv("WERKBANK_SYSTEM_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resources.System.MemoryMB = n
		}
	}
	if v := os.Getenv("WERKBANK_SYSTEM_PIDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resources.System.Pids = n
		}
	}
	if v := os.Getenv("WERKBANK_MEMORY_ADMIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Resources.MemoryAdmitPct = f
		}
	}
	if v := os.Getenv("WERKBANK_PIDS_ADMIT_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Resources.PidsAdmitPct = f
		}
	}
	if v := os.Getenv("WERKBANK_STATS_SOURCE"); v != "" {
		cfg.Resources.StatsSource = v
	}
	if v := os.Getenv("WERKBANK_CGROUP_ROOT"); v != "" {
		cfg.Resources.CgroupRoot = v
	}
	if v := os.Getenv("WERKBANK_REAPER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reaper.IntervalSeconds = n
		}
	}
}
