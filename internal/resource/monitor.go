package resource

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Limits are the declared resources of a sandbox. As an admission request a
// zero field means "use the default".
type Limits struct {
	MemoryMB  int `json:"memory_mb"`
	CPUShares int `json:"cpu_shares"`
	PidsLimit int `json:"pids_limit"`
	DiskMB    int `json:"disk_mb"`
}

type Metric struct {
	Used       float64 `json:"used"`
	Limit      float64 `json:"limit"`
	Percentage float64 `json:"percentage"`
}

func (m *Metric) set(used float64) {
	m.Used = used
	m.Percentage = percent(used, m.Limit)
}

type CPUMetric struct {
	Used  float64 `json:"used"`
	Limit float64 `json:"limit"`
}

// Usage is the last observed usage of one sandbox against its limits.
type Usage struct {
	Memory    Metric    `json:"memory"`
	CPU       CPUMetric `json:"cpu"`
	Pids      Metric    `json:"pids"`
	Disk      Metric    `json:"disk"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SystemUsage aggregates all registered sandboxes against the system ceilings.
type SystemUsage struct {
	Memory     Metric    `json:"memory"`
	CPU        CPUMetric `json:"cpu"`
	Pids       Metric    `json:"pids"`
	Disk       Metric    `json:"disk"`
	Containers int       `json:"containers"`
}

// Sample is one observation from a StatsSource.
type Sample struct {
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Pids       int     `json:"pids"`
	DiskMB     float64 `json:"disk_mb"`
}

// StatsSource samples the live usage of a sandbox.
//
//go:generate mockgen -destination=mocks/mock_stats.go -package=mocks github.com/p-arndt/werkbank/internal/resource StatsSource
type StatsSource interface {
	Sample(ctx context.Context, id string) (Sample, error)
}

// Forgetter is implemented by stats sources that keep per-sandbox state. The
// monitor calls Forget whenever it stops tracking a sandbox.
type Forgetter interface {
	Forget(id string)
}

type SystemLimits struct {
	MemoryMB int `json:"memory_mb"`
	Pids     int `json:"pids"`
	DiskMB   int `json:"disk_mb"`
}

type Config struct {
	System         SystemLimits
	Defaults       Limits
	MemoryAdmitPct float64
	PidsAdmitPct   float64
	Interval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		System:         SystemLimits{MemoryMB: 8192, Pids: 1024, DiskMB: 10240},
		Defaults:       Limits{MemoryMB: 512, CPUShares: 1024, PidsLimit: 256, DiskMB: 1024},
		MemoryAdmitPct: 80,
		PidsAdmitPct:   90,
		Interval:       30 * time.Second,
	}
}

// Alert thresholds, in percent. An alert fires above the first value and
// clears once usage drops below the second.
const (
	memoryAlertFire  = 85.0
	memoryAlertClear = 80.0
	pidsAlertFire    = 80.0
	pidsAlertClear   = 70.0

	systemMemoryWarn = 80.0
	systemPidsWarn   = 70.0
)

type AlertKind string

const (
	AlertMemory AlertKind = "memory"
	AlertPids   AlertKind = "pids"
)

// Alert reports a threshold crossing. Firing is false when the alert clears.
type Alert struct {
	ID         string    `json:"id"`
	Kind       AlertKind `json:"kind"`
	Percentage float64   `json:"percentage"`
	Firing     bool      `json:"firing"`
}

type AlertFunc func(Alert)

type sandbox struct {
	limits    Limits
	usage     Usage
	memAlert  bool
	pidsAlert bool
}

// Monitor tracks declared limits and observed usage of running sandboxes and
// decides whether new ones fit.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	sandboxes map[string]*sandbox
	source    StatsSource
	onAlert   AlertFunc
	now       func() time.Time
	logger    *slog.Logger

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Monitor)

func WithStatsSource(src StatsSource) Option {
	return func(m *Monitor) { m.source = src }
}

func WithAlertFunc(fn AlertFunc) Option {
	return func(m *Monitor) { m.onAlert = fn }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.System.MemoryMB <= 0 {
		cfg.System.MemoryMB = def.System.MemoryMB
	}
	if cfg.System.Pids <= 0 {
		cfg.System.Pids = def.System.Pids
	}
	if cfg.System.DiskMB <= 0 {
		cfg.System.DiskMB = def.System.DiskMB
	}
	cfg.Defaults = fillLimits(cfg.Defaults, def.Defaults)
	if cfg.MemoryAdmitPct <= 0 {
		cfg.MemoryAdmitPct = def.MemoryAdmitPct
	}
	if cfg.PidsAdmitPct <= 0 {
		cfg.PidsAdmitPct = def.PidsAdmitPct
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	m := &Monitor{
		cfg:       cfg,
		sandboxes: make(map[string]*sandbox),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register starts tracking a sandbox. Zero limits are filled from the
// defaults. Registering an id again resets its usage.
func (m *Monitor) Register(id string, limits Limits) {
	limits = fillLimits(limits, m.cfg.Defaults)

	m.mu.Lock()
	m.sandboxes[id] = &sandbox{
		limits: limits,
		usage: Usage{
			Memory: Metric{Limit: float64(limits.MemoryMB)},
			CPU:    CPUMetric{Limit: float64(limits.CPUShares)},
			Pids:   Metric{Limit: float64(limits.PidsLimit)},
			Disk:   Metric{Limit: float64(limits.DiskMB)},
		},
	}
	total := len(m.sandboxes)
	m.mu.Unlock()

	m.logger.Info("sandbox registered for resource monitoring",
		"id", id,
		"memory_mb", limits.MemoryMB,
		"pids_limit", limits.PidsLimit,
		"total", total,
	)
}

// Unregister stops tracking a sandbox. It reports whether the id was known.
func (m *Monitor) Unregister(id string) bool {
	m.mu.Lock()
	_, ok := m.sandboxes[id]
	delete(m.sandboxes, id)
	total := len(m.sandboxes)
	m.mu.Unlock()

	m.forget(id)
	if ok {
		m.logger.Info("sandbox unregistered from resource monitoring", "id", id, "total", total)
	}
	return ok
}

// UpdateUsage records an observation and evaluates alerts. Unknown ids are
// logged and ignored.
func (m *Monitor) UpdateUsage(id string, s Sample) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("usage update for unregistered sandbox", "id", id)
		return
	}
	sb.usage.Memory.set(s.MemoryMB)
	sb.usage.CPU.Used = s.CPUPercent
	sb.usage.Pids.set(float64(s.Pids))
	sb.usage.Disk.set(s.DiskMB)
	sb.usage.UpdatedAt = m.now()
	alerts := m.evaluateAlerts(id, sb)
	m.mu.Unlock()

	for _, a := range alerts {
		if a.Firing {
			m.logger.Error("sandbox resource alert",
				"id", a.ID,
				"kind", string(a.Kind),
				"percentage", a.Percentage,
			)
		} else {
			m.logger.Info("sandbox resource alert cleared",
				"id", a.ID,
				"kind", string(a.Kind),
				"percentage", a.Percentage,
			)
		}
		if m.onAlert != nil {
			m.onAlert(a)
		}
	}
}

// evaluateAlerts must be called with m.mu held.
func (m *Monitor) evaluateAlerts(id string, sb *sandbox) []Alert {
	var alerts []Alert
	mem := sb.usage.Memory.Percentage
	switch {
	case mem > memoryAlertFire && !sb.memAlert:
		sb.memAlert = true
		alerts = append(alerts, Alert{ID: id, Kind: AlertMemory, Percentage: mem, Firing: true})
	case mem < memoryAlertClear && sb.memAlert:
		sb.memAlert = false
		alerts = append(alerts, Alert{ID: id, Kind: AlertMemory, Percentage: mem})
	}

	pids := sb.usage.Pids.Percentage
	switch {
	case pids >= pidsAlertFire && !sb.pidsAlert:
		sb.pidsAlert = true
		alerts = append(alerts, Alert{ID: id, Kind: AlertPids, Percentage: pids, Firing: true})
	case pids < pidsAlertClear && sb.pidsAlert:
		sb.pidsAlert = false
		alerts = append(alerts, Alert{ID: id, Kind: AlertPids, Percentage: pids})
	}
	return alerts
}

// Decision explains an admission check.
type Decision struct {
	Admitted          bool    `json:"admitted"`
	Reason            string  `json:"reason,omitempty"`
	CurrentMemoryMB   float64 `json:"current_memory_mb"`
	ReservedMemoryMB  float64 `json:"reserved_memory_mb"`
	ProjectedMemoryMB float64 `json:"projected_memory_mb"`
	MemoryThresholdMB float64 `json:"memory_threshold_mb"`
	CurrentPids       float64 `json:"current_pids"`
	ProjectedPids     float64 `json:"projected_pids"`
	PidsThreshold     float64 `json:"pids_threshold"`
}

// Admit projects aggregate usage as if a sandbox with the requested limits
// were added, and rejects if memory or pids would cross their thresholds.
// Sandboxes that have not been sampled yet count with their declared memory.
func (m *Monitor) Admit(req Limits) Decision {
	req = fillLimits(req, m.cfg.Defaults)
	sys := m.GetSystemResourceUsage()
	reserved := m.unsampledMemoryMB()

	d := Decision{
		Admitted:          true,
		CurrentMemoryMB:   sys.Memory.Used,
		ReservedMemoryMB:  reserved,
		ProjectedMemoryMB: sys.Memory.Used + reserved + float64(req.MemoryMB),
		MemoryThresholdMB: sys.Memory.Limit * m.cfg.MemoryAdmitPct / 100,
		CurrentPids:       sys.Pids.Used,
		ProjectedPids:     sys.Pids.Used + float64(req.PidsLimit),
		PidsThreshold:     sys.Pids.Limit * m.cfg.PidsAdmitPct / 100,
	}

	switch {
	case d.ProjectedMemoryMB > d.MemoryThresholdMB:
		d.Admitted = false
		d.Reason = "memory"
		m.logger.Warn("resource limit exceeded: memory",
			"requested_mb", req.MemoryMB,
			"projected_mb", d.ProjectedMemoryMB,
			"threshold_mb", d.MemoryThresholdMB,
			"current_mb", d.CurrentMemoryMB,
			"reserved_mb", d.ReservedMemoryMB,
		)
	case d.ProjectedPids > d.PidsThreshold:
		d.Admitted = false
		d.Reason = "pids"
		m.logger.Warn("resource limit exceeded: pids",
			"requested", req.PidsLimit,
			"projected", d.ProjectedPids,
			"threshold", d.PidsThreshold,
			"current", d.CurrentPids,
		)
	}
	return d
}

func (m *Monitor) unsampledMemoryMB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mb float64
	for _, sb := range m.sandboxes {
		if sb.usage.UpdatedAt.IsZero() {
			mb += float64(sb.limits.MemoryMB)
		}
	}
	return mb
}

// CheckResourceLimits reports whether a sandbox with the requested limits
// would be admitted. It never fails; a rejection is logged.
func (m *Monitor) CheckResourceLimits(req Limits) bool {
	return m.Admit(req).Admitted
}

func (m *Monitor) GetSystemResourceUsage() SystemUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mem, pids, disk, cpu float64
	for _, sb := range m.sandboxes {
		mem += sb.usage.Memory.Used
		pids += sb.usage.Pids.Used
		disk += sb.usage.Disk.Used
		cpu += sb.usage.CPU.Used
	}
	n := len(m.sandboxes)
	if n > 0 {
		cpu /= float64(n)
	}

	u := SystemUsage{
		Memory:     Metric{Limit: float64(m.cfg.System.MemoryMB)},
		CPU:        CPUMetric{Used: cpu, Limit: float64(m.cfg.Defaults.CPUShares * max(n, 1))},
		Pids:       Metric{Limit: float64(m.cfg.System.Pids)},
		Disk:       Metric{Limit: float64(m.cfg.System.DiskMB)},
		Containers: n,
	}
	u.Memory.set(mem)
	u.Pids.set(pids)
	u.Disk.set(disk)
	return u
}

// GetContainerUsage returns the last observed usage of a sandbox.
func (m *Monitor) GetContainerUsage(id string) (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return Usage{}, false
	}
	return sb.usage, true
}

func (m *Monitor) GetDefaultLimits() Limits {
	return m.cfg.Defaults
}

// IDs returns the registered sandbox ids, sorted.
func (m *Monitor) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// EmergencyCleanup forgets every tracked sandbox and returns how many there were.
func (m *Monitor) EmergencyCleanup() int {
	m.mu.Lock()
	n := len(m.sandboxes)
	dropped := m.sandboxes
	m.sandboxes = make(map[string]*sandbox)
	m.mu.Unlock()

	for id := range dropped {
		m.forget(id)
	}

	m.logger.Warn("emergency resource monitoring cleanup performed", "cleaned", n)
	return n
}

func (m *Monitor) forget(id string) {
	if f, ok := m.source.(Forgetter); ok {
		f.Forget(id)
	}
}

// Start runs the polling loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)
}

func (m *Monitor) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.loopMu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("resource monitor started", "interval", m.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll samples every registered sandbox once and warns when the system as a
// whole runs hot. A failed sample is logged and skipped.
func (m *Monitor) Poll(ctx context.Context) {
	if m.source != nil {
		for _, id := range m.IDs() {
			if ctx.Err() != nil {
				return
			}
			s, err := m.source.Sample(ctx, id)
			if err != nil {
				m.logger.Warn("resource sample failed", "id", id, "error", err)
				continue
			}
			m.UpdateUsage(id, s)
		}
	}

	sys := m.GetSystemResourceUsage()
	if sys.Memory.Percentage > systemMemoryWarn || sys.Pids.Percentage > systemPidsWarn {
		m.logger.Warn("high system resource usage",
			"memory_pct", sys.Memory.Percentage,
			"pids_pct", sys.Pids.Percentage,
			"containers", sys.Containers,
		)
	}
}

func fillLimits(l, def Limits) Limits {
	if l.MemoryMB <= 0 {
		l.MemoryMB = def.MemoryMB
	}
	if l.CPUShares <= 0 {
		l.CPUShares = def.CPUShares
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = def.PidsLimit
	}
	if l.DiskMB <= 0 {
		l.DiskMB = def.DiskMB
	}
	return l
}

func percent(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit * 100
}
