package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/p-arndt/werkbank/internal/apperr"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMax      = time.Second
	DefaultSweepInterval = 5 * time.Minute
)

type ManagerConfig struct {
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	SweepInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Manager adds retry, scoped locking, batch locking and a background expiry
// sweep on top of a Table.
type Manager struct {
	table  *Table
	cfg    ManagerConfig
	logger *slog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewManager(table *Table, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		table:  table,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Table exposes the underlying lock table.
func (m *Manager) Table() *Table {
	return m.table
}

// retryDelay returns min(base * 2^(attempt-1), max) for attempt >= 1.
func (m *Manager) retryDelay(attempt int) time.Duration {
	d := m.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.RetryMax {
			return m.cfg.RetryMax
		}
	}
	if d > m.cfg.RetryMax {
		return m.cfg.RetryMax
	}
	return d
}

func retryable(err error) bool {
	return errors.Is(err, apperr.ErrLockConflict) || errors.Is(err, apperr.ErrVersionConflict)
}

// AcquireWithRetry acquires resource, retrying collaborative conflicts with
// exponential backoff. Exclusive conflicts fail immediately. maxRetries <= 0
// uses the configured default.
func (m *Manager) AcquireWithRetry(ctx context.Context, resource, owner string, opts AcquireOptions, maxRetries int) (*Info, error) {
	if maxRetries <= 0 {
		maxRetries = m.cfg.MaxRetries
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeExclusive
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		info, err := m.table.Acquire(resource, owner, opts)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("lock acquired after retry", "resource", resource, "owner", owner, "attempt", attempt)
			}
			return info, nil
		}
		lastErr = err

		if mode == ModeExclusive || !retryable(err) || attempt == maxRetries {
			return nil, err
		}

		delay := m.retryDelay(attempt)
		m.logger.Debug("lock busy, retrying",
			"resource", resource,
			"owner", owner,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// WithLock runs fn while holding resource. The lock is released on every exit
// path, including a panic in fn. A release failure is logged and never
// replaces fn's result.
func (m *Manager) WithLock(ctx context.Context, resource, owner string, opts AcquireOptions, fn func(ctx context.Context) error) error {
	if _, err := m.AcquireWithRetry(ctx, resource, owner, opts, 0); err != nil {
		return err
	}

	defer func() {
		if _, relErr := m.table.Release(resource, owner); relErr != nil {
			m.logger.Error("release after scoped lock failed",
				"resource", resource,
				"owner", owner,
				"error", relErr)
		}
	}()

	return fn(ctx)
}

// AcquireBatch locks every resource in lexicographic order. If any acquisition
// fails, the locks taken so far are released before the error is returned.
func (m *Manager) AcquireBatch(ctx context.Context, resources []string, owner string, opts AcquireOptions) ([]*Info, error) {
	keys := sortedUnique(resources)

	acquired := make([]*Info, 0, len(keys))
	for _, key := range keys {
		info, err := m.AcquireWithRetry(ctx, key, owner, opts, 0)
		if err != nil {
			m.logger.Warn("batch lock failed, rolling back",
				"resource", key,
				"owner", owner,
				"acquired", len(acquired),
				"error", err)
			for i := len(acquired) - 1; i >= 0; i-- {
				if _, relErr := m.table.Release(acquired[i].Resource, owner); relErr != nil {
					m.logger.Error("batch rollback release failed",
						"resource", acquired[i].Resource,
						"owner", owner,
						"error", relErr)
				}
			}
			return nil, err
		}
		acquired = append(acquired, info)
	}
	return acquired, nil
}

// ReleaseBatch releases every resource and reports all failures together.
func (m *Manager) ReleaseBatch(resources []string, owner string) error {
	var (
		failed []string
		errs   []error
	)
	for _, key := range resources {
		if _, err := m.table.Release(key, owner); err != nil {
			failed = append(failed, key)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return apperr.Wrap(apperr.CodeBatchUnlockFailed,
		errors.Join(errs...),
		fmt.Sprintf("failed to release %d locks: %s", len(errs), strings.Join(msgs, "; ")),
		map[string]any{"owner": owner, "failed": failed})
}

// Status returns the holders of resource, or every lock when resource is empty.
func (m *Manager) Status(resource string) []Info {
	if resource == "" {
		return m.table.All()
	}
	return m.table.Holders(resource)
}

func (m *Manager) Stats() Stats {
	return m.table.Stats()
}

// EmergencyCleanup evicts every lock held by owner.
func (m *Manager) EmergencyCleanup(owner string) int {
	n := m.table.ForceReleaseOwner(owner)
	m.logger.Warn("emergency lock cleanup", "owner", owner, "released", n)
	return n
}

// SweepNow runs one expiry pass.
func (m *Manager) SweepNow() int {
	n := m.table.SweepExpired()
	if n > 0 {
		m.logger.Info("lock sweep removed expired locks", "count", n)
	}
	return n
}

// StartCleanup begins the periodic expiry sweep. Calling it twice is a no-op.
func (m *Manager) StartCleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.sweepLoop(ctx, m.stopCh)

	m.logger.Info("lock sweep started", "interval", m.cfg.SweepInterval)
}

// StopCleanup stops the sweep and waits for it to exit.
func (m *Manager) StopCleanup() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("lock sweep stopped")
}

// Running reports whether the periodic sweep is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.SweepNow()
		}
	}
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
