package lock

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/p-arndt/werkbank/internal/apperr"
)

type Mode string

const (
	ModeExclusive     Mode = "exclusive"
	ModeCollaborative Mode = "collaborative"
)

// Info describes one held lock entry.
type Info struct {
	Resource   string        `json:"resource"`
	Owner      string        `json:"owner"`
	Mode       Mode          `json:"mode"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Version    uint64        `json:"version"`
}

// AcquireOptions controls a single acquisition.
type AcquireOptions struct {
	Mode    Mode
	Timeout time.Duration // 0 = never expires

	// ExpectedVersion, when non-zero, makes a collaborative acquisition fail
	// with VERSION_CONFLICT if the primary entry's version differs.
	ExpectedVersion uint64
}

type OldestLock struct {
	Resource string        `json:"resource"`
	Age      time.Duration `json:"age"`
}

type Stats struct {
	TotalLocks   int            `json:"total_locks"`
	LocksByOwner map[string]int `json:"locks_by_owner"`
	Oldest       *OldestLock    `json:"oldest_lock,omitempty"`
}

// Table maps resource keys to their holders. The first holder of a resource
// is its primary entry; later collaborative holders are co-holders indexed by
// resource and then owner.
type Table struct {
	mu        sync.Mutex
	primary   map[string]*Info
	coHolders map[string]map[string]*Info
	now       func() time.Time
	logger  *slog.Logger
}

type TableOption func(*Table)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) { t.now = now }
}

func NewTable(logger *slog.Logger, opts ...TableOption) *Table {
	t := &Table{
		primary:   make(map[string]*Info),
		coHolders: make(map[string]map[string]*Info),
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) coHolder(resource, owner string) *Info {
	return t.coHolders[resource][owner]
}

func (t *Table) dropCoHolder(resource, owner string) {
	holders := t.coHolders[resource]
	delete(holders, owner)
	if len(holders) == 0 {
		delete(t.coHolders, resource)
	}
}

func (t *Table) expired(e *Info, now time.Time) bool {
	return e.Timeout > 0 && now.Sub(e.AcquiredAt) > e.Timeout
}

// Acquire takes or re-enters a lock on resource for owner.
func (t *Table) Acquire(resource, owner string, opts AcquireOptions) (*Info, error) {
	if resource == "" || owner == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "resource and owner are required", nil)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeExclusive
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	primary := t.primary[resource]

	if primary != nil && primary.Owner == owner {
		primary.Version++
		primary.AcquiredAt = now
		if opts.Timeout > 0 {
			primary.Timeout = opts.Timeout
		}
		t.logger.Debug("lock re-entered", "resource", resource, "owner", owner, "version", primary.Version)
		cp := *primary
		return &cp, nil
	}

	if primary != nil && t.expired(primary, now) {
		t.logger.Warn("evicting stale lock",
			"resource", resource,
			"holder", primary.Owner,
			"age", now.Sub(primary.AcquiredAt),
			"timeout", primary.Timeout)
		delete(t.primary, resource)
		primary = nil
	}

	if mode == ModeExclusive {
		if primary != nil {
			return nil, conflict(resource, owner, primary.Owner)
		}
		if holder := t.liveCollaborator(resource, owner, now); holder != "" {
			return nil, conflict(resource, owner, holder)
		}
		return t.insert(resource, owner, mode, opts.Timeout, now, true), nil
	}

	// Collaborative.
	if primary != nil && primary.Mode == ModeExclusive {
		return nil, conflict(resource, owner, primary.Owner)
	}
	if primary != nil && opts.ExpectedVersion != 0 && opts.ExpectedVersion != primary.Version {
		return nil, apperr.New(apperr.CodeVersionConflict,
			fmt.Sprintf("resource '%s' is at version %d, expected %d", resource, primary.Version, opts.ExpectedVersion),
			map[string]any{
				"resource": resource,
				"owner":    owner,
				"expected": opts.ExpectedVersion,
				"actual":   primary.Version,
			})
	}

	if e := t.coHolder(resource, owner); e != nil {
		e.Version++
		e.AcquiredAt = now
		if opts.Timeout > 0 {
			e.Timeout = opts.Timeout
		}
		cp := *e
		return &cp, nil
	}
	return t.insert(resource, owner, mode, opts.Timeout, now, primary == nil), nil
}

func (t *Table) insert(resource, owner string, mode Mode, timeout time.Duration, now time.Time, asPrimary bool) *Info {
	e := &Info{
		Resource:   resource,
		Owner:      owner,
		Mode:       mode,
		AcquiredAt: now,
		Timeout:    timeout,
		Version:    1,
	}
	if asPrimary {
		t.primary[resource] = e
	} else {
		holders := t.coHolders[resource]
		if holders == nil {
			holders = make(map[string]*Info)
			t.coHolders[resource] = holders
		}
		holders[owner] = e
	}
	t.logger.Debug("lock acquired", "resource", resource, "owner", owner, "mode", mode)
	cp := *e
	return &cp
}

// liveCollaborator returns the owner of any unexpired co-holder of resource
// other than owner. Expired ones are evicted.
func (t *Table) liveCollaborator(resource, owner string, now time.Time) string {
	for holder, e := range t.coHolders[resource] {
		if holder == owner {
			continue
		}
		if t.expired(e, now) {
			t.logger.Warn("evicting stale collaborative lock", "resource", resource, "holder", holder)
			t.dropCoHolder(resource, holder)
			continue
		}
		return holder
	}
	return ""
}

func conflict(resource, owner, holder string) error {
	return apperr.New(apperr.CodeLockConflict,
		fmt.Sprintf("resource '%s' is already locked by '%s'", resource, holder),
		map[string]any{"resource": resource, "owner": owner, "holder": holder})
}

// Release drops owner's entry on resource. It returns false when nothing was held.
func (t *Table) Release(resource, owner string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.coHolder(resource, owner) != nil {
		t.dropCoHolder(resource, owner)
		t.logger.Debug("collaborative lock released", "resource", resource, "owner", owner)
		return true, nil
	}

	if e, ok := t.primary[resource]; ok {
		if e.Owner != owner {
			return false, apperr.New(apperr.CodeLockPermissionDenied,
				fmt.Sprintf("cannot release lock owned by '%s'", e.Owner),
				map[string]any{"resource": resource, "owner": owner, "holder": e.Owner})
		}
		delete(t.primary, resource)
		t.logger.Debug("lock released", "resource", resource, "owner", owner)
		return true, nil
	}

	t.logger.Warn("release of unheld lock", "resource", resource, "owner", owner)
	return false, nil
}

// IsLocked returns the primary entry for resource, else any collaborative
// entry, else nil.
func (t *Table) IsLocked(resource string) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.primary[resource]; ok {
		cp := *e
		return &cp
	}
	for _, e := range t.coHolders[resource] {
		cp := *e
		return &cp
	}
	return nil
}

// Holders returns every entry on resource, oldest first.
func (t *Table) Holders(resource string) []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Info
	if e, ok := t.primary[resource]; ok {
		out = append(out, *e)
	}
	for _, e := range t.coHolders[resource] {
		out = append(out, *e)
	}
	sortInfos(out)
	return out
}

// All returns a copy of every entry ordered by resource then owner.
func (t *Table) All() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Info, 0, t.count())
	t.each(func(e *Info) { out = append(out, *e) })
	sortInfos(out)
	return out
}

// SweepExpired removes entries whose timeout has elapsed.
func (t *Table) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := t.removeWhere(func(e *Info) bool { return t.expired(e, now) })
	if n > 0 {
		t.logger.Info("expired locks removed", "count", n)
	}
	return n
}

// ForceReleaseOwner evicts every entry held by owner.
func (t *Table) ForceReleaseOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.removeWhere(func(e *Info) bool { return e.Owner == owner })
	if n > 0 {
		t.logger.Warn("force released locks", "owner", owner, "count", n)
	}
	return n
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := Stats{
		TotalLocks:   t.count(),
		LocksByOwner: make(map[string]int),
	}
	t.each(func(e *Info) {
		st.LocksByOwner[e.Owner]++
		age := now.Sub(e.AcquiredAt)
		if st.Oldest == nil || age > st.Oldest.Age {
			st.Oldest = &OldestLock{Resource: e.Resource, Age: age}
		}
	})
	return st
}

// count, each and removeWhere must be called with t.mu held.
func (t *Table) count() int {
	n := len(t.primary)
	for _, holders := range t.coHolders {
		n += len(holders)
	}
	return n
}

func (t *Table) each(fn func(e *Info)) {
	for _, e := range t.primary {
		fn(e)
	}
	for _, holders := range t.coHolders {
		for _, e := range holders {
			fn(e)
		}
	}
}

func (t *Table) removeWhere(match func(e *Info) bool) int {
	n := 0
	for resource, e := range t.primary {
		if match(e) {
			delete(t.primary, resource)
			n++
		}
	}
	for resource, holders := range t.coHolders {
		for owner, e := range holders {
			if match(e) {
				t.dropCoHolder(resource, owner)
				n++
			}
		}
	}
	return n
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Resource != infos[j].Resource {
			return infos[i].Resource < infos[j].Resource
		}
		if !infos[i].AcquiredAt.Equal(infos[j].AcquiredAt) {
			return infos[i].AcquiredAt.Before(infos[j].AcquiredAt)
		}
		return infos[i].Owner < infos[j].Owner
	})
}
