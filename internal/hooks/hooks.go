package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/p-arndt/werkbank/internal/apperr"
)

type Type string

const (
	BeforeStart    Type = "before_start"
	AfterStart     Type = "after_start"
	BeforeComplete Type = "before_complete"
	AfterComplete  Type = "after_complete"
	BeforeFail     Type = "before_fail"
	AfterFail      Type = "after_fail"
)

// Event is passed to every hook of a transition.
type Event struct {
	Type    Type           `json:"type"`
	TaskID  string         `json:"task_id"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type Func func(ctx context.Context, ev Event) error

// Info describes a registered hook.
type Info struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Priority int    `json:"priority"`
}

type entry struct {
	Info
	seq int
	fn  Func
}

// Registry holds lifecycle hooks. Lower priorities run first.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	seq     int
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and returns its id.
func (r *Registry) Register(t Type, fn Func, priority int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := &entry{
		Info: Info{ID: fmt.Sprintf("hook_%d", r.seq), Type: t, Priority: priority},
		seq:  r.seq,
		fn:   fn,
	}
	r.entries = append(r.entries, e)
	return e.ID
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// All lists hooks in registration order.
func (r *Registry) All() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Info)
	}
	return out
}

// ByType lists the hooks of one type in execution order.
func (r *Registry) ByType(t Type) []Info {
	es := r.ordered(t)
	out := make([]Info, 0, len(es))
	for _, e := range es {
		out = append(out, e.Info)
	}
	return out
}

func (r *Registry) ordered(t Type) []*entry {
	r.mu.Lock()
	var es []*entry
	for _, e := range r.entries {
		if e.Type == t {
			es = append(es, e)
		}
	}
	r.mu.Unlock()
	sort.SliceStable(es, func(i, j int) bool { return es[i].Priority < es[j].Priority })
	return es
}

// Run executes the hooks of ev.Type. Failing or panicking hooks are logged
// and skipped; the returned errors are informational only.
func (r *Registry) Run(ctx context.Context, ev Event) []error {
	var errs []error
	for _, e := range r.ordered(ev.Type) {
		if err := r.call(ctx, e, ev); err != nil {
			r.logger.Warn("hook failed",
				"hook_id", e.ID,
				"hook_type", string(ev.Type),
				"task_id", ev.TaskID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) call(ctx context.Context, e *entry, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.CodeHookFailed, fmt.Sprintf("hook panicked: %v", p), map[string]any{"hook_id": e.ID})
		}
	}()
	if err := e.fn(ctx, ev); err != nil {
		return apperr.Wrap(apperr.CodeHookFailed, err, "hook returned error", map[string]any{"hook_id": e.ID})
	}
	return nil
}
