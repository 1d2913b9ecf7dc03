package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"

	"chimebot/pkg/logx"
)

// trigger is one notification's live recurring schedule. A paused trigger
// keeps its definition in the map but has no cron entry, so it cannot fire;
// the definition is what Resume re-registers.
type trigger struct {
	spec    string
	job     func()
	entryID cron.EntryID
	running bool
}

// Registry owns the id -> trigger mapping over one shared cron runner pinned
// to the execution reference zone. At most one trigger exists per id; every
// mutation goes through the registry's lock, and firings run in the runner's
// per-job goroutines so slow dispatches never block other notifications.
type Registry struct {
	log    logx.Logger
	parser cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	triggers map[string]*trigger
}

func NewRegistry(log logx.Logger) *Registry {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Registry{
		log:      log,
		parser:   parser,
		c:        cron.New(cron.WithParser(parser), cron.WithLocation(execZone)),
		triggers: map[string]*trigger{},
	}
}

func (r *Registry) Start() { r.c.Start() }

// Stop halts the runner, waiting for in-flight firings until ctx expires.
// A stop only prevents future firings; running dispatches complete.
func (r *Registry) Stop(ctx context.Context) {
	done := r.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Add registers a trigger for id and starts it immediately. An existing
// trigger under the same id is discarded first, so the at-most-one invariant
// holds even if callers race a re-registration.
func (r *Registry) Add(id, spec string, job func()) error {
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger spec %q: %w", spec, err)
	}
	wrapped := r.wrap(id, job)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.triggers[id]; ok && old.running {
		r.c.Remove(old.entryID)
	}
	entryID, err := r.c.AddFunc(spec, wrapped)
	if err != nil {
		// Spec already validated above; only a parser mismatch could land here.
		return err
	}
	r.triggers[id] = &trigger{spec: spec, job: wrapped, entryID: entryID, running: true}
	return nil
}

// Pause stops id's trigger without touching its schedule or captured state.
// Pausing an already-paused or unknown trigger is a no-op.
func (r *Registry) Pause(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok || !t.running {
		return
	}
	r.c.Remove(t.entryID)
	t.running = false
}

// Resume restarts a paused trigger with its stored schedule. Resuming an
// already-running or unknown trigger is a no-op.
func (r *Registry) Resume(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok || t.running {
		return
	}
	entryID, err := r.c.AddFunc(t.spec, t.job)
	if err != nil {
		r.log.Error("resume failed", logx.String("notification", id), logx.Err(err))
		return
	}
	t.entryID = entryID
	t.running = true
}

// SetSpec reschedules an existing trigger in place, preserving its
// running/paused status and captured dispatch state.
func (r *Registry) SetSpec(id, spec string) error {
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger spec %q: %w", spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	if t.running {
		r.c.Remove(t.entryID)
		entryID, err := r.c.AddFunc(spec, t.job)
		if err != nil {
			return err
		}
		t.entryID = entryID
	}
	t.spec = spec
	return nil
}

// Remove stops and discards id's trigger. Removing an unknown id is a silent
// no-op, not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return
	}
	if t.running {
		r.c.Remove(t.entryID)
	}
	delete(r.triggers, id)
}

// Running reports whether id's trigger is currently firing-eligible, and
// whether it exists at all.
func (r *Registry) Running(id string) (running, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, found := r.triggers[id]
	if !found {
		return false, false
	}
	return t.running, true
}

// Spec returns id's stored cron expression.
func (r *Registry) Spec(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok {
		return "", false
	}
	return t.spec, true
}

func (r *Registry) wrap(id string, job func()) func() {
	return func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in dispatch",
					logx.String("notification", id),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		job()
	}
}
