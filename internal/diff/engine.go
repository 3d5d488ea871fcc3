// Package diff translates state snapshots into the minimal set of fragment
// operations: removals, additions, updates, and reorders. Rapid mutations
// collapse into one debounced cycle; a watchdog force-resets a cycle that
// gets stuck.
package diff

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/renderqueue"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/types"
)

// Diff is the change set between two snapshots. An id can be both updated
// and moved; the sets are otherwise disjoint.
type Diff struct {
	Added   []string
	Removed []string
	Updated []string
	Moved   []string
}

// Empty reports whether the diff carries no work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0 && len(d.Moved) == 0
}

// Compute diffs two snapshots. Either may be nil, meaning empty.
func Compute(prev, next *types.Snapshot) Diff {
	if prev == nil {
		prev = &types.Snapshot{}
	}
	if next == nil {
		next = &types.Snapshot{}
	}

	var d Diff

	for _, id := range next.Layout {
		if _, existed := prev.Components[id]; !existed {
			d.Added = append(d.Added, id)
		}
	}

	for _, id := range prev.Layout {
		if _, exists := next.Components[id]; !exists {
			d.Removed = append(d.Removed, id)
		}
	}

	prevPos := positions(prev.Layout)
	nextPos := positions(next.Layout)

	for _, id := range next.Layout {
		old, existed := prev.Components[id]
		if !existed {
			continue
		}
		record := next.Components[id]

		if old.Type != record.Type || !reflect.DeepEqual(old.Data, record.Data) {
			d.Updated = append(d.Updated, id)
		}
		if prevPos[id] != nextPos[id] {
			d.Moved = append(d.Moved, id)
		}
	}

	return d
}

func positions(layout []string) map[string]int {
	out := make(map[string]int, len(layout))
	for i, id := range layout {
		out[id] = i
	}

	return out
}

// RenderQueue is the slice of the queue the engine drives.
type RenderQueue interface {
	AddToQueue(componentID string, data types.RenderData, priority types.Priority, options renderqueue.RenderOptions) string
}

// Stats describes engine activity.
type Stats struct {
	Cycles       int
	ForcedResets int
	LastCycle    time.Time
}

// Engine watches the store and applies diffs to the fragment container,
// enqueuing renders for added and updated components.
type Engine struct {
	store     *state.Store
	queue     RenderQueue
	container *dom.Container
	cfg       config.DiffConfig
	logger    logging.Logger

	mu         sync.Mutex
	baseline   *types.Snapshot
	latest     *types.Snapshot
	dirty      bool
	inProgress bool
	cycleStart time.Time
	timer      *time.Timer
	cycles     int
	resets     int
	lastCycle  time.Time

	unsubscribe func()
	watchdog    *time.Ticker
	done        chan struct{}
	stopOnce    sync.Once
}

// Options wires an Engine.
type Options struct {
	Store     *state.Store
	Queue     RenderQueue
	Container *dom.Container
	Config    config.DiffConfig
	Logger    logging.Logger
}

// New creates an engine. Call Start to begin watching the store.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		container: opts.Container,
		cfg:       opts.Config,
		logger:    logger.WithComponent("diff"),
		baseline:  &types.Snapshot{},
		done:      make(chan struct{}),
	}
}

// Start subscribes to the store and launches the stuck-cycle watchdog. The
// current store contents become the first change set.
func (e *Engine) Start() {
	e.unsubscribe = e.store.SubscribeGlobal(e.onStateChange)

	interval := e.cfg.StuckThreshold
	if interval <= 0 {
		interval = 5 * time.Second
	}
	e.watchdog = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-e.watchdog.C:
				e.checkStuck()
			case <-e.done:
				return
			}
		}
	}()

	e.onStateChange(e.store.Snapshot())
}

// onStateChange records the newest snapshot and debounces a cycle. A new
// state arriving mid-cycle is queued and processed right after the current
// cycle, never dropped.
func (e *Engine) onStateChange(snapshot *types.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latest = snapshot
	e.dirty = true

	if e.inProgress || e.timer != nil {
		return
	}

	e.timer = time.AfterFunc(e.cfg.Debounce, e.runCycle)
}

func (e *Engine) runCycle() {
	e.mu.Lock()
	e.timer = nil

	if e.inProgress || !e.dirty {
		e.mu.Unlock()

		return
	}

	e.inProgress = true
	e.cycleStart = time.Now()
	e.dirty = false
	prev := e.baseline
	next := e.latest
	e.mu.Unlock()

	d := Compute(prev, next)
	if !d.Empty() {
		e.apply(d, next)
	}

	e.mu.Lock()
	// The baseline only advances after the cycle applied cleanly.
	e.baseline = next
	e.inProgress = false
	e.cycles++
	e.lastCycle = time.Now()
	rerun := e.dirty
	e.mu.Unlock()

	if rerun {
		// State changed mid-cycle; process the queued snapshot immediately.
		e.runCycle()
	}
}

// apply executes the change set in order: removals, additions, updates,
// reorder, orphan reconciliation.
func (e *Engine) apply(d Diff, next *types.Snapshot) {
	ctx := context.Background()

	for _, id := range d.Removed {
		e.container.Remove(id)
	}

	for _, id := range d.Added {
		record := next.Components[id]
		e.queue.AddToQueue(id, types.RenderData{Type: record.Type, Props: record.Data}, types.PriorityHigh, renderqueue.RenderOptions{
			ValidateRender:  true,
			FallbackOnError: true,
		})
	}

	for _, id := range d.Updated {
		record := next.Components[id]
		e.queue.AddToQueue(id, types.RenderData{Type: record.Type, Props: record.Data}, types.PriorityNormal, renderqueue.RenderOptions{
			ValidateRender:  true,
			FallbackOnError: true,
		})
	}

	if len(d.Moved) > 0 {
		e.container.Reorder(next.Layout)
	}

	for _, id := range e.container.Orphans(next.Layout) {
		e.container.Remove(id)
		e.logger.Warn(ctx, nil, "Removed orphaned fragment with no state entry",
			"component_id", id,
		)
	}

	e.logger.Debug(ctx, "Diff cycle applied",
		"added", len(d.Added),
		"removed", len(d.Removed),
		"updated", len(d.Updated),
		"moved", len(d.Moved),
	)
}

// checkStuck force-resets a cycle stuck past the ceiling so the engine can
// never lock up permanently.
func (e *Engine) checkStuck() {
	e.mu.Lock()

	stuck := e.inProgress && time.Since(e.cycleStart) > e.cfg.StuckCeiling
	if stuck {
		e.inProgress = false
		e.resets++
	}
	dirty := e.dirty
	e.mu.Unlock()

	if !stuck {
		return
	}

	e.logger.Error(context.Background(), nil, "Render cycle stuck past ceiling, force-reset",
		"ceiling", e.cfg.StuckCeiling.String(),
	)

	if dirty {
		e.mu.Lock()
		if e.timer == nil && !e.inProgress {
			e.timer = time.AfterFunc(e.cfg.Debounce, e.runCycle)
		}
		e.mu.Unlock()
	}
}

// FlushNow runs a pending cycle immediately, bypassing the debounce.
func (e *Engine) FlushNow() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	e.runCycle()
}

// Baseline returns the snapshot the next diff will compare against.
func (e *Engine) Baseline() *types.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.baseline
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{Cycles: e.cycles, ForcedResets: e.resets, LastCycle: e.lastCycle}
}

// Stop detaches from the store and halts the watchdog.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		if e.watchdog != nil {
			e.watchdog.Stop()
		}
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
		close(e.done)
	})
}
