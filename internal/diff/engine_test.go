package diff

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/renderqueue"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/types"
)

type queuedCall struct {
	componentID string
	data        types.RenderData
	priority    types.Priority
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []queuedCall
}

func (q *fakeQueue) AddToQueue(componentID string, data types.RenderData, priority types.Priority, _ renderqueue.RenderOptions) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, queuedCall{componentID: componentID, data: data, priority: priority})

	return fmt.Sprintf("render-%d", len(q.calls))
}

func (q *fakeQueue) snapshot() []queuedCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]queuedCall(nil), q.calls...)
}

func snap(layout []string, components map[string]*types.ComponentRecord) *types.Snapshot {
	return &types.Snapshot{Layout: layout, Components: components}
}

func rec(id, componentType string, order int, data map[string]any) *types.ComponentRecord {
	return &types.ComponentRecord{ID: id, Type: componentType, Order: order, Data: data}
}

func TestCompute_AddedAndRemoved(t *testing.T) {
	prev := snap([]string{"a", "b"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, nil),
		"b": rec("b", "text", 1, nil),
	})
	next := snap([]string{"a", "c"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, nil),
		"c": rec("c", "stats", 1, nil),
	})

	d := Compute(prev, next)

	assert.Equal(t, []string{"c"}, d.Added)
	assert.Equal(t, []string{"b"}, d.Removed)
	assert.Empty(t, d.Updated)
	assert.Empty(t, d.Moved)
}

func TestCompute_UpdatedOnDataOrTypeChange(t *testing.T) {
	prev := snap([]string{"a", "b"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, map[string]any{"title": "Old"}),
		"b": rec("b", "text", 1, map[string]any{"content": "same"}),
	})
	next := snap([]string{"a", "b"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, map[string]any{"title": "New"}),
		"b": rec("b", "cta", 1, map[string]any{"content": "same"}),
	})

	d := Compute(prev, next)

	assert.ElementsMatch(t, []string{"a", "b"}, d.Updated)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Moved)
}

func TestCompute_Moved(t *testing.T) {
	prev := snap([]string{"a", "b", "c"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, nil),
		"b": rec("b", "text", 1, nil),
		"c": rec("c", "cta", 2, nil),
	})
	next := snap([]string{"b", "a", "c"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 1, nil),
		"b": rec("b", "text", 0, nil),
		"c": rec("c", "cta", 2, nil),
	})

	d := Compute(prev, next)

	assert.ElementsMatch(t, []string{"a", "b"}, d.Moved)
	assert.Empty(t, d.Updated)
}

func TestCompute_UpdatedAndMovedSimultaneously(t *testing.T) {
	prev := snap([]string{"a", "b"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, map[string]any{"v": 1}),
		"b": rec("b", "text", 1, nil),
	})
	next := snap([]string{"b", "a"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 1, map[string]any{"v": 2}),
		"b": rec("b", "text", 0, nil),
	})

	d := Compute(prev, next)

	assert.Contains(t, d.Updated, "a")
	assert.Contains(t, d.Moved, "a")
}

func TestCompute_NilSnapshots(t *testing.T) {
	next := snap([]string{"a"}, map[string]*types.ComponentRecord{
		"a": rec("a", "hero", 0, nil),
	})

	d := Compute(nil, next)
	assert.Equal(t, []string{"a"}, d.Added)

	d = Compute(next, nil)
	assert.Equal(t, []string{"a"}, d.Removed)

	assert.True(t, Compute(nil, nil).Empty())
}

type engineFixture struct {
	store     *state.Store
	queue     *fakeQueue
	container *dom.Container
	engine    *Engine
}

// newEngineFixture uses an hour-long debounce so tests drive cycles
// explicitly with FlushNow.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store:     state.NewStore(state.Options{}),
		queue:     &fakeQueue{},
		container: dom.NewContainer(),
	}
	f.engine = New(Options{
		Store:     f.store,
		Queue:     f.queue,
		Container: f.container,
		Config: config.DiffConfig{
			Debounce:       time.Hour,
			StuckThreshold: time.Hour,
			StuckCeiling:   10 * time.Second,
		},
	})
	f.engine.Start()
	t.Cleanup(f.engine.Stop)

	return f
}

func (f *engineFixture) insertFragment(t *testing.T, id string) {
	t.Helper()

	el, err := dom.ParseFragment(fmt.Sprintf(`<div data-component-id=%q class="mk-component"></div>`, id))
	require.NoError(t, err)
	f.container.Insert(id, el)
}

func TestEngine_AddedComponentsQueuedHigh(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Hi"}, false)
	f.store.InitComponent("text-1", "text", nil, false)
	f.engine.FlushNow()

	calls := f.queue.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "hero-1", calls[0].componentID)
	assert.Equal(t, types.PriorityHigh, calls[0].priority)
	assert.Equal(t, "hero", calls[0].data.Type)
	assert.Equal(t, types.PriorityHigh, calls[1].priority)
}

func TestEngine_UpdatedComponentQueuedNormal(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Hi"}, false)
	f.engine.FlushNow()

	f.store.SetProperty("hero-1", "title", "Bye")
	f.engine.FlushNow()

	calls := f.queue.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, types.PriorityNormal, calls[1].priority)
	assert.Equal(t, "Bye", calls[1].data.Props["title"])
}

func TestEngine_RemovedComponentDropsFragment(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("hero-1", "hero", nil, false)
	f.engine.FlushNow()
	f.insertFragment(t, "hero-1")

	f.store.RemoveComponent("hero-1")
	f.engine.FlushNow()

	assert.False(t, f.container.Contains("hero-1"))
}

func TestEngine_MoveReordersContainer(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("a", "hero", nil, false)
	f.store.InitComponent("b", "text", nil, false)
	f.engine.FlushNow()
	f.insertFragment(t, "a")
	f.insertFragment(t, "b")

	f.store.Reorder([]string{"b", "a"})
	f.engine.FlushNow()

	assert.Equal(t, []string{"b", "a"}, f.container.OrderedIDs())
}

func TestEngine_OrphanFragmentsRemoved(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("a", "hero", nil, false)
	f.insertFragment(t, "a")
	f.insertFragment(t, "ghost")

	f.engine.FlushNow()

	assert.True(t, f.container.Contains("a"))
	assert.False(t, f.container.Contains("ghost"))
}

func TestEngine_RapidMutationsCoalesceIntoOneCycle(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "a"}, false)
	f.store.SetProperty("hero-1", "title", "b")
	f.store.SetProperty("hero-1", "title", "c")
	f.engine.FlushNow()

	// One add against the original baseline, carrying the final value.
	calls := f.queue.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, types.PriorityHigh, calls[0].priority)
	assert.Equal(t, "c", calls[0].data.Props["title"])
	assert.Equal(t, 1, f.engine.Stats().Cycles)
}

func TestEngine_DebouncedCycleFiresOnItsOwn(t *testing.T) {
	store := state.NewStore(state.Options{})
	queue := &fakeQueue{}
	engine := New(Options{
		Store:     store,
		Queue:     queue,
		Container: dom.NewContainer(),
		Config: config.DiffConfig{
			Debounce:       5 * time.Millisecond,
			StuckThreshold: time.Hour,
			StuckCeiling:   10 * time.Second,
		},
	})
	engine.Start()
	defer engine.Stop()

	store.InitComponent("hero-1", "hero", nil, false)

	require.Eventually(t, func() bool {
		return len(queue.snapshot()) == 1
	}, time.Second, time.Millisecond)
}

func TestEngine_NoWorkAfterQuietFlush(t *testing.T) {
	f := newEngineFixture(t)

	f.store.InitComponent("hero-1", "hero", nil, false)
	f.engine.FlushNow()
	f.engine.FlushNow()

	assert.Len(t, f.queue.snapshot(), 1)
}

func TestEngine_BaselineAdvancesAfterCycle(t *testing.T) {
	f := newEngineFixture(t)

	assert.Empty(t, f.engine.Baseline().Layout)

	f.store.InitComponent("hero-1", "hero", nil, false)
	f.engine.FlushNow()

	assert.Equal(t, []string{"hero-1"}, f.engine.Baseline().Layout)
}

func TestEngine_StopDetachesFromStore(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Stop()

	f.store.InitComponent("hero-1", "hero", nil, false)
	f.engine.FlushNow()

	assert.Empty(t, f.queue.snapshot())
}
