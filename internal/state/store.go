// Package state implements the authoritative component store: a component
// map plus an explicit layout order and page metadata, observable through
// global and per-component subscriptions, with bounded undo/redo history and
// reentrant mutation batching.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/types"
)

// GlobalCallback observes every committed mutation with a cloned snapshot.
type GlobalCallback func(*types.Snapshot)

// ComponentCallback observes mutations of one component. The record is a
// clone; nil signals removal.
type ComponentCallback func(*types.ComponentRecord)

type historyEntry struct {
	action    string
	state     *types.Snapshot
	timestamp time.Time
}

type subscriber[T any] struct {
	id int
	fn T
}

// Store is the single source of truth for the built page. All mutation goes
// through its methods; readers receive deep clones and can never alias
// store-owned data.
type Store struct {
	mu sync.Mutex

	components map[string]*types.ComponentRecord
	layout     []string
	metadata   types.Metadata

	history      []historyEntry
	historyIndex int
	maxHistory   int

	nextSubID  int
	globalSubs []subscriber[GlobalCallback]
	idSubs     map[string][]subscriber[ComponentCallback]

	batchDepth int
	batchDirty bool
	batchSeen  bool

	schemaVersion string

	logger logging.Logger
	bus    *eventbus.Bus
}

// Options configures a Store.
type Options struct {
	MaxHistorySize int
	SchemaVersion  string
	Logger         logging.Logger
	Bus            *eventbus.Bus
}

// NewStore creates an empty store. The initial empty state is recorded as
// history entry zero so the first mutation can be undone.
func NewStore(opts Options) *Store {
	if opts.MaxHistorySize <= 0 {
		opts.MaxHistorySize = 50
	}

	if opts.SchemaVersion == "" {
		opts.SchemaVersion = "2.0"
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Store{
		components:    make(map[string]*types.ComponentRecord),
		idSubs:        make(map[string][]subscriber[ComponentCallback]),
		maxHistory:    opts.MaxHistorySize,
		schemaVersion: opts.SchemaVersion,
		logger:        logger.WithComponent("state"),
		bus:           opts.Bus,
	}

	s.history = []historyEntry{{
		action:    "init",
		state:     s.snapshotLocked(),
		timestamp: time.Now(),
	}}

	return s
}

// InitComponent creates a component record at the end of the layout. An
// existing id is overwritten after a warning; the original caller treated
// re-init as idempotent and silently clobbering data hid real bugs.
func (s *Store) InitComponent(id, componentType string, data map[string]any, skipNotify bool) {
	if id == "" {
		return
	}

	s.mu.Lock()

	if _, exists := s.components[id]; exists {
		s.logger.Warn(context.Background(), nil, "Component re-initialized, overwriting existing record",
			"component_id", id,
			"component_type", componentType,
		)
	} else {
		s.layout = append(s.layout, id)
	}

	record := &types.ComponentRecord{
		ID:    id,
		Type:  componentType,
		Data:  types.CloneData(data),
		Order: s.indexOf(id),
		Meta:  types.ComponentMeta{LastModified: time.Now()},
	}
	if record.Data == nil {
		record.Data = make(map[string]any)
	}
	s.components[id] = record

	s.appendHistoryLocked("component-added")
	notify := s.commitLocked(id, record, skipNotify)
	s.mu.Unlock()

	notify()
	s.publish(eventbus.TopicComponentAdded, id, componentType)
}

// UpdateComponent merges a patch into a component's data. Unknown ids are a
// no-op.
func (s *Store) UpdateComponent(id string, patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	s.mu.Lock()

	record, exists := s.components[id]
	if !exists {
		s.mu.Unlock()

		return
	}

	for k, v := range patch {
		record.Data[k] = v
	}
	record.Data = types.CloneData(record.Data)
	record.Meta.IsDirty = true
	record.Meta.LastModified = time.Now()

	s.appendHistoryLocked("component-updated")
	notify := s.commitLocked(id, record, false)
	s.mu.Unlock()

	notify()
	s.publish(eventbus.TopicComponentUpdated, id, record.Type)
}

// SetProperty updates a single data key on a component.
func (s *Store) SetProperty(id, key string, value any) {
	s.UpdateComponent(id, map[string]any{key: value})
}

// RemoveComponent deletes a record, removes it from the layout, and
// renormalizes the remaining order fields. Unknown ids are a no-op.
func (s *Store) RemoveComponent(id string) {
	s.mu.Lock()

	record, exists := s.components[id]
	if !exists {
		s.mu.Unlock()

		return
	}
	componentType := record.Type

	delete(s.components, id)
	for i, lid := range s.layout {
		if lid == id {
			s.layout = append(s.layout[:i], s.layout[i+1:]...)

			break
		}
	}
	s.renormalizeOrdersLocked()

	s.appendHistoryLocked("component-removed")
	notify := s.commitLocked(id, nil, false)
	s.mu.Unlock()

	notify()
	s.publish(eventbus.TopicComponentRemoved, id, componentType)
}

// Reorder sets the layout explicitly, or re-derives it from current order
// fields when ids is nil. Ids not present in the store are dropped; stored
// ids missing from the argument keep their relative order at the end. Every
// record's order field is rewritten to its new index.
func (s *Store) Reorder(ids []string) {
	s.mu.Lock()

	if ids == nil {
		sort.SliceStable(s.layout, func(i, j int) bool {
			return s.components[s.layout[i]].Order < s.components[s.layout[j]].Order
		})
	} else {
		seen := make(map[string]bool, len(ids))
		next := make([]string, 0, len(s.layout))
		for _, id := range ids {
			if _, exists := s.components[id]; exists && !seen[id] {
				next = append(next, id)
				seen[id] = true
			}
		}
		for _, id := range s.layout {
			if !seen[id] {
				next = append(next, id)
			}
		}
		s.layout = next
	}

	s.renormalizeOrdersLocked()

	s.appendHistoryLocked("components-reordered")
	notify := s.commitLocked("", nil, false)
	s.mu.Unlock()

	notify()
}

// UpdateMetadata replaces the page metadata, stamping LastModified.
func (s *Store) UpdateMetadata(meta types.Metadata) {
	s.mu.Lock()

	meta.LastModified = time.Now()
	s.metadata = meta

	s.appendHistoryLocked("metadata-updated")
	notify := s.commitLocked("", nil, false)
	s.mu.Unlock()

	notify()
}

// GetComponent returns a clone of a record, or nil when the id is unknown.
func (s *Store) GetComponent(id string) *types.ComponentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.components[id].Clone()
}

// HasComponent reports whether an id exists.
func (s *Store) HasComponent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.components[id]

	return ok
}

// GetOrderedComponents returns cloned records sorted by layout position.
func (s *Store) GetOrderedComponents() []*types.ComponentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.ComponentRecord, 0, len(s.layout))
	for _, id := range s.layout {
		if record, exists := s.components[id]; exists {
			out = append(out, record.Clone())
		}
	}

	return out
}

// GetLayout returns a copy of the layout order.
func (s *Store) GetLayout() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.layout...)
}

// GetMetadata returns the page metadata.
func (s *Store) GetMetadata() types.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metadata
}

// Snapshot returns a deep clone of the full state.
func (s *Store) Snapshot() *types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// Len returns the number of components.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.components)
}

// Subscribe registers a per-component callback, fired on every mutation of
// that id (nil record on removal). Returns an unsubscribe function.
func (s *Store) Subscribe(id string, fn ComponentCallback) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := subscriber[ComponentCallback]{id: s.nextSubID, fn: fn}
	s.idSubs[id] = append(s.idSubs[id], sub)
	subID := sub.id

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		list := s.idSubs[id]
		for i, c := range list {
			if c.id == subID {
				s.idSubs[id] = append(list[:i], list[i+1:]...)

				break
			}
		}
	}
}

// SubscribeGlobal registers a callback fired once per committed mutation
// (once per batch when batching). Returns an unsubscribe function.
func (s *Store) SubscribeGlobal(fn GlobalCallback) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	sub := subscriber[GlobalCallback]{id: s.nextSubID, fn: fn}
	s.globalSubs = append(s.globalSubs, sub)
	subID := sub.id

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for i, c := range s.globalSubs {
			if c.id == subID {
				s.globalSubs = append(s.globalSubs[:i], s.globalSubs[i+1:]...)

				break
			}
		}
	}
}

// BatchUpdate suspends global notification delivery while fn runs, then
// delivers exactly one consolidated notification. Nested calls execute
// inline without a second suspend/flush cycle.
func (s *Store) BatchUpdate(fn func() error) error {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.batchDepth--
	flush := s.batchDepth == 0 && s.batchDirty
	if flush {
		s.batchDirty = false
	}
	if s.batchDepth == 0 {
		s.batchSeen = false
	}
	var snapshot *types.Snapshot
	var subs []subscriber[GlobalCallback]
	if flush {
		snapshot = s.snapshotLocked()
		subs = append(subs, s.globalSubs...)
	}
	s.mu.Unlock()

	if flush {
		for _, sub := range subs {
			sub.fn(snapshot)
		}
	}

	return err
}

// Undo steps the history index back one entry and restores that snapshot.
// Returns false at the boundary.
func (s *Store) Undo() bool {
	return s.travel(-1)
}

// Redo steps the history index forward one entry and restores that snapshot.
// Returns false at the boundary.
func (s *Store) Redo() bool {
	return s.travel(1)
}

func (s *Store) travel(direction int) bool {
	s.mu.Lock()

	target := s.historyIndex + direction
	if target < 0 || target >= len(s.history) {
		s.mu.Unlock()

		return false
	}

	s.historyIndex = target
	restored := s.history[target].state.Clone()
	s.components = restored.Components
	s.layout = restored.Layout
	s.metadata = restored.Metadata

	// Every surviving component gets a per-id notification plus one global.
	snapshot := s.snapshotLocked()
	type idNotify struct {
		fn     ComponentCallback
		record *types.ComponentRecord
	}
	var perID []idNotify
	for id, subs := range s.idSubs {
		record := s.components[id].Clone()
		for _, sub := range subs {
			perID = append(perID, idNotify{fn: sub.fn, record: record})
		}
	}
	globals := append([]subscriber[GlobalCallback](nil), s.globalSubs...)
	s.mu.Unlock()

	for _, n := range perID {
		n.fn(n.record)
	}
	for _, sub := range globals {
		sub.fn(snapshot)
	}

	return true
}

// CanUndo reports whether an undo step is available.
func (s *Store) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.historyIndex > 0
}

// CanRedo reports whether a redo step is available.
func (s *Store) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.historyIndex < len(s.history)-1
}

// HistoryLen returns the number of history entries.
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.history)
}

// snapshotLocked deep-clones the live state. Caller holds s.mu.
func (s *Store) snapshotLocked() *types.Snapshot {
	snap := &types.Snapshot{
		Components: make(map[string]*types.ComponentRecord, len(s.components)),
		Layout:     append([]string(nil), s.layout...),
		Metadata:   s.metadata,
	}
	for id, record := range s.components {
		snap.Components[id] = record.Clone()
	}

	return snap
}

func (s *Store) indexOf(id string) int {
	for i, lid := range s.layout {
		if lid == id {
			return i
		}
	}

	return len(s.layout)
}

func (s *Store) renormalizeOrdersLocked() {
	for i, id := range s.layout {
		if record, exists := s.components[id]; exists {
			record.Order = i
		}
	}
}

// appendHistoryLocked records the post-mutation snapshot, truncating any
// redo tail and dropping the oldest entries past the bound. Batched
// mutations collapse into the entry written when the batch flushes.
func (s *Store) appendHistoryLocked(action string) {
	if s.batchDepth > 0 {
		// One consolidated entry per batch, kept current as the batch
		// progresses. Tracked separately from the notification dirty flag:
		// a silent mutation still consumes the batch's history slot.
		if s.batchSeen {
			s.history[s.historyIndex] = historyEntry{
				action:    "batch",
				state:     s.snapshotLocked(),
				timestamp: time.Now(),
			}

			return
		}
		s.batchSeen = true
	}

	s.history = append(s.history[:s.historyIndex+1], historyEntry{
		action:    action,
		state:     s.snapshotLocked(),
		timestamp: time.Now(),
	})

	if len(s.history) > s.maxHistory {
		drop := len(s.history) - s.maxHistory
		s.history = append([]historyEntry(nil), s.history[drop:]...)
	}
	s.historyIndex = len(s.history) - 1
}

// commitLocked collects the notification work for a mutation and returns a
// closure to run after the lock is released. During a batch only the dirty
// flag is set; per-id callbacks still fire immediately.
func (s *Store) commitLocked(id string, record *types.ComponentRecord, skipNotify bool) func() {
	if skipNotify {
		return func() {}
	}

	var perID []ComponentCallback
	var clone *types.ComponentRecord
	if id != "" {
		clone = record.Clone()
		for _, sub := range s.idSubs[id] {
			perID = append(perID, sub.fn)
		}
	}

	if s.batchDepth > 0 {
		s.batchDirty = true

		return func() {
			for _, fn := range perID {
				fn(clone)
			}
		}
	}

	snapshot := s.snapshotLocked()
	globals := append([]subscriber[GlobalCallback](nil), s.globalSubs...)

	return func() {
		for _, fn := range perID {
			fn(clone)
		}
		for _, sub := range globals {
			sub.fn(snapshot)
		}
	}
}

func (s *Store) publish(topic, id, componentType string) {
	if s.bus == nil {
		return
	}

	s.bus.Publish(topic, map[string]any{
		"componentId":   id,
		"componentType": componentType,
	})
}
