// Package uiregistry lets rendered fragments subscribe to specific component
// state without polling. Updates are computed per state change but delivered
// in frame-batched flushes, so N mutations inside one batch cost one
// re-render per fragment instead of N.
package uiregistry

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/types"
)

// UpdateFn re-renders one fragment from a component record. The record is
// nil when the component was removed.
type UpdateFn func(*types.ComponentRecord)

// PropertyCallback observes one property of one component.
type PropertyCallback func(newValue, oldValue any, record *types.ComponentRecord)

// RegisterOptions controls update delivery for one registration.
type RegisterOptions struct {
	// UpdateOn restricts updates to changes of the listed data keys. Empty
	// means any change triggers an update.
	UpdateOn []string
}

type registration struct {
	id          int
	componentID string
	element     *dom.Element
	updateFn    UpdateFn
	options     RegisterOptions
	lastUpdate  time.Time
	updateCount int
}

type propertySub struct {
	id       int
	property string
	callback PropertyCallback
}

// Registry tracks fragment registrations and flushes pending updates on a
// frame cadence.
type Registry struct {
	mu sync.Mutex

	registrations map[string][]*registration
	propertySubs  map[string][]*propertySub
	lastSeen      map[string]*types.ComponentRecord
	// pending is keyed by registration id, not component id, so an UpdateOn
	// filter on one registration never drags a sibling registration into the
	// flush.
	pending map[int]bool
	nextID  int

	unsubscribe func()
	ticker      *time.Ticker
	done        chan struct{}
	stopOnce    sync.Once

	logger logging.Logger
}

// Options configures a Registry.
type Options struct {
	FrameInterval time.Duration
	Logger        logging.Logger
}

// New creates a registry wired to the store's global notifications and
// starts the frame flush loop.
func New(store *state.Store, opts Options) *Registry {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 16 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := &Registry{
		registrations: make(map[string][]*registration),
		propertySubs:  make(map[string][]*propertySub),
		lastSeen:      make(map[string]*types.ComponentRecord),
		pending:       make(map[int]bool),
		ticker:        time.NewTicker(opts.FrameInterval),
		done:          make(chan struct{}),
		logger:        logger.WithComponent("ui_registry"),
	}

	r.unsubscribe = store.SubscribeGlobal(r.onStateChange)

	go r.flushLoop()

	return r
}

// Register stores an update function for a component fragment and returns an
// unregister function.
func (r *Registry) Register(componentID string, element *dom.Element, updateFn UpdateFn, options RegisterOptions) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	reg := &registration{
		id:          r.nextID,
		componentID: componentID,
		element:     element,
		updateFn:    updateFn,
		options:     options,
	}
	r.registrations[componentID] = append(r.registrations[componentID], reg)
	regID := reg.id

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.pending, regID)
		list := r.registrations[componentID]
		for i, existing := range list {
			if existing.id == regID {
				r.registrations[componentID] = append(list[:i], list[i+1:]...)

				break
			}
		}
	}
}

// SubscribeToProperty invokes the callback whenever one data key of one
// component changes value. Delivery is synchronous with the state change,
// not frame-batched.
func (r *Registry) SubscribeToProperty(componentID, property string, callback PropertyCallback) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &propertySub{id: r.nextID, property: property, callback: callback}
	r.propertySubs[componentID] = append(r.propertySubs[componentID], sub)
	subID := sub.id

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		list := r.propertySubs[componentID]
		for i, existing := range list {
			if existing.id == subID {
				r.propertySubs[componentID] = append(list[:i], list[i+1:]...)

				break
			}
		}
	}
}

// onStateChange diffs each watched component against the last seen record,
// marks changed registrations pending, and fires property callbacks.
func (r *Registry) onStateChange(snapshot *types.Snapshot) {
	type propFire struct {
		callback PropertyCallback
		newValue any
		oldValue any
		record   *types.ComponentRecord
	}
	var fires []propFire

	r.mu.Lock()

	watched := make(map[string]bool, len(r.registrations)+len(r.propertySubs))
	for id := range r.registrations {
		watched[id] = true
	}
	for id := range r.propertySubs {
		watched[id] = true
	}

	for id := range watched {
		var newRecord *types.ComponentRecord
		if snapshot != nil {
			newRecord = snapshot.Components[id]
		}
		oldRecord := r.lastSeen[id]

		if recordsEqual(oldRecord, newRecord) {
			continue
		}

		for _, reg := range r.registrations[id] {
			if r.shouldUpdate(reg, oldRecord, newRecord) {
				r.pending[reg.id] = true
			}
		}

		for _, sub := range r.propertySubs[id] {
			oldValue := propertyValue(oldRecord, sub.property)
			newValue := propertyValue(newRecord, sub.property)
			if !reflect.DeepEqual(oldValue, newValue) {
				fires = append(fires, propFire{
					callback: sub.callback,
					newValue: newValue,
					oldValue: oldValue,
					record:   newRecord,
				})
			}
		}

		if newRecord == nil {
			delete(r.lastSeen, id)
		} else {
			r.lastSeen[id] = newRecord.Clone()
		}
	}

	r.mu.Unlock()

	for _, f := range fires {
		r.invokeProperty(f.callback, f.newValue, f.oldValue, f.record)
	}
}

func (r *Registry) shouldUpdate(reg *registration, oldRecord, newRecord *types.ComponentRecord) bool {
	if len(reg.options.UpdateOn) == 0 {
		return true
	}

	for _, key := range reg.options.UpdateOn {
		if !reflect.DeepEqual(propertyValue(oldRecord, key), propertyValue(newRecord, key)) {
			return true
		}
	}

	return false
}

func propertyValue(record *types.ComponentRecord, key string) any {
	if record == nil || record.Data == nil {
		return nil
	}

	return record.Data[key]
}

func recordsEqual(a, b *types.ComponentRecord) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Type == b.Type && a.Order == b.Order && reflect.DeepEqual(a.Data, b.Data)
}

func (r *Registry) flushLoop() {
	for {
		select {
		case <-r.ticker.C:
			r.Flush()
		case <-r.done:
			return
		}
	}
}

// Flush delivers all pending updates now. Called by the frame loop; exposed
// for tests and manual refresh paths.
func (r *Registry) Flush() {
	r.mu.Lock()

	if len(r.pending) == 0 {
		r.mu.Unlock()

		return
	}

	type job struct {
		reg    *registration
		record *types.ComponentRecord
	}
	var jobs []job
	for id, regs := range r.registrations {
		record := r.lastSeen[id]
		for _, reg := range regs {
			if r.pending[reg.id] {
				jobs = append(jobs, job{reg: reg, record: record})
			}
		}
	}
	r.pending = make(map[int]bool)

	r.mu.Unlock()

	for _, j := range jobs {
		r.invokeUpdate(j.reg, j.record)
	}
}

// ForceUpdate re-renders one component's fragments immediately, bypassing
// the pending set and frame batching.
func (r *Registry) ForceUpdate(componentID string) {
	r.mu.Lock()
	record := r.lastSeen[componentID]
	regs := append([]*registration(nil), r.registrations[componentID]...)
	for _, reg := range regs {
		delete(r.pending, reg.id)
	}
	r.mu.Unlock()

	for _, reg := range regs {
		r.invokeUpdate(reg, record)
	}
}

// ForceUpdateAll re-renders every registered fragment immediately.
func (r *Registry) ForceUpdateAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.registrations))
	for id := range r.registrations {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.ForceUpdate(id)
	}
}

// invokeUpdate runs one update function with panic isolation so a failing
// fragment cannot abort the batch for the others.
func (r *Registry) invokeUpdate(reg *registration, record *types.ComponentRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(context.Background(), nil, "Fragment update panicked",
				"component_id", reg.componentID,
				"panic", rec,
			)
		}
	}()

	reg.updateFn(record)

	r.mu.Lock()
	reg.updateCount++
	reg.lastUpdate = time.Now()
	r.mu.Unlock()
}

func (r *Registry) invokeProperty(callback PropertyCallback, newValue, oldValue any, record *types.ComponentRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(context.Background(), nil, "Property callback panicked",
				"panic", rec,
			)
		}
	}()

	callback(newValue, oldValue, record)
}

// UpdateCount returns the total updates delivered for a component.
func (r *Registry) UpdateCount(componentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, reg := range r.registrations[componentID] {
		total += reg.updateCount
	}

	return total
}

// RegisteredIDs returns all component ids with at least one registration.
func (r *Registry) RegisteredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.registrations))
	for id := range r.registrations {
		ids = append(ids, id)
	}

	return ids
}

// Stop detaches from the store and stops the frame loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.ticker.Stop()
		close(r.done)
	})
}
