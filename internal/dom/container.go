package dom

import (
	"sync"
)

// Container holds rendered component fragments in layout order and tracks
// the event listeners attached to each of them. All methods are safe for
// concurrent use.
type Container struct {
	mu        sync.RWMutex
	elements  map[string]*Element
	order     []string
	listeners map[string][]string
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		elements:  make(map[string]*Element),
		listeners: make(map[string][]string),
	}
}

// Insert places a fragment at the end of the layout. Inserting an id that is
// already present replaces the fragment in place instead.
func (c *Container) Insert(id string, el *Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.elements[id]; !exists {
		c.order = append(c.order, id)
	}

	c.elements[id] = el
}

// Replace swaps the fragment for an id, preserving its position. Listeners
// attached to the old fragment are dropped; the caller re-attaches after a
// replace. Returns false when the id is not present.
func (c *Container) Replace(id string, el *Element) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.elements[id]; !exists {
		return false
	}

	c.elements[id] = el
	delete(c.listeners, id)

	return true
}

// Remove deletes a fragment and its listener registrations. Returns false
// when the id is not present.
func (c *Container) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.elements[id]; !exists {
		return false
	}

	delete(c.elements, id)
	delete(c.listeners, id)

	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)

			break
		}
	}

	return true
}

// Reorder rearranges fragments to the given id sequence. Ids not present in
// the container are skipped; contained ids missing from the sequence keep
// their relative order at the end.
func (c *Container) Reorder(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	next := make([]string, 0, len(c.order))

	for _, id := range ids {
		if _, exists := c.elements[id]; exists && !seen[id] {
			next = append(next, id)
			seen[id] = true
		}
	}

	for _, id := range c.order {
		if !seen[id] {
			next = append(next, id)
		}
	}

	c.order = next
}

// Get returns the fragment for an id.
func (c *Container) Get(id string) (*Element, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.elements[id]

	return el, ok
}

// Contains reports whether a fragment is attached.
func (c *Container) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.elements[id]

	return ok
}

// OrderedIDs returns the current layout order.
func (c *Container) OrderedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.order...)
}

// Len returns the number of attached fragments.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.elements)
}

// Orphans returns attached ids that do not appear in the given layout. These
// are fragments the state store no longer knows about.
func (c *Container) Orphans(layout []string) []string {
	known := make(map[string]bool, len(layout))
	for _, id := range layout {
		known[id] = true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var orphans []string
	for _, id := range c.order {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}

	return orphans
}

// AttachListener records that an event listener is bound to a fragment.
func (c *Container) AttachListener(id, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners[id] = append(c.listeners[id], event)
}

// DetachListeners drops all listener registrations for a fragment.
func (c *Container) DetachListeners(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.listeners, id)
}

// ListenerEvents returns the events bound to a fragment.
func (c *Container) ListenerEvents(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.listeners[id]...)
}

// HasListeners reports whether any listener is bound to a fragment.
func (c *Container) HasListeners(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.listeners[id]) > 0
}

// Clear removes every fragment and listener registration.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.elements = make(map[string]*Element)
	c.listeners = make(map[string][]string)
	c.order = nil
}
