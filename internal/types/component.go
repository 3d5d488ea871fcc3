// Package types provides common type definitions shared across the media kit
// builder runtime. This package contains shared types to avoid circular
// dependencies between the state store, render queue, validator, and
// recovery subsystems.
package types

import "time"

// ComponentRecord represents one placed widget instance within the built
// page. Records are created on add, mutated on update/move, and deleted on
// remove; every transition flows through the state store.
type ComponentRecord struct {
	// ID is an opaque unique identifier, stable for the component's
	// lifetime and never reused.
	ID string `json:"id"`
	// Type identifies which external template/schema governs this
	// component (e.g. "hero", "stats", "biography").
	Type string `json:"type"`
	// Data is an open string-keyed map of settings values; its shape is
	// defined externally per Type.
	Data map[string]any `json:"data"`
	// Order is the integer position among siblings. It is redundant with
	// the layout list index and kept in sync after every mutation.
	Order int `json:"order"`
	// Meta carries transient per-record flags. It is never serialized and
	// is rebuilt with default values on load.
	Meta ComponentMeta `json:"-"`
}

// ComponentMeta holds transient flags attached to a component record.
type ComponentMeta struct {
	IsDirty      bool
	IsDeleting   bool
	IsMoving     bool
	LastModified time.Time
}

// Clone returns a deep copy of the record. Data values are copied one level
// deep, which covers the flat settings maps produced by design panels.
func (c *ComponentRecord) Clone() *ComponentRecord {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Data = CloneData(c.Data)
	return &clone
}

// CloneData deep-copies a settings map, recursing into nested maps and
// slices so callers can never alias store-owned data.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Metadata describes page-level settings carried alongside the component map.
type Metadata struct {
	Title        string    `json:"title"`
	Theme        string    `json:"theme"`
	LastModified time.Time `json:"lastModified"`
	TemplateID   string    `json:"templateId,omitempty"`
}

// Snapshot is an immutable point-in-time copy of the full state store.
// External readers always receive deep clones; mutation happens only through
// store methods.
type Snapshot struct {
	Components map[string]*ComponentRecord
	Layout     []string
	Metadata   Metadata
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := &Snapshot{
		Components: make(map[string]*ComponentRecord, len(s.Components)),
		Layout:     append([]string(nil), s.Layout...),
		Metadata:   s.Metadata,
	}
	for id, rec := range s.Components {
		clone.Components[id] = rec.Clone()
	}
	return clone
}

// Priority ranks render requests. The queue drains buckets in strict
// priority order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all priorities in drain order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// RenderData carries the type and props a render request was enqueued with.
type RenderData struct {
	Type  string
	Props map[string]any
}

// Clone returns a deep copy of the render data.
func (r RenderData) Clone() RenderData {
	return RenderData{Type: r.Type, Props: CloneData(r.Props)}
}

// ValidationResult is the outcome of scoring one rendered component.
// Results are ephemeral and cached only for a short TTL.
type ValidationResult struct {
	ComponentID string
	Passed      bool
	HealthScore int
	Details     map[string]CheckResult
	Err         string
	Timestamp   time.Time
}

// CheckResult is the outcome of a single validation check.
type CheckResult struct {
	Passed  bool
	Score   int
	Details map[string]bool
	Err     string
}

// ZombieReport describes the liveness indicators evaluated for one
// component. A component is a zombie when at least three indicators hold.
type ZombieReport struct {
	IsZombie   bool
	Score      int
	Indicators map[string]bool
}
