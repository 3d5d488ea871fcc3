package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guestify/mediakit/internal/types"
)

// SerializedState is the persistence contract. Components are an ordered
// array, not a map, for stable on-disk and over-the-wire ordering.
type SerializedState struct {
	Version    string                `json:"version"`
	Metadata   types.Metadata        `json:"metadata"`
	Components []SerializedComponent `json:"components"`
}

// SerializedComponent is one record in serialized form. Transient meta flags
// are excluded and rebuilt fresh on load.
type SerializedComponent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Order int            `json:"order"`
	Data  map[string]any `json:"data"`
}

// LoadOptions controls LoadSerializedState.
type LoadOptions struct {
	// SkipNotify suppresses the post-load global notification.
	SkipNotify bool
	// ClearHistory resets undo/redo history so the loaded state becomes the
	// new baseline. Default keeps the load as an undoable step.
	ClearHistory bool
}

// GetSerializableState produces the serialized form of the current state in
// layout order.
func (s *Store) GetSerializableState() *SerializedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &SerializedState{
		Version:    s.schemaVersion,
		Metadata:   s.metadata,
		Components: make([]SerializedComponent, 0, len(s.layout)),
	}

	for _, id := range s.layout {
		record, exists := s.components[id]
		if !exists {
			continue
		}
		out.Components = append(out.Components, SerializedComponent{
			ID:    record.ID,
			Type:  record.Type,
			Order: record.Order,
			Data:  types.CloneData(record.Data),
		})
	}

	return out
}

// LoadSerializedState replaces the live state with normalized serialized
// data. Malformed input is repaired rather than rejected: records missing
// both id and type are dropped, a missing type is inferred from the id
// prefix when possible, the layout is rebuilt from order fields sorted
// ascending, and missing metadata defaults to an empty structure.
func (s *Store) LoadSerializedState(data *SerializedState, opts LoadOptions) error {
	if data == nil {
		data = &SerializedState{}
	}

	components := make(map[string]*types.ComponentRecord)
	kept := make([]SerializedComponent, 0, len(data.Components))
	dropped := 0

	for _, sc := range data.Components {
		sc := normalizeComponent(sc)
		if sc.ID == "" {
			dropped++

			continue
		}
		if _, dup := components[sc.ID]; dup {
			dropped++

			continue
		}

		components[sc.ID] = &types.ComponentRecord{
			ID:   sc.ID,
			Type: sc.Type,
			Data: types.CloneData(sc.Data),
			Meta: types.ComponentMeta{LastModified: time.Now()},
		}
		if components[sc.ID].Data == nil {
			components[sc.ID].Data = make(map[string]any)
		}
		kept = append(kept, sc)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Order < kept[j].Order })

	layout := make([]string, 0, len(kept))
	for i, sc := range kept {
		layout = append(layout, sc.ID)
		components[sc.ID].Order = i
	}

	s.mu.Lock()
	s.components = components
	s.layout = layout
	s.metadata = data.Metadata

	if opts.ClearHistory {
		s.history = []historyEntry{{
			action:    "state-loaded",
			state:     s.snapshotLocked(),
			timestamp: time.Now(),
		}}
		s.historyIndex = 0
	} else {
		s.appendHistoryLocked("state-loaded")
	}

	var snapshot *types.Snapshot
	var globals []subscriber[GlobalCallback]
	if !opts.SkipNotify {
		snapshot = s.snapshotLocked()
		globals = append(globals, s.globalSubs...)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn(context.Background(), nil, "Dropped unusable component records during load",
			"dropped", dropped,
			"kept", len(kept),
		)
	}

	for _, sub := range globals {
		sub.fn(snapshot)
	}

	return nil
}

// ToJSON serializes the current state.
func (s *Store) ToJSON() ([]byte, error) {
	data, err := json.Marshal(s.GetSerializableState())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	return data, nil
}

// LoadJSON parses serialized state and loads it.
func (s *Store) LoadJSON(raw []byte, opts LoadOptions) error {
	var data SerializedState
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse serialized state: %w", err)
	}

	return s.LoadSerializedState(&data, opts)
}

// normalizeComponent repairs a serialized record where possible. A record
// with an id but no type gets a type inferred from the id prefix; a record
// with a type but no id gets a synthetic id from type and order.
func normalizeComponent(sc SerializedComponent) SerializedComponent {
	sc.ID = strings.TrimSpace(sc.ID)
	sc.Type = strings.TrimSpace(sc.Type)

	if sc.ID == "" && sc.Type == "" {
		return sc
	}

	if sc.Type == "" {
		sc.Type = inferTypeFromID(sc.ID)
		if sc.Type == "" {
			sc.ID = ""

			return sc
		}
	}

	if sc.ID == "" {
		sc.ID = fmt.Sprintf("%s-%d", sc.Type, sc.Order)
	}

	return sc
}

var idTypePrefixes = map[string]string{
	"hero":      "hero",
	"bio":       "biography",
	"biography": "biography",
	"stats":     "stats",
	"social":    "social",
	"topics":    "topics",
	"text":      "text",
	"image":     "image",
	"cta":       "cta",
	"logo":      "logo",
}

// inferTypeFromID recovers a component type from ids shaped like
// "hero-1693412345". Unknown prefixes yield empty.
func inferTypeFromID(id string) string {
	prefix, _, found := strings.Cut(id, "-")
	if !found {
		prefix = id
	}

	return idTypePrefixes[strings.ToLower(prefix)]
}
