// Package merge implements order-independent conflict resolution for
// workspace entities (tasks, documents, board cards). Two replicas
// merging the same inputs converge to an identical result regardless of
// which side initiates the merge.
package merge

import (
	"encoding/json"
	"time"
)

// SubItem is a nested entry inside an Entity, such as a checklist item.
type SubItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Done      bool      `json:"done,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Entity is the mergeable representation of a workspace item.
//
// DueAt is optional: nil means the entity has no due date. CreatedAt
// and UpdatedAt are required and fall back to the current time only
// when completely absent from the wire form.
type Entity struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Status    string         `json:"status,omitempty"`
	Position  float64        `json:"position,omitempty"`
	DueAt     *time.Time     `json:"dueAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Fields    map[string]any `json:"fields,omitempty"`
	SubItems  []SubItem      `json:"subItems,omitempty"`
}

// wireEntity is the tolerant decode form. Timestamps arrive as strings
// and are normalized individually so one bad field never fails the
// whole record.
type wireEntity struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Status    string          `json:"status"`
	Position  float64         `json:"position"`
	DueAt     json.RawMessage `json:"dueAt"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
	Fields    map[string]any  `json:"fields"`
	SubItems  []wireSubItem   `json:"subItems"`
}

type wireSubItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Done      bool            `json:"done"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

// DecodeEntity parses an entity from its JSON wire form.
//
// Optional timestamps that fail to parse become unset rather than the
// current time; required timestamps fall back to now only when the
// field is absent entirely.
func DecodeEntity(data []byte) (Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return Entity{}, err
	}
	if w.ID == "" {
		return Entity{}, ErrMissingID
	}

	e := Entity{
		ID:        w.ID,
		Title:     w.Title,
		Status:    w.Status,
		Position:  w.Position,
		DueAt:     ParseOptionalTime(w.DueAt),
		CreatedAt: NormalizeRequiredTime(w.CreatedAt),
		UpdatedAt: NormalizeRequiredTime(w.UpdatedAt),
		Fields:    w.Fields,
	}
	for _, si := range w.SubItems {
		if si.ID == "" {
			continue
		}
		e.SubItems = append(e.SubItems, SubItem{
			ID:        si.ID,
			Title:     si.Title,
			Done:      si.Done,
			UpdatedAt: NormalizeRequiredTime(si.UpdatedAt),
		})
	}
	return e, nil
}

// EncodeEntity renders the entity to its JSON wire form.
func EncodeEntity(e Entity) ([]byte, error) {
	return json.Marshal(e)
}

// ParseOptionalTime interprets a raw JSON timestamp field that is
// allowed to be absent. An unparsable value degrades to unset; it must
// never default to the current time, which would corrupt history.
func ParseOptionalTime(raw json.RawMessage) *time.Time {
	t, ok := parseTime(raw)
	if !ok {
		return nil
	}
	return &t
}

// NormalizeRequiredTime interprets a raw JSON timestamp field that the
// data model requires. Only a completely absent or unparsable value
// falls back to the current time.
func NormalizeRequiredTime(raw json.RawMessage) time.Time {
	if t, ok := parseTime(raw); ok {
		return t
	}
	return time.Now().UTC()
}

func parseTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	// Numeric forms: unix seconds or milliseconds.
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.Time{}, false
}
