// Package entity defines the logical record stored by the core: a JSON
// document owning one canonical primary key, zero or more natural keys, and
// a typed per-kind schema that drives index maintenance and merging.
package entity

import (
	"encoding/json"
	"time"
)

// Entity is a logical record (a KOL profile, a Discord message).
type Entity struct {
	PrimaryKey  string            `json:"primaryKey"`
	Kind        string            `json:"kind"`
	NaturalKeys map[string]string `json:"naturalKeys"`
	Fields      map[string]any    `json:"fields"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`

	// Deleted marks the tombstone phase of a delete: index memberships are
	// removed while the tombstone is still readable, then the document is
	// erased.
	Deleted bool `json:"deleted,omitempty"`
}

// Marshal encodes the entity for the document store.
func (e *Entity) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an entity document.
func Unmarshal(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.NaturalKeys == nil {
		e.NaturalKeys = make(map[string]string)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	return &e, nil
}

// Clone returns a deep copy via a JSON round trip. Field values are
// arbitrary JSON, so structural copying is the only safe general copy.
func (e *Entity) Clone() *Entity {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	clone, err := Unmarshal(data)
	if err != nil {
		return nil
	}
	return clone
}

// StringField returns the named field coerced to a string. Missing or
// non-string fields return "".
func (e *Entity) StringField(name string) string {
	value, ok := e.Fields[name]
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// StringListField returns the named field as a string slice, tolerating the
// []any shape JSON decoding produces.
func (e *Entity) StringListField(name string) []string {
	switch value := e.Fields[name].(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// FieldPopulated reports whether the field carries a meaningful value:
// present, non-nil, non-empty string, non-empty list.
func (e *Entity) FieldPopulated(name string) bool {
	return Populated(e.Fields[name])
}

// Populated reports whether a raw field value is meaningful.
func Populated(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
