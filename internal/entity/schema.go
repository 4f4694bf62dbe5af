package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Schema declares the typed shape of one entity kind. It replaces the ad hoc
// optional-field probing the CRM used to do at every call site: indexed,
// identity-bearing and set-valued fields are declared once and enforced at
// the write boundary.
type Schema struct {
	Kind string

	// NaturalKeyTypes lists the key types accepted for this kind, in
	// identity-match priority order. The first entry mints primary keys.
	NaturalKeyTypes []string

	// IndexedFields are scalar string fields maintained as secondary
	// indexes.
	IndexedFields []string

	// IdentityFields are fields that must never be merged by
	// last-write-wins; a disagreement between duplicates is surfaced as a
	// merge conflict instead.
	IdentityFields []string

	// ListFields are set-valued fields unioned on merge.
	ListFields []string

	// NaturalKeyFields maps a natural key type to the document field that
	// carries it (handle -> twitterHandle), so entities written before the
	// natural-key map existed can still be grouped by the reconciler.
	NaturalKeyFields map[string]string
}

// NaturalKeyField returns the document field backing a key type, or "".
func (s *Schema) NaturalKeyField(keyType string) string {
	return s.NaturalKeyFields[keyType]
}

// PrimaryKeyType returns the key type used to derive primary keys.
func (s *Schema) PrimaryKeyType() string {
	return s.NaturalKeyTypes[0]
}

// IsIndexed reports whether the field feeds a secondary index.
func (s *Schema) IsIndexed(field string) bool {
	return contains(s.IndexedFields, field)
}

// IsIdentity reports whether the field is identity-bearing.
func (s *Schema) IsIdentity(field string) bool {
	return contains(s.IdentityFields, field)
}

// IsList reports whether the field is set-valued.
func (s *Schema) IsList(field string) bool {
	return contains(s.ListFields, field)
}

// AcceptsKeyType reports whether the kind accepts the natural key type.
func (s *Schema) AcceptsKeyType(keyType string) bool {
	return contains(s.NaturalKeyTypes, keyType)
}

// ValidationError reports a field value that violates the kind's schema.
type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid field '%s' for kind '%s': %s", e.Field, e.Kind, e.Reason)
}

// ValidateFields checks typed fields against the schema. Unknown fields are
// allowed (profiles have always carried free-form extras); declared fields
// must match their declared shape.
func (s *Schema) ValidateFields(fields map[string]any) error {
	for _, field := range s.IndexedFields {
		value, ok := fields[field]
		if !ok || value == nil {
			continue
		}
		if _, isString := value.(string); !isString {
			return ValidationError{Kind: s.Kind, Field: field, Reason: "indexed field must be a string"}
		}
	}
	for _, field := range s.ListFields {
		value, ok := fields[field]
		if !ok || value == nil {
			continue
		}
		switch list := value.(type) {
		case []string:
		case []any:
			for _, item := range list {
				if _, isString := item.(string); !isString {
					return ValidationError{Kind: s.Kind, Field: field, Reason: "list field must contain only strings"}
				}
			}
		default:
			return ValidationError{Kind: s.Kind, Field: field, Reason: "list field must be a string list"}
		}
	}
	return nil
}

// Registry holds the schemas for every known kind.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Schema)}
}

// Register adds or replaces a kind's schema.
func (r *Registry) Register(schema *Schema) error {
	if schema.Kind == "" {
		return fmt.Errorf("schema kind must not be empty")
	}
	if len(schema.NaturalKeyTypes) == 0 {
		return fmt.Errorf("schema for kind '%s' must declare at least one natural key type", schema.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[schema.Kind] = schema
	return nil
}

// Get returns the schema for a kind.
func (r *Registry) Get(kind string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind '%s'", kind)
	}
	return schema, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry returns the registry covering the CRM's two stored kinds.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(&Schema{
		Kind:            "user",
		NaturalKeyTypes: []string{"handle", "wallet"},
		IndexedFields:   []string{"role", "approvalStatus", "country", "tier"},
		IdentityFields:  []string{"discordId", "walletAddress", "email"},
		ListFields:      []string{"chains", "tags", "campaignIds", "devicesSent", "merchSent"},
		NaturalKeyFields: map[string]string{
			"handle": "twitterHandle",
			"wallet": "walletAddress",
		},
	})
	_ = registry.Register(&Schema{
		Kind:            "message",
		NaturalKeyTypes: []string{"messageId"},
		IndexedFields:   []string{"projectId", "channelId", "authorId"},
		IdentityFields:  []string{},
		ListFields:      []string{},
	})
	return registry
}

func contains(list []string, item string) bool {
	for _, candidate := range list {
		if candidate == item {
			return true
		}
	}
	return false
}
