package types

import (
	"strings"
	"time"
)

// Entity represents a named thing extracted from or attached to memories:
// a person, an email address, a project. Entities take part in the same
// relationship graph as memories.
type Entity struct {
	ID         string         `json:"id"`                   // Unique identifier
	EntityType string         `json:"entity_type"`          // Free-form type (person, email, url, ...)
	Properties map[string]any `json:"properties,omitempty"` // Type-specific attributes
	CreatedAt  time.Time      `json:"created_at"`           // Creation timestamp
	UpdatedAt  time.Time      `json:"updated_at"`           // Last update timestamp, never before CreatedAt
}

// Entity type constants produced by the built-in extractor.
const (
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeLocation     = "location"
	EntityTypeEmail        = "email"
	EntityTypeURL          = "url"
	EntityTypePhoneNumber  = "phone_number"
	EntityTypeDate         = "date"
	EntityTypeTime         = "time"
	EntityTypeMoney        = "money"
	EntityTypeConcept      = "concept"
)

// NewEntity returns an entity stamped with the current time.
func NewEntity(id, entityType string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:         id,
		EntityType: entityType,
		Properties: map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks entity invariants.
func (e *Entity) Validate() error {
	if e == nil {
		return NewError(KindValidation, "entity is nil")
	}
	if strings.TrimSpace(e.ID) == "" {
		return NewError(KindValidation, "entity id is required")
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return Errorf(KindValidation, "entity %s: entity_type is required", e.ID)
	}
	if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(e.CreatedAt) {
		return Errorf(KindValidation, "entity %s: updated_at precedes created_at", e.ID)
	}
	return nil
}

// Touch sets UpdatedAt to now, keeping it at or after CreatedAt.
func (e *Entity) Touch(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	if now.Before(e.CreatedAt) {
		now = e.CreatedAt
	}
	e.UpdatedAt = now.UTC()
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = CloneProperties(e.Properties)
	return &c
}
