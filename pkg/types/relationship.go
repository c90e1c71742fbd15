package types

import (
	"strings"
	"time"
)

// Relationship is a directed, typed edge between two nodes (memories or
// entities). A bidirectional link is stored as two Relationship records.
type Relationship struct {
	ID               string         `json:"id"`                   // Unique identifier
	SourceID         string         `json:"source_id"`            // Edge origin (memory or entity id)
	TargetID         string         `json:"target_id"`            // Edge destination (memory or entity id)
	RelationshipType string         `json:"relationship_type"`    // Registered or free-form type name
	Properties       map[string]any `json:"properties,omitempty"` // Edge metadata, validated against the type schema
	CreatedAt        time.Time      `json:"created_at"`           // Creation timestamp
	UpdatedAt        time.Time      `json:"updated_at"`           // Last update timestamp
}

// NewRelationship returns an edge stamped with the current time.
func NewRelationship(id, sourceID, targetID, relType string) *Relationship {
	now := time.Now().UTC()
	return &Relationship{
		ID:               id,
		SourceID:         sourceID,
		TargetID:         targetID,
		RelationshipType: relType,
		Properties:       map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks the structural invariants of an edge. Endpoint existence
// is checked by the storage backend.
func (r *Relationship) Validate() error {
	if r == nil {
		return NewError(KindValidation, "relationship is nil")
	}
	if strings.TrimSpace(r.ID) == "" {
		return NewError(KindValidation, "relationship id is required")
	}
	if r.SourceID == "" || r.TargetID == "" {
		return Errorf(KindValidation, "relationship %s: source_id and target_id are required", r.ID)
	}
	if strings.TrimSpace(r.RelationshipType) == "" {
		return Errorf(KindValidation, "relationship %s: relationship_type is required", r.ID)
	}
	if !r.UpdatedAt.IsZero() && r.UpdatedAt.Before(r.CreatedAt) {
		return Errorf(KindValidation, "relationship %s: updated_at precedes created_at", r.ID)
	}
	return nil
}

// Other returns the endpoint opposite to nodeID, or "" when nodeID is not
// an endpoint of the edge.
func (r *Relationship) Other(nodeID string) string {
	switch nodeID {
	case r.SourceID:
		return r.TargetID
	case r.TargetID:
		return r.SourceID
	}
	return ""
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = CloneProperties(r.Properties)
	return &c
}

// RelationshipTypeDef describes a registered relationship type and the
// semantics traversal and pairing apply to it.
type RelationshipTypeDef struct {
	Name           string         `json:"name"`                      // Unique type name
	Inverse        *string        `json:"inverse,omitempty"`         // Name of the inverse type, if any
	Symmetric      bool           `json:"symmetric"`                 // A->B implies B->A of the same type
	Transitive     bool           `json:"transitive"`                // A->B, B->C implies A->C at query time
	MetadataSchema map[string]any `json:"metadata_schema,omitempty"` // JSON-schema subset for edge properties
	Version        uint32         `json:"version"`                   // Bumped on every redefinition
	CreatedAt      time.Time      `json:"created_at"`                // First definition time
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"` // Caller-owned annotations
}

// NewRelationshipTypeDef returns a definition at version 1.
func NewRelationshipTypeDef(name string) *RelationshipTypeDef {
	return &RelationshipTypeDef{
		Name:           name,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
		CustomMetadata: map[string]any{},
	}
}

// WithInverse sets the inverse type name.
func (d *RelationshipTypeDef) WithInverse(inverse string) *RelationshipTypeDef {
	d.Inverse = &inverse
	return d
}

// InverseName returns the inverse type name or "".
func (d *RelationshipTypeDef) InverseName() string {
	if d.Inverse == nil {
		return ""
	}
	return *d.Inverse
}

// Validate checks the definition name: non-empty and only letters, digits,
// underscores and hyphens.
func (d *RelationshipTypeDef) Validate() error {
	if d == nil {
		return NewError(KindValidation, "relationship type definition is nil")
	}
	if err := ValidateRelationshipTypeName(d.Name); err != nil {
		return err
	}
	if d.Inverse != nil {
		if err := ValidateRelationshipTypeName(*d.Inverse); err != nil {
			return Wrap(KindValidation, err, "inverse of %s", d.Name)
		}
	}
	if d.Symmetric && d.Inverse != nil && *d.Inverse != d.Name {
		return Errorf(KindValidation, "relationship type %s: symmetric types cannot name a different inverse", d.Name)
	}
	return nil
}

// Clone returns a deep copy of the definition.
func (d *RelationshipTypeDef) Clone() *RelationshipTypeDef {
	if d == nil {
		return nil
	}
	c := *d
	if d.Inverse != nil {
		inv := *d.Inverse
		c.Inverse = &inv
	}
	c.MetadataSchema = CloneProperties(d.MetadataSchema)
	c.CustomMetadata = CloneProperties(d.CustomMetadata)
	return &c
}

// ValidateRelationshipTypeName enforces the registry naming rule.
func ValidateRelationshipTypeName(name string) error {
	if name == "" {
		return NewError(KindValidation, "relationship type name must not be empty")
	}
	for _, r := range name {
		if r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return Errorf(KindValidation, "relationship type name %q may only contain letters, digits, '_' and '-'", name)
	}
	return nil
}
