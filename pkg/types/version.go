package types

import "time"

// Snapshot types stamped into Version.Metadata["snapshot_type"].
const (
	SnapshotTypeGeneric      = "generic"
	SnapshotTypeConversation = "conversation"
	SnapshotTypeKnowledge    = "knowledge"
	SnapshotTypeFull         = "full"
)

// Version is the public view of a point-in-time checkpoint of the store.
type Version struct {
	ID          string         `json:"id"`                 // Unique identifier
	Description string         `json:"description"`        // Human-readable label
	Metadata    map[string]any `json:"metadata,omitempty"` // snapshot_type and caller annotations
	CreatedAt   time.Time      `json:"created_at"`         // When the checkpoint was taken
}

// SnapshotType returns the snapshot_type metadata value, defaulting to generic.
func (v *Version) SnapshotType() string {
	if s, ok := v.Metadata["snapshot_type"].(string); ok && s != "" {
		return s
	}
	return SnapshotTypeGeneric
}

// Clone returns a deep copy of the version.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	c := *v
	c.Metadata = CloneProperties(v.Metadata)
	return &c
}
