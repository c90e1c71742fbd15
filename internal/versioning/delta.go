package versioning

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Diff returns the changes that turn base into next. Records compare by
// their JSON form.
func Diff(base, next *storage.Snapshot) *storage.Delta {
	d := &storage.Delta{}
	d.AddedMemories, d.ModifiedMemories, d.RemovedMemories = diffRecords(base.Memories, next.Memories, memoryID)
	d.AddedEntities, d.ModifiedEntities, d.RemovedEntities = diffRecords(base.Entities, next.Entities, entityID)
	d.AddedRelationships, d.ModifiedRelationships, d.RemovedRelationships = diffRecords(base.Relationships, next.Relationships, relationshipID)
	return d
}

// Apply returns base with d applied. Surviving records keep their order,
// added records are appended.
func Apply(base *storage.Snapshot, d *storage.Delta) *storage.Snapshot {
	if d == nil {
		return CloneSnapshot(base)
	}
	return &storage.Snapshot{
		Memories:      applyRecords(base.Memories, d.AddedMemories, d.ModifiedMemories, d.RemovedMemories, memoryID, (*types.Memory).Clone),
		Entities:      applyRecords(base.Entities, d.AddedEntities, d.ModifiedEntities, d.RemovedEntities, entityID, (*types.Entity).Clone),
		Relationships: applyRecords(base.Relationships, d.AddedRelationships, d.ModifiedRelationships, d.RemovedRelationships, relationshipID, (*types.Relationship).Clone),
	}
}

// CloneSnapshot deep-copies s.
func CloneSnapshot(s *storage.Snapshot) *storage.Snapshot {
	if s == nil {
		return &storage.Snapshot{}
	}
	out := &storage.Snapshot{
		Memories:      make([]*types.Memory, len(s.Memories)),
		Entities:      make([]*types.Entity, len(s.Entities)),
		Relationships: make([]*types.Relationship, len(s.Relationships)),
	}
	for i, m := range s.Memories {
		out.Memories[i] = m.Clone()
	}
	for i, e := range s.Entities {
		out.Entities[i] = e.Clone()
	}
	for i, r := range s.Relationships {
		out.Relationships[i] = r.Clone()
	}
	return out
}

// Checksum is the hex SHA-256 of the snapshot's JSON form.
func Checksum(s *storage.Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", types.Wrap(types.KindSerialization, err, "versioning: encode snapshot")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func memoryID(m *types.Memory) string             { return m.ID }
func entityID(e *types.Entity) string             { return e.ID }
func relationshipID(r *types.Relationship) string { return r.ID }

func sameJSON(a, b any) bool {
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

func diffRecords[T any](base, next []T, id func(T) string) (added, modified []T, removed []string) {
	old := make(map[string]T, len(base))
	for _, r := range base {
		old[id(r)] = r
	}
	seen := make(map[string]bool, len(next))
	for _, r := range next {
		key := id(r)
		seen[key] = true
		prev, ok := old[key]
		switch {
		case !ok:
			added = append(added, r)
		case !sameJSON(prev, r):
			modified = append(modified, r)
		}
	}
	for _, r := range base {
		if key := id(r); !seen[key] {
			removed = append(removed, key)
		}
	}
	return added, modified, removed
}

func applyRecords[T any](base, added, modified []T, removed []string, id func(T) string, clone func(T) T) []T {
	gone := make(map[string]bool, len(removed))
	for _, key := range removed {
		gone[key] = true
	}
	changed := make(map[string]T, len(modified))
	for _, r := range modified {
		changed[id(r)] = r
	}
	out := make([]T, 0, len(base)+len(added))
	for _, r := range base {
		key := id(r)
		if gone[key] {
			continue
		}
		if m, ok := changed[key]; ok {
			r = m
		}
		out = append(out, clone(r))
	}
	for _, r := range added {
		out = append(out, clone(r))
	}
	return out
}
