// Package types defines the core data structures for the Locai memory system.
// These types represent memories, entities, relationships, versions and
// vectors, plus the error taxonomy and batch operation envelopes shared by
// every storage backend and the manager façade.
package types

import (
	"encoding/json"
	"strings"
)

// MemoryType classifies what a memory records.
type MemoryType string

// Memory type constants
const (
	// MemoryTypeFact is factual knowledge (the default)
	MemoryTypeFact MemoryType = "fact"

	// MemoryTypeConversation is a conversation or dialogue turn
	MemoryTypeConversation MemoryType = "conversation"

	// MemoryTypeProcedural is a skill or how-to
	MemoryTypeProcedural MemoryType = "procedural"

	// MemoryTypeEpisodic is an experience tied to a time and place
	MemoryTypeEpisodic MemoryType = "episodic"

	// MemoryTypeIdentity is self-concept information
	MemoryTypeIdentity MemoryType = "identity"

	// MemoryTypeWorld is knowledge about the environment
	MemoryTypeWorld MemoryType = "world"

	// MemoryTypeAction is a behaviour the agent performed
	MemoryTypeAction MemoryType = "action"

	// MemoryTypeEvent is something that happened
	MemoryTypeEvent MemoryType = "event"
)

// ValidMemoryTypes lists every accepted memory type.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeFact,
	MemoryTypeConversation,
	MemoryTypeProcedural,
	MemoryTypeEpisodic,
	MemoryTypeIdentity,
	MemoryTypeWorld,
	MemoryTypeAction,
	MemoryTypeEvent,
}

// IsValid reports whether t is one of the known memory types.
func (t MemoryType) IsValid() bool {
	for _, v := range ValidMemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseMemoryType parses a memory type case-insensitively.
// Unknown values fall back to MemoryTypeFact.
func ParseMemoryType(s string) MemoryType {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if t.IsValid() {
		return t
	}
	return MemoryTypeFact
}

// UnmarshalJSON accepts any casing and maps unknown names to fact.
func (t *MemoryType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Wrap(KindSerialization, err, "memory_type must be a string")
	}
	*t = ParseMemoryType(s)
	return nil
}

// Priority expresses how important a memory is for ranking.
type Priority string

// Priority constants
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the scoring weight of the priority:
// low 0, normal 1, high 2, critical 4.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 4
	default:
		return 1
	}
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority parses a priority case-insensitively.
// Unknown values fall back to PriorityNormal.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.IsValid() {
		return p
	}
	return PriorityNormal
}

// UnmarshalJSON accepts any casing and maps unknown names to normal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Wrap(KindSerialization, err, "priority must be a string")
	}
	*p = ParsePriority(s)
	return nil
}

// Direction selects which edges of a node a graph query follows.
type Direction string

// Direction constants
const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// ParseDirection accepts "out", "in", "both" and their long forms.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "out", "outgoing":
		return DirectionOutgoing, nil
	case "in", "incoming":
		return DirectionIncoming, nil
	case "", "both":
		return DirectionBoth, nil
	}
	return "", Errorf(KindValidation, "unknown direction %q", s)
}
