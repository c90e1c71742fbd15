// Package hooks lets callers react to memory lifecycle events. A hook
// implements Hook plus any of the event interfaces (CreatedHook,
// AccessedHook, UpdatedHook, DeleteHook); the Registry dispatches each event
// to the hooks that handle it, highest priority first.
package hooks

import (
	"context"
	"time"

	"github.com/scrypster/locai/pkg/types"
)

// DefaultTimeout applies to hooks whose Timeout returns 0.
const DefaultTimeout = 5 * time.Second

// EventType names a lifecycle event.
type EventType string

// Event types
const (
	EventCreated  EventType = "memory_created"
	EventAccessed EventType = "memory_accessed"
	EventUpdated  EventType = "memory_updated"
	EventDeleting EventType = "memory_deleting"
)

// Result is a hook's verdict. Only delete guards may veto; the verdict of
// other hooks is ignored.
type Result struct {
	Vetoed bool
	Reason string
}

// Continue lets the operation proceed.
func Continue() Result { return Result{} }

// Veto blocks a delete with reason.
func Veto(reason string) Result { return Result{Vetoed: true, Reason: reason} }

// Hook is the identity every hook carries.
type Hook interface {
	Name() string

	// Priority orders dispatch; higher runs first.
	Priority() int32

	// Timeout bounds one invocation; 0 means the registry default.
	Timeout() time.Duration
}

// CreatedHook runs after a memory is stored.
type CreatedHook interface {
	Hook
	OnMemoryCreated(ctx context.Context, m *types.Memory) Result
}

// AccessedHook runs after a memory is read.
type AccessedHook interface {
	Hook
	OnMemoryAccessed(ctx context.Context, m *types.Memory) Result
}

// UpdatedHook runs after a memory is replaced.
type UpdatedHook interface {
	Hook
	OnMemoryUpdated(ctx context.Context, previous, current *types.Memory) Result
}

// DeleteHook runs before a memory is deleted and may veto it.
type DeleteHook interface {
	Hook
	BeforeMemoryDeleted(ctx context.Context, m *types.Memory) Result
}

// Base implements Hook for embedding in concrete hooks.
type Base struct {
	HookName     string
	HookPriority int32
	HookTimeout  time.Duration
}

func (b Base) Name() string           { return b.HookName }
func (b Base) Priority() int32        { return b.HookPriority }
func (b Base) Timeout() time.Duration { return b.HookTimeout }

// Event is the serialised form of a lifecycle event, shared by the webhook
// and event-file hooks.
type Event struct {
	Type     EventType     `json:"type"`
	MemoryID string        `json:"memory_id"`
	Time     int64         `json:"time"`
	Memory   *types.Memory `json:"memory,omitempty"`
	Previous *types.Memory `json:"previous,omitempty"`
}

func newEvent(typ EventType, m, previous *types.Memory) Event {
	e := Event{Type: typ, Time: time.Now().UnixNano(), Memory: m, Previous: previous}
	if m != nil {
		e.MemoryID = m.ID
	}
	return e
}
