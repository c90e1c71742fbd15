// Package lifecycle aggregates memory access bookkeeping (access_count and
// last_accessed) so reads do not each cost a storage write.
package lifecycle

import (
	"sync"

	"github.com/elliotchance/orderedmap/v3"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Queue holds pending access updates keyed by memory id. Updates for the
// same memory merge: deltas add (saturating) and the latest timestamp wins.
// It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending *orderedmap.OrderedMap[string, storage.AccessUpdate]
	max     int
}

// NewQueue returns a queue holding at most max distinct memories.
func NewQueue(max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{pending: orderedmap.NewOrderedMap[string, storage.AccessUpdate](), max: max}
}

// Enqueue merges u into the queue. A new id on a full queue is refused with
// a Temporary error; merging into an id already queued always succeeds.
func (q *Queue) Enqueue(u storage.AccessUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.pending.Get(u.MemoryID); ok {
		cur.Delta = types.SaturatingAdd(cur.Delta, u.Delta)
		if u.Timestamp.After(cur.Timestamp) {
			cur.Timestamp = u.Timestamp
		}
		q.pending.Set(u.MemoryID, cur)
		return nil
	}
	if q.pending.Len() >= q.max {
		return types.Errorf(types.KindTemporary, "lifecycle queue full (%d pending)", q.max)
	}
	q.pending.Set(u.MemoryID, u)
	return nil
}

// ShouldFlush reports whether more than half the capacity is in use.
func (q *Queue) ShouldFlush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() > q.max/2
}

// Len returns the number of distinct memories pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Peek returns the pending updates in first-enqueued order without
// removing them.
func (q *Queue) Peek() []storage.AccessUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Drain removes and returns every pending update.
func (q *Queue) Drain() []storage.AccessUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.snapshot()
	q.pending = orderedmap.NewOrderedMap[string, storage.AccessUpdate]()
	return out
}

func (q *Queue) snapshot() []storage.AccessUpdate {
	out := make([]storage.AccessUpdate, 0, q.pending.Len())
	for el := q.pending.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}
