// Package graph provides bounded traversal of the memory graph: BFS
// neighbourhoods, simple-path enumeration, shortest paths and
// relationship-type aware lookups.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// ErrBoundsExceeded marks a traversal that stopped at a node, edge or time
// limit. Traversals return partial results with Truncated set rather than
// this error; it surfaces from BoundsChecker for callers driving their own
// walk.
var ErrBoundsExceeded = errors.New("graph bounds exceeded")

// BoundsChecker tracks and enforces traversal bounds:
//   - nodes visited
//   - edges traversed
//   - time elapsed since the traversal started
//
// Context cancellation is checked first.
type BoundsChecker struct {
	bounds       storage.GraphBounds
	nodesVisited int
	edgesVisited int
	startTime    time.Time
}

// BoundsStats reports traversal progress.
type BoundsStats struct {
	NodesVisited int
	EdgesVisited int
	Elapsed      time.Duration
}

// NewBoundsChecker normalises bounds and starts the clock.
func NewBoundsChecker(bounds storage.GraphBounds) *BoundsChecker {
	bounds.Normalize()
	return &BoundsChecker{bounds: bounds, startTime: time.Now()}
}

// Bounds returns the normalised bounds.
func (b *BoundsChecker) Bounds() storage.GraphBounds { return b.bounds }

// CanVisitNode reports whether one more node fits.
func (b *BoundsChecker) CanVisitNode() error {
	if b.nodesVisited >= b.bounds.MaxNodes {
		return fmt.Errorf("%w: max nodes (%d)", ErrBoundsExceeded, b.bounds.MaxNodes)
	}
	return nil
}

// CanTraverseEdge reports whether one more edge fits.
func (b *BoundsChecker) CanTraverseEdge() error {
	if b.edgesVisited >= b.bounds.MaxEdges {
		return fmt.Errorf("%w: max edges (%d)", ErrBoundsExceeded, b.bounds.MaxEdges)
	}
	return nil
}

// CanContinue checks the context, then the node, edge and time limits.
// A cancelled context is returned as a Timeout error.
func (b *BoundsChecker) CanContinue(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return types.Wrap(types.KindTimeout, ctx.Err(), "graph traversal cancelled")
	default:
	}
	if err := b.CanVisitNode(); err != nil {
		return err
	}
	if err := b.CanTraverseEdge(); err != nil {
		return err
	}
	if elapsed := time.Since(b.startTime); elapsed >= b.bounds.Timeout {
		return fmt.Errorf("%w: timeout (%v) after %v", ErrBoundsExceeded, b.bounds.Timeout, elapsed)
	}
	return nil
}

// RecordNode counts a visited node.
func (b *BoundsChecker) RecordNode() { b.nodesVisited++ }

// RecordEdge counts a traversed edge.
func (b *BoundsChecker) RecordEdge() { b.edgesVisited++ }

// Stats returns the current counters.
func (b *BoundsChecker) Stats() BoundsStats {
	return BoundsStats{
		NodesVisited: b.nodesVisited,
		EdgesVisited: b.edgesVisited,
		Elapsed:      time.Since(b.startTime),
	}
}
