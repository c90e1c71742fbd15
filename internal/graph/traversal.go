package graph

import (
	"context"
	"errors"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// DefaultClosureDepth bounds transitive expansion when no MaxDepth is set.
const DefaultClosureDepth = 5

// Store is what traversal reads.
type Store interface {
	storage.GraphTraversal
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
}

// TypeInfo answers relationship type semantics. relationships.Registry
// satisfies it.
type TypeInfo interface {
	IsSymmetric(ctx context.Context, name string) bool
	IsTransitive(ctx context.Context, name string) bool
}

// MemoryGraph is the neighbourhood of a memory.
type MemoryGraph struct {
	CenterID      string
	Memories      []*types.Memory
	Relationships []*types.Relationship

	// Depth is the deepest level reached.
	Depth int

	// Truncated is set when a bound stopped the walk early.
	Truncated bool
}

// Path is a chain of memories joined by relationships; Relationships[i]
// connects Memories[i] and Memories[i+1] in either direction.
type Path struct {
	Memories      []*types.Memory
	Relationships []*types.Relationship
}

// Len is the number of hops.
func (p Path) Len() int { return len(p.Relationships) }

// IDs returns the memory ids along the path.
func (p Path) IDs() []string {
	out := make([]string, len(p.Memories))
	for i, m := range p.Memories {
		out[i] = m.ID
	}
	return out
}

// Option configures a Traversal.
type Option func(*Traversal)

// WithTypes supplies relationship type semantics for GetRelated.
func WithTypes(ti TypeInfo) Option {
	return func(t *Traversal) { t.types = ti }
}

// WithBounds sets the node, edge, path and time limits.
func WithBounds(b storage.GraphBounds) Option {
	return func(t *Traversal) { t.bounds = b }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Traversal) { t.logger = l }
}

// Traversal implements bounded graph algorithms over relationships. It
// never follows Memory.RelatedMemories.
type Traversal struct {
	store  Store
	types  TypeInfo
	bounds storage.GraphBounds
	logger *log.Logger
}

// New returns a traversal over store.
func New(store Store, opts ...Option) *Traversal {
	t := &Traversal{store: store, logger: log.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// walk holds per-call state: bounds and a memory lookup cache.
type walk struct {
	t       *Traversal
	checker *BoundsChecker
	mems    map[string]*types.Memory
}

func (t *Traversal) newWalk() *walk {
	return &walk{t: t, checker: NewBoundsChecker(t.bounds), mems: map[string]*types.Memory{}}
}

// memory returns the memory with id, nil when id is not a live memory.
func (w *walk) memory(ctx context.Context, id string) (*types.Memory, error) {
	if m, ok := w.mems[id]; ok {
		return m, nil
	}
	m, err := w.t.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	w.mems[id] = m
	return m, nil
}

type hop struct {
	rel *types.Relationship
	to  string
}

// hops lists the edges leaving id in dir, skipping self-loops.
func (w *walk) hops(ctx context.Context, id, relType string, dir types.Direction) ([]hop, error) {
	rels, err := w.t.store.GetNeighbors(ctx, id, relType, dir)
	if err != nil {
		return nil, err
	}
	out := make([]hop, 0, len(rels))
	for _, r := range rels {
		var to string
		switch {
		case dir == types.DirectionOutgoing:
			to = r.TargetID
		case dir == types.DirectionIncoming:
			to = r.SourceID
		default:
			to = r.Other(id)
		}
		if to != "" && to != id {
			out = append(out, hop{rel: r, to: to})
		}
	}
	return out, nil
}

// stop converts a bounds error into truncation; other errors pass through.
func stop(err error) (truncated bool, _ error) {
	if errors.Is(err, ErrBoundsExceeded) {
		return true, nil
	}
	return false, err
}

func (w *walk) require(ctx context.Context, id string) (*types.Memory, error) {
	m, err := w.memory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, types.Errorf(types.KindNotFound, "memory %s not found", id)
	}
	return m, nil
}

// GetMemoryGraph walks relationships of any type in both directions from
// centerID up to depth hops. Edges found while expanding a node are
// included when their other end is a memory.
func (t *Traversal) GetMemoryGraph(ctx context.Context, centerID string, depth int) (*MemoryGraph, error) {
	w := t.newWalk()
	center, err := w.require(ctx, centerID)
	if err != nil {
		return nil, err
	}
	g := &MemoryGraph{CenterID: centerID, Memories: []*types.Memory{center}}
	w.checker.RecordNode()

	type item struct {
		id    string
		depth int
	}
	queue := []item{{centerID, 0}}
	visited := map[string]bool{centerID: true}
	edges := map[string]bool{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= depth {
			continue
		}
		hops, err := w.hops(ctx, cur.id, "", types.DirectionBoth)
		if err != nil {
			return nil, err
		}
		for _, h := range hops {
			if err := w.checker.CanContinue(ctx); err != nil {
				g.Truncated, err = stop(err)
				if err != nil {
					return nil, err
				}
				return g, nil
			}
			m, err := w.memory(ctx, h.to)
			if err != nil {
				return nil, err
			}
			if m == nil {
				continue
			}
			if !edges[h.rel.ID] {
				edges[h.rel.ID] = true
				w.checker.RecordEdge()
				g.Relationships = append(g.Relationships, h.rel)
			}
			if visited[h.to] {
				continue
			}
			visited[h.to] = true
			w.checker.RecordNode()
			g.Memories = append(g.Memories, m)
			g.Depth = max(g.Depth, cur.depth+1)
			queue = append(queue, item{h.to, cur.depth + 1})
		}
	}
	return g, nil
}

// FindConnectedMemories returns memories reachable from startID through
// relationships of relType ("" for any) in either direction, nearest
// first, excluding startID.
func (t *Traversal) FindConnectedMemories(ctx context.Context, startID, relType string, depth int) ([]*types.Memory, error) {
	w := t.newWalk()
	if _, err := w.require(ctx, startID); err != nil {
		return nil, err
	}
	found, _, err := w.bfs(ctx, startID, relType, types.DirectionBoth, depth)
	return found, err
}

// bfs collects memories reachable within depth hops, nearest first.
func (w *walk) bfs(ctx context.Context, startID, relType string, dir types.Direction, depth int) ([]*types.Memory, bool, error) {
	found := []*types.Memory{}
	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			hops, err := w.hops(ctx, id, relType, dir)
			if err != nil {
				return nil, false, err
			}
			for _, h := range hops {
				if err := w.checker.CanContinue(ctx); err != nil {
					truncated, err := stop(err)
					return found, truncated, err
				}
				w.checker.RecordEdge()
				if visited[h.to] {
					continue
				}
				visited[h.to] = true
				m, err := w.memory(ctx, h.to)
				if err != nil {
					return nil, false, err
				}
				if m == nil {
					continue
				}
				w.checker.RecordNode()
				found = append(found, m)
				next = append(next, h.to)
			}
		}
		frontier = next
	}
	return found, false, nil
}

// GetRelated returns the memories one hop from id through relType in dir.
// Symmetric types match both directions. Transitive types expand to the
// closure, bounded by MaxDepth (DefaultClosureDepth when unset).
func (t *Traversal) GetRelated(ctx context.Context, id, relType string, dir types.Direction) ([]*types.Memory, error) {
	if dir == "" {
		dir = types.DirectionBoth
	}
	depth := 1
	if relType != "" && t.types != nil {
		if t.types.IsSymmetric(ctx, relType) {
			dir = types.DirectionBoth
		}
		if t.types.IsTransitive(ctx, relType) {
			depth = t.bounds.MaxDepth
			if depth <= 0 {
				depth = DefaultClosureDepth
			}
		}
	}
	w := t.newWalk()
	found, truncated, err := w.bfs(ctx, id, relType, dir, depth)
	if truncated {
		t.logger.Debug("related lookup truncated", "id", id, "type", relType)
	}
	return found, err
}

// FindPaths enumerates simple paths from fromID to toID of at most
// maxDepth hops, shortest first, stopping after maxPaths (default 100).
// Edges are followed in both directions.
func (t *Traversal) FindPaths(ctx context.Context, fromID, toID string, maxDepth, maxPaths int) ([]Path, error) {
	w := t.newWalk()
	from, err := w.require(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if _, err := w.require(ctx, toID); err != nil {
		return nil, err
	}
	if maxPaths <= 0 {
		maxPaths = w.checker.Bounds().MaxPaths
	}
	if fromID == toID {
		return []Path{{Memories: []*types.Memory{from}}}, nil
	}

	var paths []Path
	onPath := map[string]bool{fromID: true}
	mems := []*types.Memory{from}
	var rels []*types.Relationship

	var dfs func(id string, depth int) error
	dfs = func(id string, depth int) error {
		if depth >= maxDepth || len(paths) >= maxPaths {
			return nil
		}
		hops, err := w.hops(ctx, id, "", types.DirectionBoth)
		if err != nil {
			return err
		}
		for _, h := range hops {
			if len(paths) >= maxPaths {
				return nil
			}
			if onPath[h.to] {
				continue
			}
			if err := w.checker.CanContinue(ctx); err != nil {
				return err
			}
			w.checker.RecordEdge()
			m, err := w.memory(ctx, h.to)
			if err != nil {
				return err
			}
			if m == nil {
				continue
			}
			w.checker.RecordNode()
			mems = append(mems, m)
			rels = append(rels, h.rel)
			if h.to == toID {
				paths = append(paths, Path{Memories: slices.Clone(mems), Relationships: slices.Clone(rels)})
			} else {
				onPath[h.to] = true
				if err := dfs(h.to, depth+1); err != nil {
					return err
				}
				onPath[h.to] = false
			}
			mems = mems[:len(mems)-1]
			rels = rels[:len(rels)-1]
		}
		return nil
	}

	if err := dfs(fromID, 0); err != nil {
		if _, err := stop(err); err != nil {
			return nil, err
		}
		t.logger.Debug("path search truncated", "from", fromID, "to", toID, "paths", len(paths))
	}
	slices.SortStableFunc(paths, func(a, b Path) int { return a.Len() - b.Len() })
	return paths, nil
}

// FindShortestPath returns a path with the fewest hops from fromID to
// toID within maxDepth, or nil when none exists.
func (t *Traversal) FindShortestPath(ctx context.Context, fromID, toID string, maxDepth int) (*Path, error) {
	w := t.newWalk()
	from, err := w.require(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if _, err := w.require(ctx, toID); err != nil {
		return nil, err
	}
	if fromID == toID {
		return &Path{Memories: []*types.Memory{from}}, nil
	}

	parent := map[string]link{fromID: {}}
	frontier := []string{fromID}
	for d := 0; d < maxDepth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			hops, err := w.hops(ctx, id, "", types.DirectionBoth)
			if err != nil {
				return nil, err
			}
			for _, h := range hops {
				if _, seen := parent[h.to]; seen {
					continue
				}
				if err := w.checker.CanContinue(ctx); err != nil {
					_, err = stop(err)
					return nil, err
				}
				w.checker.RecordEdge()
				m, err := w.memory(ctx, h.to)
				if err != nil {
					return nil, err
				}
				if m == nil {
					continue
				}
				w.checker.RecordNode()
				parent[h.to] = link{prev: id, rel: h.rel}
				if h.to == toID {
					return w.unwind(parent, toID), nil
				}
				next = append(next, h.to)
			}
		}
		frontier = next
	}
	return nil, nil
}

// link is a BFS parent pointer.
type link struct {
	prev string
	rel  *types.Relationship
}

// unwind follows parent pointers back from toID to the start.
func (w *walk) unwind(parent map[string]link, toID string) *Path {
	var mems []*types.Memory
	var rels []*types.Relationship
	for id := toID; ; {
		mems = append(mems, w.mems[id])
		l := parent[id]
		if l.rel == nil {
			break
		}
		rels = append(rels, l.rel)
		id = l.prev
	}
	slices.Reverse(mems)
	slices.Reverse(rels)
	return &Path{Memories: mems, Relationships: rels}
}
