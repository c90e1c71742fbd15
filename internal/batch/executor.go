// Package batch applies heterogeneous lists of memory, entity and
// relationship operations, either one by one or inside a single storage
// transaction.
package batch

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/locai/internal/relationships"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/hooks"
	"github.com/scrypster/locai/pkg/types"
)

// DefaultMaxSize is the largest batch accepted unless WithMaxSize says otherwise.
const DefaultMaxSize = 1000

// DefaultSource is stamped on memories created without a source.
const DefaultSource = "batch"

// Option configures an Executor.
type Option func(*Executor)

// WithHooks dispatches lifecycle hooks for memory operations.
func WithHooks(r *hooks.Registry) Option {
	return func(e *Executor) { e.hooks = r }
}

// WithRelationships validates edges against registered types and pairs
// bidirectional creates.
func WithRelationships(r *relationships.Registry) Option {
	return func(e *Executor) { e.types = r }
}

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock sets the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator replaces uuid.NewString for generated ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) { e.newID = gen }
}

// Executor runs batches against a store.
type Executor struct {
	store   storage.Store
	hooks   *hooks.Registry
	types   *relationships.Registry
	maxSize int
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
}

// NewExecutor returns an executor over store.
func NewExecutor(store storage.Store, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		maxSize: DefaultMaxSize,
		logger:  log.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxSize returns the configured batch size limit.
func (e *Executor) MaxSize() int { return e.maxSize }

// event is a post-commit hook notification.
type event struct {
	previous *types.Memory
	current  *types.Memory
}

// Execute applies ops in order. In sequential mode every operation stands
// alone and the response reports each outcome. In transactional mode the
// first failure rolls everything back.
func (e *Executor) Execute(ctx context.Context, ops []types.BatchOperation, transactional bool) (*types.BatchResponse, error) {
	if len(ops) == 0 {
		return nil, types.NewError(types.KindValidation, "batch is empty")
	}
	if len(ops) > e.maxSize {
		return nil, types.Errorf(types.KindValidation, "batch of %d operations exceeds the limit of %d", len(ops), e.maxSize)
	}
	for i, op := range ops {
		if op.Data == nil {
			return nil, types.Errorf(types.KindValidation, "operation %d has no data", i)
		}
	}

	start := time.Now()
	var (
		resp *types.BatchResponse
		err  error
	)
	if transactional {
		resp, err = e.executeTransactional(ctx, ops)
	} else {
		resp = e.executeSequential(ctx, ops)
	}
	if err != nil {
		return nil, err
	}
	resp.Elapsed = time.Since(start)
	e.logger.Debug("batch executed",
		"operations", len(ops),
		"completed", resp.Completed,
		"failed", resp.Failed,
		"transaction", resp.Transaction,
		"elapsed", resp.Elapsed)
	return resp, nil
}

func (e *Executor) executeSequential(ctx context.Context, ops []types.BatchOperation) *types.BatchResponse {
	resp := &types.BatchResponse{Results: make([]types.BatchResult, 0, len(ops))}
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			cancelled := types.Wrap(types.KindTimeout, err, "batch cancelled before operation %d", i)
			for j := i; j < len(ops); j++ {
				resp.AddError(j, cancelled)
			}
			break
		}
		r := &run{st: e.store, types: e.types}
		id, err := e.apply(ctx, r, op.Data)
		if err != nil {
			resp.AddError(i, err)
			continue
		}
		resp.AddSuccess(i, id)
		e.dispatch(ctx, r.events)
	}
	return resp
}

func (e *Executor) executeTransactional(ctx context.Context, ops []types.BatchOperation) (*types.BatchResponse, error) {
	if !e.store.Capabilities().Transactions {
		return nil, types.NewError(types.KindFeatureNotEnabled, "transactional batches need a backend with transactions")
	}
	resp := &types.BatchResponse{
		Results:       make([]types.BatchResult, 0, len(ops)),
		Transaction:   true,
		TransactionID: e.newID(),
	}

	var (
		ids      = make([]string, len(ops))
		r        = &run{}
		failedAt = -1
		opErr    error
	)
	txErr := e.store.WithTx(ctx, func(tx storage.Store) error {
		r.st, r.inTx = tx, true
		if e.types != nil {
			r.types = e.types.Within(tx)
		}
		for i, op := range ops {
			if err := ctx.Err(); err != nil {
				failedAt, opErr = i, types.Wrap(types.KindTimeout, err, "batch cancelled before operation %d", i)
				return opErr
			}
			id, err := e.apply(ctx, r, op.Data)
			if err != nil {
				failedAt, opErr = i, err
				return err
			}
			ids[i] = id
		}
		return nil
	})

	if txErr != nil {
		if failedAt < 0 {
			// The commit itself failed; every operation is lost.
			e.logger.Error("batch commit failed", "transaction_id", resp.TransactionID, "error", txErr)
			failedAt, opErr = 0, types.Wrap(types.KindTransaction, txErr, "commit batch %s", resp.TransactionID)
		}
		for i := range ops {
			if i == failedAt {
				resp.AddError(i, opErr)
				continue
			}
			resp.AddAborted(i)
		}
		e.logger.Warn("batch rolled back",
			"transaction_id", resp.TransactionID,
			"failed_index", failedAt,
			"error", opErr)
		return resp, nil
	}

	for i, id := range ids {
		resp.AddSuccess(i, id)
	}
	e.dispatch(ctx, r.events)
	return resp, nil
}

func (e *Executor) dispatch(ctx context.Context, evs []event) {
	if e.hooks == nil {
		return
	}
	for _, ev := range evs {
		if ev.previous == nil {
			e.hooks.DispatchCreated(ctx, ev.current)
		} else {
			e.hooks.DispatchUpdated(ctx, ev.previous, ev.current)
		}
	}
}

// run is the target of one application: the store or transaction view,
// the relationship types bound to it, and the hook notifications to send
// once the writes are durable.
type run struct {
	st     storage.Store
	inTx   bool
	types  *relationships.Registry
	events []event
}

// apply runs one operation and returns the affected id.
func (e *Executor) apply(ctx context.Context, r *run, payload types.BatchPayload) (string, error) {
	now := e.now().UTC()
	st := r.st
	switch op := payload.(type) {
	case types.CreateMemoryOp:
		return e.createMemory(ctx, r, op, now)
	case types.UpdateMemoryOp:
		return e.updateMemory(ctx, r, op)
	case types.DeleteMemoryOp:
		return e.deleteMemory(ctx, st, op.ID)
	case types.UpdateMetadataOp:
		return e.updateMemory(ctx, r, types.UpdateMemoryOp{ID: op.MemoryID, Properties: op.Metadata})
	case types.CreateEntityOp:
		ent := types.NewEntity(op.ID, op.EntityType)
		if ent.ID == "" {
			ent.ID = e.newID()
		}
		ent.CreatedAt, ent.UpdatedAt = now, now
		maps.Copy(ent.Properties, op.Properties)
		if err := st.CreateEntity(ctx, ent); err != nil {
			return "", err
		}
		return ent.ID, nil
	case types.UpdateEntityOp:
		ent, err := st.GetEntity(ctx, op.ID)
		if err != nil {
			return "", err
		}
		if ent == nil {
			return "", types.Errorf(types.KindNotFound, "entity %s not found", op.ID)
		}
		if op.EntityType != "" {
			ent.EntityType = op.EntityType
		}
		ent.Properties = mergeProperties(ent.Properties, op.Properties)
		ent.Touch(now)
		if err := st.UpdateEntity(ctx, ent); err != nil {
			return "", err
		}
		return ent.ID, nil
	case types.DeleteEntityOp:
		ok, err := st.DeleteEntity(ctx, op.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", types.Errorf(types.KindNotFound, "entity %s not found", op.ID)
		}
		return op.ID, nil
	case types.CreateRelationshipOp:
		return e.createRelationship(ctx, r, op, now)
	case types.UpdateRelationshipOp:
		rel, err := st.GetRelationship(ctx, op.ID)
		if err != nil {
			return "", err
		}
		if rel == nil {
			return "", types.Errorf(types.KindNotFound, "relationship %s not found", op.ID)
		}
		rel.Properties = types.CloneProperties(op.Properties)
		if rel.Properties == nil {
			rel.Properties = map[string]any{}
		}
		rel.UpdatedAt = now
		if rel.UpdatedAt.Before(rel.CreatedAt) {
			rel.UpdatedAt = rel.CreatedAt
		}
		if r.types != nil {
			if err := r.types.Validate(ctx, rel); err != nil {
				return "", err
			}
		}
		if err := st.UpdateRelationship(ctx, rel); err != nil {
			return "", err
		}
		return rel.ID, nil
	case types.DeleteRelationshipOp:
		ok, err := st.DeleteRelationship(ctx, op.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", types.Errorf(types.KindNotFound, "relationship %s not found", op.ID)
		}
		return op.ID, nil
	}
	return "", types.Errorf(types.KindValidation, "unsupported batch operation %T", payload)
}

func (e *Executor) createMemory(ctx context.Context, r *run, op types.CreateMemoryOp, now time.Time) (string, error) {
	id := op.ID
	if id == "" {
		id = e.newID()
	}
	m := types.NewMemory(id, op.Content, types.ParseMemoryType(string(op.MemoryType)))
	m.CreatedAt = now
	m.Priority = types.ParsePriority(string(op.Priority))
	m.Tags = append([]string(nil), op.Tags...)
	m.Source = op.Source
	if m.Source == "" {
		m.Source = DefaultSource
	}
	maps.Copy(m.Properties, op.Properties)
	m.Embedding = append([]float32(nil), op.Embedding...)
	if op.ExpiresAt != nil {
		ts := op.ExpiresAt.UTC()
		m.ExpiresAt = &ts
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := r.st.CreateMemory(ctx, m); err != nil {
		return "", err
	}
	r.events = append(r.events, event{current: m.Clone()})
	return m.ID, nil
}

func (e *Executor) updateMemory(ctx context.Context, r *run, op types.UpdateMemoryOp) (string, error) {
	prev, err := r.st.GetMemory(ctx, op.ID)
	if err != nil {
		return "", err
	}
	if prev == nil {
		return "", types.Errorf(types.KindNotFound, "memory %s not found", op.ID)
	}
	m := prev.Clone()
	if op.Content != nil {
		m.Content = *op.Content
	}
	if op.Priority != nil {
		m.Priority = types.ParsePriority(string(*op.Priority))
	}
	if op.Tags != nil {
		m.Tags = append([]string(nil), op.Tags...)
	}
	m.Properties = mergeProperties(m.Properties, op.Properties)
	if op.Embedding != nil {
		m.Embedding = append([]float32(nil), op.Embedding...)
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := r.st.UpdateMemory(ctx, m); err != nil {
		return "", err
	}
	r.events = append(r.events, event{previous: prev, current: m.Clone()})
	return m.ID, nil
}

// deleteMemory consults delete guards before removing the memory. A veto
// fails the operation.
func (e *Executor) deleteMemory(ctx context.Context, st storage.Store, id string) (string, error) {
	m, err := st.GetMemory(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", types.Errorf(types.KindNotFound, "memory %s not found", id)
	}
	if e.hooks != nil {
		if err := e.hooks.DispatchBeforeDelete(ctx, m); err != nil {
			return "", err
		}
	}
	ok, err := st.DeleteMemory(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", types.Errorf(types.KindNotFound, "memory %s not found", id)
	}
	return id, nil
}

func (e *Executor) createRelationship(ctx context.Context, r *run, op types.CreateRelationshipOp, now time.Time) (string, error) {
	id := op.ID
	if id == "" {
		id = e.newID()
	}
	rel := types.NewRelationship(id, op.Source, op.Target, op.RelationshipType)
	rel.CreatedAt, rel.UpdatedAt = now, now
	maps.Copy(rel.Properties, op.Properties)
	if err := rel.Validate(); err != nil {
		return "", err
	}
	if err := e.validateEdge(ctx, r, rel); err != nil {
		return "", err
	}
	if !op.Bidirectional {
		if err := r.st.CreateRelationship(ctx, rel); err != nil {
			return "", err
		}
		return rel.ID, nil
	}

	pair, err := e.pair(ctx, r.types, rel)
	if err != nil {
		return "", err
	}
	if err := e.validateEdge(ctx, r, pair); err != nil {
		return "", err
	}
	if err := e.createPair(ctx, r, rel, pair); err != nil {
		return "", err
	}
	return rel.ID, nil
}

func (e *Executor) validateEdge(ctx context.Context, r *run, rel *types.Relationship) error {
	if r.types == nil {
		return nil
	}
	return r.types.Validate(ctx, rel)
}

// createPair writes both edges of a bidirectional link so that either both
// land or neither does. Inside a batch transaction the rollback covers it;
// otherwise the pair gets its own transaction, or the forward edge is
// removed again on backends without one.
func (e *Executor) createPair(ctx context.Context, r *run, fwd, rev *types.Relationship) error {
	write := func(st storage.Store) error {
		if err := st.CreateRelationship(ctx, fwd); err != nil {
			return err
		}
		if err := st.CreateRelationship(ctx, rev); err != nil {
			return fmt.Errorf("create reverse of %s: %w", fwd.ID, err)
		}
		return nil
	}
	if r.inTx {
		return write(r.st)
	}
	if r.st.Capabilities().Transactions {
		return r.st.WithTx(ctx, write)
	}

	if err := r.st.CreateRelationship(ctx, fwd); err != nil {
		return err
	}
	if err := r.st.CreateRelationship(ctx, rev); err != nil {
		if _, derr := r.st.DeleteRelationship(ctx, fwd.ID); derr != nil {
			e.logger.Warn("could not undo half of a bidirectional link", "relationship_id", fwd.ID, "err", derr)
		}
		return fmt.Errorf("create reverse of %s: %w", fwd.ID, err)
	}
	return nil
}

func (e *Executor) pair(ctx context.Context, reg *relationships.Registry, rel *types.Relationship) (*types.Relationship, error) {
	id := e.newID()
	if reg != nil {
		return reg.Pair(ctx, rel, id)
	}
	p := rel.Clone()
	p.ID = id
	p.SourceID, p.TargetID = rel.TargetID, rel.SourceID
	return p, nil
}

func mergeProperties(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	maps.Copy(dst, src)
	return dst
}
