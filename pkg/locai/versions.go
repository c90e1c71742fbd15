package locai

import (
	"context"

	"github.com/scrypster/locai/internal/batch"
	"github.com/scrypster/locai/pkg/types"
)

// CreateVersion checkpoints every memory, entity and relationship.
func (m *Manager) CreateVersion(ctx context.Context, description string, metadata map[string]any) (*types.Version, error) {
	return m.versions.Create(ctx, description, metadata)
}

// CreateConversationVersion checkpoints a conversation session.
func (m *Manager) CreateConversationVersion(ctx context.Context, sessionID, description string) (*types.Version, error) {
	return m.versions.CreateConversationVersion(ctx, sessionID, description)
}

// CreateKnowledgeVersion checkpoints the knowledge about topic.
func (m *Manager) CreateKnowledgeVersion(ctx context.Context, topic, description string) (*types.Version, error) {
	return m.versions.CreateKnowledgeVersion(ctx, topic, description)
}

// GetVersion returns a version, or nil.
func (m *Manager) GetVersion(ctx context.Context, id string) (*types.Version, error) {
	return m.versions.Get(ctx, id)
}

// ListVersions returns versions newest first.
func (m *Manager) ListVersions(ctx context.Context, limit, offset int) ([]*types.Version, error) {
	return m.versions.List(ctx, limit, offset)
}

// ListVersionsByType returns versions whose snapshot_type is typ.
func (m *Manager) ListVersionsByType(ctx context.Context, typ string) ([]*types.Version, error) {
	return m.versions.ListByType(ctx, typ)
}

// CheckoutVersion replaces the live record set with the one captured by
// version id. It reports false when the version does not exist. Pending
// access updates are flushed first so they are not replayed onto the
// restored records.
func (m *Manager) CheckoutVersion(ctx context.Context, id string) (bool, error) {
	if err := m.tracker.Flush(ctx); err != nil {
		m.logger.Warn("flush before checkout failed", "err", err)
	}
	ok, err := m.versions.Checkout(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	m.types.Invalidate()
	return true, nil
}

// DeleteVersion removes a version, rebasing any deltas that depended on it.
func (m *Manager) DeleteVersion(ctx context.Context, id string) (bool, error) {
	return m.versions.Delete(ctx, id)
}

// PromoteVersion stores version id as a full snapshot.
func (m *Manager) PromoteVersion(ctx context.Context, id string) (bool, error) {
	return m.versions.Promote(ctx, id)
}

// CompactVersions drops the delta payloads of versions that were promoted
// to full snapshots longer ago than the delta retention window, and
// returns how many were compacted.
func (m *Manager) CompactVersions(ctx context.Context) (int, error) {
	return m.versions.CompactPromoted(ctx)
}

// SweepVersions applies the versioning retention policy.
func (m *Manager) SweepVersions(ctx context.Context) (int, error) {
	return m.versions.Sweep(ctx)
}

// ExecuteBatch runs ops in order. Transactional batches roll back entirely
// on the first failure and need a backend with transactions.
func (m *Manager) ExecuteBatch(ctx context.Context, ops []types.BatchOperation, transactional bool) (*types.BatchResponse, error) {
	return m.batch.Execute(ctx, ops, transactional)
}

// ExecuteBatchFile loads a JSON or YAML batch file and runs it. The
// file's transactional flag is used unless forceTransactional is set.
func (m *Manager) ExecuteBatchFile(ctx context.Context, path string, forceTransactional bool) (*types.BatchResponse, error) {
	f, err := batch.LoadOperations(path)
	if err != nil {
		return nil, err
	}
	return m.batch.Execute(ctx, f.Operations, f.Transactional || forceTransactional)
}
