package extraction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Pipeline defaults.
const (
	DefaultWorkers          = 2
	DefaultQueueSize        = 256
	DefaultMaxEntities      = 50
	DefaultRelationshipType = "mentions"
	DefaultMaxRetries       = 3
)

// entityNamespace seeds the deterministic entity and edge ids so the same
// value found in two memories resolves to one entity.
var entityNamespace = uuid.MustParse("6f1d2c8e-4b7a-5e39-9c0d-2a8f1e7b3c45")

// Store is the persistence the pipeline writes through.
type Store interface {
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	CreateEntity(ctx context.Context, entity *types.Entity) error
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
	CreateRelationship(ctx context.Context, rel *types.Relationship) error
}

var _ Store = storage.Store(nil)

// Config tunes a Pipeline. Zero values select the defaults.
type Config struct {
	Workers          int
	QueueSize        int
	MaxEntities      int
	RelationshipType string
	MaxRetries       uint64
	ShutdownTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxEntities <= 0 {
		c.MaxEntities = DefaultMaxEntities
	}
	if c.RelationshipType == "" {
		c.RelationshipType = DefaultRelationshipType
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Result summarises one processed memory.
type Result struct {
	MemoryID      string
	Entities      []string
	Relationships []string
}

// Pipeline runs an Extractor over memories on a worker pool and links
// each memory to the entities it mentions.
type Pipeline struct {
	store     Store
	extractor Extractor
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	// OnProcessed, if set, is called after every job.
	OnProcessed func(Result, error)

	mu      sync.Mutex
	queue   chan string
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewPipeline returns a stopped pipeline.
func NewPipeline(store Store, extractor Extractor, cfg Config, logger *log.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		store:     store,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.With("component", "extraction"),
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Debug("extraction workers started", "workers", p.cfg.Workers)
}

// Enqueue schedules a memory for extraction without blocking. It reports
// false when the queue is full or the pipeline is stopped.
func (p *Pipeline) Enqueue(memoryID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- memoryID:
		return true
	default:
		p.logger.Debug("extraction queue full, dropping job", "memory_id", memoryID, "size", p.cfg.QueueSize)
		return false
	}
}

// Len returns the number of queued jobs.
func (p *Pipeline) Len() int { return len(p.queue) }

// Stop closes the queue and waits for the workers to drain it, bounded by
// ShutdownTimeout and ctx. Remaining jobs are dropped after that.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		p.logger.Warn("extraction shutdown timed out, dropping jobs", "remaining", len(p.queue))
	case <-ctx.Done():
		p.logger.Warn("extraction shutdown cancelled, dropping jobs", "remaining", len(p.queue))
	}
	p.cancel()
	<-done
	return ctx.Err()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for memoryID := range p.queue {
		if ctx.Err() != nil {
			continue
		}
		res, err := p.processWithRetry(ctx, memoryID)
		if err != nil {
			p.logger.Warn("extraction failed", "worker", id, "memory_id", memoryID, "error", err)
		}
		if p.OnProcessed != nil {
			p.OnProcessed(res, err)
		}
	}
}

func (p *Pipeline) processWithRetry(ctx context.Context, memoryID string) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	var res Result
	err := backoff.Retry(func() error {
		var err error
		res, err = p.Process(ctx, memoryID)
		if err != nil && !types.IsKind(err, types.KindTemporary) && !types.IsKind(err, types.KindConnection) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.MaxRetries), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}

// Process extracts entities from one memory synchronously and links them.
// Entities and edges have deterministic ids, so processing the same memory
// twice adds nothing. A memory that no longer exists is skipped.
func (p *Pipeline) Process(ctx context.Context, memoryID string) (Result, error) {
	res := Result{MemoryID: memoryID}
	m, err := p.store.GetMemory(ctx, memoryID)
	if err != nil {
		return res, err
	}
	if m == nil {
		return res, nil
	}

	found, err := p.extractor.Extract(ctx, m.Content)
	if err != nil {
		return res, types.Wrap(types.KindOperation, err, "extract entities from %s", memoryID)
	}
	found = Deduplicate(found)
	if len(found) > p.cfg.MaxEntities {
		found = found[:p.cfg.MaxEntities]
	}

	now := p.now().UTC()
	for _, f := range found {
		entID := EntityID(f)
		ent, err := p.store.GetEntity(ctx, entID)
		if err != nil {
			return res, err
		}
		if ent == nil {
			ent = types.NewEntity(entID, f.EntityType)
			ent.CreatedAt, ent.UpdatedAt = now, now
			ent.Properties["name"] = f.Text
			ent.Properties["normalized"] = f.Normalized()
			ent.Properties["extractor"] = f.Extractor
			ent.Properties["confidence"] = f.Confidence
			if err := p.store.CreateEntity(ctx, ent); err != nil && !types.IsKind(err, types.KindAlreadyExists) {
				return res, err
			}
		}
		res.Entities = append(res.Entities, entID)

		relID := uuid.NewSHA1(entityNamespace, []byte(memoryID+"\x00"+entID)).String()
		existing, err := p.store.GetRelationship(ctx, relID)
		if err != nil {
			return res, err
		}
		if existing == nil {
			rel := types.NewRelationship(relID, memoryID, entID, p.cfg.RelationshipType)
			rel.CreatedAt, rel.UpdatedAt = now, now
			rel.Properties["auto_generated"] = true
			rel.Properties["confidence"] = f.Confidence
			rel.Properties["start"] = f.Start
			rel.Properties["end"] = f.End
			if err := p.store.CreateRelationship(ctx, rel); err != nil && !types.IsKind(err, types.KindAlreadyExists) {
				return res, err
			}
		}
		res.Relationships = append(res.Relationships, relID)
	}
	p.logger.Debug("entities linked", "memory_id", memoryID, "entities", len(res.Entities))
	return res, nil
}

// EntityID returns the deterministic id of an extracted entity.
func EntityID(e Entity) string {
	return "entity:" + e.EntityType + ":" + uuid.NewSHA1(entityNamespace, []byte(e.EntityType+"\x00"+e.Normalized())).String()
}
