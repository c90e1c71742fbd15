package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/pkg/types"
)

// Mode selects how access updates reach storage.
type Mode string

// Tracking modes
const (
	// ModeBatched queues updates and flushes them on an interval or when
	// the queue passes half capacity.
	ModeBatched Mode = "batched"

	// ModeAsync writes each update in its own goroutine.
	ModeAsync Mode = "async"

	// ModeBlocking writes each update before the read returns.
	ModeBlocking Mode = "blocking"
)

// Access identifies the read path that touched a memory.
type Access int

// Read paths
const (
	AccessGet Access = iota
	AccessSearch
	AccessList
)

// Config controls access tracking.
type Config struct {
	Enabled             bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Mode                Mode   `json:"mode" yaml:"mode" toml:"mode"`
	UpdateOnGet         bool   `json:"update_on_get" yaml:"update_on_get" toml:"update_on_get"`
	UpdateOnSearch      bool   `json:"update_on_search" yaml:"update_on_search" toml:"update_on_search"`
	UpdateOnList        bool   `json:"update_on_list" yaml:"update_on_list" toml:"update_on_list"`
	FlushIntervalSecs   uint64 `json:"flush_interval_secs" yaml:"flush_interval_secs" toml:"flush_interval_secs"`
	FlushThresholdCount int    `json:"flush_threshold_count" yaml:"flush_threshold_count" toml:"flush_threshold_count"`
}

// DefaultConfig returns batched tracking of gets only, flushed every 60s or
// at 100 pending memories.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Mode:                ModeBatched,
		UpdateOnGet:         true,
		FlushIntervalSecs:   60,
		FlushThresholdCount: 100,
	}
}

// Validate checks the intervals and the mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeBatched, ModeAsync, ModeBlocking:
	default:
		return types.Errorf(types.KindConfiguration, "lifecycle_tracking.mode %q is not one of batched, async, blocking", c.Mode)
	}
	if c.FlushIntervalSecs == 0 {
		return types.NewError(types.KindConfiguration, "lifecycle_tracking.flush_interval_secs must be > 0")
	}
	if c.FlushThresholdCount <= 0 {
		return types.NewError(types.KindConfiguration, "lifecycle_tracking.flush_threshold_count must be > 0")
	}
	return nil
}

func (c Config) tracks(a Access) bool {
	if !c.Enabled {
		return false
	}
	switch a {
	case AccessGet:
		return c.UpdateOnGet
	case AccessSearch:
		return c.UpdateOnSearch
	case AccessList:
		return c.UpdateOnList
	}
	return false
}

// Writer persists aggregated updates. storage.Store satisfies it.
type Writer interface {
	ApplyAccessUpdates(ctx context.Context, updates []storage.AccessUpdate) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the clock used to stamp accesses.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker records memory accesses according to Config.
type Tracker struct {
	cfg    Config
	writer Writer
	queue  *Queue
	logger *log.Logger
	now    func() time.Time

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	async   sync.WaitGroup
	once    sync.Once
}

// NewTracker validates cfg and, in batched mode, starts the flush loop.
// Close must be called to stop it.
func NewTracker(w Writer, cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:    cfg,
		writer: w,
		queue:  NewQueue(cfg.FlushThresholdCount),
		logger: log.Default(),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "lifecycle")
	if cfg.Enabled && cfg.Mode == ModeBatched {
		go t.loop(time.Duration(cfg.FlushIntervalSecs) * time.Second)
	} else {
		close(t.done)
	}
	return t, nil
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Queue exposes the pending queue.
func (t *Tracker) Queue() *Queue { return t.queue }

// Record notes one access to each id through read path a. Only blocking
// mode returns storage errors; the other modes log them.
func (t *Tracker) Record(ctx context.Context, a Access, ids ...string) error {
	if len(ids) == 0 || !t.cfg.tracks(a) {
		return nil
	}
	at := t.now().UTC()
	updates := make([]storage.AccessUpdate, len(ids))
	for i, id := range ids {
		updates[i] = storage.AccessUpdate{MemoryID: id, Delta: 1, Timestamp: at}
	}

	switch t.cfg.Mode {
	case ModeBlocking:
		return t.writer.ApplyAccessUpdates(ctx, updates)
	case ModeAsync:
		t.async.Add(1)
		go func() {
			defer t.async.Done()
			if err := t.writer.ApplyAccessUpdates(context.WithoutCancel(ctx), updates); err != nil {
				t.logger.Warn("async access update failed", "count", len(updates), "err", err)
			}
		}()
		return nil
	}

	for _, u := range updates {
		if err := t.queue.Enqueue(u); err != nil {
			t.logger.Debug("access update dropped", "memory_id", u.MemoryID, "err", err)
		}
	}
	if t.queue.ShouldFlush() {
		select {
		case t.kick <- struct{}{}:
		default:
			// A flush is already requested.
		}
	}
	return nil
}

func (t *Tracker) loop(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-t.kick:
		case <-t.stop:
			return
		}
		if err := t.Flush(context.Background()); err != nil {
			t.logger.Warn("access flush failed", "err", err)
		}
	}
}

// Flush drains the queue into one storage write. Flushes never overlap, and
// once started a flush ignores cancellation of ctx. A Temporary failure is
// retried once; a failed batch is dropped.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	updates := t.queue.Drain()
	if len(updates) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1)
	err := backoff.Retry(func() error {
		err := t.writer.ApplyAccessUpdates(ctx, updates)
		if err != nil && !types.IsKind(err, types.KindTemporary) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return types.Wrap(types.KindOperation, err, "flush %d access updates", len(updates))
	}
	t.logger.Debug("flushed access updates", "count", len(updates))
	return nil
}

// Close stops the flush loop, waits for async writes and performs a final
// flush.
func (t *Tracker) Close(ctx context.Context) error {
	t.once.Do(func() { close(t.stop) })
	<-t.done
	t.async.Wait()
	return t.Flush(ctx)
}
