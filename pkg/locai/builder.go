package locai

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/scrypster/locai/internal/batch"
	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/internal/extraction"
	"github.com/scrypster/locai/internal/graph"
	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/internal/logging"
	"github.com/scrypster/locai/internal/relationships"
	"github.com/scrypster/locai/internal/search"
	"github.com/scrypster/locai/internal/storage"
	"github.com/scrypster/locai/internal/storage/memory"
	"github.com/scrypster/locai/internal/storage/postgres"
	"github.com/scrypster/locai/internal/storage/remote"
	"github.com/scrypster/locai/internal/storage/sqlite"
	"github.com/scrypster/locai/internal/storage/sqlstore"
	"github.com/scrypster/locai/internal/versioning"
	"github.com/scrypster/locai/pkg/embedding"
	"github.com/scrypster/locai/pkg/hooks"
	"github.com/scrypster/locai/pkg/scoring"
	"github.com/scrypster/locai/pkg/types"
)

// Config is the full Locai configuration.
type Config = config.Config

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.DefaultConfig() }

// LoadConfig reads defaults, the config file and LOCAI_* variables.
func LoadConfig(path string) (*Config, error) { return config.LoadConfig(path) }

// Builder assembles a Manager. Builder settings override the
// configuration they start from.
type Builder struct {
	cfg       *Config
	store     storage.Store
	logger    *log.Logger
	now       func() time.Time
	newID     func() string
	hooks     []hooks.Hook
	generator embedding.Generator
	extractor extraction.Extractor
	extracted func(extraction.Result, error)
}

// NewBuilder starts from the built-in defaults.
func NewBuilder() *Builder {
	return FromConfig(config.DefaultConfig())
}

// FromConfig starts from cfg. The builder works on a copy.
func FromConfig(cfg *Config) *Builder {
	c := *cfg
	return &Builder{cfg: &c}
}

// WithDataDir sets the sqlite data directory.
func (b *Builder) WithDataDir(dir string) *Builder {
	b.cfg.Storage.DataDir = dir
	b.cfg.Storage.Backend = config.BackendSQLite
	return b
}

// WithMemoryStorage selects the in-process backend.
func (b *Builder) WithMemoryStorage() *Builder {
	b.cfg.Storage.Backend = config.BackendMemory
	return b
}

// WithPostgres selects the postgres backend.
func (b *Builder) WithPostgres(dsn string) *Builder {
	b.cfg.Storage.Backend = config.BackendPostgres
	b.cfg.Storage.PostgresDSN = dsn
	return b
}

// WithRemote selects a remote server at url (ws:// or wss://).
func (b *Builder) WithRemote(url string) *Builder {
	b.cfg.Storage.Backend = config.BackendRemote
	b.cfg.Storage.RemoteURL = url
	return b
}

// WithStore uses an already opened store. The manager takes ownership and
// closes it.
func (b *Builder) WithStore(st storage.Store) *Builder {
	b.store = st
	return b
}

// WithNamespace sets the logical namespace.
func (b *Builder) WithNamespace(ns string) *Builder {
	b.cfg.Storage.Namespace = ns
	return b
}

// WithLogger replaces the logger built from the logging section.
func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now everywhere the manager stamps times.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithIDGenerator overrides uuid generation for memories, relationships
// and versions.
func (b *Builder) WithIDGenerator(gen func() string) *Builder {
	b.newID = gen
	return b
}

// WithLifecycle replaces the access tracking settings.
func (b *Builder) WithLifecycle(cfg lifecycle.Config) *Builder {
	b.cfg.LifecycleTracking = cfg
	return b
}

// WithScoring replaces the default scoring settings.
func (b *Builder) WithScoring(cfg scoring.Config) *Builder {
	b.cfg.Scoring = cfg
	return b
}

// WithVersioning replaces the versioning settings.
func (b *Builder) WithVersioning(cfg versioning.Config) *Builder {
	b.cfg.Versioning = cfg
	return b
}

// WithStrictRelationships rejects relationship types that are not defined.
func (b *Builder) WithStrictRelationships(strict bool) *Builder {
	b.cfg.Relationships.Strict = strict
	return b
}

// WithSyncHooks runs post-write hooks before the write returns.
func (b *Builder) WithSyncHooks() *Builder {
	b.cfg.Hooks.Async = false
	return b
}

// WithHook registers h when the manager is built.
func (b *Builder) WithHook(h hooks.Hook) *Builder {
	b.hooks = append(b.hooks, h)
	return b
}

// WithEmbeddingGenerator sets the generator used by text-only semantic
// search and EmbedText.
func (b *Builder) WithEmbeddingGenerator(g embedding.Generator) *Builder {
	b.generator = g
	return b
}

// WithEntityExtraction turns on background extraction, using ex instead of
// the pattern extractor when non-nil.
func (b *Builder) WithEntityExtraction(ex extraction.Extractor) *Builder {
	b.cfg.Extraction.Enabled = true
	b.extractor = ex
	return b
}

// OnEntitiesExtracted sets a callback run after background extraction
// finishes each memory.
func (b *Builder) OnEntitiesExtracted(fn func(extraction.Result, error)) *Builder {
	b.extracted = fn
	return b
}

// WithExpirySweep removes expired memories every interval. Zero keeps
// expiry lazy.
func (b *Builder) WithExpirySweep(interval time.Duration) *Builder {
	b.cfg.Expiry.SweepIntervalSecs = uint64(interval / time.Second)
	return b
}

// Build validates the configuration, opens the backend and starts the
// background workers.
func (b *Builder) Build(ctx context.Context) (*Manager, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logCloser io.Closer
	logger := b.logger
	if logger == nil {
		l, closer, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger, logCloser = l, closer
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	newID := b.newID
	if newID == nil {
		newID = uuid.NewString
	}

	st := b.store
	if st == nil {
		var err error
		if st, err = openStore(ctx, cfg, logger, now); err != nil {
			closeQuietly(logCloser)
			return nil, err
		}
	}

	m := &Manager{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		logCloser: logCloser,
		now:       now,
		newID:     newID,
		generator: b.generator,
	}
	if err := m.wire(ctx, b); err != nil {
		_ = st.Close()
		closeQuietly(logCloser)
		return nil, err
	}
	return m, nil
}

func (m *Manager) wire(ctx context.Context, b *Builder) error {
	cfg, st, logger := m.cfg, m.store, m.logger

	m.hooks = hooks.NewRegistry(
		hooks.WithLogger(logger),
		hooks.WithDefaultTimeout(time.Duration(cfg.Hooks.DefaultTimeoutMs)*time.Millisecond),
		hooks.WithAsync(cfg.Hooks.Async),
	)
	builtin := b.hooks
	if cfg.Hooks.WebhookURL != "" {
		builtin = append(builtin, hooks.NewWebhookHook(cfg.Hooks.WebhookURL, hooks.WebhookOptions{}))
	}
	if cfg.Hooks.EventFiles {
		builtin = append(builtin, hooks.NewEventFileHook(cfg.Storage.DataDir))
	}
	for _, h := range builtin {
		if err := m.hooks.Register(h); err != nil {
			return err
		}
	}

	m.types = relationships.NewRegistry(st,
		relationships.WithStrict(cfg.Relationships.Strict),
		relationships.WithLogger(logger),
		relationships.WithClock(m.now),
	)
	if cfg.Relationships.SeedDefaults {
		if _, err := m.types.SeedDefaults(ctx); err != nil {
			return err
		}
	}

	tracker, err := lifecycle.NewTracker(st, cfg.LifecycleTracking,
		lifecycle.WithLogger(logger), lifecycle.WithClock(m.now))
	if err != nil {
		return err
	}
	m.tracker = tracker

	if err := cfg.Scoring.Validate(); err != nil {
		return types.Wrap(types.KindConfiguration, err, "scoring")
	}
	m.search = search.NewPipeline(st,
		search.WithScoring(cfg.Scoring), search.WithClock(m.now), search.WithLogger(logger))

	versions, err := versioning.NewManager(st, cfg.Versioning,
		versioning.WithLogger(logger), versioning.WithClock(m.now), versioning.WithIDGenerator(m.newID))
	if err != nil {
		_ = tracker.Close(ctx)
		return err
	}
	m.versions = versions

	m.graph = graph.New(st, graph.WithTypes(m.types), graph.WithLogger(logger))

	m.batch = batch.NewExecutor(st,
		batch.WithHooks(m.hooks),
		batch.WithRelationships(m.types),
		batch.WithMaxSize(cfg.Batch.MaxSize),
		batch.WithLogger(logger),
		batch.WithClock(m.now),
		batch.WithIDGenerator(m.newID),
	)

	embOpts := []embedding.Option{
		embedding.WithDimension(cfg.ML.Embedding.Dimension),
		embedding.WithNormalization(cfg.ML.Embedding.Normalize),
	}
	m.embeddings = embedding.NewManager(embOpts...)
	if m.generator == nil && cfg.ML.Embedding.ServiceType == "remote" {
		client, err := embedding.NewClient(embedding.ClientConfig{
			Provider: embedding.Provider(cfg.ML.Embedding.ModelType),
			BaseURL:  cfg.ML.Embedding.ServiceURL,
			Model:    cfg.ML.Embedding.ModelName,
			APIKey:   cfg.ML.Embedding.APIKey,
		})
		if err != nil {
			_ = tracker.Close(ctx)
			return err
		}
		m.generator = client
	}

	ex := b.extractor
	if ex == nil {
		ex = extraction.NewPatternExtractor(cfg.Extraction.MinConfidence)
	}
	m.extraction = extraction.NewPipeline(st, ex, extraction.Config{
		Workers:          cfg.Extraction.Workers,
		QueueSize:        cfg.Extraction.QueueSize,
		RelationshipType: cfg.Extraction.RelationshipType,
	}, logger)
	m.extraction.OnProcessed = b.extracted
	if cfg.Extraction.Enabled {
		m.extraction.Start(context.WithoutCancel(ctx))
		m.extracting = true
	}

	if cfg.Expiry.SweepIntervalSecs > 0 {
		m.startSweeper(time.Duration(cfg.Expiry.SweepIntervalSecs) * time.Second)
	}
	return nil
}

func openStore(ctx context.Context, cfg *Config, logger *log.Logger, now func() time.Time) (storage.Store, error) {
	s := cfg.Storage
	opts := sqlstore.Options{Namespace: s.Namespace, Database: s.Database, Logger: logger, Now: now}
	switch s.Backend {
	case config.BackendMemory:
		return memory.New(memory.Options{Namespace: s.Namespace, Database: s.Database, Logger: logger, Now: now}), nil
	case config.BackendPostgres:
		return postgres.Open(ctx, s.PostgresDSN, opts)
	case config.BackendRemote:
		r := cfg.Remote
		return remote.Dial(ctx, s.RemoteURL, remote.ClientOptions{
			RequestTimeout: time.Duration(r.RequestTimeoutSecs) * time.Second,
			Breaker: remote.BreakerConfig{
				MaxFailures: r.BreakerMaxFailures,
				Timeout:     time.Duration(r.BreakerTimeoutSecs) * time.Second,
			},
			Logger: logger,
		})
	default:
		return sqlite.OpenDir(ctx, s.DataDir, opts)
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
