// Package config provides configuration management for Locai.
//
// Settings come from, in increasing precedence: built-in defaults, a config
// file (TOML, YAML or JSON, chosen by extension), and environment variables
// with the LOCAI_ prefix. Builder calls on the manager override all three.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/internal/retention"
	"github.com/scrypster/locai/internal/versioning"
	"github.com/scrypster/locai/pkg/scoring"
	"github.com/scrypster/locai/pkg/types"
)

// EnvConfigFile names the config file to load when LoadConfig gets no path.
const EnvConfigFile = "LOCAI_CONFIG"

// Config holds all configuration settings for Locai.
type Config struct {
	Storage           StorageConfig       `json:"storage" yaml:"storage" toml:"storage"`
	ML                MLConfig            `json:"ml" yaml:"ml" toml:"ml"`
	Logging           LoggingConfig       `json:"logging" yaml:"logging" toml:"logging"`
	LifecycleTracking lifecycle.Config    `json:"lifecycle_tracking" yaml:"lifecycle_tracking" toml:"lifecycle_tracking"`
	Versioning        versioning.Config   `json:"versioning" yaml:"versioning" toml:"versioning"`
	Scoring           scoring.Config      `json:"scoring" yaml:"scoring" toml:"scoring"`
	Relationships     RelationshipsConfig `json:"relationships" yaml:"relationships" toml:"relationships"`
	Hooks             HooksConfig         `json:"hooks" yaml:"hooks" toml:"hooks"`
	Batch             BatchConfig         `json:"batch" yaml:"batch" toml:"batch"`
	Expiry            ExpiryConfig        `json:"expiry" yaml:"expiry" toml:"expiry"`
	Extraction        ExtractionConfig    `json:"extraction" yaml:"extraction" toml:"extraction"`
	Remote            RemoteConfig        `json:"remote" yaml:"remote" toml:"remote"`
	Backup            BackupConfig        `json:"backup" yaml:"backup" toml:"backup"`
}

// Storage backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRemote   = "remote"
)

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	DataDir     string              `json:"data_dir" yaml:"data_dir" toml:"data_dir"`             // Data directory for the sqlite file (default: ./data)
	Backend     string              `json:"backend" yaml:"backend" toml:"backend"`                // sqlite, postgres, memory, remote (default: sqlite)
	Graph       GraphStorageConfig  `json:"graph" yaml:"graph" toml:"graph"`                      // Graph index settings
	Vector      VectorStorageConfig `json:"vector" yaml:"vector" toml:"vector"`                   // Vector index settings
	Namespace   string              `json:"namespace" yaml:"namespace" toml:"namespace"`          // Logical namespace (default: locai)
	Database    string              `json:"database" yaml:"database" toml:"database"`             // Logical database name (default: main)
	PostgresDSN string              `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty" toml:"postgres_dsn,omitempty"` // Required for postgres
	RemoteURL   string              `json:"remote_url,omitempty" yaml:"remote_url,omitempty" toml:"remote_url,omitempty"`       // ws:// URL, required for remote
}

// GraphStorageConfig selects the graph index.
type GraphStorageConfig struct {
	StorageType string `json:"storage_type" yaml:"storage_type" toml:"storage_type"` // embedded-graph
}

// VectorStorageConfig selects the vector index.
type VectorStorageConfig struct {
	StorageType string `json:"storage_type" yaml:"storage_type" toml:"storage_type"` // embedded-graph or memory
}

// MLConfig contains embedding settings.
type MLConfig struct {
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding" toml:"embedding"`
}

// EmbeddingConfig describes where embeddings come from. With service_type
// local the caller supplies vectors directly; remote calls service_url.
type EmbeddingConfig struct {
	ModelType   string `json:"model_type" yaml:"model_type" toml:"model_type"`       // openai, cohere, custom (default: openai)
	ModelName   string `json:"model_name" yaml:"model_name" toml:"model_name"`       // default: text-embedding-3-small
	ServiceType string `json:"service_type" yaml:"service_type" toml:"service_type"` // local or remote (default: local)
	ServiceURL  string `json:"service_url,omitempty" yaml:"service_url,omitempty" toml:"service_url,omitempty"`
	APIKey      string `json:"-" yaml:"-" toml:"-"`                               // LOCAI_EMBEDDING_API_KEY only, never written to disk
	Dimension   int    `json:"dimension" yaml:"dimension" toml:"dimension"`       // 0 lets the first stored vector decide
	Normalize   bool   `json:"normalize" yaml:"normalize" toml:"normalize"`       // L2-normalise vectors before storing
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`                         // trace, debug, info, warn, error (default: info)
	Format string `json:"format" yaml:"format" toml:"format"`                      // default, json, compact, pretty (default: default)
	File   string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"` // Optional log file, appended to
	Stdout bool   `json:"stdout" yaml:"stdout" toml:"stdout"`                      // Write to stdout (default: true)
	Stderr bool   `json:"stderr" yaml:"stderr" toml:"stderr"`                      // Write to stderr
}

// RelationshipsConfig controls the relationship type registry.
type RelationshipsConfig struct {
	Strict       bool `json:"strict" yaml:"strict" toml:"strict"`                      // Reject undefined types (default: false)
	SeedDefaults bool `json:"seed_defaults" yaml:"seed_defaults" toml:"seed_defaults"` // Define built-in types at startup (default: true)
}

// HooksConfig controls hook dispatch.
type HooksConfig struct {
	Async            bool   `json:"async" yaml:"async" toml:"async"`                                  // Post-write hooks run in the background (default: true)
	DefaultTimeoutMs uint64 `json:"default_timeout_ms" yaml:"default_timeout_ms" toml:"default_timeout_ms"` // Per-hook timeout (default: 5000)
	DrainTimeoutMs   uint64 `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`       // Wait for hooks on close (default: 5000)
	WebhookURL       string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" toml:"webhook_url,omitempty"` // POST every memory event here
	EventFiles       bool   `json:"event_files" yaml:"event_files" toml:"event_files"`                      // Write event files under {data_dir}/events
}

// BatchConfig controls the batch executor.
type BatchConfig struct {
	MaxSize int `json:"max_size" yaml:"max_size" toml:"max_size"` // Operations per batch (default: 1000)
}

// ExpiryConfig controls physical removal of expired memories.
type ExpiryConfig struct {
	SweepIntervalSecs uint64 `json:"sweep_interval_secs" yaml:"sweep_interval_secs" toml:"sweep_interval_secs"` // 0 keeps expiry lazy only
}

// ExtractionConfig controls background entity extraction.
type ExtractionConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled" toml:"enabled"`                               // default: false
	Workers          int     `json:"workers" yaml:"workers" toml:"workers"`                               // default: 2
	QueueSize        int     `json:"queue_size" yaml:"queue_size" toml:"queue_size"`                      // default: 256
	MinConfidence    float64 `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence"`          // default: 0.7
	RelationshipType string  `json:"relationship_type" yaml:"relationship_type" toml:"relationship_type"` // default: mentions
}

// RemoteConfig configures the remote server and client.
type RemoteConfig struct {
	Host               string  `json:"host" yaml:"host" toml:"host"`                                     // Listen host (default: 127.0.0.1)
	Port               int     `json:"port" yaml:"port" toml:"port"`                                     // Listen port (default: 6363)
	RateLimitPerSec    float64 `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec" toml:"rate_limit_per_sec"` // 0 disables limiting
	RateBurst          int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
	RequestTimeoutSecs uint64  `json:"request_timeout_secs" yaml:"request_timeout_secs" toml:"request_timeout_secs"`
	BreakerMaxFailures uint32  `json:"breaker_max_failures" yaml:"breaker_max_failures" toml:"breaker_max_failures"`
	BreakerTimeoutSecs uint64  `json:"breaker_timeout_secs" yaml:"breaker_timeout_secs" toml:"breaker_timeout_secs"`
}

// ListenAddr returns host:port.
func (r RemoteConfig) ListenAddr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	Dir       string           `json:"dir" yaml:"dir" toml:"dir"`                   // Backup directory (default: ./backups)
	Verify    bool             `json:"verify" yaml:"verify" toml:"verify"`          // Integrity-check every backup (default: true)
	Retention retention.Policy `json:"retention" yaml:"retention" toml:"retention"` // Tiered retention (default: 24/7/4/12)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:   "./data",
			Backend:   BackendSQLite,
			Graph:     GraphStorageConfig{StorageType: "embedded-graph"},
			Vector:    VectorStorageConfig{StorageType: "embedded-graph"},
			Namespace: "locai",
			Database:  "main",
		},
		ML: MLConfig{Embedding: EmbeddingConfig{
			ModelType:   "openai",
			ModelName:   "text-embedding-3-small",
			ServiceType: "local",
		}},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "default",
			Stdout: true,
		},
		LifecycleTracking: lifecycle.DefaultConfig(),
		Versioning:        versioning.DefaultConfig(),
		Scoring:           scoring.Default(),
		Relationships:     RelationshipsConfig{SeedDefaults: true},
		Hooks:             HooksConfig{Async: true, DefaultTimeoutMs: 5000, DrainTimeoutMs: 5000},
		Batch:             BatchConfig{MaxSize: 1000},
		Extraction: ExtractionConfig{
			Workers:          2,
			QueueSize:        256,
			MinConfidence:    0.7,
			RelationshipType: "mentions",
		},
		Remote: RemoteConfig{
			Host:               "127.0.0.1",
			Port:               6363,
			RateBurst:          1,
			RequestTimeoutSecs: 30,
			BreakerMaxFailures: 3,
			BreakerTimeoutSecs: 30,
		},
		Backup: BackupConfig{
			Dir:       "./backups",
			Verify:    true,
			Retention: retention.DefaultPolicy(),
		},
	}
}

// LoadConfig builds a configuration from defaults, the file at path (or
// $LOCAI_CONFIG when path is empty), and LOCAI_* environment variables,
// then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.KindConfiguration, err, "config: read %s", path)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(c)
	default:
		return types.Errorf(types.KindConfiguration, "config: unsupported file type %q", ext)
	}
	if err != nil {
		return types.Wrap(types.KindConfiguration, err, "config: parse %s", path)
	}
	return nil
}

// SaveConfig writes the configuration to path in the format its extension
// names. Secrets tagged "-" are not written.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		data, err = toml.Marshal(c)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return types.Errorf(types.KindConfiguration, "config: unsupported file type %q", ext)
	}
	if err != nil {
		return types.Wrap(types.KindSerialization, err, "config: encode")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.Wrap(types.KindConfiguration, err, "config: create %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return types.Wrap(types.KindConfiguration, err, "config: write %s", path)
	}
	return nil
}

// applyEnv overrides fields from LOCAI_* variables. Unset or unparsable
// variables keep the current value.
func (c *Config) applyEnv() {
	s := &c.Storage
	s.DataDir = getEnv("LOCAI_DATA_DIR", s.DataDir)
	s.Backend = getEnv("LOCAI_STORAGE_BACKEND", s.Backend)
	s.Namespace = getEnv("LOCAI_NAMESPACE", s.Namespace)
	s.Database = getEnv("LOCAI_DATABASE", s.Database)
	s.PostgresDSN = getEnv("LOCAI_POSTGRES_DSN", s.PostgresDSN)
	s.RemoteURL = getEnv("LOCAI_REMOTE_URL", s.RemoteURL)
	s.Vector.StorageType = getEnv("LOCAI_VECTOR_STORAGE", s.Vector.StorageType)

	e := &c.ML.Embedding
	e.ModelType = getEnv("LOCAI_EMBEDDING_MODEL_TYPE", e.ModelType)
	e.ModelName = getEnv("LOCAI_EMBEDDING_MODEL", e.ModelName)
	e.ServiceType = getEnv("LOCAI_EMBEDDING_SERVICE_TYPE", e.ServiceType)
	e.ServiceURL = getEnv("LOCAI_EMBEDDING_SERVICE_URL", e.ServiceURL)
	e.APIKey = getEnv("LOCAI_EMBEDDING_API_KEY", e.APIKey)
	e.Dimension = getEnvInt("LOCAI_EMBEDDING_DIMENSION", e.Dimension)
	e.Normalize = getEnvBool("LOCAI_EMBEDDING_NORMALIZE", e.Normalize)

	l := &c.Logging
	l.Level = getEnv("LOCAI_LOG_LEVEL", l.Level)
	l.Format = getEnv("LOCAI_LOG_FORMAT", l.Format)
	l.File = getEnv("LOCAI_LOG_FILE", l.File)
	l.Stdout = getEnvBool("LOCAI_LOG_STDOUT", l.Stdout)
	l.Stderr = getEnvBool("LOCAI_LOG_STDERR", l.Stderr)

	lt := &c.LifecycleTracking
	lt.Enabled = getEnvBool("LOCAI_LIFECYCLE_ENABLED", lt.Enabled)
	lt.Mode = lifecycle.Mode(getEnv("LOCAI_LIFECYCLE_MODE", string(lt.Mode)))
	lt.FlushIntervalSecs = uint64(getEnvInt("LOCAI_LIFECYCLE_FLUSH_INTERVAL_SECS", int(lt.FlushIntervalSecs)))
	lt.FlushThresholdCount = getEnvInt("LOCAI_LIFECYCLE_FLUSH_THRESHOLD", lt.FlushThresholdCount)

	v := &c.Versioning
	v.Enabled = getEnvBool("LOCAI_VERSIONING_ENABLED", v.Enabled)
	v.CacheSize = getEnvInt("LOCAI_VERSION_CACHE_SIZE", v.CacheSize)
	v.CacheStrategy = versioning.CacheStrategy(getEnv("LOCAI_VERSION_CACHE_STRATEGY", string(v.CacheStrategy)))

	c.Relationships.Strict = getEnvBool("LOCAI_RELATIONSHIPS_STRICT", c.Relationships.Strict)
	c.Hooks.Async = getEnvBool("LOCAI_HOOKS_ASYNC", c.Hooks.Async)
	c.Hooks.WebhookURL = getEnv("LOCAI_WEBHOOK_URL", c.Hooks.WebhookURL)
	c.Hooks.EventFiles = getEnvBool("LOCAI_EVENT_FILES", c.Hooks.EventFiles)
	c.Batch.MaxSize = getEnvInt("LOCAI_BATCH_MAX_SIZE", c.Batch.MaxSize)
	c.Expiry.SweepIntervalSecs = uint64(getEnvInt("LOCAI_EXPIRY_SWEEP_INTERVAL_SECS", int(c.Expiry.SweepIntervalSecs)))

	x := &c.Extraction
	x.Enabled = getEnvBool("LOCAI_EXTRACTION_ENABLED", x.Enabled)
	x.Workers = getEnvInt("LOCAI_EXTRACTION_WORKERS", x.Workers)

	r := &c.Remote
	r.Host = getEnv("LOCAI_HOST", r.Host)
	r.Port = getEnvInt("LOCAI_PORT", r.Port)
	r.RateLimitPerSec = getEnvFloat("LOCAI_RATE_LIMIT", r.RateLimitPerSec)
	r.RateBurst = getEnvInt("LOCAI_RATE_BURST", r.RateBurst)

	b := &c.Backup
	b.Dir = getEnv("LOCAI_BACKUP_DIR", b.Dir)
	b.Verify = getEnvBool("LOCAI_BACKUP_VERIFY", b.Verify)
	b.Retention.Hourly = getEnvInt("LOCAI_BACKUP_RETENTION_HOURLY", b.Retention.Hourly)
	b.Retention.Daily = getEnvInt("LOCAI_BACKUP_RETENTION_DAILY", b.Retention.Daily)
	b.Retention.Weekly = getEnvInt("LOCAI_BACKUP_RETENTION_WEEKLY", b.Retention.Weekly)
	b.Retention.Monthly = getEnvInt("LOCAI_BACKUP_RETENTION_MONTHLY", b.Retention.Monthly)
}

// Validate checks every section. Errors are Configuration errors naming
// the offending key.
func (c *Config) Validate() error {
	s := c.Storage
	switch s.Backend {
	case BackendSQLite:
		if s.DataDir == "" {
			return types.NewError(types.KindConfiguration, "storage.data_dir is required for the sqlite backend")
		}
	case BackendMemory:
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return types.NewError(types.KindConfiguration, "storage.postgres_dsn is required for the postgres backend")
		}
	case BackendRemote:
		if s.RemoteURL == "" {
			return types.NewError(types.KindConfiguration, "storage.remote_url is required for the remote backend")
		}
	default:
		return types.Errorf(types.KindConfiguration, "storage.backend %q is not one of sqlite, postgres, memory, remote", s.Backend)
	}
	if strings.TrimSpace(s.Namespace) == "" {
		return types.NewError(types.KindConfiguration, "storage.namespace must not be empty")
	}
	if strings.TrimSpace(s.Database) == "" {
		return types.NewError(types.KindConfiguration, "storage.database must not be empty")
	}
	if s.Graph.StorageType != "embedded-graph" {
		return types.Errorf(types.KindConfiguration, "storage.graph.storage_type %q is not supported", s.Graph.StorageType)
	}
	if s.Vector.StorageType != "embedded-graph" && s.Vector.StorageType != "memory" {
		return types.Errorf(types.KindConfiguration, "storage.vector.storage_type %q is not one of embedded-graph, memory", s.Vector.StorageType)
	}

	e := c.ML.Embedding
	if !oneOf(e.ModelType, "openai", "cohere", "custom") {
		return types.Errorf(types.KindConfiguration, "ml.embedding.model_type %q is not one of openai, cohere, custom", e.ModelType)
	}
	if strings.TrimSpace(e.ModelName) == "" {
		return types.NewError(types.KindConfiguration, "ml.embedding.model_name must not be empty")
	}
	if !oneOf(e.ServiceType, "local", "remote") {
		return types.Errorf(types.KindConfiguration, "ml.embedding.service_type %q is not one of local, remote", e.ServiceType)
	}
	if e.Dimension < 0 {
		return types.Errorf(types.KindConfiguration, "ml.embedding.dimension must be >= 0, got %d", e.Dimension)
	}

	if !oneOf(c.Logging.Level, "trace", "debug", "info", "warn", "error") {
		return types.Errorf(types.KindConfiguration, "logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, "default", "json", "compact", "pretty") {
		return types.Errorf(types.KindConfiguration, "logging.format %q is not one of default, json, compact, pretty", c.Logging.Format)
	}

	if err := c.LifecycleTracking.Validate(); err != nil {
		return err
	}
	if err := c.Versioning.Validate(); err != nil {
		return err
	}
	if err := c.Scoring.Validate(); err != nil {
		return types.Wrap(types.KindConfiguration, err, "scoring")
	}
	if c.Hooks.DefaultTimeoutMs == 0 {
		return types.NewError(types.KindConfiguration, "hooks.default_timeout_ms must be > 0")
	}
	if c.Batch.MaxSize <= 0 {
		return types.Errorf(types.KindConfiguration, "batch.max_size must be > 0, got %d", c.Batch.MaxSize)
	}
	if c.Extraction.Enabled {
		if c.Extraction.Workers <= 0 || c.Extraction.QueueSize <= 0 {
			return types.NewError(types.KindConfiguration, "extraction.workers and extraction.queue_size must be > 0")
		}
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return types.Errorf(types.KindConfiguration, "remote.port %d is out of range", c.Remote.Port)
	}
	if c.Remote.RateLimitPerSec < 0 {
		return types.NewError(types.KindConfiguration, "remote.rate_limit_per_sec must be >= 0")
	}
	if err := c.Backup.Retention.Validate(); err != nil {
		return types.Wrap(types.KindConfiguration, err, "backup.retention")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
