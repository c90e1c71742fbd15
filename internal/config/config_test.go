package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/internal/lifecycle"
	"github.com/scrypster/locai/pkg/types"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "embedded-graph", cfg.Storage.Graph.StorageType)
	assert.Equal(t, "text-embedding-3-small", cfg.ML.Embedding.ModelName)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Stdout)
	assert.True(t, cfg.LifecycleTracking.Enabled)
	assert.Equal(t, lifecycle.ModeBatched, cfg.LifecycleTracking.Mode)
	assert.Equal(t, 1000, cfg.Batch.MaxSize)
	assert.False(t, cfg.Relationships.Strict)
}

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	t.Setenv("LOCAI_HOST", "")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Remote.Host,
		"Default host must be 127.0.0.1 for security")
	assert.Equal(t, "127.0.0.1:6363", cfg.Remote.ListenAddr())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LOCAI_HOST", "0.0.0.0")
	t.Setenv("LOCAI_PORT", "7000")
	t.Setenv("LOCAI_STORAGE_BACKEND", "memory")
	t.Setenv("LOCAI_LOG_LEVEL", "debug")
	t.Setenv("LOCAI_RELATIONSHIPS_STRICT", "yes")
	t.Setenv("LOCAI_LIFECYCLE_MODE", "blocking")
	t.Setenv("LOCAI_EMBEDDING_API_KEY", "secret")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Remote.ListenAddr())
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Relationships.Strict)
	assert.Equal(t, lifecycle.ModeBlocking, cfg.LifecycleTracking.Mode)
	assert.Equal(t, "secret", cfg.ML.Embedding.APIKey)
}

func TestLoadConfig_BadEnvIntKeepsDefault(t *testing.T) {
	t.Setenv("LOCAI_PORT", "not-a-port")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 6363, cfg.Remote.Port)
}

func TestLoadConfig_Files(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"locai.toml": "[storage]\nbackend = \"memory\"\nnamespace = \"ns\"\n\n[logging]\nlevel = \"warn\"\n",
		"locai.yaml": "storage:\n  backend: memory\n  namespace: ns\nlogging:\n  level: warn\n",
		"locai.json": `{"storage":{"backend":"memory","namespace":"ns"},"logging":{"level":"warn"}}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			cfg, err := config.LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
			assert.Equal(t, "ns", cfg.Storage.Namespace)
			assert.Equal(t, "warn", cfg.Logging.Level)
			assert.Equal(t, "main", cfg.Storage.Database, "unset keys keep defaults")
		})
	}
}

func TestLoadConfig_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))
	t.Setenv(config.EnvConfigFile, path)
	t.Setenv("LOCAI_LOG_LEVEL", "error")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.True(t, types.IsKind(err, types.KindConfiguration))

	ini := filepath.Join(dir, "locai.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o600))
	_, err = config.LoadConfig(ini)
	assert.True(t, types.IsKind(err, types.KindConfiguration))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"storage":`), 0o600))
	_, err = config.LoadConfig(bad)
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"unknown backend":      func(c *config.Config) { c.Storage.Backend = "cassandra" },
		"postgres without dsn": func(c *config.Config) { c.Storage.Backend = config.BackendPostgres },
		"remote without url":   func(c *config.Config) { c.Storage.Backend = config.BackendRemote },
		"empty namespace":      func(c *config.Config) { c.Storage.Namespace = " " },
		"graph storage":        func(c *config.Config) { c.Storage.Graph.StorageType = "neo4j" },
		"model type":           func(c *config.Config) { c.ML.Embedding.ModelType = "word2vec" },
		"log level":            func(c *config.Config) { c.Logging.Level = "loud" },
		"log format":           func(c *config.Config) { c.Logging.Format = "xml" },
		"lifecycle mode":       func(c *config.Config) { c.LifecycleTracking.Mode = "eventually" },
		"chain length":         func(c *config.Config) { c.Versioning.MaxDeltaChainLength = 0 },
		"batch size":           func(c *config.Config) { c.Batch.MaxSize = 0 },
		"port":                 func(c *config.Config) { c.Remote.Port = 70000 },
		"retention":            func(c *config.Config) { c.Backup.Retention.Daily = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindConfiguration), "got %v", err)
		})
	}

	assert.NoError(t, config.DefaultConfig().Validate())
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out.toml", "out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Storage.Backend = config.BackendMemory
			cfg.Batch.MaxSize = 42
			cfg.ML.Embedding.APIKey = "secret"

			path := filepath.Join(dir, "nested", name)
			require.NoError(t, cfg.SaveConfig(path))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "secret", "api key is never written")

			loaded, err := config.LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, 42, loaded.Batch.MaxSize)
			assert.Equal(t, config.BackendMemory, loaded.Storage.Backend)
		})
	}
}
