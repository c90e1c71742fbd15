package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/pkg/types"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"trace": log.DebugLevel,
		"debug": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("chatty")
	assert.True(t, types.IsKind(err, types.KindConfiguration))
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "locai.log")
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("stored memory", "id", "m1")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"stored memory"`)
	assert.Contains(t, string(raw), `"id":"m1"`)
	assert.NotContains(t, string(raw), "hidden")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, closer, err := New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.True(t, types.IsKind(err, types.KindConfiguration))
	assert.NoError(t, closer.Close())
}
