package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithPackage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithPackage(zap.New(core))
	logger.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "log", entries[0].ContextMap()["package"])
}

func TestWithPackageNil(t *testing.T) {
	assert.NotNil(t, WithPackage(nil))
}

func TestNewFromConfigWritesFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File = filepath.Join(t.TempDir(), "logs", "stratus.log")

	logger, err := NewFromConfig(cfg)
	require.NoError(t, err)
	logger.Info("written")

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}

func TestNewFromConfigBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := NewFromConfig(cfg)
	assert.Error(t, err)
}
