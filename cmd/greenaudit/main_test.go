package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenaudit/internal/config"
)

func TestBuildLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		want  slog.Level
	}{
		{level: "", want: slog.LevelInfo},
		{level: "WARN", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
		{level: "error", debug: true, want: slog.LevelDebug},
	}
	for _, tt := range tests {
		logger, err := buildLogger(config.LoggingConfig{Level: tt.level}, tt.debug, &bytes.Buffer{})
		require.NoError(t, err)
		assert.True(t, logger.Enabled(context.Background(), tt.want), "level %q", tt.level)
		assert.False(t, logger.Enabled(context.Background(), tt.want-1), "level %q", tt.level)
	}

	_, err := buildLogger(config.LoggingConfig{Level: "loud"}, false, &bytes.Buffer{})
	require.Error(t, err)
}

func TestBuildLoggerStructured(t *testing.T) {
	var buf bytes.Buffer
	logger, err := buildLogger(config.LoggingConfig{Structured: true}, false, &buf)
	require.NoError(t, err)
	logger.Info("audit done", "score", 0.5)
	assert.Contains(t, buf.String(), `"msg":"audit done"`)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)

	path := filepath.Join(t.TempDir(), "greenaudit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o600))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("debug"))

	auditCmd, _, err := root.Find([]string{"audit"})
	require.NoError(t, err)
	for _, name := range []string{"stream", "cold-run", "id", "output", "max-navigation-time", "save", "min-score"} {
		assert.NotNil(t, auditCmd.Flags().Lookup(name), name)
	}

	serveCmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
}

func TestAuditRequiresURL(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"audit"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestScoreError(t *testing.T) {
	err := &ScoreError{Score: 0.42, Target: 0.8}
	assert.Equal(t, "global score 0.42 is below the required 0.80", err.Error())
}
