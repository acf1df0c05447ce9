package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LogConfig)
		wantErr bool
	}{
		{"defaults", func(*LogConfig) {}, false},
		{"upper case level", func(c *LogConfig) { c.Level = "DEBUG" }, false},
		{"bad level", func(c *LogConfig) { c.Level = "loud" }, true},
		{"bad format", func(c *LogConfig) { c.Format = "xml" }, true},
		{"file without path", func(c *LogConfig) { c.Output = "file"; c.FilePath = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.log")
	cfg := LogConfig{Level: "warn", Format: "json", Output: "file", FilePath: path}

	log, closer, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"component":"test"`)

	// The closer owns the file handle.
	require.NoError(t, closer.Close())
	assert.ErrorIs(t, closer.Close(), os.ErrClosed)
}

func TestStandardStreamsAreNotClosed(t *testing.T) {
	for _, output := range []string{"stdout", "stderr"} {
		_, closer, err := New(LogConfig{Level: "info", Format: "json", Output: output})
		require.NoError(t, err, output)
		require.NoError(t, closer.Close(), output)
		require.NoError(t, closer.Close(), output)
	}
	_, err := os.Stderr.Stat()
	assert.NoError(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(LogConfig{Level: "nope"})
	assert.Error(t, err)
}
