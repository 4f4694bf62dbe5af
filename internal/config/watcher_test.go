package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kolstore.yaml")
	writeConfigFile(t, path, "log_level: info\n")

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	w, path := newTestWatcher(t)
	assert.Equal(t, "info", w.Current().LogLevel)

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) { reloaded <- cfg })

	writeConfigFile(t, path, "log_level: warn\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
	assert.Equal(t, "warn", w.Current().LogLevel)
}

func TestWatcherKeepsPreviousConfigOnInvalidEdit(t *testing.T) {
	w, path := newTestWatcher(t)

	writeConfigFile(t, path, "log_level: shouting\n")

	// Past the reload debounce; the broken file must not have replaced the
	// running configuration.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, "info", w.Current().LogLevel)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t)
	w.Stop()
	w.Stop()
}
