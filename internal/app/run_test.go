package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-app/vesper/internal/config"
)

func memoryConfig(t *testing.T) (string, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.ID = "alice"
	cfg.Signaling.Backend = config.BackendMemory
	cfg.Call.FakeDevices = true
	cfg.API.HTTPAddr = ""
	cfg.LogLevel = "error"
	return dir, cfg
}

func TestRunMemoryPeerStopsOnCancel(t *testing.T) {
	dir, cfg := memoryConfig(t)
	cfgPath := filepath.Join(dir, config.FileName)
	require.NoError(t, config.Save(cfgPath, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, Options{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg}) }()

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, cfg.Storage.Dir, "calls.db"))
		return len(matches) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	dir, cfg := memoryConfig(t)
	cfg.Signaling.Backend = "smoke-signals"
	err := Run(context.Background(), Options{PeerDir: dir, Cfg: cfg})
	assert.ErrorContains(t, err, "unknown backend")
}

func TestRunRelayNeedsSecret(t *testing.T) {
	err := RunRelay(context.Background(), "127.0.0.1:0", config.Default().Relay, "error")
	assert.Error(t, err)
}

func TestICEConfigFromCall(t *testing.T) {
	c := config.Default().Call
	c.STUN = []string{"stun:example.org:3478"}
	c.ICEFailedSec = 9
	ice := iceConfig(c)
	assert.Equal(t, []string{"stun:example.org:3478"}, ice.STUN)
	assert.Equal(t, 9*time.Second, ice.Failed)
	assert.Equal(t, 30*time.Second, ice.Disconnected)
}

func TestLogLevelReload(t *testing.T) {
	var calls []string
	l := &logLevel{current: "info", set: func(_, level string) error {
		calls = append(calls, level)
		if level == "chatty" {
			return errors.New("unrecognized level")
		}
		return nil
	}}

	l.apply("info")
	l.apply("")
	assert.Empty(t, calls)

	l.apply("chatty")
	assert.Equal(t, "info", l.current)

	l.apply("debug")
	assert.Equal(t, "debug", l.current)
	l.apply("debug")
	assert.Equal(t, []string{"chatty", "debug"}, calls)

	// The failed level is retried if it shows up again.
	l.apply("chatty")
	assert.Equal(t, []string{"chatty", "debug", "chatty"}, calls)
	assert.Equal(t, "debug", l.current)
}
