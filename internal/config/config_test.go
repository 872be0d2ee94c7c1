package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	cfg := Default()
	cfg.Identity.ID = "alice"
	return cfg
}

func TestDefaultNeedsIdentity(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg = valid()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"id is trimmed", func(c *Config) { c.Identity.ID = "  bob " }, true},
		{"id with pipe", func(c *Config) { c.Identity.ID = "a|b" }, false},
		{"ring timeout zero", func(c *Config) { c.Call.RingTimeoutSec = 0 }, false},
		{"negative offer delay", func(c *Config) { c.Call.OfferDelayMs = -1 }, false},
		{"unknown kind", func(c *Config) { c.Call.DefaultKind = "screen" }, false},
		{"bad stun url", func(c *Config) { c.Call.STUN = []string{"turn:x"} }, false},
		{"unknown backend", func(c *Config) { c.Signaling.Backend = "carrier-pigeon" }, false},
		{"memory backend", func(c *Config) { c.Signaling.Backend = BackendMemory }, true},
		{"redis without port", func(c *Config) {
			c.Signaling.Backend = BackendRedis
			c.Redis.Addr = "localhost"
		}, false},
		{"relay needs url", func(c *Config) { c.Signaling.Backend = BackendRelay }, false},
		{"relay http url", func(c *Config) {
			c.Signaling.Backend = BackendRelay
			c.Relay.URL = "http://relay.example/ws"
		}, false},
		{"relay ws url", func(c *Config) {
			c.Signaling.Backend = BackendRelay
			c.Relay.URL = "wss://relay.example/ws"
		}, true},
		{"api addr without port", func(c *Config) { c.API.HTTPAddr = "localhost" }, false},
		{"api disabled", func(c *Config) { c.API.HTTPAddr = "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	c := Default().Call
	assert.Equal(t, 30*time.Second, c.RingTimeout())
	assert.Equal(t, 250*time.Millisecond, c.OfferDelay())
	assert.Zero(t, c.PollInterval())
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, cfg.Identity.ID)

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Identity.ID, again.Identity.ID)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"id":"carol"},"call":{"ring_timeout_seconds":5}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Identity.ID)
	assert.Equal(t, 5, cfg.Call.RingTimeoutSec)
	assert.Equal(t, "audio", cfg.Call.DefaultKind)
	assert.Equal(t, BackendGossip, cfg.Signaling.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"id":"dave"},"log_level":"loud"}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, "loud", cfg.LogLevel)
}

func TestSaveValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	assert.Error(t, Save(path, Default()))
	require.NoError(t, Save(path, valid()))
	assert.FileExists(t, path)
}

func TestWatchReloads(t *testing.T) {
	old := reloadDelay
	reloadDelay = 20 * time.Millisecond
	t.Cleanup(func() { reloadDelay = old })

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, valid()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"id":"alice"},"log_level":"loud"}`), 0o644))
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(150 * time.Millisecond):
	}

	next := valid()
	next.Call.RingTimeoutSec = 12
	require.NoError(t, Save(path, next))
	select {
	case c := <-got:
		assert.Equal(t, 12, c.Call.RingTimeoutSec)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}
