package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawl.Concurrency)
	require.Equal(t, 15*time.Second, cfg.Crawl.RequestTimeout)
	require.Equal(t, 3, cfg.Enrich.MaxAttempts)
	require.Equal(t, 2, cfg.Relay.MaxConcurrent)
	require.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	payload := []byte(`
server:
  port: 9090
crawl:
  concurrency: 8
relay:
  proxy_url: "http://relay.internal:3128"
  max_concurrent: 1
storage:
  backend: memory
`)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.Equal(t, "http://relay.internal:3128", cfg.Relay.ProxyURL)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Server.Port = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.Enabled = true
	require.Error(t, bad.Validate(), "auth without key must be rejected")

	bad = cfg
	bad.Storage.Backend = "gcs"
	require.Error(t, bad.Validate(), "gcs backend without bucket must be rejected")

	bad = cfg
	bad.PubSub.Enabled = true
	require.Error(t, bad.Validate())
}
