package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: 127.0.0.1
  port: 9090
storage:
  backend: redis
  redis:
    addr: localhost:6379
    db: 2
auth:
  jwt_secret: topsecret
  backend_keys: ["svc-a", "svc-b"]
security:
  rate_limit:
    rps: 5
    burst: 10
search:
  vector_store_id: vs_123
  score_threshold: 0.25
validation:
  max_payload_bytes: 64KB
  max_title_len: 200
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.Addr())
	require.Equal(t, "redis", cfg.Storage.Backend)
	require.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	require.Equal(t, 2, cfg.Storage.Redis.DB)
	require.Equal(t, "topsecret", cfg.Auth.JWTSecret)
	require.Equal(t, map[string]struct{}{"svc-a": {}, "svc-b": {}}, cfg.BackendKeySet())
	require.Equal(t, 5.0, cfg.Security.RateLimit.RPS)
	require.Equal(t, "vs_123", cfg.Search.VectorStoreID)
	require.Equal(t, 0.25, cfg.Search.ScoreThreshold)
	require.Equal(t, int64(64*1000), cfg.Validation.MaxPayloadBytes.Int64())
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MERAKSTORE_ADDR", "0.0.0.0:7070")
	t.Setenv("MERAKSTORE_BACKEND", "Memory")
	t.Setenv("MERAKSTORE_BACKEND_KEYS", "k1, k2 ,")
	t.Setenv("MERAKSTORE_RATE_RPS", "2.5")
	t.Setenv("MERAKSTORE_SEARCH_API_KEY", "sk-test")

	cfg := &Config{}
	cfg.Storage.Backend = "pebble"
	used := LoadEnvOverrides(cfg)
	require.True(t, used)
	require.Equal(t, "0.0.0.0:7070", cfg.Addr())
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, []string{"k1", "k2"}, cfg.Auth.BackendKeys)
	require.Equal(t, 2.5, cfg.Security.RateLimit.RPS)
	require.Equal(t, "sk-test", cfg.Search.APIKey)
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	t.Setenv("MERAKSTORE_PORT", "8181")
	cfg, envUsed, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.True(t, envUsed)
	require.Equal(t, "0.0.0.0:8181", cfg.Addr())
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "/a.yaml", ResolveConfigPath("/a.yaml", true))
	t.Setenv("MERAKSTORE_CONFIG", "/env.yaml")
	require.Equal(t, "/env.yaml", ResolveConfigPath("/flag.yaml", false))
	os.Unsetenv("MERAKSTORE_CONFIG")
	require.Equal(t, "/flag.yaml", ResolveConfigPath("/flag.yaml", false))
}

func TestRuntimeKeys(t *testing.T) {
	SetRuntime(&RuntimeConfig{
		BackendKeys: map[string]struct{}{"svc": {}},
		JWTSecret:   []byte("hs256-secret"),
	})
	t.Cleanup(func() { SetRuntime(nil) })
	require.Equal(t, map[string]struct{}{"svc": {}}, GetBackendKeys())
	require.Equal(t, []byte("hs256-secret"), GetJWTSecret())

	SetRuntime(nil)
	require.Empty(t, GetBackendKeys())
	require.Nil(t, GetJWTSecret())
}
