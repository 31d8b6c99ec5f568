package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutSources(t *testing.T) {
	loader := NewLoader("")
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, 10, cfg.Store.Pool.MaxSize)
	require.Equal(t, 500, cfg.Matching.MaxCandidates)
	require.Equal(t, 50, cfg.Matching.ScoreBatchSize)
	require.Equal(t, int64(64<<20), cfg.Cache.L1.MemoryBudgetBytes)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matchd.yaml")
	contents := []byte(`
server:
  listen:
    port: 9191
store:
  dsn: postgres://matchd@localhost/matchd
  pool:
    maxSize: 25
    queryTimeout: 10s
cache:
  ttl:
    response: 90s
`)
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Listen.Port)
	require.Equal(t, "postgres://matchd@localhost/matchd", cfg.Store.DSN)
	require.Equal(t, 25, cfg.Store.Pool.MaxSize)
	require.Equal(t, 10*time.Second, cfg.Store.Pool.QueryTimeout)
	require.Equal(t, 90*time.Second, cfg.Cache.TTL.Response)
	// untouched keys keep their defaults
	require.Equal(t, 2, cfg.Store.Pool.MinSize)
}

func TestLoadJSONAndTOMLByExtension(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "matchd.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"matching":{"maxCandidates":120}}`), 0o600))
	cfg, err := NewLoader("", jsonPath).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Matching.MaxCandidates)

	tomlPath := filepath.Join(dir, "matchd.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[matching]\nscoreBatchSize = 25\n"), 0o600))
	cfg, err = NewLoader("", tomlPath).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Matching.ScoreBatchSize)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matchd.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))
	_, err := NewLoader("", path).Load(context.Background())
	require.ErrorContains(t, err, "unsupported file format")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  pool:\n    maxSize: 25\n"), 0o600))

	t.Setenv("MATCHD_STORE__POOL__MAXSIZE", "40")
	t.Setenv("MATCHD_SERVER__LISTEN__PORT", "7070")

	cfg, err := NewLoader("MATCHD", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 40, cfg.Store.Pool.MaxSize)
	require.Equal(t, 7070, cfg.Server.Listen.Port)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.ErrorContains(t, err, "not found")
}

func TestLoadInvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  pool:\n    minSize: 20\n    maxSize: 5\n"), 0o600))
	_, err := NewLoader("", path).Load(context.Background())
	require.ErrorContains(t, err, "minSize 20 exceeds maxSize 5")
}
