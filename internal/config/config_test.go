package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, TLSRequired, cfg.ReplicationTLS)
	assert.Equal(t, DefaultOutboxCapacity, cfg.OutboxCapacity)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
}

func TestLoadParsesYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database-dsn: "postgres://localhost/app"
listen-addr: ":9090"
partitioned-tables: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.DatabaseDSN)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.True(t, cfg.PartitionedTables)
	assert.Equal(t, TLSRequired, cfg.ReplicationTLS, "unset fields still get defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen-addr: ":9090"`), 0o600))

	t.Setenv("CDCGATE_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}
