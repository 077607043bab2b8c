package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Connector)
	assert.Equal(t, 25, cfg.MaxPoolSize)
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neo.yaml")
	body := `
masters:
  - master-1:3000
  - master-2:3000
cluster-name: prod
compress: true
cache-size: 1048576
node-id: storage-1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"master-1:3000", "master-2:3000"}, cfg.Masters)
	assert.Equal(t, "prod", cfg.ClusterName)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 1048576, cfg.CacheSize)
	assert.Equal(t, "storage-1", cfg.NodeID)
	assert.Equal(t, "tcp", cfg.Connector, "default survives when yaml omits the field")
}

func TestValidateRejectsUnknownConnector(t *testing.T) {
	c := ClusterConfig{Connector: "udp"}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsAddressWithoutPort(t *testing.T) {
	c := ClusterConfig{Masters: []string{"master-1"}}
	assert.Error(t, c.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := ClusterConfig{Connector: "tcp", Masters: []string{"master-1:3000"}}
	assert.NoError(t, c.Validate())
}
