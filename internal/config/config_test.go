package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/meshd/internal/proto"
)

func Test_default_matchesConfigurationTable(t *testing.T) {
	cfg := Default()
	assert.Equal(t, proto.DefaultFrameSize, cfg.MaxPacketSize)
	assert.Equal(t, 256, cfg.RTMaxSize)
	assert.Equal(t, 5, cfg.HelloDelaySeconds)
}

func Test_load_sparseFileOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("local_address: 7\nrole: client,relay\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(7), cfg.LocalAddress)
	assert.True(t, cfg.Role().Has(proto.RoleClient))
	assert.True(t, cfg.Role().Has(proto.RoleRelay))
	assert.False(t, cfg.Role().Has(proto.RoleGateway))
	assert.Equal(t, 256, cfg.RTMaxSize, "unset fields keep their default")
}

func Test_load_missingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
