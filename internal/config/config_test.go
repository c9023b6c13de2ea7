package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndChains(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  driver: sqlite
chains:
  - name: Base
    rpc_url: http://localhost:8545
    escrow_address: "0x0000000000000000000000000000000000000001"
  - name: solana
    rpc_url: http://localhost:8899
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 1800, cfg.Quote.ExpirySeconds)
	assert.Equal(t, 15, cfg.Confirm.MaxPolls)

	base, ok := cfg.Chain("base")
	require.True(t, ok)
	assert.Equal(t, "evm", base.Family)
	assert.Equal(t, uint64(1), base.MinConfirmations)
	assert.Equal(t, int32(18), base.NativeDecimals)

	sol, ok := cfg.Chain("SOLANA")
	require.True(t, ok)
	assert.Equal(t, "solana", sol.Family)
	assert.Equal(t, int32(9), sol.NativeDecimals)
}

func TestNormalizeRejectsDuplicates(t *testing.T) {
	cfg := &Config{Chains: []ChainConfig{{Name: "base"}, {Name: "BASE"}}}
	assert.Error(t, cfg.normalize())

	cfg = &Config{Chains: []ChainConfig{{Name: "tron", Family: "tvm"}}}
	assert.Error(t, cfg.normalize())
}
