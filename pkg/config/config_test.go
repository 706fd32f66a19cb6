package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/pkg/config"
	"github.com/relves/randao/pkg/randao"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestInitConfig_Defaults(t *testing.T) {
	cfg, err := config.InitConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Server.MaxSkew)
	assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 6*time.Second, cfg.Chain.BlockInterval)
	assert.Equal(t, randao.SlashPolicy{Mode: randao.SlashBurn}, cfg.Randao.SlashPolicy())

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestInitConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
server:
  addr: 127.0.0.1:9000
  governance: "0x00000000000000000000000000000000000000aa"
storage:
  backend: memory
chain:
  block_interval: 1s
  start_height: 100
ledger:
  fee_collector: "0x00000000000000000000000000000000000000fe"
  genesis:
    "0x0000000000000000000000000000000000000001": "1000000000000000000000"
randao:
  slash_mode: treasury
  treasury: "0x00000000000000000000000000000000000000bb"
`)
	t.Setenv("RANDAO_SERVER__ADDR", ":7000")
	t.Setenv("RANDAO_CHAIN__BLOCK_INTERVAL", "250ms")

	cfg, err := config.InitConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Server.GovernanceAddress())
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Chain.BlockInterval)
	assert.Equal(t, uint64(100), cfg.Chain.StartHeight)
	assert.Equal(t, common.HexToAddress("0xfe"), cfg.Ledger.FeeCollectorAddress())

	genesis, err := cfg.Ledger.GenesisBalances()
	require.NoError(t, err)
	require.Len(t, genesis, 1)
	assert.Equal(t, "1000000000000000000000", genesis[common.HexToAddress("0x01")].Dec())

	assert.Equal(t, randao.SlashPolicy{Mode: randao.SlashTreasury, Treasury: common.HexToAddress("0xbb")}, cfg.Randao.SlashPolicy())

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestInitConfig_Invalid(t *testing.T) {
	for name, yaml := range map[string]string{
		"backend":     "storage:\n  backend: postgres\n",
		"level":       "log:\n  level: loud\n",
		"governance":  "server:\n  governance: nothex\n",
		"genesis":     "ledger:\n  genesis:\n    \"0x0000000000000000000000000000000000000001\": \"-5\"\n",
		"treasury":    "randao:\n  slash_mode: treasury\n",
		"slash mode":  "randao:\n  slash_mode: confiscate\n",
		"tlog key":    "tlog:\n  path: /tmp/tlog\n",
		"tlog origin": "tlog:\n  path: /tmp/tlog\n  key_file: k\n  origin: \"a b\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.InitConfig(writeConfig(t, yaml))
			require.Error(t, err)
		})
	}
}

func TestTlogConfig(t *testing.T) {
	cfg, err := config.InitConfig("")
	require.NoError(t, err)
	assert.False(t, cfg.Tlog.Enabled())
	assert.Equal(t, "randao/fulfillments", cfg.Tlog.Origin)

	cfg, err = config.InitConfig(writeConfig(t, "tlog:\n  path: /var/lib/randao/tlog\n  key_file: /var/lib/randao/tlog.key\n  checkpoint_interval: 2s\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Tlog.Enabled())
	assert.Equal(t, 2*time.Second, cfg.Tlog.CheckpointInterval)
}

func TestInitConfig_MissingFile(t *testing.T) {
	_, err := config.InitConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestAgentConfigValidate(t *testing.T) {
	cfg, err := config.InitConfig("")
	require.NoError(t, err)
	require.Error(t, cfg.Agent.Validate())

	cfg.Agent.KeyFile = "member.key"
	require.NoError(t, cfg.Agent.Validate())
	assert.Equal(t, 2*time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, "./agent", cfg.Agent.StatePath)
}
