// Package config enables config file parsing.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/relves/randao/pkg/randao"
)

// EnvPrefix prefixes environment overrides. `__` separates levels, so
// RANDAO_LOG__LEVEL sets log.level.
const EnvPrefix = "RANDAO_"

// Config contains the CLI configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Chain   ChainConfig   `koanf:"chain"`
	Ledger  LedgerConfig  `koanf:"ledger"`
	Randao  RandaoConfig  `koanf:"randao"`
	Metrics MetricsConfig `koanf:"metrics"`
	Tlog    TlogConfig    `koanf:"tlog"`
	Agent   AgentConfig   `koanf:"agent"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := cfg.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := cfg.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.Randao.Validate(); err != nil {
		return fmt.Errorf("randao: %w", err)
	}
	if err := cfg.Tlog.Validate(); err != nil {
		return fmt.Errorf("tlog: %w", err)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	_, err := cfg.SlogLevel()
	return err
}

// SlogLevel parses Level.
func (cfg *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return 0, fmt.Errorf("level %q: %w", cfg.Level, err)
	}
	return level, nil
}

// ServerConfig contains the API server configuration.
type ServerConfig struct {
	// Addr is the listen address of the API.
	Addr string `koanf:"addr"`
	// Governance is the hex address allowed to register groups.
	Governance string `koanf:"governance"`
	// MaxSkew bounds the age of signed requests.
	MaxSkew time.Duration `koanf:"max_skew"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if cfg.Governance != "" && !common.IsHexAddress(cfg.Governance) {
		return fmt.Errorf("governance %q is not a hex address", cfg.Governance)
	}
	return nil
}

// GovernanceAddress returns the governance account.
func (cfg *ServerConfig) GovernanceAddress() common.Address {
	return common.HexToAddress(cfg.Governance)
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// StorageConfig contains the state storage configuration.
type StorageConfig struct {
	Backend string `koanf:"backend"`
	// Path is the data directory of the sqlite backend.
	Path string `koanf:"path"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate() error {
	switch cfg.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.Path == "" {
			return fmt.Errorf("path is required for backend %q", cfg.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

// ChainConfig contains the block production configuration.
type ChainConfig struct {
	BlockInterval time.Duration `koanf:"block_interval"`
	// StartHeight is used when the state store has no recorded head.
	StartHeight uint64 `koanf:"start_height"`
}

// Validate validates the chain configuration.
func (cfg *ChainConfig) Validate() error {
	if cfg.BlockInterval <= 0 {
		return fmt.Errorf("block_interval must be positive")
	}
	return nil
}

// LedgerConfig contains the in-process ledger configuration.
type LedgerConfig struct {
	FeeCollector string `koanf:"fee_collector"`
	// Genesis maps hex addresses to decimal balances.
	Genesis map[string]string `koanf:"genesis"`
}

// Validate validates the ledger configuration.
func (cfg *LedgerConfig) Validate() error {
	if cfg.FeeCollector != "" && !common.IsHexAddress(cfg.FeeCollector) {
		return fmt.Errorf("fee_collector %q is not a hex address", cfg.FeeCollector)
	}
	_, err := cfg.GenesisBalances()
	return err
}

// FeeCollectorAddress returns the fee collector account.
func (cfg *LedgerConfig) FeeCollectorAddress() common.Address {
	return common.HexToAddress(cfg.FeeCollector)
}

// GenesisBalances parses Genesis.
func (cfg *LedgerConfig) GenesisBalances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(cfg.Genesis))
	for acct, amount := range cfg.Genesis {
		if !common.IsHexAddress(acct) {
			return nil, fmt.Errorf("genesis account %q is not a hex address", acct)
		}
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("genesis balance of %s: %w", acct, err)
		}
		out[common.HexToAddress(acct)] = v
	}
	return out, nil
}

// RandaoConfig contains the beacon configuration.
type RandaoConfig struct {
	// SlashMode is one of burn, treasury or redistribute.
	SlashMode string `koanf:"slash_mode"`
	// Treasury receives slashed funds in treasury mode and redistribution
	// remainders.
	Treasury string `koanf:"treasury"`
}

// Validate validates the beacon configuration.
func (cfg *RandaoConfig) Validate() error {
	if cfg.Treasury != "" && !common.IsHexAddress(cfg.Treasury) {
		return fmt.Errorf("treasury %q is not a hex address", cfg.Treasury)
	}
	return cfg.SlashPolicy().Validate()
}

// SlashPolicy converts the configuration into a beacon slash policy.
func (cfg *RandaoConfig) SlashPolicy() randao.SlashPolicy {
	p := randao.SlashPolicy{Mode: randao.SlashMode(cfg.SlashMode)}
	if cfg.Treasury != "" {
		p.Treasury = common.HexToAddress(cfg.Treasury)
	}
	return p
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	// Addr serves /metrics on a separate listener when set. Metrics are
	// always served on the API listener.
	Addr string `koanf:"addr"`
}

// TlogConfig contains the fulfillment log configuration.
type TlogConfig struct {
	// Path is the log directory. The log is disabled when empty.
	Path string `koanf:"path"`
	// KeyFile holds the checkpoint key pair; it is created on first use.
	KeyFile string `koanf:"key_file"`
	// Origin names the log in its checkpoints.
	Origin             string        `koanf:"origin"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
}

// Enabled reports whether the fulfillment log is configured.
func (cfg *TlogConfig) Enabled() bool {
	return cfg.Path != ""
}

// Validate validates the fulfillment log configuration.
func (cfg *TlogConfig) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.KeyFile == "" {
		return fmt.Errorf("key_file is required when path is set")
	}
	if cfg.Origin == "" || strings.ContainsAny(cfg.Origin, " +\n") {
		return fmt.Errorf("origin %q must be non-empty without spaces or '+'", cfg.Origin)
	}
	return nil
}

// AgentConfig contains the participant agent configuration.
type AgentConfig struct {
	Endpoint     string        `koanf:"endpoint"`
	KeyFile      string        `koanf:"key_file"`
	PollInterval time.Duration `koanf:"poll_interval"`
	// StatePath is the directory holding unrevealed secrets. Empty keeps
	// them in memory only.
	StatePath string `koanf:"state_path"`
}

// Validate validates the agent configuration.
func (cfg *AgentConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	return nil
}

var defaults = map[string]interface{}{
	"log.level":            "info",
	"server.addr":          ":8080",
	"server.max_skew":      "5m",
	"storage.backend":      BackendSQLite,
	"storage.path":         "./data",
	"chain.block_interval": "6s",
	"randao.slash_mode":    string(randao.SlashBurn),
	"tlog.origin":          "randao/fulfillments",
	"agent.endpoint":       "http://localhost:8080",
	"agent.poll_interval":  "2s",
	"agent.state_path":     "./agent",
}

// InitConfig loads the defaults, the yaml file f (if set) and environment
// overrides, in that order, and validates the result.
func InitConfig(f string) (*Config, error) {
	var config Config
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	// Load configuration from the yaml config.
	if f != "" {
		if err := k.Load(file.Provider(f), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
