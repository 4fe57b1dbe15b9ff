// Package config loads the node configuration from a YAML file and
// STRATUS_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/pkg/bank"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
	"github.com/fortiblox/stratus-svm/pkg/geyser"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
	"github.com/fortiblox/stratus-svm/pkg/svm/processor"
)

// EnvPrefix prefixes every environment override, e.g.
// STRATUS_RUNTIME_DECIMAL_MULTIPLIER.
const EnvPrefix = "STRATUS"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		DataDir    string           `mapstructure:"data_dir" validate:"required"`
		Ledger     LedgerConfig     `mapstructure:"ledger"`
		Blockstore BlockstoreConfig `mapstructure:"blockstore"`
		Runtime    RuntimeConfig    `mapstructure:"runtime"`
		Log        log.Config       `mapstructure:"log"`
		Metrics    MetricsConfig    `mapstructure:"metrics"`
		Geyser     GeyserConfig     `mapstructure:"geyser"`
	}

	LedgerConfig struct {
		// Path defaults to <data_dir>/ledger.
		Path             string            `mapstructure:"path"`
		InMemory         bool              `mapstructure:"in_memory"`
		SyncWrites       bool              `mapstructure:"sync_writes"`
		NumCompactors    int               `mapstructure:"num_compactors" validate:"gte=2"`
		NumMemtables     int               `mapstructure:"num_memtables" validate:"gt=0"`
		ValueLogFileSize datasize.ByteSize `mapstructure:"value_log_file_size" validate:"gt=0"`
		MetaCacheSize    int               `mapstructure:"meta_cache_size" validate:"gte=0"`
		MaxDataLength    datasize.ByteSize `mapstructure:"max_data_length"`
	}

	BlockstoreConfig struct {
		// Path defaults to <data_dir>/blockstore.db.
		Path          string        `mapstructure:"path"`
		NoSync        bool          `mapstructure:"no_sync"`
		Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
		PruneEnabled  bool          `mapstructure:"prune_enabled"`
		PruneInterval time.Duration `mapstructure:"prune_interval" validate:"required_if=PruneEnabled true"`
		RetainBlocks  uint64        `mapstructure:"retain_blocks" validate:"required_if=PruneEnabled true"`
	}

	RuntimeConfig struct {
		DecimalMultiplier           uint64            `mapstructure:"decimal_multiplier" validate:"gt=0"`
		BlockhashQueueMaxAge        uint64            `mapstructure:"blockhash_queue_max_age" validate:"gt=0"`
		LamportsPerSignature        uint64            `mapstructure:"lamports_per_signature"`
		SlotsPerEpoch               uint64            `mapstructure:"slots_per_epoch" validate:"gte=32"`
		TransactionAccountLockLimit int               `mapstructure:"transaction_account_lock_limit" validate:"gt=0"`
		Features                    []string          `mapstructure:"features"`
		RecordLogs                  bool              `mapstructure:"record_logs"`
		RecordReturnData            bool              `mapstructure:"record_return_data"`
		RecordInnerInstructions     bool              `mapstructure:"record_inner_instructions"`
		LogMessagesBytesLimit       datasize.ByteSize `mapstructure:"log_messages_bytes_limit"`
		ProgramCacheCapacity        int               `mapstructure:"program_cache_capacity" validate:"gte=0"`
	}

	MetricsConfig struct {
		Enabled    bool   `mapstructure:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" validate:"required_if=Enabled true"`
		Path       string `mapstructure:"path" validate:"required_if=Enabled true"`
	}

	GeyserConfig struct {
		Enabled        bool              `mapstructure:"enabled"`
		ListenAddr     string            `mapstructure:"listen_addr" validate:"required_if=Enabled true"`
		Token          string            `mapstructure:"token"`
		BufferSize     int               `mapstructure:"buffer_size" validate:"gte=0"`
		MaxMessageSize datasize.ByteSize `mapstructure:"max_message_size"`
	}
)

// DefaultConfig returns the defaults every loaded configuration starts from.
func DefaultConfig() Config {
	rt := bank.DefaultConfig()
	badger := ledger.DefaultBadgerConfig("")
	store := blockstore.DefaultConfig("")
	gs := geyser.DefaultServerConfig()
	return Config{
		DataDir: "./data",
		Ledger: LedgerConfig{
			SyncWrites:       badger.SyncWrites,
			NumCompactors:    badger.NumCompactors,
			NumMemtables:     badger.NumMemtables,
			ValueLogFileSize: datasize.ByteSize(badger.ValueLogFileSize),
			MetaCacheSize:    badger.MetaCacheSize,
			MaxDataLength:    10 * datasize.MB,
		},
		Blockstore: BlockstoreConfig{
			Timeout:       store.Timeout,
			PruneInterval: store.PruneInterval,
			RetainBlocks:  store.RetainBlocks,
		},
		Runtime: RuntimeConfig{
			DecimalMultiplier:           rt.DecimalMultiplier,
			BlockhashQueueMaxAge:        rt.BlockhashQueueMaxAge,
			LamportsPerSignature:        rt.LamportsPerSignature,
			SlotsPerEpoch:               rt.SlotsPerEpoch,
			TransactionAccountLockLimit: rt.TransactionAccountLockLimit,
			RecordLogs:                  rt.Recording.Logs,
			RecordReturnData:            rt.Recording.ReturnData,
			RecordInnerInstructions:     rt.Recording.CPI,
			ProgramCacheCapacity:        rt.ProgramCacheCapacity,
		},
		Log: log.DefaultConfig(),
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
			Path:       "/metrics",
		},
		Geyser: GeyserConfig{
			ListenAddr:     gs.ListenAddr,
			BufferSize:     gs.BufferSize,
			MaxMessageSize: datasize.ByteSize(gs.MaxMessageSize),
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.setDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment variables are seen by
// Unmarshal even when the file omits them.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"data_dir": d.DataDir,

		"ledger.path":                d.Ledger.Path,
		"ledger.in_memory":           d.Ledger.InMemory,
		"ledger.sync_writes":         d.Ledger.SyncWrites,
		"ledger.num_compactors":      d.Ledger.NumCompactors,
		"ledger.num_memtables":       d.Ledger.NumMemtables,
		"ledger.value_log_file_size": d.Ledger.ValueLogFileSize.String(),
		"ledger.meta_cache_size":     d.Ledger.MetaCacheSize,
		"ledger.max_data_length":     d.Ledger.MaxDataLength.String(),

		"blockstore.path":           d.Blockstore.Path,
		"blockstore.no_sync":        d.Blockstore.NoSync,
		"blockstore.timeout":        d.Blockstore.Timeout,
		"blockstore.prune_enabled":  d.Blockstore.PruneEnabled,
		"blockstore.prune_interval": d.Blockstore.PruneInterval,
		"blockstore.retain_blocks":  d.Blockstore.RetainBlocks,

		"runtime.decimal_multiplier":             d.Runtime.DecimalMultiplier,
		"runtime.blockhash_queue_max_age":        d.Runtime.BlockhashQueueMaxAge,
		"runtime.lamports_per_signature":         d.Runtime.LamportsPerSignature,
		"runtime.slots_per_epoch":                d.Runtime.SlotsPerEpoch,
		"runtime.transaction_account_lock_limit": d.Runtime.TransactionAccountLockLimit,
		"runtime.features":                       d.Runtime.Features,
		"runtime.record_logs":                    d.Runtime.RecordLogs,
		"runtime.record_return_data":             d.Runtime.RecordReturnData,
		"runtime.record_inner_instructions":      d.Runtime.RecordInnerInstructions,
		"runtime.log_messages_bytes_limit":       d.Runtime.LogMessagesBytesLimit.String(),
		"runtime.program_cache_capacity":         d.Runtime.ProgramCacheCapacity,

		"log.level":        d.Log.Level,
		"log.development":  d.Log.Development,
		"log.file":         d.Log.File,
		"log.max_size_mb":  d.Log.MaxSizeMB,
		"log.max_backups":  d.Log.MaxBackups,
		"log.max_age_days": d.Log.MaxAgeDays,

		"metrics.enabled":     d.Metrics.Enabled,
		"metrics.listen_addr": d.Metrics.ListenAddr,
		"metrics.path":        d.Metrics.Path,

		"geyser.enabled":          d.Geyser.Enabled,
		"geyser.listen_addr":      d.Geyser.ListenAddr,
		"geyser.token":            d.Geyser.Token,
		"geyser.buffer_size":      d.Geyser.BufferSize,
		"geyser.max_message_size": d.Geyser.MaxMessageSize.String(),
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// SetDataDir moves the data directory and the ledger and blockstore paths
// derived from it.
func (c *Config) SetDataDir(dir string) {
	c.DataDir = dir
	c.Ledger.Path = ""
	c.Blockstore.Path = ""
	c.setDerived()
}

func (c *Config) setDerived() {
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger")
	}
	if c.Blockstore.Path == "" {
		c.Blockstore.Path = filepath.Join(c.DataDir, "blockstore.db")
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// BankConfig returns the runtime section as a bank.Config.
func (c *Config) BankConfig() bank.Config {
	return bank.Config{
		DecimalMultiplier:           c.Runtime.DecimalMultiplier,
		BlockhashQueueMaxAge:        c.Runtime.BlockhashQueueMaxAge,
		LamportsPerSignature:        c.Runtime.LamportsPerSignature,
		SlotsPerEpoch:               c.Runtime.SlotsPerEpoch,
		TransactionAccountLockLimit: c.Runtime.TransactionAccountLockLimit,
		Features:                    c.Runtime.Features,
		Recording: processor.RecordingConfig{
			CPI:        c.Runtime.RecordInnerInstructions,
			Logs:       c.Runtime.RecordLogs,
			ReturnData: c.Runtime.RecordReturnData,
		},
		LogMessagesBytesLimit: int(c.Runtime.LogMessagesBytesLimit.Bytes()),
		ProgramCacheCapacity:  c.Runtime.ProgramCacheCapacity,
	}
}

// BadgerConfig returns the ledger section as a ledger.BadgerConfig.
func (c *Config) BadgerConfig() ledger.BadgerConfig {
	cfg := ledger.DefaultBadgerConfig(c.Ledger.Path)
	cfg.InMemory = c.Ledger.InMemory
	cfg.SyncWrites = c.Ledger.SyncWrites
	cfg.NumCompactors = c.Ledger.NumCompactors
	cfg.NumMemtables = c.Ledger.NumMemtables
	cfg.ValueLogFileSize = int64(c.Ledger.ValueLogFileSize.Bytes())
	cfg.MetaCacheSize = c.Ledger.MetaCacheSize
	cfg.MaxDataLength = int(c.Ledger.MaxDataLength.Bytes())
	return cfg
}

// BlockstoreConfig returns the blockstore section as a blockstore.Config.
func (c *Config) BlockstoreConfig() blockstore.Config {
	cfg := blockstore.DefaultConfig(c.Blockstore.Path)
	cfg.NoSync = c.Blockstore.NoSync
	if c.Blockstore.Timeout > 0 {
		cfg.Timeout = c.Blockstore.Timeout
	}
	cfg.PruneEnabled = c.Blockstore.PruneEnabled
	cfg.PruneInterval = c.Blockstore.PruneInterval
	cfg.RetainBlocks = c.Blockstore.RetainBlocks
	return cfg
}

// GeyserConfig returns the geyser section as a geyser.ServerConfig.
func (c *Config) GeyserConfig() geyser.ServerConfig {
	return geyser.ServerConfig{
		ListenAddr:     c.Geyser.ListenAddr,
		Token:          c.Geyser.Token,
		BufferSize:     c.Geyser.BufferSize,
		MaxMessageSize: int(c.Geyser.MaxMessageSize.Bytes()),
	}.WithDefaults()
}
