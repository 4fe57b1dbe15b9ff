package bank

import (
	"fmt"

	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/processor"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
)

// Config holds the runtime parameters of the bank.
type Config struct {
	// DecimalMultiplier is the number of native ledger units per lamport.
	DecimalMultiplier uint64

	// BlockhashQueueMaxAge is the number of blocks a blockhash stays usable.
	BlockhashQueueMaxAge uint64

	// LamportsPerSignature is the fee rate recorded for new blockhashes.
	LamportsPerSignature uint64

	// SlotsPerEpoch sizes the epoch schedule.
	SlotsPerEpoch uint64

	// TransactionAccountLockLimit caps the accounts one transaction may lock.
	TransactionAccountLockLimit int

	// Features lists the active runtime features by name.
	Features []string

	// Recording selects what execution details are kept.
	Recording processor.RecordingConfig

	// LogMessagesBytesLimit caps recorded log bytes per transaction. Zero
	// means unlimited.
	LogMessagesBytesLimit int

	// ProgramCacheCapacity is the number of verified programs kept loaded
	// between blocks.
	ProgramCacheCapacity int
}

// DefaultConfig returns the default bank configuration.
func DefaultConfig() Config {
	return Config{
		DecimalMultiplier:           1,
		BlockhashQueueMaxAge:        20,
		LamportsPerSignature:        5000,
		SlotsPerEpoch:               accounts.DefaultSlotsPerEpoch,
		TransactionAccountLockLimit: 64,
		ProgramCacheCapacity:        programcache.MaxLoadedEntryCount,
		Recording: processor.RecordingConfig{
			Logs:       true,
			ReturnData: true,
		},
	}
}

// featureSet resolves the configured feature names.
func (c Config) featureSet() (*svm.FeatureSet, error) {
	fs, err := svm.FeatureSetFromNames(c.Features)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	return fs, nil
}

func (c Config) epochSchedule() accounts.EpochSchedule {
	return accounts.NewEpochSchedule(c.SlotsPerEpoch)
}
