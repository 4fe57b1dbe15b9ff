// Package processor runs sanitized transactions against a ledger view.
//
// A TransactionProcessor validates the fee payer, replenishes a per
// transaction view of the program cache, loads the transaction's accounts and
// executes its instructions. It never writes to the ledger: the accounts it
// returns are committed by the caller.
package processor

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/accountloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/rollback"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// ProgramOwners are the loaders whose accounts are candidate programs, in the
// order AccountMatchesOwners is asked about them.
var ProgramOwners = []types.Pubkey{
	types.BPFLoaderUpgradeableAddr,
	types.BPFLoaderAddr,
	types.BPFLoaderDeprecatedAddr,
	types.LoaderV4Addr,
}

// TransactionProcessingCallback is the ledger surface the processor needs.
type TransactionProcessingCallback interface {
	// GetAccountSharedData returns the account stored at key.
	GetAccountSharedData(key types.Pubkey) (*accounts.AccountSharedData, bool)
	// AccountMatchesOwners returns the index in owners of the owner of the
	// account at key.
	AccountMatchesOwners(key types.Pubkey, owners []types.Pubkey) (int, bool)
	// AddBuiltinAccount makes sure an executable native loader account
	// exists at programID.
	AddBuiltinAccount(name string, programID types.Pubkey) error
}

// Environment is the bank state a transaction is processed under.
type Environment struct {
	Blockhash            types.Hash
	Features             *svm.FeatureSet
	LamportsPerSignature uint64
	// FeeStructure defaults to svm.DefaultFeeStructure.
	FeeStructure *svm.FeeStructure
	// RentCollector defaults to accounts.DefaultRentCollector.
	RentCollector *accounts.RentCollector
}

func (e Environment) features() *svm.FeatureSet {
	if e.Features == nil {
		return svm.NewFeatureSet()
	}
	return e.Features
}

func (e Environment) feeStructure() svm.FeeStructure {
	if e.FeeStructure == nil {
		return svm.DefaultFeeStructure()
	}
	return *e.FeeStructure
}

func (e Environment) rentCollector() accounts.RentCollector {
	if e.RentCollector == nil {
		return accounts.DefaultRentCollector()
	}
	return *e.RentCollector
}

// RecordingConfig selects what execution details are kept.
type RecordingConfig struct {
	CPI        bool
	Logs       bool
	ReturnData bool
}

// RecordAll enables or disables every recording.
func RecordAll(enabled bool) RecordingConfig {
	return RecordingConfig{CPI: enabled, Logs: enabled, ReturnData: enabled}
}

// Config holds per call processing options.
type Config struct {
	// Overrides replace ledger accounts, typically for simulation.
	Overrides *accounts.Overrides
	// ComputeBudget replaces the budget requested by the transaction.
	ComputeBudget *svm.ComputeBudget
	// LogMessagesBytesLimit caps recorded logs. Zero keeps everything.
	LogMessagesBytesLimit int
	Recording             RecordingConfig
}

// CheckResult is the outcome of the blockhash or nonce check performed by
// the caller.
type CheckResult struct {
	Details accountloader.CheckedTransactionDetails
	Err     error
}

// TransactionProcessor executes transactions for one slot.
type TransactionProcessor struct {
	slot  uint64
	epoch uint64

	sysvarCache  *invoke.SysvarCache
	programCache *programcache.ProgramCache
	builtinIDs   map[types.Pubkey]struct{}

	logger *zap.Logger
}

// New creates a processor for slot backed by the persistent program cache.
func New(slot, epoch uint64, cache *programcache.ProgramCache, logger *zap.Logger) *TransactionProcessor {
	return &TransactionProcessor{
		slot:         slot,
		epoch:        epoch,
		sysvarCache:  invoke.NewSysvarCache(),
		programCache: cache,
		builtinIDs:   make(map[types.Pubkey]struct{}),
		logger:       log.WithPackage(logger),
	}
}

// NewFrom creates a processor for a child slot. The program cache and
// builtins are shared; the sysvar cache starts empty.
func (p *TransactionProcessor) NewFrom(slot, epoch uint64) *TransactionProcessor {
	builtins := make(map[types.Pubkey]struct{}, len(p.builtinIDs))
	for id := range p.builtinIDs {
		builtins[id] = struct{}{}
	}
	return &TransactionProcessor{
		slot:         slot,
		epoch:        epoch,
		sysvarCache:  invoke.NewSysvarCache(),
		programCache: p.programCache,
		builtinIDs:   builtins,
		logger:       p.logger,
	}
}

// Slot returns the slot transactions are executed in.
func (p *TransactionProcessor) Slot() uint64 {
	return p.slot
}

// Epoch returns the epoch of the slot.
func (p *TransactionProcessor) Epoch() uint64 {
	return p.epoch
}

// SysvarCache returns the sysvars programs see.
func (p *TransactionProcessor) SysvarCache() *invoke.SysvarCache {
	return p.sysvarCache
}

// ProgramCache returns the persistent program cache.
func (p *TransactionProcessor) ProgramCache() *programcache.ProgramCache {
	return p.programCache
}

// BuiltinProgramIDs returns the registered builtins in key order.
func (p *TransactionProcessor) BuiltinProgramIDs() []types.Pubkey {
	ids := make([]types.Pubkey, 0, len(p.builtinIDs))
	for id := range p.builtinIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// AddBuiltin registers builtin at programID and makes sure its account
// exists in the ledger.
func (p *TransactionProcessor) AddBuiltin(cb TransactionProcessingCallback, programID types.Pubkey, builtin *invoke.Builtin) error {
	if err := cb.AddBuiltinAccount(builtin.Name(), programID); err != nil {
		return fmt.Errorf("add builtin %s: %w", builtin.Name(), err)
	}
	p.builtinIDs[programID] = struct{}{}
	p.programCache.Assign(programID, programcache.NewBuiltinEntry(0, len(builtin.Name()), builtin))
	p.logger.Debug("builtin registered",
		zap.String("name", builtin.Name()),
		zap.Stringer("program", programID),
	)
	return nil
}

// FillMissingSysvarCacheEntries reads the sysvars not cached yet from cb.
func (p *TransactionProcessor) FillMissingSysvarCacheEntries(cb TransactionProcessingCallback) {
	p.sysvarCache.FillMissingEntries(cb)
}

// LoadAndExecuteSanitizedTransaction validates, loads and executes tx. Errors
// before execution yield a result that was not executed; execution failures
// are reported in the result details. The output's metrics count the
// failure, if any, once in Total and once in its category. Entries the
// transaction deployed or retracted are returned in ProgramsModifiedByTx and
// are only visible to the persistent cache once the caller merges them.
func (p *TransactionProcessor) LoadAndExecuteSanitizedTransaction(
	cb TransactionProcessingCallback,
	tx *svm.SanitizedTransaction,
	check CheckResult,
	env Environment,
	cfg Config,
) *LoadAndExecuteOutput {
	out := &LoadAndExecuteOutput{}
	msg := tx.Message()
	features := env.features()
	rc := env.rentCollector()

	validated, err := p.validateFee(cb, cfg.Overrides, msg, check, features, env.feeStructure(), rc, &out.ErrorMetrics)
	if err != nil {
		return p.notExecuted(out, tx, err)
	}

	programAccounts := FilterExecutableProgramAccounts(cb, msg, ProgramOwners)
	for id := range p.builtinIDs {
		programAccounts.Set(id, accountloader.ProgramOwner{Owner: types.NativeLoaderAddr})
	}
	batch := p.replenishProgramCache(cb, programAccounts)

	out.Loaded, err = accountloader.LoadTransaction(cb, msg, validated, &out.ErrorMetrics, accountloader.Env{
		Features:        features,
		RentCollector:   rc,
		Overrides:       cfg.Overrides,
		ProgramAccounts: programAccounts,
		Programs:        batch,
	})
	if err != nil {
		return p.notExecuted(out, tx, err)
	}

	out.ExecutionResult = p.executeLoadedTransaction(msg, out.Loaded, batch, env, features, rc, cfg, &out.ErrorMetrics)
	details := out.ExecutionResult.Details
	if details.Status == nil {
		batch.Merge(out.ExecutionResult.ProgramsModifiedByTx)
	} else {
		out.ErrorMetrics.Total++
	}
	p.logger.Debug("transaction executed",
		zap.Stringer("signature", tx.Signature()),
		zap.Uint64("units", details.ExecutedUnits),
		zap.Error(details.Status),
	)
	return out
}

func (p *TransactionProcessor) notExecuted(out *LoadAndExecuteOutput, tx *svm.SanitizedTransaction, err error) *LoadAndExecuteOutput {
	out.Loaded = nil
	out.ExecutionResult = ExecutionResult{Err: err}
	out.ErrorMetrics.Total++
	p.logger.Debug("transaction not executed",
		zap.Stringer("signature", tx.Signature()),
		zap.Error(err),
	)
	return out
}

// validateFee loads the fee payer, collects its rent and debits the fee. The
// returned details carry the state to roll back to should execution fail.
func (p *TransactionProcessor) validateFee(
	cb TransactionProcessingCallback,
	overrides *accounts.Overrides,
	msg *svm.SanitizedMessage,
	check CheckResult,
	features *svm.FeatureSet,
	fees svm.FeeStructure,
	rc accounts.RentCollector,
	metrics *svm.TransactionErrorMetrics,
) (*accountloader.ValidatedTransactionDetails, error) {
	if check.Err != nil {
		metrics.Count(check.Err)
		return nil, check.Err
	}

	limits, err := svm.ProcessComputeBudgetInstructions(msg)
	if err != nil {
		metrics.InvalidComputeBudget++
		return nil, err
	}

	address := msg.FeePayer()
	account, ok := overrides.Get(address)
	if ok {
		account = account.Clone()
	} else {
		account, ok = cb.GetAccountSharedData(address)
	}
	if !ok {
		metrics.AccountNotFound++
		return nil, svm.ErrAccountNotFound
	}

	loadedRentEpoch := account.RentEpoch()
	rentDebit := accountloader.CollectRentFromAccount(features, rc, address, account).RentAmount

	feeDetails := fees.CalculateFeeDetails(msg, check.Details.LamportsPerSignature, limits, features)
	if err := accountloader.ValidateFeePayer(address, account, 0, metrics, rc, feeDetails.Total()); err != nil {
		var rentErr *svm.InsufficientFundsForRentError
		if errors.As(err, &rentErr) {
			metrics.InvalidRentPayingAccount++
		}
		return nil, err
	}

	return &accountloader.ValidatedTransactionDetails{
		RollbackAccounts:    rollback.New(check.Details.Nonce, address, account, rentDebit, loadedRentEpoch),
		ComputeBudgetLimits: limits,
		FeeDetails:          feeDetails,
		FeePayerAccount:     account,
		FeePayerRentDebit:   rentDebit,
	}, nil
}

// FilterExecutableProgramAccounts maps every account of msg owned by one of
// owners to that owner, counting how often each key is referenced.
func FilterExecutableProgramAccounts(cb TransactionProcessingCallback, msg *svm.SanitizedMessage, owners []types.Pubkey) *accountloader.ProgramAccountsMap {
	result := accountloader.NewProgramAccountsMap()
	for _, key := range msg.AccountKeys() {
		if existing, ok := result.Get(key); ok {
			result.Add(key, existing.Owner)
			continue
		}
		if index, ok := cb.AccountMatchesOwners(key, owners); ok && index < len(owners) {
			result.Add(key, owners[index])
		}
	}
	return result
}

// replenishProgramCache builds the batch view of every program in
// programAccounts. Programs the persistent cache cannot serve are loaded from
// their accounts and stored in it.
func (p *TransactionProcessor) replenishProgramCache(cb TransactionProcessingCallback, programAccounts *accountloader.ProgramAccountsMap) *programcache.ForTxBatch {
	batch := programcache.NewForTxBatch(
		p.slot,
		p.programCache.Environments(),
		p.programCache.UpcomingEnvironments(),
		p.programCache.LatestRootEpoch(),
	)

	usage := make(map[types.Pubkey]uint64, programAccounts.Len())
	programAccounts.Ascend(func(key types.Pubkey, owner accountloader.ProgramOwner) bool {
		usage[key] = owner.Count
		return true
	})

	missing := p.programCache.Extract(batch, programAccounts.Keys(), usage)
	for _, key := range missing {
		reload := p.programCache.CanReload(key)
		entry, ok := programcache.LoadProgramWithPubkey(cb, batch.Environments, key, p.slot, reload)
		if !ok {
			p.logger.Debug("program account vanished", zap.Stringer("program", key))
			continue
		}
		entry.AddTxUsage(usage[key])
		p.programCache.Assign(key, entry)
		batch.Replenish(key, entry)
		batch.LoadedMissing = true
	}
	return batch
}

// CommitProgramChanges brings the persistent program cache in line with a
// committed transaction. written are the accounts stored to the ledger and
// modified the entries the transaction deployed or retracted, nil when it
// failed. Modified entries replace the cached ones. Any other written account
// that is cached or owned by a loader is dropped from the cache, together
// with the loader v3 programs whose programdata it is, and is loaded again
// from the ledger on next use.
func (p *TransactionProcessor) CommitProgramChanges(written []txcontext.TransactionAccount, modified *programcache.OrderedEntries) {
	var stale []types.Pubkey
	for _, ta := range written {
		if _, ok := p.builtinIDs[ta.Key]; ok {
			continue
		}
		if modified != nil {
			if _, ok := modified.Get(ta.Key); ok {
				continue
			}
		}
		_, cached := p.programCache.Get(ta.Key)
		if cached || isLoader(ta.Account.Owner()) {
			stale = append(stale, ta.Key)
		}
	}
	if n := p.programCache.Invalidate(stale...); n > 0 {
		p.logger.Debug("program cache invalidated", zap.Int("entries", n), zap.Uint64("slot", p.slot))
	}
	if modified != nil && modified.Len() > 0 {
		p.programCache.Merge(modified)
	}
}

func isLoader(owner types.Pubkey) bool {
	for _, l := range ProgramOwners {
		if owner == l {
			return true
		}
	}
	return false
}
