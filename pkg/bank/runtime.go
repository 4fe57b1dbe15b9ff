package bank

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/log"
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/bpfloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/computebudget"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/system"
)

type builtinProgram struct {
	id      types.Pubkey
	builtin *invoke.Builtin
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithExecutor sets the executor that runs on-chain programs. Without one
// invoking a deployed program fails.
func WithExecutor(executor invoke.Executor) Option {
	return func(r *Runtime) { r.executor = executor }
}

// WithMetrics reports the error counters of every finished block.
func WithMetrics(reporter *svm.MetricsReporter) Option {
	return func(r *Runtime) { r.reporter = reporter }
}

// WithObserver publishes committed transactions and finished blocks.
func WithObserver(observer Observer) Option {
	return func(r *Runtime) { r.observer = observer }
}

// Runtime drives the block lifecycle: it registers the parent hash when a
// block begins, executes transactions in the block's bank and expires old
// blockhashes when the block ends. The program cache outlives the banks.
type Runtime struct {
	ledger   ledger.Ledger
	store    blockstore.Store
	queue    *BlockhashQueue
	statuses *StatusCache
	cache    *programcache.ProgramCache
	cfg      Config
	features *svm.FeatureSet
	builtins []builtinProgram

	executor invoke.Executor
	reporter *svm.MetricsReporter
	observer Observer
	logger   *zap.Logger

	mu   sync.Mutex
	bank *Bank
}

// NewRuntime creates a runtime over l and store.
func NewRuntime(l ledger.Ledger, store blockstore.Store, cfg Config, opts ...Option) (*Runtime, error) {
	features, err := cfg.featureSet()
	if err != nil {
		return nil, err
	}
	if cfg.DecimalMultiplier == 0 {
		return nil, fmt.Errorf("%w: zero decimal multiplier", ErrInvalidConfig)
	}
	if cfg.ProgramCacheCapacity < 0 {
		return nil, fmt.Errorf("%w: negative program cache capacity", ErrInvalidConfig)
	}
	r := &Runtime{
		ledger:   l,
		store:    store,
		queue:    NewBlockhashQueue(store, cfg.BlockhashQueueMaxAge),
		statuses: NewStatusCache(store),
		cfg:      cfg,
		features: features,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithPackage(r.logger)
	r.cache = programcache.New(programcache.DefaultEnvironments(), r.logger)
	r.cache.SetMaxLoaded(cfg.ProgramCacheCapacity)

	r.builtins = []builtinProgram{
		{types.SystemProgramAddr, system.Builtin()},
		{types.ComputeBudgetProgramAddr, computebudget.Builtin()},
	}
	loaders := bpfloader.New(r.executor).Builtins()
	ids := make([]types.Pubkey, 0, len(loaders))
	for id := range loaders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		r.builtins = append(r.builtins, builtinProgram{id, loaders[id]})
	}
	return r, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Queue returns the blockhash queue.
func (r *Runtime) Queue() *BlockhashQueue {
	return r.queue
}

// ProgramCacheStats returns the counters of the program cache.
func (r *Runtime) ProgramCacheStats() programcache.Stats {
	return r.cache.Stats()
}

// ScheduleEnvironments stages the program runtime environments of the next
// epoch. Programs verified under the current ones are verified again after
// the first block of that epoch ends.
func (r *Runtime) ScheduleEnvironments(envs programcache.Environments) {
	r.cache.SetUpcomingEnvironments(&envs)
	r.logger.Info("program runtime environments scheduled")
}

// Genesis stores block 0 on an empty store.
func (r *Runtime) Genesis(hash types.Hash, timestamp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.store.BlockHash(0); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	if err := r.store.PutHeader(blockstore.Header{Number: 0, Hash: hash, Timestamp: timestamp}); err != nil {
		return fmt.Errorf("genesis header: %w", err)
	}
	if err := r.store.SetGenesisTimestamp(timestamp); err != nil {
		return fmt.Errorf("genesis timestamp: %w", err)
	}
	r.logger.Info("genesis initialized", zap.Stringer("hash", hash), zap.Int64("timestamp", timestamp))
	return nil
}

// BeginBlock opens block number on top of the latest stored block. The
// parent's hash becomes usable as a recent blockhash.
func (r *Runtime) BeginBlock(number uint64, timestamp int64) (*Bank, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bank != nil {
		return nil, ErrBlockInProgress
	}
	if number == 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockNumber, number)
	}
	parent, ok, err := r.store.BlockHash(number - 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParent, number-1)
	}
	if latest := r.store.LatestNumber(); latest != number-1 {
		return nil, fmt.Errorf("%w: %d after %d", ErrBlockNumber, number, latest)
	}
	genesis, _ := r.store.GenesisTimestamp()

	if err := r.queue.Register(parent, number-1, r.cfg.LamportsPerSignature, timestamp); err != nil {
		return nil, err
	}
	bank, err := newBank(r, BlockInfo{
		Number:           number,
		ParentHash:       parent,
		Timestamp:        timestamp,
		GenesisTimestamp: genesis,
	})
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	r.bank = bank
	r.logger.Debug("block started", zap.Uint64("number", number), zap.Stringer("parent", parent))
	return bank, nil
}

// Transact decodes, verifies and processes a wire transaction in the current
// block.
func (r *Runtime) Transact(raw []byte) (*TransactionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bank == nil {
		return nil, ErrNoActiveBlock
	}
	tx, err := svm.DecodeTransaction(raw, svm.NewReservedAccountKeys())
	if err != nil {
		r.bank.metrics.Record(err)
		return nil, err
	}
	if err := tx.VerifySignatures(); err != nil {
		r.bank.metrics.Record(err)
		return nil, err
	}
	if err := tx.ValidateAccountLocks(r.cfg.TransactionAccountLockLimit); err != nil {
		r.bank.metrics.Record(err)
		return nil, err
	}
	return r.bank.ProcessTransaction(tx)
}

// EndBlock seals the current block under hash and expires the blockhash that
// fell out of the queue together with its status cache entries.
func (r *Runtime) EndBlock(hash types.Hash) (blockstore.Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bank := r.bank
	if bank == nil {
		return blockstore.Header{}, ErrNoActiveBlock
	}
	header := blockstore.Header{
		Number:            bank.block.Number,
		Hash:              hash,
		ParentHash:        bank.block.ParentHash,
		Timestamp:         bank.block.Timestamp,
		AccountsDeltaHash: bank.AccountsDeltaHash(),
		SignatureCount:    bank.signatureCount,
	}
	if err := r.store.PutHeader(header); err != nil {
		return blockstore.Header{}, fmt.Errorf("block %d: %w", header.Number, err)
	}
	r.bank = nil

	if err := r.expireBlockhash(header.Number); err != nil {
		return header, err
	}
	r.cache.Reroot(header.Number, bank.epoch)
	r.cache.Evict(header.Number)

	if r.reporter != nil {
		r.reporter.Report(&bank.metrics)
	}
	if r.observer != nil {
		r.observer.BlockFinalized(header)
	}
	r.logger.Info("block finalized",
		zap.Uint64("number", header.Number),
		zap.Stringer("hash", hash),
		zap.Uint64("signatures", header.SignatureCount),
		zap.Int("accounts", len(bank.delta)),
		zap.Stringer("delta_hash", header.AccountsDeltaHash),
	)
	return header, nil
}

// expireBlockhash drops the hash of block number-max_age-1, the first one
// no longer valid in the next block.
func (r *Runtime) expireBlockhash(number uint64) error {
	if number <= r.cfg.BlockhashQueueMaxAge {
		return nil
	}
	old, ok, err := r.store.BlockHash(number - r.cfg.BlockhashQueueMaxAge - 1)
	if err != nil || !ok {
		return err
	}
	if err := r.queue.Remove(old); err != nil {
		return fmt.Errorf("expire blockhash %s: %w", old, err)
	}
	if err := r.statuses.Purge(old); err != nil {
		return fmt.Errorf("purge statuses %s: %w", old, err)
	}
	return nil
}

// CurrentBank returns the bank of the block in progress.
func (r *Runtime) CurrentBank() (*Bank, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bank, r.bank != nil
}
