// Package bank runs Solana transactions against a foreign ledger.
//
// A Bank is built for every block. It exposes the ledger to the transaction
// processor as a key-value account store, checks transactions against the
// blockhash queue or their durable nonce and commits the result back:
// account metadata and data are written as is while lamport changes are
// applied to the ledger's native balances as a single net adjustment per
// account.
package bank

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/accountloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/processor"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/rollback"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

var (
	// ErrNoActiveBlock is returned when a transaction arrives outside
	// BeginBlock/EndBlock.
	ErrNoActiveBlock = errors.New("no block in progress")

	// ErrBlockInProgress is returned by BeginBlock before the previous block
	// ended.
	ErrBlockInProgress = errors.New("block already in progress")

	// ErrUnknownParent is returned when the parent of a new block is not
	// stored.
	ErrUnknownParent = errors.New("parent block not found")

	// ErrBlockNumber is returned when blocks are not applied in sequence.
	ErrBlockNumber = errors.New("unexpected block number")

	// ErrAlreadyInitialized is returned by Genesis on a non-empty store.
	ErrAlreadyInitialized = errors.New("genesis already initialized")

	// ErrInvalidConfig is returned for unusable runtime parameters.
	ErrInvalidConfig = errors.New("invalid bank config")
)

// BlockInfo is the host chain block a bank executes in.
type BlockInfo struct {
	Number     uint64
	ParentHash types.Hash
	// Timestamp is the block time in unix milliseconds.
	Timestamp int64
	// GenesisTimestamp is the genesis block time in unix milliseconds.
	GenesisTimestamp int64
}

// CommittedAccount is an account state written to the ledger.
type CommittedAccount struct {
	Pubkey  types.Pubkey
	Account *accounts.AccountSharedData
}

// TransactionResult describes a committed transaction.
type TransactionResult struct {
	Slot        uint64
	Signature   types.Signature
	MessageHash types.Hash
	// Status is nil when every instruction succeeded. A failed transaction
	// is still committed: its fee is charged and a durable nonce advanced.
	Status        error
	Fee           uint64
	ExecutedUnits uint64
	LogMessages   []string
	ReturnData    *txcontext.ReturnData
	Accounts      []CommittedAccount
}

// Observer is notified of everything the runtime commits. Calls happen on
// the committing goroutine and must not block.
type Observer interface {
	TransactionCommitted(result *TransactionResult)
	BlockFinalized(header blockstore.Header)
}

// Bank executes the transactions of one block.
type Bank struct {
	rt    *Runtime
	block BlockInfo
	slot  uint64
	epoch uint64

	rentCollector accounts.RentCollector
	processor     *processor.TransactionProcessor

	delta          map[types.Pubkey]types.Hash
	signatureCount uint64
	metrics        svm.TransactionErrorMetrics

	logger *zap.Logger
}

var _ processor.TransactionProcessingCallback = (*Bank)(nil)

func newBank(rt *Runtime, block BlockInfo) (*Bank, error) {
	schedule := rt.cfg.epochSchedule()
	slot := block.Number
	epoch := schedule.Epoch(slot)
	rent := accounts.DefaultRent()

	b := &Bank{
		rt:            rt,
		block:         block,
		slot:          slot,
		epoch:         epoch,
		rentCollector: accounts.NewRentCollector(epoch, schedule, rent),
		processor:     processor.New(slot, epoch, rt.cache, rt.logger),
		delta:         make(map[types.Pubkey]types.Hash),
		logger:        rt.logger.With(zap.Uint64("slot", slot)),
	}

	for _, p := range rt.builtins {
		if err := b.processor.AddBuiltin(b, p.id, p.builtin); err != nil {
			return nil, err
		}
	}

	clock := accounts.Clock{
		Slot:                slot,
		EpochStartTimestamp: block.GenesisTimestamp / 1000,
		Epoch:               epoch,
		LeaderScheduleEpoch: epoch + 1,
		UnixTimestamp:       block.Timestamp / 1000,
	}
	sysvars := []struct {
		id   types.Pubkey
		data []byte
	}{
		{types.SysvarClockAddr, clock.Encode()},
		{types.SysvarRentAddr, rent.Encode()},
		{types.SysvarEpochScheduleAddr, schedule.Encode()},
	}
	for _, s := range sysvars {
		if err := b.updateSysvarAccount(s.id, s.data); err != nil {
			return nil, err
		}
	}
	b.processor.FillMissingSysvarCacheEntries(b)
	return b, nil
}

// Slot returns the slot of the bank.
func (b *Bank) Slot() uint64 {
	return b.slot
}

// Epoch returns the epoch of the bank.
func (b *Bank) Epoch() uint64 {
	return b.epoch
}

// Block returns the block the bank executes in.
func (b *Bank) Block() BlockInfo {
	return b.block
}

// LastBlockhash is the blockhash transactions of this block commit against,
// the hash of the parent block.
func (b *Bank) LastBlockhash() types.Hash {
	return b.block.ParentHash
}

// SignatureCount returns the signatures processed so far.
func (b *Bank) SignatureCount() uint64 {
	return b.signatureCount
}

// ErrorMetrics returns the error counters accumulated in this block.
func (b *Bank) ErrorMetrics() svm.TransactionErrorMetrics {
	return b.metrics
}

// AccountsDeltaHash commits to the last state of every account written in
// the block.
func (b *Bank) AccountsDeltaHash() types.Hash {
	entries := make([]ledger.DeltaEntry, 0, len(b.delta))
	for pubkey, hash := range b.delta {
		entries = append(entries, ledger.DeltaEntry{Pubkey: pubkey, Hash: hash})
	}
	return ledger.DeltaHash(entries)
}

func (b *Bank) multiplier() uint64 {
	return b.rt.cfg.DecimalMultiplier
}

// lamportsOf converts a native balance into whole lamports. Balances beyond
// the lamport range are clamped.
func (b *Bank) lamportsOf(pubkey types.Pubkey, native *uint256.Int) uint64 {
	l, err := accounts.LamportsFromNative(native, b.multiplier())
	if err != nil {
		b.logger.Warn("native balance exceeds lamport range",
			zap.Stringer("pubkey", pubkey),
			zap.Stringer("native", native),
		)
		return math.MaxUint64
	}
	return l.Get()
}

// GetAccountSharedData loads an account from the ledger. An address holding
// only a native balance reads as an empty system account.
func (b *Bank) GetAccountSharedData(pubkey types.Pubkey) (*accounts.AccountSharedData, bool) {
	id := ledger.AccountIDFromPubkey(pubkey)
	meta, ok, err := b.rt.ledger.AccountMeta(id)
	if err != nil {
		b.logger.Warn("read account meta", zap.Stringer("pubkey", pubkey), zap.Error(err))
		return nil, false
	}
	native, err := b.rt.ledger.Balance(id)
	if err != nil {
		b.logger.Warn("read balance", zap.Stringer("pubkey", pubkey), zap.Error(err))
		return nil, false
	}
	lamports := b.lamportsOf(pubkey, native)

	if !ok {
		if lamports == 0 {
			return nil, false
		}
		return accounts.NewAccount(lamports, 0, types.SystemProgramAddr), true
	}

	data, err := b.rt.ledger.AccountData(id)
	if err != nil {
		b.logger.Warn("read account data", zap.Stringer("pubkey", pubkey), zap.Error(err))
		return nil, false
	}
	account := accounts.NewAccountWithData(lamports, data, meta.Owner)
	account.SetExecutable(meta.Executable)
	account.SetRentEpoch(meta.RentEpoch)
	return account, true
}

// AccountMatchesOwners returns the index in owners of the account's owner.
func (b *Bank) AccountMatchesOwners(pubkey types.Pubkey, owners []types.Pubkey) (int, bool) {
	meta, ok, err := b.rt.ledger.AccountMeta(ledger.AccountIDFromPubkey(pubkey))
	if err != nil || !ok {
		return 0, false
	}
	for i, owner := range owners {
		if meta.Owner == owner {
			return i, true
		}
	}
	return 0, false
}

// AddBuiltinAccount stores the executable native loader account of a
// builtin. An account at programID owned by anything but the native loader
// is replaced and its balance burned.
func (b *Bank) AddBuiltinAccount(name string, programID types.Pubkey) error {
	id := ledger.AccountIDFromPubkey(programID)
	meta, ok, err := b.rt.ledger.AccountMeta(id)
	if err != nil {
		return fmt.Errorf("builtin %s: %w", name, err)
	}
	if ok && meta.Owner == types.NativeLoaderAddr {
		return nil
	}
	batch := ledger.NewBatch()
	burned, err := b.stageBurn(batch, id)
	if err != nil {
		return fmt.Errorf("builtin %s: %w", name, err)
	}
	if ok || !burned.IsZero() {
		b.logger.Warn("replacing squatted builtin account",
			zap.String("name", name),
			zap.Stringer("program", programID),
			zap.Stringer("owner", meta.Owner),
			zap.Stringer("burned", burned),
		)
	}
	batch.SetAccountMeta(id, accounts.AccountMeta{
		Owner:      types.NativeLoaderAddr,
		Executable: true,
	})
	batch.SetAccountData(id, []byte(name))
	if err := b.rt.ledger.Apply(batch); err != nil {
		return fmt.Errorf("builtin %s: %w", name, err)
	}
	return nil
}

// stageBurn stages removing the whole native balance of id and returns it.
func (b *Bank) stageBurn(batch *ledger.Batch, id ledger.AccountID) (*uint256.Int, error) {
	native, err := b.rt.ledger.Balance(id)
	if err != nil {
		return nil, err
	}
	if !native.IsZero() {
		batch.DecreaseBalance(id, native)
	}
	return native, nil
}

func (b *Bank) updateSysvarAccount(id types.Pubkey, data []byte) error {
	lid := ledger.AccountIDFromPubkey(id)
	meta, ok, err := b.rt.ledger.AccountMeta(lid)
	if err != nil {
		return fmt.Errorf("sysvar %s: %w", id, err)
	}
	batch := ledger.NewBatch()
	if !ok || meta.Owner != types.SysvarProgramAddr {
		burned, err := b.stageBurn(batch, lid)
		if err != nil {
			return fmt.Errorf("sysvar %s: %w", id, err)
		}
		if ok || !burned.IsZero() {
			b.logger.Warn("replacing squatted sysvar account",
				zap.Stringer("sysvar", id),
				zap.Stringer("owner", meta.Owner),
				zap.Stringer("burned", burned),
			)
		}
		batch.SetAccountMeta(lid, accounts.AccountMeta{Owner: types.SysvarProgramAddr})
	}
	batch.SetAccountData(lid, data)
	if err := b.rt.ledger.Apply(batch); err != nil {
		return fmt.Errorf("sysvar %s: %w", id, err)
	}
	return nil
}

// CheckTransaction accepts tx when its recent blockhash is still in the
// queue, or when it advances a durable nonce whose stored value is that
// blockhash and the nonce authority signed the advance.
func (b *Bank) CheckTransaction(tx *svm.SanitizedTransaction) processor.CheckResult {
	msg := tx.Message()
	recent := msg.RecentBlockhash()

	info, ok, err := b.rt.queue.HashInfoIfValid(recent, b.block.Number)
	if err != nil {
		b.logger.Warn("read blockhash queue", zap.Stringer("blockhash", recent), zap.Error(err))
	}
	if ok {
		return processor.CheckResult{Details: accountloader.CheckedTransactionDetails{
			LamportsPerSignature: info.LamportsPerSignature,
		}}
	}

	next := accounts.DurableNonceFromBlockhash(b.LastBlockhash())
	if recent != next.AsHash() {
		if nonce, data, ok := b.loadMessageNonceAccount(msg); ok {
			return processor.CheckResult{Details: accountloader.CheckedTransactionDetails{
				Nonce:                nonce,
				LamportsPerSignature: data.LamportsPerSignature,
			}}
		}
	}
	return processor.CheckResult{Err: svm.ErrBlockhashNotFound}
}

func (b *Bank) loadMessageNonceAccount(msg *svm.SanitizedMessage) (*accounts.NonceInfo, accounts.NonceData, bool) {
	address, ok := msg.DurableNonce()
	if !ok {
		return nil, accounts.NonceData{}, false
	}
	account, ok := b.GetAccountSharedData(address)
	if !ok {
		return nil, accounts.NonceData{}, false
	}
	data, ok := accounts.VerifyNonceAccount(account, msg.RecentBlockhash())
	if !ok {
		return nil, accounts.NonceData{}, false
	}
	for _, signer := range msg.IxSigners(0) {
		if signer == data.Authority {
			return accounts.NewNonceInfo(address, account), data, true
		}
	}
	return nil, accounts.NonceData{}, false
}

// ProcessTransaction checks, executes and commits a sanitized transaction.
// A transaction that could not be executed is not committed and its error
// is returned; one that executed and failed is committed and reported
// through the result's Status. A commit the ledger rejects writes nothing
// and the transaction stays marked as processed.
func (b *Bank) ProcessTransaction(tx *svm.SanitizedTransaction) (*TransactionResult, error) {
	msg := tx.Message()
	recent := msg.RecentBlockhash()

	_, seen, err := b.rt.statuses.Get(recent, tx.MessageHash())
	if err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}
	if seen {
		b.metrics.Record(svm.ErrAlreadyProcessed)
		return nil, svm.ErrAlreadyProcessed
	}

	check := b.CheckTransaction(tx)
	out := b.processor.LoadAndExecuteSanitizedTransaction(b, tx, check, processor.Environment{
		Blockhash:            b.LastBlockhash(),
		Features:             b.rt.features,
		LamportsPerSignature: b.rt.cfg.LamportsPerSignature,
		RentCollector:        &b.rentCollector,
	}, processor.Config{
		LogMessagesBytesLimit: b.rt.cfg.LogMessagesBytesLimit,
		Recording:             b.rt.cfg.Recording,
	})
	b.metrics.Accumulate(&out.ErrorMetrics)

	res := out.ExecutionResult
	if !res.WasExecuted() {
		return nil, res.Err
	}
	details := res.Details

	// The status is recorded first: a transaction whose commit fails is
	// never applied twice.
	status := blockstore.TxStatus{Slot: b.slot, Signature: tx.Signature()}
	if details.Status != nil {
		status.Err = details.Status.Error()
	}
	if err := b.rt.statuses.Insert(recent, tx.MessageHash(), status); err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}

	committed, err := b.CommitTransaction(tx, out, b.LastBlockhash(), b.rt.cfg.LamportsPerSignature)
	if err != nil {
		return nil, err
	}

	result := &TransactionResult{
		Slot:          b.slot,
		Signature:     tx.Signature(),
		MessageHash:   tx.MessageHash(),
		Status:        details.Status,
		Fee:           details.FeeDetails.Total(),
		ExecutedUnits: details.ExecutedUnits,
		LogMessages:   details.LogMessages,
		ReturnData:    details.ReturnData,
		Accounts:      committed,
	}
	b.signatureCount += msg.NumTotalSignatures()

	b.logger.Debug("transaction committed",
		zap.Stringer("signature", result.Signature),
		zap.Uint64("fee", result.Fee),
		zap.Int("accounts", len(committed)),
		zap.Error(result.Status),
	)
	if b.rt.observer != nil {
		b.rt.observer.TransactionCommitted(result)
	}
	return result, nil
}

// CommitTransaction writes the accounts of an executed transaction to the
// ledger. When execution failed only the fee payer and the nonce account are
// written, restored to their rollback state with the nonce advanced to the
// durable nonce of lastBlockhash. A transaction that was not executed
// returns its error and writes nothing.
//
// The accounts are applied as one ledger batch. Once it is written the
// program cache drops programs whose accounts changed and takes the entries
// the transaction deployed or closed.
func (b *Bank) CommitTransaction(
	tx *svm.SanitizedTransaction,
	out *processor.LoadAndExecuteOutput,
	lastBlockhash types.Hash,
	lamportsPerSignature uint64,
) ([]CommittedAccount, error) {
	res := out.ExecutionResult
	if !res.WasExecuted() {
		return nil, res.Err
	}
	msg := tx.Message()
	status := res.Details.Status
	rb := out.Loaded.RollbackAccounts
	durable := accounts.DurableNonceFromBlockhash(lastBlockhash)

	var nonceAddress *types.Pubkey
	if rb != nil && rb.Nonce() != nil {
		addr := rb.Nonce().Address
		nonceAddress = &addr
	}

	var committed []CommittedAccount
	for i, ta := range out.Loaded.Accounts {
		storable := !msg.IsInvoked(i) || msg.IsInstructionAccount(i)
		if !storable || !msg.IsWritable(i) {
			continue
		}
		account := ta.Account
		if status != nil {
			isFeePayer := i == 0
			isNonce := nonceAddress != nil && *nonceAddress == ta.Key
			if !isFeePayer && !isNonce {
				continue
			}
			account = postProcessFailedTx(account, isFeePayer, isNonce, rb, durable, lamportsPerSignature)
		}
		committed = append(committed, CommittedAccount{Pubkey: ta.Key, Account: account})
	}

	batch := ledger.NewBatch()
	for _, c := range committed {
		if err := b.stageAccount(batch, c.Pubkey, c.Account); err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.Pubkey, err)
		}
	}
	if err := b.rt.ledger.Apply(batch); err != nil {
		b.logger.Warn("commit failed",
			zap.Stringer("signature", tx.Signature()),
			zap.Int("accounts", len(committed)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("commit %s: %w", tx.Signature(), err)
	}

	written := make([]txcontext.TransactionAccount, len(committed))
	for i, c := range committed {
		b.delta[c.Pubkey] = ledger.AccountHash(c.Pubkey, c.Account)
		written[i] = txcontext.TransactionAccount{Key: c.Pubkey, Account: c.Account}
	}
	var modified *programcache.OrderedEntries
	if status == nil {
		modified = res.ProgramsModifiedByTx
	}
	b.processor.CommitProgramChanges(written, modified)
	return committed, nil
}

// postProcessFailedTx returns the state a failed transaction leaves behind
// in the fee payer or nonce account. The nonce check comes first since the
// nonce account may also pay the fee.
func postProcessFailedTx(
	account *accounts.AccountSharedData,
	isFeePayer, isNonce bool,
	rb *rollback.Accounts,
	durable accounts.DurableNonce,
	lamportsPerSignature uint64,
) *accounts.AccountSharedData {
	if isNonce {
		if nonce := rb.Nonce(); nonce != nil {
			restored := nonce.Account.Clone()
			state, err := accounts.DecodeNonceState(restored.Data())
			if err == nil && state.Initialized {
				next := accounts.NewInitializedNonceState(state.Data.Authority, durable, lamportsPerSignature)
				restored.SetData(next.Encode())
			}
			return restored
		}
		return account
	}
	if isFeePayer {
		return rb.FeePayerAccount().Clone()
	}
	return account
}

// stageAccount stages account at pubkey. The ledger balance is moved by the
// net lamport difference, converted to native units, so sub-lamport dust in
// the ledger is kept.
func (b *Bank) stageAccount(batch *ledger.Batch, pubkey types.Pubkey, account *accounts.AccountSharedData) error {
	id := ledger.AccountIDFromPubkey(pubkey)
	native, err := b.rt.ledger.Balance(id)
	if err != nil {
		return err
	}
	current := b.lamportsOf(pubkey, native)
	want := account.Lamports()
	switch {
	case want > current:
		batch.IncreaseBalance(id, accounts.NewLamports(want-current, b.multiplier()).Native())
	case want < current:
		batch.DecreaseBalance(id, accounts.NewLamports(current-want, b.multiplier()).Native())
	}
	batch.SetAccountMeta(id, account.Meta())
	batch.SetAccountData(id, account.Data())
	return nil
}
