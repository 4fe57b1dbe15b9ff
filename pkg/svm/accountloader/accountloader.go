// Package accountloader resolves the accounts named by a sanitized message
// into a LoadedTransaction. It covers:
// - fee payer validation and fee debit
// - rent collection on writable accounts
// - the loaded accounts data size cap
// - program account index resolution per instruction
//
// Loading fails atomically: on error no partial account list is returned and
// exactly one TransactionErrorMetrics counter is bumped where the failure has
// a category.
package accountloader

import (
	"fmt"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/rollback"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

// AccountSource looks accounts up by address.
type AccountSource interface {
	GetAccountSharedData(key types.Pubkey) (*accounts.AccountSharedData, bool)
}

// CheckedTransactionDetails is the outcome of the blockhash or nonce check.
type CheckedTransactionDetails struct {
	Nonce                *accounts.NonceInfo
	LamportsPerSignature uint64
}

// ValidatedTransactionDetails is the outcome of fee validation.
type ValidatedTransactionDetails struct {
	RollbackAccounts    *rollback.Accounts
	ComputeBudgetLimits svm.ComputeBudgetLimits
	FeeDetails          svm.FeeDetails
	FeePayerAccount     *accounts.AccountSharedData
	FeePayerRentDebit   uint64
}

// LoadedTransaction is a transaction whose accounts are all resolved.
type LoadedTransaction struct {
	Accounts               []txcontext.TransactionAccount
	ProgramIndices         [][]txcontext.IndexOfAccount
	FeeDetails             svm.FeeDetails
	RollbackAccounts       *rollback.Accounts
	ComputeBudgetLimits    svm.ComputeBudgetLimits
	Rent                   uint64
	RentDebits             *RentDebits
	LoadedAccountsDataSize int
}

// ValidationResult pairs fee validation details with its failure.
type ValidationResult struct {
	Details *ValidatedTransactionDetails
	Err     error
}

// LoadResult pairs a loaded transaction with its failure.
type LoadResult struct {
	Loaded *LoadedTransaction
	Err    error
}

// Env is the bank state account loading runs against.
type Env struct {
	Features        *svm.FeatureSet
	RentCollector   accounts.RentCollector
	Overrides       *accounts.Overrides
	ProgramAccounts *ProgramAccountsMap
	Programs        *programcache.ForTxBatch
}

// CollectRentFromAccount collects rent from a loaded writable account. Once
// rent collection is disabled accounts are only moved to the exempt rent
// epoch when they qualify, and nothing is collected.
func CollectRentFromAccount(features *svm.FeatureSet, rc accounts.RentCollector, address types.Pubkey, account *accounts.AccountSharedData) accounts.CollectedInfo {
	if !features.IsActive(svm.DisableRentFeesCollection) {
		return rc.CollectFromExistingAccount(address, account)
	}
	if account.RentEpoch() != accounts.RentExemptRentEpoch && rc.Rent.IsExempt(account.Lamports(), account.DataLen()) {
		account.SetRentEpoch(accounts.RentExemptRentEpoch)
	}
	return accounts.CollectedInfo{}
}

// ValidateFeePayer debits fee from the fee payer account. The account is
// left untouched unless every check passes.
func ValidateFeePayer(
	address types.Pubkey,
	account *accounts.AccountSharedData,
	index int,
	metrics *svm.TransactionErrorMetrics,
	rc accounts.RentCollector,
	fee uint64,
) error {
	if account.Lamports() == 0 {
		metrics.AccountNotFound++
		return svm.ErrAccountNotFound
	}

	var minBalance uint64
	switch accounts.GetSystemAccountKind(account) {
	case accounts.SystemAccountSystem:
	case accounts.SystemAccountNonce:
		minBalance = rc.Rent.MinimumBalance(accounts.NonceStateSize)
	default:
		metrics.InvalidAccountForFee++
		return svm.ErrInvalidAccountForFee
	}

	lamports := account.Lamports()
	if lamports < minBalance || lamports-minBalance < fee {
		metrics.InsufficientFunds++
		return svm.ErrInsufficientFundsForFee
	}

	pre := accounts.RentStateFromAccount(account, rc.Rent)
	debited := account.Clone()
	if err := debited.CheckedSubLamports(fee); err != nil {
		metrics.InsufficientFunds++
		return svm.ErrInsufficientFundsForFee
	}
	post := accounts.RentStateFromAccount(debited, rc.Rent)
	if !accounts.CheckRentStateWithAccount(pre, post, address) {
		return &svm.InsufficientFundsForRentError{AccountIndex: uint8(index)}
	}
	account.SetLamportsValue(debited.LamportsValue())
	return nil
}

// LoadAccounts loads every transaction that passed validation. Failed
// validations are passed through.
func LoadAccounts(
	src AccountSource,
	txs []*svm.SanitizedTransaction,
	validated []ValidationResult,
	metrics *svm.TransactionErrorMetrics,
	env Env,
) []LoadResult {
	results := make([]LoadResult, len(txs))
	for i, tx := range txs {
		if validated[i].Err != nil {
			results[i] = LoadResult{Err: validated[i].Err}
			continue
		}
		loaded, err := LoadTransaction(src, tx.Message(), validated[i].Details, metrics, env)
		results[i] = LoadResult{Loaded: loaded, Err: err}
	}
	return results
}

// LoadTransaction resolves the accounts of msg in message order and then the
// program accounts of each instruction.
func LoadTransaction(
	src AccountSource,
	msg *svm.SanitizedMessage,
	details *ValidatedTransactionDetails,
	metrics *svm.TransactionErrorMetrics,
	env Env,
) (*LoadedTransaction, error) {
	limit, err := requestedLoadedAccountsDataSizeLimit(msg)
	if err != nil {
		metrics.Count(err)
		return nil, err
	}

	keys := msg.AccountKeys()
	instructionAccounts := uniqueInstructionAccounts(msg)
	specialCase := !env.Features.IsActive(svm.DisableAccountLoaderSpecialCase)

	var (
		txRent    uint64
		dataSize  int
		rentDebit = NewRentDebits()
		loaded    = make([]txcontext.TransactionAccount, 0, len(keys)+1)
		found     = make([]bool, 0, len(keys))
	)

	for i, key := range keys {
		if key == types.SysvarInstructionsAddr {
			account, err := constructInstructionsAccount(msg)
			if err != nil {
				metrics.Count(err)
				return nil, err
			}
			loaded = append(loaded, txcontext.TransactionAccount{Key: key, Account: account})
			found = append(found, true)
			continue
		}

		isInstructionAccount := false
		if i <= 0xff {
			_, isInstructionAccount = instructionAccounts[uint8(i)]
		}
		account, accountSize, rent, accountSeen, err := loadAccount(src, msg, details, env, i, key, specialCase && !isInstructionAccount)
		if err != nil {
			metrics.Count(err)
			return nil, err
		}

		if err := accumulateLoadedDataSize(&dataSize, accountSize, limit, metrics); err != nil {
			return nil, err
		}
		txRent += rent
		rentDebit.Insert(key, rent, account.Lamports())

		loaded = append(loaded, txcontext.TransactionAccount{Key: key, Account: account})
		found = append(found, accountSeen)
	}

	builtinsStart := len(loaded)
	programIndices := make([][]txcontext.IndexOfAccount, len(msg.Instructions()))
	for ixIndex, ix := range msg.Instructions() {
		programIndex := int(ix.ProgramIDIndex)
		if programIndex >= len(loaded) {
			metrics.AccountNotFound++
			return nil, svm.ErrProgramAccountNotFound
		}
		program := loaded[programIndex]
		if program.Key == types.NativeLoaderAddr {
			programIndices[ixIndex] = []txcontext.IndexOfAccount{}
			continue
		}
		if !found[programIndex] {
			metrics.AccountNotFound++
			return nil, svm.ErrProgramAccountNotFound
		}
		// Loader v4 programs are runnable by deployment status alone.
		if !program.Account.Executable() && program.Account.Owner() != types.LoaderV4Addr {
			metrics.InvalidProgramForExecution++
			return nil, svm.ErrInvalidProgramForExecution
		}

		indices := []txcontext.IndexOfAccount{txcontext.IndexOfAccount(programIndex)}
		owner := program.Account.Owner()
		if owner == types.NativeLoaderAddr {
			programIndices[ixIndex] = indices
			continue
		}

		ownerIndex := -1
		for j, ta := range loaded[builtinsStart:] {
			if ta.Key == owner {
				ownerIndex = builtinsStart + j
				break
			}
		}
		if ownerIndex < 0 {
			ownerAccount, ok := src.GetAccountSharedData(owner)
			if !ok {
				metrics.AccountNotFound++
				return nil, svm.ErrProgramAccountNotFound
			}
			if ownerAccount.Owner() != types.NativeLoaderAddr || !ownerAccount.Executable() {
				metrics.InvalidProgramForExecution++
				return nil, svm.ErrInvalidProgramForExecution
			}
			if err := accumulateLoadedDataSize(&dataSize, ownerAccount.DataLen(), limit, metrics); err != nil {
				return nil, err
			}
			ownerIndex = len(loaded)
			loaded = append(loaded, txcontext.TransactionAccount{Key: owner, Account: ownerAccount})
		}
		programIndices[ixIndex] = append([]txcontext.IndexOfAccount{txcontext.IndexOfAccount(ownerIndex)}, indices...)
	}

	return &LoadedTransaction{
		Accounts:               loaded,
		ProgramIndices:         programIndices,
		FeeDetails:             details.FeeDetails,
		RollbackAccounts:       details.RollbackAccounts,
		ComputeBudgetLimits:    details.ComputeBudgetLimits,
		Rent:                   txRent,
		RentDebits:             rentDebit,
		LoadedAccountsDataSize: dataSize,
	}, nil
}

// loadAccount resolves the account at index i. programStub allows a read-only
// account that is only invoked to be stood in for by its program cache entry.
func loadAccount(
	src AccountSource,
	msg *svm.SanitizedMessage,
	details *ValidatedTransactionDetails,
	env Env,
	i int,
	key types.Pubkey,
	programStub bool,
) (account *accounts.AccountSharedData, size int, rent uint64, found bool, err error) {
	if i == 0 {
		account = details.FeePayerAccount.Clone()
		return account, account.DataLen(), details.FeePayerRentDebit, true, nil
	}
	if override, ok := env.Overrides.Get(key); ok {
		account = override.Clone()
		return account, account.DataLen(), 0, true, nil
	}
	if programStub && !msg.IsWritable(i) {
		if entry, ok := env.Programs.Find(key); ok {
			account, err = accountFromProgram(key, env.ProgramAccounts)
			if err != nil {
				return nil, 0, 0, false, err
			}
			return account, entry.AccountSize, 0, true, nil
		}
	}
	account, ok := src.GetAccountSharedData(key)
	if !ok {
		account = accounts.NewDefaultAccount()
		account.SetRentEpoch(accounts.RentExemptRentEpoch)
		return account, account.DataLen(), 0, false, nil
	}
	if msg.IsWritable(i) {
		rent = CollectRentFromAccount(env.Features, env.RentCollector, key, account).RentAmount
	}
	return account, account.DataLen(), rent, true, nil
}

// requestedLoadedAccountsDataSizeLimit returns the data size cap requested by
// the compute budget instructions. Unparseable budgets fall back to the
// default cap; an explicit zero is rejected.
func requestedLoadedAccountsDataSizeLimit(msg *svm.SanitizedMessage) (int, error) {
	limits, err := svm.ProcessComputeBudgetInstructions(msg)
	if err != nil {
		limits = svm.DefaultComputeBudgetLimits()
	}
	if limits.LoadedAccountsBytes == 0 {
		return 0, svm.ErrInvalidLoadedAccountsDataSizeLimit
	}
	return int(limits.LoadedAccountsBytes), nil
}

func accumulateLoadedDataSize(total *int, size, limit int, metrics *svm.TransactionErrorMetrics) error {
	*total += size
	if *total > limit {
		metrics.MaxLoadedAccountsDataSizeExceeded++
		return svm.ErrMaxLoadedAccountsDataSizeExceeded
	}
	return nil
}

func uniqueInstructionAccounts(msg *svm.SanitizedMessage) map[uint8]struct{} {
	set := make(map[uint8]struct{})
	for _, ix := range msg.Instructions() {
		for _, a := range ix.Accounts {
			set[a] = struct{}{}
		}
	}
	return set
}

func constructInstructionsAccount(msg *svm.SanitizedMessage) (*accounts.AccountSharedData, error) {
	data, err := svm.ConstructInstructionsData(msg.DecompileInstructions())
	if err != nil {
		return nil, fmt.Errorf("construct instructions sysvar: %w", err)
	}
	return accounts.NewAccountWithData(0, data, types.SysvarProgramAddr), nil
}

// accountFromProgram builds the stand-in for a program account that is only
// invoked and never passed to an instruction.
func accountFromProgram(key types.Pubkey, programAccounts *ProgramAccountsMap) (*accounts.AccountSharedData, error) {
	owner, ok := programAccounts.Get(key)
	if !ok {
		return nil, svm.ErrAccountNotFound
	}
	account := accounts.NewDefaultAccount()
	account.SetOwner(owner.Owner)
	account.SetExecutable(true)
	return account, nil
}
