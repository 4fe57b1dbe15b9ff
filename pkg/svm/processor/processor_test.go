package processor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/accountloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/bpfloader"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/system"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

var (
	payer     = types.Pubkey{1}
	recipient = types.Pubkey{2}
	programID = types.Pubkey{0xaa}
)

const (
	payerBalance = uint64(10_000_000)
	signatureFee = svm.DefaultLamportsPerSignature
)

// mapCallback is an in-memory ledger.
type mapCallback map[types.Pubkey]*accounts.AccountSharedData

func (m mapCallback) GetAccountSharedData(key types.Pubkey) (*accounts.AccountSharedData, bool) {
	a, ok := m[key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m mapCallback) AccountMatchesOwners(key types.Pubkey, owners []types.Pubkey) (int, bool) {
	a, ok := m[key]
	if !ok || a.Lamports() == 0 {
		return 0, false
	}
	for i, owner := range owners {
		if a.Owner() == owner {
			return i, true
		}
	}
	return 0, false
}

func (m mapCallback) AddBuiltinAccount(name string, programID types.Pubkey) error {
	if existing, ok := m[programID]; ok {
		if existing.Owner() != types.NativeLoaderAddr {
			return fmt.Errorf("account %s is owned by %s", programID, existing.Owner())
		}
		return nil
	}
	a := accounts.NewAccountWithData(1, []byte(name), types.NativeLoaderAddr)
	a.SetExecutable(true)
	m[programID] = a
	return nil
}

type exitExecutor struct {
	units uint64
	code  uint64
	calls int
}

func (e *exitExecutor) Execute(ic *invoke.InvokeContext, _ *loader.Executable, _ []byte) (uint64, error) {
	e.calls++
	if err := ic.ConsumeChecked(e.units); err != nil {
		return 0, err
	}
	return e.code, nil
}

func newProcessor(t *testing.T, cb mapCallback, exec invoke.Executor) *TransactionProcessor {
	t.Helper()
	p := New(10, 0, programcache.New(programcache.DefaultEnvironments(), nil), nil)
	require.NoError(t, p.AddBuiltin(cb, types.SystemProgramAddr, system.Builtin()))
	for id, builtin := range bpfloader.New(exec).Builtins() {
		require.NoError(t, p.AddBuiltin(cb, id, builtin))
	}
	return p
}

func fundedLedger() mapCallback {
	return mapCallback{
		payer: accounts.NewAccount(payerBalance, 0, types.SystemProgramAddr),
	}
}

func sanitizedTx(t *testing.T, m svm.Message) *svm.SanitizedTransaction {
	t.Helper()
	sigs := make([]types.Signature, m.Header.NumRequiredSignatures)
	sigs[0] = types.Signature{9}
	tx, err := svm.NewSanitizedTransaction(m, sigs, nil, svm.NewReservedAccountKeys())
	require.NoError(t, err)
	return tx
}

func transferTx(t *testing.T, lamports uint64) *svm.SanitizedTransaction {
	t.Helper()
	return sanitizedTx(t, svm.Message{
		Header:          svm.MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 1},
		AccountKeys:     []types.Pubkey{payer, recipient, types.SystemProgramAddr},
		RecentBlockhash: types.Hash{7},
		Instructions: []svm.CompiledInstruction{{
			ProgramIDIndex: 2,
			Accounts:       []uint8{0, 1},
			Data:           system.Instruction{Kind: system.InstructionTransfer, Lamports: lamports}.Encode(),
		}},
	})
}

func programTx(t *testing.T) *svm.SanitizedTransaction {
	t.Helper()
	return sanitizedTx(t, svm.Message{
		Header:          svm.MessageHeader{NumRequiredSignatures: 1, NumReadonlyUnsignedAccounts: 1},
		AccountKeys:     []types.Pubkey{payer, recipient, programID},
		RecentBlockhash: types.Hash{7},
		Instructions:    []svm.CompiledInstruction{{ProgramIDIndex: 2, Accounts: []uint8{1}, Data: []byte{1}}},
	})
}

func deployProgram(cb mapCallback) {
	a := accounts.NewAccountWithData(1_000_000_000, loadertest.Build(), types.BPFLoaderAddr)
	a.SetExecutable(true)
	cb[programID] = a
}

func okCheck() CheckResult {
	return CheckResult{Details: accountloader.CheckedTransactionDetails{LamportsPerSignature: signatureFee}}
}

func testEnv() Environment {
	return Environment{Blockhash: types.Hash{7}, LamportsPerSignature: signatureFee}
}

func account(t *testing.T, out *LoadAndExecuteOutput, key types.Pubkey) *accounts.AccountSharedData {
	t.Helper()
	require.NotNil(t, out.Loaded)
	for _, ta := range out.Loaded.Accounts {
		if ta.Key == key {
			return ta.Account
		}
	}
	t.Fatalf("account %s not loaded", key)
	return nil
}

func TestTransferSucceeds(t *testing.T) {
	cb := fundedLedger()
	p := newProcessor(t, cb, nil)

	out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1_000_000), okCheck(), testEnv(), Config{Recording: RecordAll(true)})

	res := out.ExecutionResult
	require.True(t, res.WasExecuted())
	require.NoError(t, res.Status())
	assert.True(t, res.WasExecutedSuccessfully())

	assert.Equal(t, payerBalance-signatureFee-1_000_000, account(t, out, payer).Lamports())
	assert.Equal(t, uint64(1_000_000), account(t, out, recipient).Lamports())
	assert.Equal(t, svm.CUSystemProgramDefault, res.Details.ExecutedUnits)
	assert.Equal(t, signatureFee, res.Details.FeeDetails.Total())
	assert.Equal(t, []string{
		"Program 11111111111111111111111111111111 invoke [1]",
		"Program 11111111111111111111111111111111 success",
	}, res.Details.LogMessages)
	assert.Equal(t, [][]InnerInstruction{{}}, res.Details.InnerInstructions)
	assert.Nil(t, res.Details.ReturnData)
	assert.Equal(t, svm.TransactionErrorMetrics{}, out.ErrorMetrics)
}

func TestRecordingDisabled(t *testing.T) {
	cb := fundedLedger()
	p := newProcessor(t, cb, nil)

	out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1_000_000), okCheck(), testEnv(), Config{})

	require.True(t, out.ExecutionResult.WasExecutedSuccessfully())
	assert.Nil(t, out.ExecutionResult.Details.LogMessages)
	assert.Nil(t, out.ExecutionResult.Details.InnerInstructions)
}

func TestInstructionErrorKeepsRollbackState(t *testing.T) {
	cb := fundedLedger()
	p := newProcessor(t, cb, nil)

	out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, payerBalance), okCheck(), testEnv(), Config{})

	res := out.ExecutionResult
	require.True(t, res.WasExecuted())
	assert.False(t, res.WasExecutedSuccessfully())
	var ixErr *svm.InstructionError
	require.ErrorAs(t, res.Status(), &ixErr)
	assert.Equal(t, uint8(0), ixErr.Index)

	rollback := out.Loaded.RollbackAccounts.FeePayerAccount()
	assert.Equal(t, payerBalance-signatureFee, rollback.Lamports())
	assert.Equal(t, uint64(1), out.ErrorMetrics.InstructionError)
	assert.Equal(t, uint64(1), out.ErrorMetrics.Total)
}

func TestRentStateRegression(t *testing.T) {
	cb := fundedLedger()
	p := newProcessor(t, cb, nil)

	out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1_000), okCheck(), testEnv(), Config{})

	var rentErr *svm.InsufficientFundsForRentError
	require.ErrorAs(t, out.ExecutionResult.Status(), &rentErr)
	assert.Equal(t, uint8(1), rentErr.AccountIndex)
	assert.Equal(t, uint64(1), out.ErrorMetrics.InvalidRentPayingAccount)
	assert.Zero(t, out.ErrorMetrics.InstructionError)
}

func TestNotExecuted(t *testing.T) {
	t.Run("check failure", func(t *testing.T) {
		cb := fundedLedger()
		p := newProcessor(t, cb, nil)

		out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1), CheckResult{Err: svm.ErrBlockhashNotFound}, testEnv(), Config{})

		assert.False(t, out.ExecutionResult.WasExecuted())
		assert.ErrorIs(t, out.ExecutionResult.Status(), svm.ErrBlockhashNotFound)
		assert.Nil(t, out.Loaded)
		assert.Equal(t, LoadedAccountsStats{}, out.LoadedAccountsStats())
		assert.Equal(t, uint64(1), out.ErrorMetrics.Total)
		assert.Equal(t, map[string]uint64{"blockhash_not_found": 1}, out.ErrorMetrics.Counts())
		assert.Equal(t, out.ErrorMetrics.Total, out.ErrorMetrics.Categorized())
	})

	t.Run("fee failure loads no programs", func(t *testing.T) {
		cb := mapCallback{payer: accounts.NewAccount(signatureFee-1, 0, types.SystemProgramAddr)}
		deployProgram(cb)
		p := newProcessor(t, cb, &exitExecutor{})

		out := p.LoadAndExecuteSanitizedTransaction(cb, programTx(t), okCheck(), testEnv(), Config{})

		assert.ErrorIs(t, out.ExecutionResult.Err, svm.ErrInsufficientFundsForFee)
		stats := p.programCache.Stats()
		assert.Zero(t, stats.Misses)
		assert.Zero(t, stats.Hits)
		_, ok := p.programCache.Get(programID)
		assert.False(t, ok)
	})

	t.Run("missing fee payer", func(t *testing.T) {
		cb := mapCallback{}
		p := newProcessor(t, cb, nil)

		out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1), okCheck(), testEnv(), Config{})

		assert.ErrorIs(t, out.ExecutionResult.Err, svm.ErrAccountNotFound)
		assert.Equal(t, uint64(1), out.ErrorMetrics.AccountNotFound)
		assert.Equal(t, uint64(1), out.ErrorMetrics.Total)
	})

	t.Run("fee payer cannot pay", func(t *testing.T) {
		cb := mapCallback{payer: accounts.NewAccount(signatureFee-1, 0, types.SystemProgramAddr)}
		p := newProcessor(t, cb, nil)

		out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1), okCheck(), testEnv(), Config{})

		assert.ErrorIs(t, out.ExecutionResult.Err, svm.ErrInsufficientFundsForFee)
		assert.Equal(t, uint64(1), out.ErrorMetrics.InsufficientFunds)
	})

	t.Run("program account missing", func(t *testing.T) {
		cb := fundedLedger()
		p := newProcessor(t, cb, nil)

		out := p.LoadAndExecuteSanitizedTransaction(cb, programTx(t), okCheck(), testEnv(), Config{})

		assert.ErrorIs(t, out.ExecutionResult.Err, svm.ErrProgramAccountNotFound)
		assert.Equal(t, uint64(1), out.ErrorMetrics.AccountNotFound)
	})
}

func TestOverridesReplaceFeePayer(t *testing.T) {
	cb := mapCallback{}
	p := newProcessor(t, cb, nil)
	overrides := accounts.NewOverrides()
	overrides.SetAccount(payer, accounts.NewAccount(payerBalance, 0, types.SystemProgramAddr))

	out := p.LoadAndExecuteSanitizedTransaction(cb, transferTx(t, 1_000_000), okCheck(), testEnv(), Config{Overrides: overrides})

	require.NoError(t, out.ExecutionResult.Status())
	assert.Equal(t, payerBalance-signatureFee-1_000_000, account(t, out, payer).Lamports())
	got, _ := overrides.Get(payer)
	assert.Equal(t, payerBalance, got.Lamports())
}

func TestExecutesLoaderProgram(t *testing.T) {
	cb := fundedLedger()
	deployProgram(cb)
	exec := &exitExecutor{units: 42}
	p := newProcessor(t, cb, exec)

	out := p.LoadAndExecuteSanitizedTransaction(cb, programTx(t), okCheck(), testEnv(), Config{Recording: RecordAll(true)})

	require.NoError(t, out.ExecutionResult.Status())
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, uint64(42), out.ExecutionResult.Details.ExecutedUnits)
	assert.Contains(t, out.ExecutionResult.Details.LogMessages,
		fmt.Sprintf("Program %s consumed 42 of 200000 compute units", programID))

	entry, ok := p.ProgramCache().Get(programID)
	require.True(t, ok, "program loaded into the persistent cache")
	assert.Equal(t, programcache.Loaded, entry.Type)
	assert.Equal(t, 1, len(out.Loaded.ProgramIndices))
}

func TestLoaderProgramExitCode(t *testing.T) {
	cb := fundedLedger()
	deployProgram(cb)
	p := newProcessor(t, cb, &exitExecutor{units: 10, code: 7})

	out := p.LoadAndExecuteSanitizedTransaction(cb, programTx(t), okCheck(), testEnv(), Config{})

	var custom *txcontext.CustomError
	require.ErrorAs(t, out.ExecutionResult.Status(), &custom)
	assert.Equal(t, uint32(7), custom.Code)
	assert.Equal(t, uint64(10), out.ExecutionResult.Details.ExecutedUnits)
	assert.Equal(t, uint64(1), out.ErrorMetrics.InstructionError)
}

func TestFilterExecutableProgramAccounts(t *testing.T) {
	cb := fundedLedger()
	deployProgram(cb)
	msg := programTx(t).Message()

	got := FilterExecutableProgramAccounts(cb, msg, ProgramOwners)

	require.Equal(t, 1, got.Len())
	owner, ok := got.Get(programID)
	require.True(t, ok)
	assert.Equal(t, accountloader.ProgramOwner{Owner: types.BPFLoaderAddr, Count: 1}, owner)
}

func TestAddBuiltin(t *testing.T) {
	cb := mapCallback{}
	p := New(1, 0, programcache.New(programcache.DefaultEnvironments(), nil), nil)

	require.NoError(t, p.AddBuiltin(cb, types.SystemProgramAddr, system.Builtin()))
	require.NoError(t, p.AddBuiltin(cb, types.SystemProgramAddr, system.Builtin()))

	assert.Equal(t, []types.Pubkey{types.SystemProgramAddr}, p.BuiltinProgramIDs())
	account := cb[types.SystemProgramAddr]
	require.NotNil(t, account)
	assert.True(t, account.Executable())
	assert.Equal(t, []byte("system_program"), account.Data())
	entry, ok := p.ProgramCache().Get(types.SystemProgramAddr)
	require.True(t, ok)
	assert.Equal(t, programcache.Builtin, entry.Type)

	squatted := types.Pubkey{0x55}
	cb[squatted] = accounts.NewAccount(1, 0, types.SystemProgramAddr)
	err := p.AddBuiltin(cb, squatted, system.Builtin())
	require.Error(t, err)
	assert.NotContains(t, p.BuiltinProgramIDs(), squatted)

	child := p.NewFrom(2, 0)
	assert.Equal(t, p.BuiltinProgramIDs(), child.BuiltinProgramIDs())
	assert.Same(t, p.ProgramCache(), child.ProgramCache())
	assert.Equal(t, uint64(2), child.Slot())
}

func TestFillMissingSysvarCacheEntries(t *testing.T) {
	clock := accounts.Clock{Slot: 10, Epoch: 1, UnixTimestamp: 1_700_000_000}
	cb := mapCallback{
		types.SysvarClockAddr: accounts.NewAccountWithData(1, clock.Encode(), types.SysvarProgramAddr),
	}
	p := New(10, 1, programcache.New(programcache.DefaultEnvironments(), nil), nil)

	_, err := p.SysvarCache().Clock()
	require.Error(t, err)

	p.FillMissingSysvarCacheEntries(cb)

	got, err := p.SysvarCache().Clock()
	require.NoError(t, err)
	assert.Equal(t, clock, got)
	_, err = p.SysvarCache().Rent()
	assert.Error(t, err)
}

func TestLamportsSum(t *testing.T) {
	msg := transferTx(t, 1).Message()
	accs := []txcontext.TransactionAccount{
		{Key: payer, Account: accounts.NewAccount(10, 0, types.SystemProgramAddr)},
		{Key: recipient, Account: accounts.NewAccount(5, 0, types.SystemProgramAddr)},
		{Key: types.SystemProgramAddr, Account: accounts.NewAccount(1, 0, types.NativeLoaderAddr)},
	}

	sum, ok := lamportsSum(accs, msg)
	require.True(t, ok)
	assert.Equal(t, uint64(16), sum.Uint64())

	_, ok = lamportsSum(accs[:2], msg)
	assert.False(t, ok)
}

func TestExecutionResultStatus(t *testing.T) {
	notExecuted := ExecutionResult{Err: svm.ErrAccountInUse}
	assert.False(t, notExecuted.WasExecuted())
	assert.True(t, errors.Is(notExecuted.Status(), svm.ErrAccountInUse))

	failed := ExecutionResult{Details: &ExecutionDetails{Status: svm.ErrUnbalancedTransaction}}
	assert.True(t, failed.WasExecuted())
	assert.False(t, failed.WasExecutedSuccessfully())
	assert.ErrorIs(t, failed.Status(), svm.ErrUnbalancedTransaction)
}

func TestCommitProgramChanges(t *testing.T) {
	cb := fundedLedger()
	deployProgram(cb)
	p := newProcessor(t, cb, &exitExecutor{})

	out := p.LoadAndExecuteSanitizedTransaction(cb, programTx(t), okCheck(), testEnv(), Config{})
	require.NoError(t, out.ExecutionResult.Status())
	_, ok := p.programCache.Get(programID)
	require.True(t, ok)

	written := []txcontext.TransactionAccount{
		{Key: payer, Account: cb[payer]},
		{Key: types.SystemProgramAddr, Account: accounts.NewAccount(1, 0, types.NativeLoaderAddr)},
		{Key: programID, Account: cb[programID]},
	}
	p.CommitProgramChanges(written, nil)
	_, ok = p.programCache.Get(programID)
	assert.False(t, ok)
	_, ok = p.programCache.Get(types.SystemProgramAddr)
	assert.True(t, ok)

	modified := programcache.NewOrderedEntries()
	modified.Set(programID, programcache.NewTombstone(10, programcache.OwnerLoaderV2, programcache.Closed, nil))
	p.CommitProgramChanges(written, modified)
	entry, ok := p.programCache.Get(programID)
	require.True(t, ok)
	assert.Equal(t, programcache.Closed, entry.Type)
}
