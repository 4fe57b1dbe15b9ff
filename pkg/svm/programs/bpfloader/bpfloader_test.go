package bpfloader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

var (
	dataKey   = types.Pubkey{1}
	other     = types.Pubkey{2}
	programID = types.Pubkey{0xaa}
)

// fakeExecutor charges units, lets mutate rewrite the input and returns code.
type fakeExecutor struct {
	units  uint64
	code   uint64
	err    error
	mutate func(input []byte)
	input  []byte
	calls  int
}

func (f *fakeExecutor) Execute(ic *invoke.InvokeContext, exe *loader.Executable, input []byte) (uint64, error) {
	f.calls++
	if exe == nil {
		return 0, errors.New("missing executable")
	}
	if err := ic.ConsumeChecked(f.units); err != nil {
		return 0, err
	}
	if f.mutate != nil {
		f.mutate(input)
	}
	f.input = append([]byte(nil), input...)
	return f.code, f.err
}

type meta struct {
	index    txcontext.IndexOfAccount
	signer   bool
	writable bool
}

type harness struct {
	tc    *txcontext.TransactionContext
	ic    *invoke.InvokeContext
	batch *programcache.ForTxBatch
}

func newHarness(accs []txcontext.TransactionAccount, exec invoke.Executor, slot uint64) *harness {
	tc := txcontext.NewTransactionContext(accs, accounts.DefaultRent(), svm.MaxInstructionStackDepth, svm.MaxInstructionTraceLength)
	batch := programcache.NewForTxBatch(slot, programcache.DefaultEnvironments(), nil, 0)
	for key, b := range New(exec).Builtins() {
		batch.Replenish(key, programcache.NewBuiltinEntry(0, 0, b))
	}
	sysvars := invoke.NewSysvarCache()
	sysvars.SetRent(accounts.DefaultRent())
	sysvars.SetClock(accounts.Clock{Slot: slot})
	budget := svm.DefaultComputeBudget()
	ic := invoke.New(tc, batch, invoke.EnvironmentConfig{
		Features: svm.NewFeatureSet(),
		Sysvars:  sysvars,
	}, invoke.NewLogCollector(0), budget)
	return &harness{tc: tc, ic: ic, batch: batch}
}

func (h *harness) invoke(programIndex txcontext.IndexOfAccount, data []byte, metas ...meta) (uint64, error) {
	ias := make([]txcontext.InstructionAccount, len(metas))
	for i, m := range metas {
		callee := i
		for j := 0; j < i; j++ {
			if metas[j].index == m.index {
				callee = j
				break
			}
		}
		ias[i] = txcontext.InstructionAccount{
			IndexInTransaction: m.index,
			IndexInCaller:      m.index,
			IndexInCallee:      txcontext.IndexOfAccount(callee),
			IsSigner:           m.signer,
			IsWritable:         m.writable,
		}
	}
	return h.ic.ProcessInstruction(data, ias, []txcontext.IndexOfAccount{programIndex})
}

func (h *harness) account(t *testing.T, index txcontext.IndexOfAccount) *accounts.AccountSharedData {
	t.Helper()
	a, err := h.tc.AccountAtIndex(index)
	require.NoError(t, err)
	return a
}

func loaderAccount() *accounts.AccountSharedData {
	a := accounts.NewAccountWithData(1, []byte("loader"), types.NativeLoaderAddr)
	a.SetExecutable(true)
	return a
}

func deployedProgram(owner types.Pubkey) *accounts.AccountSharedData {
	a := accounts.NewAccountWithData(1_000_000, loadertest.Build(), owner)
	a.SetExecutable(true)
	return a
}

// programAccounts returns a program owned account, a foreign account and the
// program itself at index 2.
func programAccounts() []txcontext.TransactionAccount {
	return []txcontext.TransactionAccount{
		{Key: dataKey, Account: accounts.NewAccountWithData(100, []byte{1, 2, 3, 4}, programID)},
		{Key: other, Account: accounts.NewAccountWithData(50, []byte{9}, types.SystemProgramAddr)},
		{Key: programID, Account: deployedProgram(types.BPFLoaderAddr)},
	}
}

func loadProgram(t *testing.T, h *harness, owner programcache.Owner) {
	t.Helper()
	entry, err := programcache.NewEntry(owner, h.batch.Environments.ForOwner(owner), 0, 0, loadertest.Build(), 64)
	require.NoError(t, err)
	h.batch.Replenish(programID, entry)
}

// Offsets of the first account in the parameter buffer.
const (
	firstLamports = 8 + accountHeaderSize + 2*types.PubkeySize
	firstDataLen  = firstLamports + 8
	firstData     = firstDataLen + 8
)

var writableAccounts = []meta{{index: 0, writable: true}, {index: 1, writable: true}}

func TestExecuteProgramAppliesAccountChanges(t *testing.T) {
	exec := &fakeExecutor{units: 100, mutate: func(input []byte) {
		binary.LittleEndian.PutUint64(input[firstLamports:], 90)
		copy(input[firstData:], []byte{5, 6, 7, 8})

		second := 8 + serializedLen(4)
		binary.LittleEndian.PutUint64(input[second+firstLamports-8:], 60)
	}}
	h := newHarness(programAccounts(), exec, 5)
	loadProgram(t, h, programcache.OwnerLoaderV2)

	units, err := h.invoke(2, []byte{0xde, 0xad}, writableAccounts...)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), units)
	assert.Equal(t, 1, exec.calls)

	assert.Equal(t, uint64(90), h.account(t, 0).Lamports())
	assert.Equal(t, []byte{5, 6, 7, 8}, h.account(t, 0).Data())
	assert.Equal(t, uint64(60), h.account(t, 1).Lamports())
	assert.Contains(t, h.ic.Logs().Messages(),
		"Program "+programID.String()+" consumed 100 of 200000 compute units")
}

func TestSerializeParametersLayout(t *testing.T) {
	exec := &fakeExecutor{units: 1}
	h := newHarness(programAccounts(), exec, 5)
	loadProgram(t, h, programcache.OwnerLoaderV2)

	_, err := h.invoke(2, []byte{0xde, 0xad},
		meta{index: 0, signer: true, writable: true},
		meta{index: 1},
		meta{index: 0, signer: true, writable: true},
	)
	require.NoError(t, err)

	input := exec.input
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(input))
	assert.Equal(t, []byte{nonDupMarker, 1, 1, 0}, input[8:12])
	assert.Equal(t, dataKey[:], input[16:48])
	assert.Equal(t, programID[:], input[48:80])
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(input[firstLamports:]))
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(input[firstDataLen:]))
	assert.Equal(t, []byte{1, 2, 3, 4}, input[firstData:firstData+4])

	second := 8 + serializedLen(4)
	assert.Equal(t, []byte{nonDupMarker, 0, 0, 0}, input[second:second+4])

	dup := second + serializedLen(1)
	assert.Equal(t, byte(0), input[dup])

	tail := input[dup+accountHeaderSize:]
	require.Len(t, tail, 8+2+types.PubkeySize)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(tail))
	assert.Equal(t, []byte{0xde, 0xad}, tail[8:10])
	assert.Equal(t, programID[:], tail[10:])
}

func TestExecuteProgramResizesData(t *testing.T) {
	exec := &fakeExecutor{units: 1, mutate: func(input []byte) {
		binary.LittleEndian.PutUint64(input[firstDataLen:], 8)
		copy(input[firstData+4:], []byte{5, 6, 7, 8})
	}}
	h := newHarness(programAccounts(), exec, 5)
	loadProgram(t, h, programcache.OwnerLoaderV2)

	_, err := h.invoke(2, nil, writableAccounts...)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, h.account(t, 0).Data())
	assert.Equal(t, int64(4), h.tc.AccountsResizeDelta())
}

func TestExecuteProgramRejectsOversizedRealloc(t *testing.T) {
	exec := &fakeExecutor{units: 1, mutate: func(input []byte) {
		binary.LittleEndian.PutUint64(input[firstDataLen:], 4+MaxPermittedDataIncrease+1)
	}}
	h := newHarness(programAccounts(), exec, 5)
	loadProgram(t, h, programcache.OwnerLoaderV2)

	_, err := h.invoke(2, nil, writableAccounts...)
	assert.ErrorIs(t, err, txcontext.ErrInvalidRealloc)
}

func TestExecuteProgramRejectsForeignDataWrite(t *testing.T) {
	exec := &fakeExecutor{units: 1, mutate: func(input []byte) {
		second := 8 + serializedLen(4)
		input[second+firstData-8] = 0xff
	}}
	h := newHarness(programAccounts(), exec, 5)
	loadProgram(t, h, programcache.OwnerLoaderV2)

	_, err := h.invoke(2, nil, writableAccounts...)
	assert.ErrorIs(t, err, txcontext.ErrExternalAccountDataModified)
	assert.Equal(t, []byte{9}, h.account(t, 1).Data())
}

func TestExecuteProgramExitCodes(t *testing.T) {
	tests := []struct {
		name string
		code uint64
		want error
	}{
		{"custom", 42, &txcontext.CustomError{Code: 42}},
		{"custom zero", 1 << 32, &txcontext.CustomError{Code: 0}},
		{"invalid account data", 4 << 32, txcontext.ErrInvalidAccountData},
		{"incorrect authority", 26 << 32, txcontext.ErrIncorrectAuthority},
		{"unknown builtin code", 99 << 32, &txcontext.CustomError{Code: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{units: 1, code: tt.code, mutate: func(input []byte) {
				binary.LittleEndian.PutUint64(input[firstLamports:], 0)
			}}
			h := newHarness(programAccounts(), exec, 5)
			loadProgram(t, h, programcache.OwnerLoaderV2)

			_, err := h.invoke(2, nil, writableAccounts...)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(100), h.account(t, 0).Lamports())
		})
	}
}

func TestExecuteProgramExecutorFailure(t *testing.T) {
	t.Run("budget exceeded", func(t *testing.T) {
		h := newHarness(programAccounts(), &fakeExecutor{units: 2_000_000}, 5)
		loadProgram(t, h, programcache.OwnerLoaderV2)
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrComputationalBudgetExceeded)
	})
	t.Run("vm error", func(t *testing.T) {
		h := newHarness(programAccounts(), &fakeExecutor{units: 1, err: errors.New("access violation")}, 5)
		loadProgram(t, h, programcache.OwnerLoaderV2)
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrProgramFailedToComplete)
		assert.Contains(t, h.ic.Logs().Messages(), "Program failed to complete: access violation")
	})
	t.Run("no executor", func(t *testing.T) {
		h := newHarness(programAccounts(), nil, 5)
		loadProgram(t, h, programcache.OwnerLoaderV2)
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, ErrNoExecutor)
	})
}

func TestExecuteProgramUnusableEntries(t *testing.T) {
	t.Run("not cached", func(t *testing.T) {
		exec := &fakeExecutor{units: 1}
		h := newHarness(programAccounts(), exec, 5)
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrInvalidAccountData)
		assert.Contains(t, h.ic.Logs().Messages(), "Program is not cached")
		assert.Zero(t, exec.calls)
	})
	t.Run("tombstone", func(t *testing.T) {
		h := newHarness(programAccounts(), &fakeExecutor{units: 1}, 5)
		h.batch.Replenish(programID, programcache.NewTombstone(0, programcache.OwnerLoaderV2, programcache.FailedVerification, nil))
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrInvalidAccountData)
		assert.Contains(t, h.ic.Logs().Messages(), "Program is not deployed")
	})
	t.Run("delay visibility", func(t *testing.T) {
		h := newHarness(programAccounts(), &fakeExecutor{units: 1}, 5)
		entry, err := programcache.NewEntry(programcache.OwnerLoaderV2, h.batch.Environments.V1, 5, 6, loadertest.Build(), 64)
		require.NoError(t, err)
		h.batch.Replenish(programID, entry)
		_, err = h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrInvalidAccountData)
	})
	t.Run("not executable", func(t *testing.T) {
		accs := programAccounts()
		accs[2].Account = accounts.NewAccountWithData(1_000_000, loadertest.Build(), types.BPFLoaderAddr)
		h := newHarness(accs, &fakeExecutor{units: 1}, 5)
		loadProgram(t, h, programcache.OwnerLoaderV2)
		_, err := h.invoke(2, nil, writableAccounts...)
		assert.ErrorIs(t, err, txcontext.ErrIncorrectProgramID)
	})
}

func TestDirectLoaderInvocation(t *testing.T) {
	tests := []struct {
		loader types.Pubkey
		units  uint64
		log    string
	}{
		{types.BPFLoaderUpgradeableAddr, CUUpgradeableLoaderDefault, "Upgradeable loader management instructions are not supported"},
		{types.BPFLoaderAddr, CUBPFLoaderDefault, "BPF loader management instructions are no longer supported"},
		{types.BPFLoaderDeprecatedAddr, CUDeprecatedLoaderDefault, "Deprecated loader is no longer supported"},
	}
	for _, tt := range tests {
		t.Run(tt.loader.String(), func(t *testing.T) {
			accs := []txcontext.TransactionAccount{
				{Key: dataKey, Account: accounts.NewAccount(100, 0, tt.loader)},
				{Key: tt.loader, Account: loaderAccount()},
			}
			h := newHarness(accs, &fakeExecutor{}, 5)
			units, err := h.invoke(1, []byte{0, 0, 0, 0}, meta{index: 0, writable: true})
			assert.ErrorIs(t, err, txcontext.ErrUnsupportedProgramID)
			assert.Equal(t, tt.units, units)
			assert.Contains(t, h.ic.Logs().Messages(), tt.log)
		})
	}
}

func TestExitCodeError(t *testing.T) {
	assert.ErrorIs(t, ExitCodeError(2<<32), txcontext.ErrInvalidArgument)
	assert.ErrorIs(t, ExitCodeError(20<<32), txcontext.ErrInvalidRealloc)
	assert.ErrorIs(t, ExitCodeError(7), &txcontext.CustomError{Code: 7})
	assert.NotErrorIs(t, ExitCodeError(7), &txcontext.CustomError{Code: 8})
}
