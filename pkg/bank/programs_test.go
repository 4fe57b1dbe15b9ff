package bank

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	solsystem "github.com/gagliardetto/solana-go/programs/system"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader"
	"github.com/fortiblox/stratus-svm/pkg/svm/loader/loadertest"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/programs/bpfloader"
)

type countingExecutor struct {
	calls int
}

func (c *countingExecutor) Execute(ic *invoke.InvokeContext, exe *loader.Executable, input []byte) (uint64, error) {
	c.calls++
	return bpfloader.Success, nil
}

// v4Program seeds a loader v4 program account holding a valid ELF under
// authority with the given status.
func (h *harness) v4Program(authority solana.PublicKey, status programcache.LoaderV4Status) solana.PublicKey {
	h.t.Helper()
	program := solana.NewWallet().PublicKey()
	data := programcache.EncodeLoaderV4Program(programcache.LoaderV4State{
		AuthorityAddressOrNextVersion: types.Pubkey(authority),
		Status:                        status,
	}, loadertest.Build())
	id := ledger.AccountIDFromPubkey(types.Pubkey(program))
	require.NoError(h.t, h.ledger.SetAccountMeta(id, accounts.AccountMeta{Owner: types.LoaderV4Addr}))
	require.NoError(h.t, h.ledger.SetAccountData(id, data))
	h.fund(program, uint256.NewInt(accounts.DefaultRent().MinimumBalance(len(data))))
	return program
}

func loaderV4(kind bpfloader.LoaderV4InstructionKind, program, authority solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.PublicKey(types.LoaderV4Addr),
		solana.AccountMetaSlice{solana.Meta(program).WRITE(), solana.Meta(authority).SIGNER()},
		bpfloader.LoaderV4Instruction{Kind: kind}.Encode(),
	)
}

func invokeProgram(program, payer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(program, solana.AccountMetaSlice{solana.Meta(payer).WRITE().SIGNER()}, []byte{1})
}

func (h *harness) cached(program solana.PublicKey) *programcache.Entry {
	h.t.Helper()
	entry, ok := h.rt.cache.Get(types.Pubkey(program))
	require.True(h.t, ok)
	return entry
}

func TestDeployedProgramRunsInLaterBlock(t *testing.T) {
	exec := &countingExecutor{}
	h := newHarness(t, testConfig(), WithExecutor(exec))
	payer := solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))
	program := h.v4Program(payer.PublicKey(), programcache.LoaderV4Retracted)

	h.begin(1)
	res, err := h.rt.Transact(signed(t, *payer, blockHash(0), loaderV4(bpfloader.LoaderV4Deploy, program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	entry := h.cached(program)
	assert.Equal(t, programcache.Loaded, entry.Type)
	assert.Equal(t, uint64(1), entry.DeploymentSlot)

	// Not visible before its effective slot.
	res, err = h.rt.Transact(signed(t, *payer, blockHash(0), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	assert.Error(t, res.Status)
	assert.Zero(t, exec.calls)
	h.end(1)

	h.begin(2)
	hits := h.rt.ProgramCacheStats().Hits
	res, err = h.rt.Transact(signed(t, *payer, blockHash(1), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	assert.Equal(t, 1, exec.calls)
	assert.Greater(t, h.rt.ProgramCacheStats().Hits, hits)
}

func TestRetractedProgramStopsRunning(t *testing.T) {
	exec := &countingExecutor{}
	h := newHarness(t, testConfig(), WithExecutor(exec))
	payer := solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))
	program := h.v4Program(payer.PublicKey(), programcache.LoaderV4Deployed)

	h.begin(1)
	res, err := h.rt.Transact(signed(t, *payer, blockHash(0), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, programcache.Loaded, h.cached(program).Type)
	h.end(1)

	h.begin(2)
	res, err = h.rt.Transact(signed(t, *payer, blockHash(1), loaderV4(bpfloader.LoaderV4Retract, program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	assert.Equal(t, programcache.Closed, h.cached(program).Type)
	h.end(2)

	h.begin(3)
	res, err = h.rt.Transact(signed(t, *payer, blockHash(2), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	assert.Error(t, res.Status)
	assert.Equal(t, 1, exec.calls)
}

func TestWrittenProgramAccountIsReloaded(t *testing.T) {
	exec := &countingExecutor{}
	h := newHarness(t, testConfig(), WithExecutor(exec))
	payer := solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))
	program := h.v4Program(payer.PublicKey(), programcache.LoaderV4Deployed)

	h.begin(1)
	res, err := h.rt.Transact(signed(t, *payer, blockHash(0), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	_, ok := h.rt.cache.Get(types.Pubkey(program))
	require.True(t, ok)

	// A plain lamport transfer rewrites the program account.
	res, err = h.rt.Transact(signed(t, *payer, blockHash(0), transfer(payer.PublicKey(), program, transferAmount)))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	_, ok = h.rt.cache.Get(types.Pubkey(program))
	assert.False(t, ok)
	h.end(1)

	h.begin(2)
	res, err = h.rt.Transact(signed(t, *payer, blockHash(1), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	assert.Equal(t, 2, exec.calls)
}

func TestEvictedProgramIsReloaded(t *testing.T) {
	cfg := testConfig()
	cfg.ProgramCacheCapacity = 0
	exec := &countingExecutor{}
	h := newHarness(t, cfg, WithExecutor(exec))
	payer := solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))
	program := h.v4Program(payer.PublicKey(), programcache.LoaderV4Deployed)

	for n := uint64(1); n <= 3; n++ {
		h.begin(n)
		res, err := h.rt.Transact(signed(t, *payer, blockHash(n-1), invokeProgram(program, payer.PublicKey())))
		require.NoError(t, err)
		require.NoError(t, res.Status)
		assert.Equal(t, programcache.Loaded, h.cached(program).Type)
		h.end(n)
		assert.Equal(t, programcache.Unloaded, h.cached(program).Type)
	}

	stats := h.rt.ProgramCacheStats()
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, uint64(3), stats.Evictions)
	assert.Equal(t, uint64(2), stats.Reloads)
}

func TestEpochChangeReverifiesPrograms(t *testing.T) {
	cfg := testConfig()
	cfg.SlotsPerEpoch = 4
	exec := &countingExecutor{}
	h := newHarness(t, cfg, WithExecutor(exec))
	payer := solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))
	program := h.v4Program(payer.PublicKey(), programcache.LoaderV4Deployed)

	h.begin(1)
	res, err := h.rt.Transact(signed(t, *payer, blockHash(0), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	old := h.cached(program).Environment()
	h.end(1)

	next := programcache.DefaultEnvironments()
	h.rt.ScheduleEnvironments(next)
	for n := uint64(2); n <= 3; n++ {
		h.begin(n)
		h.end(n)
		assert.Same(t, old, h.cached(program).Environment())
	}

	// Block 4 opens epoch 1; the swap happens once it ends.
	h.begin(4)
	h.end(4)
	assert.Same(t, next.V2, h.rt.cache.Environments().V2)
	assert.Equal(t, programcache.FailedVerification, h.cached(program).Type)

	h.begin(5)
	res, err = h.rt.Transact(signed(t, *payer, blockHash(4), invokeProgram(program, payer.PublicKey())))
	require.NoError(t, err)
	require.NoError(t, res.Status)
	assert.Equal(t, 2, exec.calls)
	entry := h.cached(program)
	assert.Equal(t, programcache.Loaded, entry.Type)
	assert.Same(t, next.V2, entry.Environment())
}

func TestCommitIsAllOrNothing(t *testing.T) {
	h := newHarnessWithLedger(t, ledger.NewMemoryLedger().WithMaxDataLength(64), testConfig())
	payer, created := solana.NewWallet(), solana.NewWallet()
	h.fund(payer.PublicKey(), uint256.NewInt(payerFunds))

	h.begin(1)
	space := uint64(100)
	wire := signedBy(t, []solana.Wallet{*payer, *created}, blockHash(0), solsystem.NewCreateAccountInstruction(
		accounts.DefaultRent().MinimumBalance(int(space)), space, solana.SystemProgramID,
		payer.PublicKey(), created.PublicKey(),
	).Build())
	_, err := h.rt.Transact(wire)
	assert.ErrorIs(t, err, ledger.ErrDataTooLarge)

	assert.Equal(t, payerFunds, h.native(payer.PublicKey()).Uint64())
	assert.True(t, h.native(created.PublicKey()).IsZero())
	_, ok := h.meta(types.Pubkey(created.PublicKey()))
	assert.False(t, ok)
	assert.Empty(t, h.observer.txs)

	_, err = h.rt.Transact(wire)
	assert.ErrorIs(t, err, svm.ErrAlreadyProcessed)
	assert.Equal(t, payerFunds, h.native(payer.PublicKey()).Uint64())
}
