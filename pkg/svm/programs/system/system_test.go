package system

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	solsystem "github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/svm"
	"github.com/fortiblox/stratus-svm/pkg/svm/invoke"
	"github.com/fortiblox/stratus-svm/pkg/svm/programcache"
	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

var (
	alice     = types.Pubkey{1}
	bob       = types.Pubkey{2}
	newOwner  = types.Pubkey{3}
	blockhash = types.Hash{0x42}
)

type meta struct {
	index    txcontext.IndexOfAccount
	signer   bool
	writable bool
}

type env struct {
	blockhash types.Hash
}

// run executes one system instruction over accs and returns the context so
// the resulting accounts can be inspected.
func run(t *testing.T, e env, accs []txcontext.TransactionAccount, data []byte, metas ...meta) (*txcontext.TransactionContext, error) {
	t.Helper()
	program := accounts.NewAccountWithData(1, []byte("system_program"), types.NativeLoaderAddr)
	program.SetExecutable(true)
	accs = append(accs, txcontext.TransactionAccount{Key: types.SystemProgramAddr, Account: program})
	programIndex := txcontext.IndexOfAccount(len(accs) - 1)

	tc := txcontext.NewTransactionContext(accs, accounts.DefaultRent(), svm.MaxInstructionStackDepth, svm.MaxInstructionTraceLength)
	batch := programcache.NewForTxBatch(1, programcache.DefaultEnvironments(), nil, 0)
	batch.Replenish(types.SystemProgramAddr, programcache.NewBuiltinEntry(0, 0, Builtin()))

	sysvars := invoke.NewSysvarCache()
	sysvars.SetRent(accounts.DefaultRent())
	if e.blockhash.IsZero() {
		e.blockhash = blockhash
	}
	ic := invoke.New(tc, batch, invoke.EnvironmentConfig{
		Blockhash:            e.blockhash,
		Features:             svm.NewFeatureSet(),
		LamportsPerSignature: 5000,
		Sysvars:              sysvars,
	}, invoke.NewLogCollector(0), svm.DefaultComputeBudget())

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
	_, err := ic.ProcessInstruction(data, ias, []txcontext.IndexOfAccount{programIndex})
	return tc, err
}

func account(t *testing.T, tc *txcontext.TransactionContext, index txcontext.IndexOfAccount) *accounts.AccountSharedData {
	t.Helper()
	a, err := tc.AccountAtIndex(index)
	require.NoError(t, err)
	return a
}

func solanaData(t *testing.T, ix interface{ Build() *solsystem.Instruction }) []byte {
	t.Helper()
	data, err := ix.Build().Data()
	require.NoError(t, err)
	return data
}

func TestDecodeInstructionMatchesSolanaEncoding(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Instruction
	}{
		{
			name: "transfer",
			data: solanaData(t, solsystem.NewTransferInstruction(42, solana.PublicKey(alice), solana.PublicKey(bob))),
			want: Instruction{Kind: InstructionTransfer, Lamports: 42},
		},
		{
			name: "create account",
			data: solanaData(t, solsystem.NewCreateAccountInstruction(1000, 64, solana.PublicKey(newOwner), solana.PublicKey(alice), solana.PublicKey(bob))),
			want: Instruction{Kind: InstructionCreateAccount, Lamports: 1000, Space: 64, Owner: newOwner},
		},
		{
			name: "assign",
			data: solanaData(t, solsystem.NewAssignInstruction(solana.PublicKey(newOwner), solana.PublicKey(alice))),
			want: Instruction{Kind: InstructionAssign, Owner: newOwner},
		},
		{
			name: "allocate",
			data: solanaData(t, solsystem.NewAllocateInstruction(128, solana.PublicKey(alice))),
			want: Instruction{Kind: InstructionAllocate, Space: 128},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInstruction(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.data, got.Encode())
		})
	}
}

func TestDecodeInstructionRejectsMalformed(t *testing.T) {
	seeded := Instruction{Kind: InstructionAssignWithSeed, Base: alice, Seed: "seed", Owner: newOwner}.Encode()

	tests := map[string][]byte{
		"empty":          nil,
		"unknown tag":    {13, 0, 0, 0},
		"short transfer": {2, 0, 0, 0, 1},
		"seed overrun":   seeded[:4+32+8+2],
		"oversized":      make([]byte, maxInstructionDataLen+1),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInstruction(data)
			assert.ErrorIs(t, err, txcontext.ErrInvalidInstructionData)
		})
	}

	got, err := DecodeInstruction(seeded)
	require.NoError(t, err)
	assert.Equal(t, "seed", got.Seed)
}

func TestTransfer(t *testing.T) {
	transfer := Instruction{Kind: InstructionTransfer, Lamports: 100}.Encode()
	accs := func(fromData int) []txcontext.TransactionAccount {
		return []txcontext.TransactionAccount{
			{Key: alice, Account: accounts.NewAccount(150, fromData, types.SystemProgramAddr)},
			{Key: bob, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
		}
	}

	tc, err := run(t, env{}, accs(0), transfer, meta{0, true, true}, meta{1, false, true})
	require.NoError(t, err)
	assert.Equal(t, uint64(50), account(t, tc, 0).Lamports())
	assert.Equal(t, uint64(100), account(t, tc, 1).Lamports())

	_, err = run(t, env{}, accs(0), transfer, meta{0, false, true}, meta{1, false, true})
	assert.ErrorIs(t, err, txcontext.ErrMissingRequiredSignature)

	_, err = run(t, env{}, accs(4), transfer, meta{0, true, true}, meta{1, false, true})
	assert.ErrorIs(t, err, txcontext.ErrInvalidArgument)

	_, err = run(t, env{}, accs(0), Instruction{Kind: InstructionTransfer, Lamports: 151}.Encode(), meta{0, true, true}, meta{1, false, true})
	assert.ErrorIs(t, err, ErrResultWithNegativeLamports)

	_, err = run(t, env{}, accs(0), transfer, meta{0, true, true})
	assert.ErrorIs(t, err, txcontext.ErrNotEnoughAccountKeys)

	_, err = run(t, env{}, accs(0), transfer, meta{0, true, true}, meta{1, false, false})
	assert.ErrorIs(t, err, txcontext.ErrReadonlyLamportChange)
}

func TestCreateAccount(t *testing.T) {
	create := Instruction{Kind: InstructionCreateAccount, Lamports: 1_000_000, Space: 32, Owner: newOwner}
	fresh := func(toLamports uint64) []txcontext.TransactionAccount {
		return []txcontext.TransactionAccount{
			{Key: alice, Account: accounts.NewAccount(5_000_000, 0, types.SystemProgramAddr)},
			{Key: bob, Account: accounts.NewAccount(toLamports, 0, types.SystemProgramAddr)},
		}
	}

	tc, err := run(t, env{}, fresh(0), create.Encode(), meta{0, true, true}, meta{1, true, true})
	require.NoError(t, err)
	created := account(t, tc, 1)
	assert.Equal(t, uint64(1_000_000), created.Lamports())
	assert.Equal(t, 32, created.DataLen())
	assert.Equal(t, newOwner, created.Owner())
	assert.Equal(t, uint64(4_000_000), account(t, tc, 0).Lamports())

	_, err = run(t, env{}, fresh(1), create.Encode(), meta{0, true, true}, meta{1, true, true})
	assert.ErrorIs(t, err, ErrAccountAlreadyInUse)

	_, err = run(t, env{}, fresh(0), create.Encode(), meta{0, true, true}, meta{1, false, true})
	assert.ErrorIs(t, err, txcontext.ErrMissingRequiredSignature)

	huge := create
	huge.Space = txcontext.MaxPermittedDataLength + 1
	_, err = run(t, env{}, fresh(0), huge.Encode(), meta{0, true, true}, meta{1, true, true})
	assert.ErrorIs(t, err, ErrInvalidAccountDataLength)
}

func TestCreateAccountWithSeed(t *testing.T) {
	derived, err := CreateWithSeed(alice, "vault", newOwner)
	require.NoError(t, err)
	create := Instruction{Kind: InstructionCreateAccountWithSeed, Base: alice, Seed: "vault", Lamports: 10, Space: 8, Owner: newOwner}
	accs := func(to types.Pubkey) []txcontext.TransactionAccount {
		return []txcontext.TransactionAccount{
			{Key: alice, Account: accounts.NewAccount(100, 0, types.SystemProgramAddr)},
			{Key: to, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
		}
	}

	// The derived account cannot sign; the base signature authorizes it.
	tc, err := run(t, env{}, accs(derived), create.Encode(), meta{0, true, true}, meta{1, false, true})
	require.NoError(t, err)
	assert.Equal(t, newOwner, account(t, tc, 1).Owner())
	assert.Equal(t, uint64(10), account(t, tc, 1).Lamports())

	_, err = run(t, env{}, accs(bob), create.Encode(), meta{0, true, true}, meta{1, true, true})
	assert.ErrorIs(t, err, ErrAddressWithSeedMismatch)
}

func TestCreateWithSeed(t *testing.T) {
	_, err := CreateWithSeed(alice, string(make([]byte, MaxSeedLen+1)), newOwner)
	assert.ErrorIs(t, err, ErrSeedTooLong)

	var pdaOwner types.Pubkey
	copy(pdaOwner[types.PubkeySize-len(pdaMarker):], pdaMarker)
	_, err = CreateWithSeed(alice, "x", pdaOwner)
	assert.ErrorIs(t, err, ErrIllegalOwner)

	want, err := solana.CreateWithSeed(solana.PublicKey(alice), "x", solana.PublicKey(newOwner))
	require.NoError(t, err)
	got, err := CreateWithSeed(alice, "x", newOwner)
	require.NoError(t, err)
	assert.Equal(t, types.Pubkey(want), got)
}

func TestAssignAndAllocate(t *testing.T) {
	accs := func(owner types.Pubkey, space int) []txcontext.TransactionAccount {
		return []txcontext.TransactionAccount{{Key: alice, Account: accounts.NewAccount(100, space, owner)}}
	}
	assign := Instruction{Kind: InstructionAssign, Owner: newOwner}.Encode()

	tc, err := run(t, env{}, accs(types.SystemProgramAddr, 0), assign, meta{0, true, true})
	require.NoError(t, err)
	assert.Equal(t, newOwner, account(t, tc, 0).Owner())

	_, err = run(t, env{}, accs(types.SystemProgramAddr, 0), assign, meta{0, false, true})
	assert.ErrorIs(t, err, txcontext.ErrMissingRequiredSignature)

	_, err = run(t, env{}, accs(newOwner, 0), assign, meta{0, false, true})
	assert.NoError(t, err, "assigning the current owner needs no signature")

	allocate := Instruction{Kind: InstructionAllocate, Space: 16}.Encode()
	tc, err = run(t, env{}, accs(types.SystemProgramAddr, 0), allocate, meta{0, true, true})
	require.NoError(t, err)
	assert.Equal(t, 16, account(t, tc, 0).DataLen())

	_, err = run(t, env{}, accs(types.SystemProgramAddr, 4), allocate, meta{0, true, true})
	assert.ErrorIs(t, err, ErrAccountAlreadyInUse)
}

func TestTransferWithSeed(t *testing.T) {
	from, err := CreateWithSeed(bob, "pool", types.SystemProgramAddr)
	require.NoError(t, err)
	ix := Instruction{Kind: InstructionTransferWithSeed, Lamports: 30, Seed: "pool", Owner: types.SystemProgramAddr}.Encode()
	accs := []txcontext.TransactionAccount{
		{Key: from, Account: accounts.NewAccount(50, 0, types.SystemProgramAddr)},
		{Key: bob, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
		{Key: alice, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
	}

	tc, err := run(t, env{}, accs, ix, meta{0, false, true}, meta{1, true, false}, meta{2, false, true})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), account(t, tc, 0).Lamports())
	assert.Equal(t, uint64(30), account(t, tc, 2).Lamports())

	_, err = run(t, env{}, accs, ix, meta{0, false, true}, meta{1, false, false}, meta{2, false, true})
	assert.ErrorIs(t, err, txcontext.ErrMissingRequiredSignature)
}

func TestNonceLifecycle(t *testing.T) {
	nonceKey := types.Pubkey{9}
	authority := alice
	rent := accounts.DefaultRent()
	minBalance := rent.MinimumBalance(accounts.NonceStateSize)

	nonceAccount := accounts.NewAccount(minBalance+1000, accounts.NonceStateSize, types.SystemProgramAddr)
	accs := func() []txcontext.TransactionAccount {
		return []txcontext.TransactionAccount{
			{Key: nonceKey, Account: nonceAccount.Clone()},
			{Key: types.SysvarRecentBlockhashesAddr, Account: accounts.NewAccount(1, 0, types.SysvarProgramAddr)},
			{Key: types.SysvarRentAddr, Account: accounts.NewAccountWithData(1, rent.Encode(), types.SysvarProgramAddr)},
			{Key: authority, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
			{Key: bob, Account: accounts.NewAccount(0, 0, types.SystemProgramAddr)},
		}
	}
	state := func(tc *txcontext.TransactionContext) accounts.NonceState {
		s, err := accounts.DecodeNonceState(account(t, tc, 0).Data())
		require.NoError(t, err)
		return s
	}
	commit := func(tc *txcontext.TransactionContext) {
		nonceAccount = account(t, tc, 0).Clone()
	}

	// Initialize.
	initialize := Instruction{Kind: InstructionInitializeNonceAccount, Authority: authority}.Encode()
	tc, err := run(t, env{}, accs(), initialize, meta{0, false, true}, meta{1, false, false}, meta{2, false, false})
	require.NoError(t, err)
	s := state(tc)
	require.True(t, s.Initialized)
	assert.Equal(t, accounts.NonceVersionCurrent, s.Version)
	assert.Equal(t, authority, s.Data.Authority)
	assert.Equal(t, accounts.DurableNonceFromBlockhash(blockhash), s.Data.DurableNonce)
	assert.Equal(t, uint64(5000), s.Data.LamportsPerSignature)
	commit(tc)

	_, err = run(t, env{}, accs(), initialize, meta{0, false, true}, meta{1, false, false}, meta{2, false, false})
	assert.ErrorIs(t, err, txcontext.ErrInvalidAccountData, "already initialized")

	// Advance.
	advance := Instruction{Kind: InstructionAdvanceNonceAccount}.Encode()
	_, err = run(t, env{}, accs(), advance, meta{0, false, true}, meta{1, false, false}, meta{3, true, false})
	assert.ErrorIs(t, err, ErrNonceBlockhashNotExpired)

	_, err = run(t, env{blockhash: types.Hash{0x43}}, accs(), advance, meta{0, false, true}, meta{1, false, false}, meta{3, false, false})
	assert.ErrorIs(t, err, txcontext.ErrMissingRequiredSignature)

	tc, err = run(t, env{blockhash: types.Hash{0x43}}, accs(), advance, meta{0, false, true}, meta{1, false, false}, meta{3, true, false})
	require.NoError(t, err)
	assert.Equal(t, accounts.DurableNonceFromBlockhash(types.Hash{0x43}), state(tc).Data.DurableNonce)
	commit(tc)

	_, err = run(t, env{}, accs(), advance, meta{0, false, true}, meta{2, false, false}, meta{3, true, false})
	assert.ErrorIs(t, err, txcontext.ErrInvalidArgument, "wrong sysvar account")

	// Authorize.
	authorize := Instruction{Kind: InstructionAuthorizeNonceAccount, Authority: bob}.Encode()
	tc, err = run(t, env{}, accs(), authorize, meta{0, false, true}, meta{3, true, false})
	require.NoError(t, err)
	assert.Equal(t, bob, state(tc).Data.Authority)
	commit(tc)

	// Withdraw.
	withdraw := func(lamports uint64) []byte {
		return Instruction{Kind: InstructionWithdrawNonceAccount, Lamports: lamports}.Encode()
	}
	withdrawMetas := []meta{{0, false, true}, {3, false, true}, {1, false, false}, {2, false, false}, {4, true, false}}

	_, err = run(t, env{}, accs(), withdraw(1001), withdrawMetas...)
	assert.ErrorIs(t, err, txcontext.ErrInsufficientFunds, "must keep the rent exempt minimum")

	tc, err = run(t, env{}, accs(), withdraw(1000), withdrawMetas...)
	require.NoError(t, err)
	assert.Equal(t, minBalance, account(t, tc, 0).Lamports())
	assert.Equal(t, uint64(1000), account(t, tc, 3).Lamports())
	assert.True(t, state(tc).Initialized)

	tc, err = run(t, env{}, accs(), withdraw(minBalance+1000), withdrawMetas...)
	require.NoError(t, err)
	assert.Zero(t, account(t, tc, 0).Lamports())
	assert.False(t, state(tc).Initialized)
}

func TestUpgradeNonceAccount(t *testing.T) {
	legacy := accounts.NewInitializedNonceState(alice, accounts.DurableNonce(blockhash), 5000)
	legacy.Version = accounts.NonceVersionLegacy
	accs := []txcontext.TransactionAccount{
		{Key: bob, Account: accounts.NewAccountWithData(1_000_000, legacy.Encode(), types.SystemProgramAddr)},
	}
	upgrade := Instruction{Kind: InstructionUpgradeNonceAccount}.Encode()

	tc, err := run(t, env{}, accs, upgrade, meta{0, false, true})
	require.NoError(t, err)
	s, err := accounts.DecodeNonceState(account(t, tc, 0).Data())
	require.NoError(t, err)
	assert.Equal(t, accounts.NonceVersionCurrent, s.Version)
	assert.Equal(t, accounts.DurableNonceFromBlockhash(blockhash), s.Data.DurableNonce)

	_, err = run(t, env{}, []txcontext.TransactionAccount{{Key: bob, Account: account(t, tc, 0).Clone()}}, upgrade, meta{0, false, true})
	assert.ErrorIs(t, err, txcontext.ErrInvalidArgument)
}
