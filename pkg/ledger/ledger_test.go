package ledger

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
)

func newBadger(t *testing.T) Ledger {
	t.Helper()
	cfg := DefaultBadgerConfig("")
	cfg.InMemory = true
	cfg.MetaCacheSize = 8
	cfg.MaxDataLength = 64
	l, err := NewBadgerLedger(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newMemory(t *testing.T) Ledger {
	t.Helper()
	return NewMemoryLedger().WithMaxDataLength(64)
}

var ledgers = []struct {
	name string
	open func(t *testing.T) Ledger
}{
	{"memory", newMemory},
	{"badger", newBadger},
}

func id(b byte) AccountID {
	return AccountIDFromPubkey(types.Pubkey{b})
}

func TestAccountIDFromPubkey(t *testing.T) {
	a := AccountIDFromPubkey(types.Pubkey{1})
	assert.Equal(t, a, AccountIDFromPubkey(types.Pubkey{1}))
	assert.NotEqual(t, a, AccountIDFromPubkey(types.Pubkey{2}))
	assert.NotEqual(t, types.Pubkey{1}, types.Pubkey(a))
	assert.NotEmpty(t, a.String())
}

func TestAccountMetaRoundTrip(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)

			_, ok, err := l.AccountMeta(id(1))
			require.NoError(t, err)
			assert.False(t, ok)

			meta := accounts.AccountMeta{RentEpoch: 7, Owner: types.Pubkey{9}, Executable: true}
			require.NoError(t, l.SetAccountMeta(id(1), meta))

			got, ok, err := l.AccountMeta(id(1))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, meta, got)

			meta.Executable = false
			require.NoError(t, l.SetAccountMeta(id(1), meta))
			got, _, err = l.AccountMeta(id(1))
			require.NoError(t, err)
			assert.False(t, got.Executable)
		})
	}
}

func TestEmptyDataRemovesEntry(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)

			require.NoError(t, l.SetAccountData(id(1), []byte{1, 2, 3}))
			data, err := l.AccountData(id(1))
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, data)

			require.NoError(t, l.SetAccountData(id(1), nil))
			data, err = l.AccountData(id(1))
			require.NoError(t, err)
			assert.Nil(t, data)

			assert.ErrorIs(t, l.SetAccountData(id(1), make([]byte, 65)), ErrDataTooLarge)
		})
	}
}

func TestBalances(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)

			b, err := l.Balance(id(1))
			require.NoError(t, err)
			assert.True(t, b.IsZero())

			require.NoError(t, l.IncreaseBalance(id(1), uint256.NewInt(100)))
			require.NoError(t, l.DecreaseBalance(id(1), uint256.NewInt(30)))
			b, err = l.Balance(id(1))
			require.NoError(t, err)
			assert.Equal(t, uint64(70), b.Uint64())

			assert.ErrorIs(t, l.DecreaseBalance(id(1), uint256.NewInt(71)), ErrInsufficientBalance)
			b, _ = l.Balance(id(1))
			assert.Equal(t, uint64(70), b.Uint64())

			top := new(uint256.Int).SetAllOne()
			assert.ErrorIs(t, l.IncreaseBalance(id(1), top), ErrBalanceOverflow)
		})
	}
}

func TestApplyBatch(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)
			require.NoError(t, l.IncreaseBalance(id(1), uint256.NewInt(100)))
			require.NoError(t, l.SetAccountData(id(2), []byte{9, 9}))

			b := NewBatch()
			b.SetAccountMeta(id(1), accounts.AccountMeta{RentEpoch: 3, Owner: types.Pubkey{7}})
			b.SetAccountData(id(1), []byte{1, 2, 3})
			b.DecreaseBalance(id(1), uint256.NewInt(40))
			b.IncreaseBalance(id(2), uint256.NewInt(40))
			b.SetAccountData(id(2), nil)
			assert.Equal(t, 2, b.Len())
			require.NoError(t, l.Apply(b))

			meta, ok, err := l.AccountMeta(id(1))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(3), meta.RentEpoch)
			data, err := l.AccountData(id(1))
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, data)
			bal, _ := l.Balance(id(1))
			assert.Equal(t, uint64(60), bal.Uint64())
			bal, _ = l.Balance(id(2))
			assert.Equal(t, uint64(40), bal.Uint64())
			data, err = l.AccountData(id(2))
			require.NoError(t, err)
			assert.Nil(t, data)

			require.NoError(t, l.Apply(NewBatch()))
		})
	}
}

func TestApplyBatchIsAllOrNothing(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)
			require.NoError(t, l.IncreaseBalance(id(1), uint256.NewInt(100)))

			overdraw := NewBatch()
			overdraw.IncreaseBalance(id(2), uint256.NewInt(500))
			overdraw.SetAccountMeta(id(2), accounts.AccountMeta{Owner: types.Pubkey{2}})
			overdraw.DecreaseBalance(id(1), uint256.NewInt(500))
			assert.ErrorIs(t, l.Apply(overdraw), ErrInsufficientBalance)

			tooLarge := NewBatch()
			tooLarge.DecreaseBalance(id(1), uint256.NewInt(10))
			tooLarge.SetAccountData(id(1), make([]byte, 65))
			assert.ErrorIs(t, l.Apply(tooLarge), ErrDataTooLarge)

			bal, _ := l.Balance(id(1))
			assert.Equal(t, uint64(100), bal.Uint64())
			bal, _ = l.Balance(id(2))
			assert.True(t, bal.IsZero())
			_, ok, err := l.AccountMeta(id(2))
			require.NoError(t, err)
			assert.False(t, ok)
			data, _ := l.AccountData(id(1))
			assert.Nil(t, data)
		})
	}
}

func TestForEachOrderAndMerge(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)

			require.NoError(t, l.SetAccountMeta(id(1), accounts.AccountMeta{Owner: types.Pubkey{1}}))
			require.NoError(t, l.SetAccountData(id(1), []byte("one")))
			require.NoError(t, l.IncreaseBalance(id(1), uint256.NewInt(5)))
			require.NoError(t, l.IncreaseBalance(id(2), uint256.NewInt(6)))
			require.NoError(t, l.SetAccountMeta(id(3), accounts.AccountMeta{}))

			var ids []AccountID
			entries := map[AccountID]Entry{}
			require.NoError(t, l.ForEach(func(i AccountID, e Entry) error {
				ids = append(ids, i)
				entries[i] = e
				return nil
			}))

			require.Len(t, ids, 3)
			for i := 1; i < len(ids); i++ {
				assert.True(t, ids[i-1].Less(ids[i]))
			}

			one := entries[id(1)]
			require.NotNil(t, one.Meta)
			assert.Equal(t, []byte("one"), one.Data)
			assert.Equal(t, uint64(5), one.Balance.Uint64())

			two := entries[id(2)]
			assert.Nil(t, two.Meta)
			assert.Equal(t, uint64(6), two.Balance.Uint64())

			three := entries[id(3)]
			require.NotNil(t, three.Meta)
			assert.True(t, three.Balance.IsZero())
		})
	}
}

func TestClosed(t *testing.T) {
	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)
			require.NoError(t, l.Close())
			assert.ErrorIs(t, l.Close(), ErrClosed)
			_, _, err := l.AccountMeta(id(1))
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, l.IncreaseBalance(id(1), uint256.NewInt(1)), ErrClosed)
		})
	}
}

func TestBadgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	l, err := NewBadgerLedger(DefaultBadgerConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, l.SetAccountMeta(id(4), accounts.AccountMeta{RentEpoch: 3}))
	require.NoError(t, l.IncreaseBalance(id(4), uint256.NewInt(9)))
	require.NoError(t, l.Close())

	l, err = NewBadgerLedger(DefaultBadgerConfig(dir), nil)
	require.NoError(t, err)
	defer l.Close()
	meta, ok, err := l.AccountMeta(id(4))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), meta.RentEpoch)
	b, err := l.Balance(id(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), b.Uint64())
}

func TestMerkleRoot(t *testing.T) {
	assert.Equal(t, types.Hash{}, MerkleRoot(nil))

	a, b := types.Hash{1}, types.Hash{2}
	assert.Equal(t, leafHash(a), MerkleRoot([]types.Hash{a}))
	assert.Equal(t, nodeHash(leafHash(a), leafHash(b)), MerkleRoot([]types.Hash{a, b}))
	assert.NotEqual(t, MerkleRoot([]types.Hash{a, b}), MerkleRoot([]types.Hash{b, a}))
}

func TestAccountHash(t *testing.T) {
	pk := types.Pubkey{7}
	acc := accounts.NewAccountWithData(10, []byte{1}, types.Pubkey{2})
	h := AccountHash(pk, acc)
	assert.NotEqual(t, types.Hash{}, h)
	assert.Equal(t, h, AccountHash(pk, acc.Clone()))

	acc.SetLamports(11)
	assert.NotEqual(t, h, AccountHash(pk, acc))

	assert.Equal(t, types.Hash{}, AccountHash(pk, accounts.NewAccount(0, 0, types.Pubkey{})))
}

func TestDeltaHashSortsByPubkey(t *testing.T) {
	x := []DeltaEntry{{Pubkey: types.Pubkey{2}, Hash: types.Hash{2}}, {Pubkey: types.Pubkey{1}, Hash: types.Hash{1}}}
	y := []DeltaEntry{{Pubkey: types.Pubkey{1}, Hash: types.Hash{1}}, {Pubkey: types.Pubkey{2}, Hash: types.Hash{2}}}
	assert.Equal(t, DeltaHash(x), DeltaHash(y))
}

func populate(t *testing.T, l Ledger) {
	t.Helper()
	for i := byte(1); i <= 5; i++ {
		require.NoError(t, l.SetAccountMeta(id(i), accounts.AccountMeta{RentEpoch: uint64(i), Owner: types.Pubkey{i}}))
		require.NoError(t, l.SetAccountData(id(i), bytes.Repeat([]byte{i}, int(i))))
		require.NoError(t, l.IncreaseBalance(id(i), uint256.NewInt(uint64(i)*1000)))
	}
	require.NoError(t, l.IncreaseBalance(id(9), uint256.NewInt(1)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := NewMemoryLedger()
	populate(t, src)
	want, err := StateHash(src)
	require.NoError(t, err)

	var buf bytes.Buffer
	info, err := ExportSnapshot(&buf, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), info.Accounts)
	assert.Equal(t, want, info.StateHash)

	dst := newBadger(t)
	got, err := ImportSnapshot(bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	h, err := StateHash(dst)
	require.NoError(t, err)
	assert.Equal(t, want, h)

	_, err = ImportSnapshot(bytes.NewReader(buf.Bytes()), dst)
	assert.ErrorIs(t, err, ErrLedgerNotEmpty)
}

func TestSnapshotFile(t *testing.T) {
	src := NewMemoryLedger()
	populate(t, src)
	path := filepath.Join(t.TempDir(), "snap", "ledger.snap")

	info, err := ExportSnapshotFile(path, src)
	require.NoError(t, err)

	dst := NewMemoryLedger()
	got, err := ImportSnapshotFile(path, dst)
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, 5, dst.Len())
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	_, err := ImportSnapshot(bytes.NewReader([]byte("nope, not a snapshot")), NewMemoryLedger())
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	src := NewMemoryLedger()
	populate(t, src)
	var buf bytes.Buffer
	_, err = ExportSnapshot(&buf, src)
	require.NoError(t, err)
	truncated := buf.Bytes()[:buf.Len()/2]
	_, err = ImportSnapshot(bytes.NewReader(truncated), NewMemoryLedger())
	assert.Error(t, err)
}

func TestSnapshotMismatchStoresNothing(t *testing.T) {
	var buf bytes.Buffer
	var header [8]byte
	copy(header[:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:], snapshotVersion)
	buf.Write(header[:])

	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	meta := accounts.AccountMeta{Owner: types.Pubkey{1}}
	require.NoError(t, writeRecord(enc, id(1), Entry{Meta: &meta, Data: []byte{1}, Balance: uint256.NewInt(10)}))
	var trailer [1 + 8 + 32]byte
	trailer[0] = recordEnd
	binary.LittleEndian.PutUint64(trailer[1:9], 1)
	_, err = enc.Write(trailer[:])
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	for _, tc := range ledgers {
		t.Run(tc.name, func(t *testing.T) {
			l := tc.open(t)
			_, err := ImportSnapshot(bytes.NewReader(buf.Bytes()), l)
			assert.ErrorIs(t, err, ErrSnapshotMismatch)

			_, ok, err := l.AccountMeta(id(1))
			require.NoError(t, err)
			assert.False(t, ok)
			bal, err := l.Balance(id(1))
			require.NoError(t, err)
			assert.True(t, bal.IsZero())
		})
	}
}
