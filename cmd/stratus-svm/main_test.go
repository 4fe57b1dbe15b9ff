package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	solsystem "github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/config"
	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
)

const genesisTimestamp = int64(1_700_000_000_000)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.SetDataDir(t.TempDir())
	cfg.Ledger.ValueLogFileSize = 1 << 20
	return &app{cfg: cfg, logger: zap.NewNop()}
}

func blockHash(n byte) types.Hash {
	return types.Hash{n, 0xcc}
}

func signedTransfer(t *testing.T, payer *solana.Wallet, to solana.PublicKey, lamports uint64, blockhash types.Hash) string {
	t.Helper()
	ix := solsystem.NewTransferInstruction(lamports, payer.PublicKey(), to).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash(blockhash), solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	wire, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(wire)
}

func encodeFeed(t *testing.T, blocks ...feedBlock) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	for _, b := range blocks {
		require.NoError(t, enc.Encode(b))
	}
	return buf
}

func TestApplyFeed(t *testing.T) {
	a := testApp(t)
	n, err := openNode(a.cfg, a.logger)
	require.NoError(t, err)
	defer n.Close()

	rt, err := n.runtime()
	require.NoError(t, err)
	require.NoError(t, rt.Genesis(blockHash(0), genesisTimestamp))

	payer, to := solana.NewWallet(), solana.NewWallet().PublicKey()
	require.NoError(t, fundAccount(n.ledger, payer.PublicKey().String(), "10000000000", a.cfg.Runtime.DecimalMultiplier))

	feed := encodeFeed(t,
		feedBlock{
			Number:    1,
			Timestamp: genesisTimestamp + 6000,
			Hash:      blockHash(1).String(),
			Transactions: []string{
				signedTransfer(t, payer, to, 1_000_000, blockHash(0)),
				base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
			},
		},
		feedBlock{Number: 2, Timestamp: genesisTimestamp + 12000, Hash: blockHash(2).String()},
	)

	stats, err := applyFeed(context.Background(), rt, feed, a.logger)
	require.NoError(t, err)
	assert.Equal(t, applyStats{Blocks: 2, Transactions: 1, Rejected: 1}, stats)
	assert.Equal(t, uint64(2), n.store.LatestNumber())

	balance, err := n.ledger.Balance(ledger.AccountIDFromPubkey(types.Pubkey(to)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), balance.Uint64())

	header, err := n.store.Header(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), header.SignatureCount)
}

func TestApplyFeedErrors(t *testing.T) {
	a := testApp(t)
	n, err := openNode(a.cfg, a.logger)
	require.NoError(t, err)
	defer n.Close()
	rt, err := n.runtime()
	require.NoError(t, err)
	require.NoError(t, rt.Genesis(blockHash(0), genesisTimestamp))

	_, err = applyFeed(context.Background(), rt, encodeFeed(t, feedBlock{Number: 1, Hash: "0OIl"}), a.logger)
	assert.Error(t, err)

	_, err = applyFeed(context.Background(), rt, encodeFeed(t, feedBlock{Number: 1, Hash: blockHash(1).String(), Transactions: []string{"%%%"}}), a.logger)
	assert.Error(t, err)

	_, err = applyFeed(context.Background(), rt, bytes.NewBufferString("{not json"), a.logger)
	assert.Error(t, err)

	_, ok := rt.CurrentBank()
	assert.False(t, ok, "a malformed block never opens a bank")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = applyFeed(ctx, rt, encodeFeed(t, feedBlock{Number: 1, Hash: blockHash(1).String()}), a.logger)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFundAccountRejectsBadInput(t *testing.T) {
	l := ledger.NewMemoryLedger()
	key := solana.NewWallet().PublicKey().String()

	assert.Error(t, fundAccount(l, "not-a-key", "1", 1))
	assert.Error(t, fundAccount(l, key, "-1", 1))
	require.NoError(t, fundAccount(l, key, "7", 1_000))

	pubkey, err := types.PubkeyFromBase58(key)
	require.NoError(t, err)
	balance, err := l.Balance(ledger.AccountIDFromPubkey(pubkey))
	require.NoError(t, err)
	assert.Equal(t, uint64(7_000), balance.Uint64())
}

func TestSnapshotCommands(t *testing.T) {
	t.Setenv("STRATUS_LEDGER_VALUE_LOG_FILE_SIZE", "1MB")
	src, dst := t.TempDir(), t.TempDir()
	snapshot := filepath.Join(t.TempDir(), "ledger.snap")
	funded := solana.NewWallet().PublicKey()

	run := func(args ...string) {
		t.Helper()
		cmd := newRootCmd()
		cmd.SetArgs(append(args, "--log-level", "error"))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
	}
	run("genesis", "--data-dir", src, "--hash", blockHash(0).String(), "--fund", funded.String()+"=5000")
	run("snapshot", "export", snapshot, "--data-dir", src)
	run("snapshot", "import", snapshot, "--data-dir", dst)

	a := testApp(t)
	a.cfg.SetDataDir(dst)
	n, err := openNode(a.cfg, a.logger)
	require.NoError(t, err)
	defer n.Close()
	balance, err := n.ledger.Balance(ledger.AccountIDFromPubkey(types.Pubkey(funded)))
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), balance.Uint64())
}
