package node

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-bridge/internal/storage"
	"btc-bridge/pkg/bridge/contract"
	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/mocks"
	"btc-bridge/pkg/bridge/testutil"
	"btc-bridge/pkg/bridge/types"
)

func bridgeConfig() *engine.Config {
	voters := []types.Address{testutil.NativeAddress(1), testutil.NativeAddress(2), testutil.NativeAddress(3)}
	return &engine.Config{
		Params:               testutil.Params,
		Checkpoint:           headers.GenesisCheckpoint(testutil.Params),
		MaxReorgDepth:        100,
		MinConfirmations:     6,
		HandoverDelay:        10,
		DustFloor:            2730,
		MinimumPeginValue:    10_000,
		MaxReleaseOutputs:    10,
		MaxMigrationInputs:   10,
		InitialFeePerKb:      10_000,
		MaxFeePerKb:          1_000_000,
		InitialLockingCap:    100_000_000,
		LockingCapMultiplier: 2,
		GenesisMembers:       testutil.PubKeys(testutil.PrivKeys(0, 3)),
		GenesisCreationTime:  1_700_000_000,
		FederationVoters:     voters,
		FeeVoters:            voters,
		LockingCapVoters:     voters,
	}
}

func newNode(t *testing.T, store storage.StateStore, retain uint64) (*Node, *mocks.MemoryLedger) {
	t.Helper()
	cfg := DefaultNodeConfig(bridgeConfig())
	cfg.RetainStates = retain
	ledger := mocks.NewMemoryLedger()
	n, err := NewNode(cfg, ledger, store)
	require.NoError(t, err)
	return n, ledger
}

func call(t *testing.T, seq byte, caller types.Address, value btcutil.Amount, name string, args ...interface{}) Tx {
	t.Helper()
	data, err := contract.EncodeCall(name, args...)
	require.NoError(t, err)
	return Tx{
		Hash:   chainhash.DoubleHashH([]byte{seq}),
		Caller: caller,
		Value:  value,
		Data:   data,
	}
}

func block(number uint64, txs ...Tx) Block {
	return Block{Number: number, Timestamp: 1_700_000_000 + int64(number)*30, Txs: txs}
}

// depositCalls returns a header submission confirming tx six times and the
// registration of tx.
func depositCalls(t *testing.T, n *Node, tx *wire.MsgTx) (Tx, Tx) {
	t.Helper()
	txHash := tx.TxHash()
	proof, root, err := headers.BuildMerkleProof([]chainhash.Hash{chainhash.DoubleHashH(txHash[:]), txHash}, 1)
	require.NoError(t, err)
	tip := n.Bridge().BestHeader().Header
	mined := testutil.MineHeader(&tip, root)
	batch := append([]*wire.BlockHeader{mined}, testutil.MineChain(mined, 5, txHash.String())...)
	return call(t, 1, types.Address{}, 0, engine.OpSubmitExternalHeaders, batch),
		call(t, 2, types.Address{}, 0, engine.OpRegisterDeposit, tx, mined.BlockHash(), proof)
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(nil, mocks.NewMemoryLedger(), mocks.NewMemoryStore())
	assert.Error(t, err)

	cfg := DefaultNodeConfig(nil)
	_, err = NewNode(cfg, mocks.NewMemoryLedger(), mocks.NewMemoryStore())
	assert.Error(t, err)

	cfg = DefaultNodeConfig(bridgeConfig())
	_, err = NewNode(cfg, nil, mocks.NewMemoryStore())
	assert.Error(t, err)
	_, err = NewNode(cfg, mocks.NewMemoryLedger(), nil)
	assert.Error(t, err)
}

func TestProcessBlock_PersistsState(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, ledger := newNode(t, store, 0)
	_, ok := n.Height()
	assert.False(t, ok)

	sender := testutil.PrivKey(200)
	tx := testutil.DepositTx(sender.PubKey(), n.Bridge().Federation().PkScript(), 5_000_000)
	submit, register := depositCalls(t, n, tx)

	receipts, _, err := n.ProcessBlock(block(1, submit, register))
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.NoError(t, receipts[0].Err)
	require.NoError(t, receipts[1].Err)
	res, err := contract.DecodeDepositResult(receipts[1].Result)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(5_000_000), res.Credited)
	assert.Equal(t, btcutil.Amount(5_000_000), ledger.Balance(types.AddressFromPubKey(sender.PubKey())))

	height, ok := n.Height()
	require.True(t, ok)
	assert.Equal(t, uint64(1), height)
	assert.Equal(t, []uint64{1}, store.Heights())

	// the same registration again is a no-op reported in the receipt
	receipts, _, err = n.ProcessBlock(block(2, register))
	require.NoError(t, err)
	assert.True(t, errors.Is(receipts[0].Err, types.ErrAlreadyProcessed))
	assert.Equal(t, 1, ledger.Credits())

	_, _, err = n.ProcessBlock(block(2))
	assert.Error(t, err)

	restarted, _ := newNode(t, store, 0)
	height, ok = restarted.Height()
	require.True(t, ok)
	assert.Equal(t, uint64(2), height)
	want, err := n.Bridge().Snapshot()
	require.NoError(t, err)
	got, err := restarted.Bridge().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRollback(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, _ := newNode(t, store, 0)

	tx := testutil.DepositTx(testutil.PrivKey(200).PubKey(), n.Bridge().Federation().PkScript(), 1_000_000)
	submit, register := depositCalls(t, n, tx)
	_, _, err := n.ProcessBlock(block(1, submit))
	require.NoError(t, err)
	_, _, err = n.ProcessBlock(block(2, register))
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1_000_000), n.Bridge().LockedTotal())

	require.NoError(t, n.Rollback(1))
	assert.Zero(t, n.Bridge().LockedTotal())
	assert.False(t, n.Bridge().IsDepositProcessed(tx.TxHash(), nil))
	assert.Equal(t, []uint64{1}, store.Heights())

	receipts, _, err := n.ProcessBlock(block(2, register))
	require.NoError(t, err)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, btcutil.Amount(1_000_000), n.Bridge().LockedTotal())

	assert.Error(t, n.Rollback(7))
}

func TestProcessBlock_StoreFailureRestoresState(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, ledger := newNode(t, store, 0)

	tx := testutil.DepositTx(testutil.PrivKey(200).PubKey(), n.Bridge().Federation().PkScript(), 1_000_000)
	submit, register := depositCalls(t, n, tx)
	_, _, err := n.ProcessBlock(block(1, submit))
	require.NoError(t, err)

	store.SetFailWrites(true)
	_, _, err = n.ProcessBlock(block(2, register))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrPersistence))
	assert.Zero(t, n.Bridge().LockedTotal())
	height, _ := n.Height()
	assert.Equal(t, uint64(1), height)

	assert.Zero(t, ledger.Credits())

	store.SetFailWrites(false)
	_, _, err = n.ProcessBlock(block(2, register))
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1_000_000), n.Bridge().LockedTotal())
	assert.Equal(t, btcutil.Amount(1_000_000), ledger.Balance(types.AddressFromPubKey(testutil.PrivKey(200).PubKey())))
	assert.Equal(t, 1, ledger.Credits())
}

func TestProcessBlock_StoreFailureRevertsCredits(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, ledger := newNode(t, store, 0)

	sender := testutil.PrivKey(200)
	recipient := types.AddressFromPubKey(sender.PubKey())
	tx := testutil.DepositTx(sender.PubKey(), n.Bridge().Federation().PkScript(), 1_000_000)
	submit, register := depositCalls(t, n, tx)

	store.SetFailWrites(true)
	_, _, err := n.ProcessBlock(block(1, submit, register))
	require.Error(t, err)
	assert.Zero(t, ledger.Balance(recipient))
	assert.Zero(t, ledger.Credits())

	store.SetFailWrites(false)
	receipts, _, err := n.ProcessBlock(block(1, submit, register))
	require.NoError(t, err)
	require.NoError(t, receipts[1].Err)
	assert.Equal(t, btcutil.Amount(1_000_000), ledger.Balance(recipient), "the retried block credits once")
	assert.Equal(t, 1, ledger.Credits())
}

func TestProcessBlock_FatalErrorAbortsBlock(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, ledger := newNode(t, store, 0)
	members := testutil.PrivKeys(0, 3)

	sender := testutil.PrivKey(200)
	tx := testutil.DepositTx(sender.PubKey(), n.Bridge().Federation().PkScript(), 5_000_000)
	submit, register := depositCalls(t, n, tx)
	_, _, err := n.ProcessBlock(block(1, submit, register))
	require.NoError(t, err)

	dest := testutil.P2PKHAddress(testutil.PrivKey(300).PubKey())
	release := call(t, 3, testutil.NativeAddress(9), 1_000_000, engine.OpRequestRelease, dest.EncodeAddress())
	_, tick, err := n.ProcessBlock(block(2, release))
	require.NoError(t, err)
	require.Len(t, tick.Releases, 1)
	pending := tick.Releases[0].UnsignedHash

	// tag the pending release with a federation the bridge does not know
	snapshot, err := n.Bridge().Snapshot()
	require.NoError(t, err)
	st, _, err := engine.UnmarshalState(snapshot, n.Bridge().Config(), nil)
	require.NoError(t, err)
	st.PegOut.Waiting[pending].Spent[0].Owner = types.FederationID{9}
	corrupt, err := st.MarshalMsg(nil)
	require.NoError(t, err)
	require.NoError(t, n.Bridge().Restore(corrupt))

	other := testutil.PrivKey(201)
	second := testutil.DepositTx(other.PubKey(), n.Bridge().Federation().PkScript(), 700_000)
	submit2, register2 := depositCalls(t, n, second)
	submit2.Hash = chainhash.DoubleHashH([]byte("submit-2"))
	register2.Hash = chainhash.DoubleHashH([]byte("register-2"))
	sigs := [][]byte{{0x30}}
	sign := call(t, 4, testutil.NativeAddress(1), 0, engine.OpAddSignature, members[0].PubKey(), pending, sigs)

	_, _, err = n.ProcessBlock(block(3, submit2, register2, sign))
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))

	after, err := n.Bridge().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, corrupt, after, "an aborted block leaves the state it started from")
	assert.False(t, n.Bridge().IsDepositProcessed(second.TxHash(), nil))
	height, _ := n.Height()
	assert.Equal(t, uint64(2), height)
	assert.Equal(t, []uint64{1, 2}, store.Heights())

	assert.Zero(t, ledger.Balance(types.AddressFromPubKey(other.PubKey())), "credits of the aborted block are reverted")
	assert.Equal(t, btcutil.Amount(5_000_000), ledger.Balance(types.AddressFromPubKey(sender.PubKey())))
	assert.Equal(t, 1, ledger.Credits())
}

func TestProcessBlock_PrunesOldStates(t *testing.T) {
	store := mocks.NewMemoryStore()
	n, _ := newNode(t, store, 2)

	for h := uint64(1); h <= 4; h++ {
		_, tick, err := n.ProcessBlock(block(h))
		require.NoError(t, err)
		assert.Empty(t, tick.Releases)
	}
	assert.Equal(t, []uint64{3, 4}, store.Heights())
	assert.Equal(t, uint64(4), store.WriteCount())
}
