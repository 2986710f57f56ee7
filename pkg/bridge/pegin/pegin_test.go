package pegin

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/mocks"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/testutil"
	"btc-bridge/pkg/bridge/types"
)

const testMinConfirmations = 6

type fixture struct {
	proc     *Processor
	releases *pegout.Processor
	st       *State
	env      Env
	ledger   *mocks.MemoryLedger
	sender   *btcec.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fed, err := federation.NewFederation(testutil.PubKeys(testutil.PrivKeys(0, 3)), 0, 0, testutil.Params)
	require.NoError(t, err)

	releases := pegout.NewProcessor(pegout.Config{
		Params:             testutil.Params,
		DustFloor:          2730,
		MaxReleaseOutputs:  10,
		MaxMigrationInputs: 10,
	}, nil)
	ledger := mocks.NewMemoryLedger()
	return &fixture{
		proc: NewProcessor(Config{
			Params:            testutil.Params,
			MinConfirmations:  testMinConfirmations,
			MinimumPeginValue: 10_000,
		}, releases, nil),
		releases: releases,
		st:       NewState(),
		env: Env{
			Chain:      headers.NewHeaderChain(testutil.Params, headers.GenesisCheckpoint(testutil.Params), 100, nil),
			Feds:       federation.NewState(fed),
			Releases:   pegout.NewState(),
			LockingCap: 100_000_000,
			Ledger:     ledger,
			Height:     10,
		},
		ledger: ledger,
		sender: testutil.PrivKey(200),
	}
}

// confirm mines a block containing tx followed by enough blocks to give it confs
// confirmations.
func (f *fixture) confirm(t *testing.T, tx *wire.MsgTx, confs int) Deposit {
	t.Helper()
	txHash := tx.TxHash()
	coinbase := chainhash.DoubleHashH(append([]byte("coinbase"), txHash[:]...))
	proof, root, err := headers.BuildMerkleProof([]chainhash.Hash{coinbase, txHash}, 1)
	require.NoError(t, err)

	tip := f.env.Chain.BestHeader().Header
	block := testutil.MineHeader(&tip, root)
	batch := append([]*wire.BlockHeader{block}, testutil.MineChain(block, confs-1, txHash.String())...)
	_, err = f.env.Chain.Submit(batch)
	require.NoError(t, err)
	return Deposit{Tx: tx, BlockHash: block.BlockHash(), Proof: proof}
}

func (f *fixture) recipient() types.Address {
	return types.AddressFromPubKey(f.sender.PubKey())
}

func TestRegister_CreditsOnce(t *testing.T) {
	f := newFixture(t)
	active := f.env.Feds.Active
	tx := testutil.DepositTx(f.sender.PubKey(), active.PkScript(), 5_000_000)
	d := f.confirm(t, tx, testMinConfirmations)

	res, err := f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.Equal(t, tx.TxHash(), res.ID)
	assert.Equal(t, f.recipient(), res.Recipient)
	assert.Equal(t, btcutil.Amount(5_000_000), res.Credited)
	assert.Zero(t, res.Refunded)
	assert.Equal(t, uint32(testMinConfirmations), res.Confirmations)

	assert.Equal(t, btcutil.Amount(5_000_000), f.ledger.Balance(f.recipient()))
	assert.Equal(t, btcutil.Amount(5_000_000), f.st.LockedTotal)
	assert.True(t, f.st.IsProcessed(tx.TxHash()))
	require.Len(t, f.env.Releases.UTXOs, 1)
	assert.Equal(t, btcutil.Amount(5_000_000), f.env.Releases.Balance(active.ID()))

	_, err = f.proc.Register(f.st, f.env, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAlreadyProcessed))
	assert.True(t, types.IsNoOp(err))
	assert.Equal(t, btcutil.Amount(5_000_000), f.ledger.Balance(f.recipient()))
	assert.Equal(t, 1, f.ledger.Credits())
}

func TestRegister_InsufficientConfirmations(t *testing.T) {
	f := newFixture(t)
	tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
	d := f.confirm(t, tx, testMinConfirmations-1)

	_, err := f.proc.Register(f.st, f.env, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInsufficientConfirmations))
	assert.True(t, types.IsKind(err, types.KindTransient))
	assert.False(t, f.st.IsProcessed(tx.TxHash()))

	// one more block makes it acceptable
	tip := f.env.Chain.BestHeader().Header
	_, err = f.env.Chain.Submit(testutil.MineChain(&tip, 1, "extra"))
	require.NoError(t, err)
	_, err = f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
}

func TestRegister_Rejections(t *testing.T) {
	t.Run("not paying the federation", func(t *testing.T) {
		f := newFixture(t)
		tx := testutil.DepositTx(f.sender.PubKey(), testutil.P2PKHScript(testutil.PrivKey(300).PubKey()), 50_000)
		_, err := f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
		assert.True(t, errors.Is(err, types.ErrNotADeposit))
	})

	t.Run("below minimum", func(t *testing.T) {
		f := newFixture(t)
		tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 9_999)
		_, err := f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
		assert.True(t, errors.Is(err, types.ErrBelowMinimum))
		assert.Empty(t, f.env.Releases.UTXOs)
	})

	t.Run("unknown sender", func(t *testing.T) {
		f := newFixture(t)
		tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
		script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).
			AddData(make([]byte, 71)).AddData(make([]byte, 71)).Script()
		require.NoError(t, err)
		tx.TxIn[0].SignatureScript = script
		_, err = f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
		assert.True(t, errors.Is(err, types.ErrUnknownSender))
		assert.Zero(t, f.st.LockedTotal)
	})

	t.Run("block off the best chain", func(t *testing.T) {
		f := newFixture(t)
		tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
		d := f.confirm(t, tx, testMinConfirmations)
		d.BlockHash = chainhash.Hash{1}
		_, err := f.proc.Register(f.st, f.env, d)
		assert.True(t, errors.Is(err, types.ErrBlockNotInBestChain))
	})

	t.Run("bad merkle proof", func(t *testing.T) {
		f := newFixture(t)
		tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
		d := f.confirm(t, tx, testMinConfirmations)
		d.Proof.Branch[0] = chainhash.Hash{2}
		_, err := f.proc.Register(f.st, f.env, d)
		assert.True(t, errors.Is(err, types.ErrInvalidMerkleProof))
	})
}

func TestRegister_WitnessSender(t *testing.T) {
	f := newFixture(t)
	tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
	tx.TxIn[0].SignatureScript = nil
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 71), f.sender.PubKey().SerializeCompressed()}

	res, err := f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
	require.NoError(t, err)
	assert.Equal(t, f.recipient(), res.Recipient)
}

func TestRegister_LockingCapRefundsExcess(t *testing.T) {
	f := newFixture(t)
	f.env.LockingCap = 3_000_000
	active := f.env.Feds.Active

	tx := testutil.DepositTx(f.sender.PubKey(), active.PkScript(), 5_000_000)
	res, err := f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(3_000_000), res.Credited)
	assert.Equal(t, btcutil.Amount(2_000_000), res.Refunded)
	assert.Equal(t, btcutil.Amount(3_000_000), f.st.LockedTotal)

	require.Len(t, f.env.Releases.Queue, 1)
	refund := f.env.Releases.Queue[0]
	assert.Equal(t, btcutil.Amount(2_000_000), refund.Amount)
	assert.Equal(t, testutil.P2PKHScript(f.sender.PubKey()), refund.Destination)
	assert.Equal(t, tx.TxHash(), refund.NativeTxHash)

	// the cap is exhausted: the next deposit is refunded in full
	second := testutil.DepositTx(testutil.PrivKey(201).PubKey(), active.PkScript(), 400_000)
	res, err = f.proc.Register(f.st, f.env, f.confirm(t, second, testMinConfirmations))
	require.NoError(t, err)
	assert.Zero(t, res.Credited)
	assert.Equal(t, btcutil.Amount(400_000), res.Refunded)
	assert.Len(t, f.env.Releases.Queue, 2)
	assert.Equal(t, 1, f.ledger.Credits())
	assert.True(t, f.st.IsProcessed(second.TxHash()))

	// both deposits fund the refunds
	assert.Equal(t, btcutil.Amount(5_400_000), f.env.Releases.Balance(active.ID()))

	f.st.Unlock(1_000_000)
	assert.Equal(t, btcutil.Amount(2_000_000), f.st.LockedTotal)
	f.st.Unlock(5_000_000)
	assert.Zero(t, f.st.LockedTotal)
}

func TestRegister_DustOverflowIsForfeited(t *testing.T) {
	f := newFixture(t)
	f.env.LockingCap = 1_000_000
	active := f.env.Feds.Active

	tx := testutil.DepositTx(f.sender.PubKey(), active.PkScript(), 1_001_000)
	res, err := f.proc.Register(f.st, f.env, f.confirm(t, tx, testMinConfirmations))
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1_000_000), res.Credited)
	assert.Equal(t, btcutil.Amount(1_000), res.Refunded)

	assert.Empty(t, f.env.Releases.Queue, "a refund under the dust floor is never queued")
	assert.Equal(t, btcutil.Amount(1_000), f.env.Releases.Forfeited)
	assert.Equal(t, btcutil.Amount(1_001_000), f.env.Releases.Balance(active.ID()))
}

func TestRegister_FailedCreditLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
	d := f.confirm(t, tx, testMinConfirmations)

	f.ledger.FailNextCredit()
	_, err := f.proc.Register(f.st, f.env, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mocks.ErrCreditFailed))
	assert.False(t, f.st.IsProcessed(tx.TxHash()))
	assert.Zero(t, f.st.LockedTotal)
	assert.Empty(t, f.env.Releases.UTXOs)

	_, err = f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(50_000), f.ledger.Balance(f.recipient()))
}

func TestRegister_Flyover(t *testing.T) {
	f := newFixture(t)
	active := f.env.Feds.Active
	flyover := &FlyoverData{
		Receiver:          testutil.NativeAddress(7),
		RefundScript:      testutil.P2PKHScript(testutil.PrivKey(400).PubKey()),
		LiquidityProvider: testutil.NativeAddress(8),
	}
	derivation := flyover.DerivationHash()

	tx := testutil.DepositTx(f.sender.PubKey(), active.FlyoverPkScript(derivation), 300_000)
	d := f.confirm(t, tx, testMinConfirmations)

	// the plain path does not see outputs to the bound address
	_, err := f.proc.Register(f.st, f.env, d)
	assert.True(t, errors.Is(err, types.ErrNotADeposit))

	d.Flyover = flyover
	res, err := f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.Equal(t, DepositID(tx.TxHash(), flyover), res.ID)
	assert.NotEqual(t, tx.TxHash(), res.ID)
	assert.Equal(t, flyover.Receiver, res.Recipient)
	assert.Equal(t, btcutil.Amount(300_000), f.ledger.Balance(flyover.Receiver))
	assert.True(t, f.st.IsProcessed(res.ID))

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	require.Contains(t, f.env.Releases.UTXOs, op)
	assert.Equal(t, derivation, f.env.Releases.UTXOs[op].Derivation)

	_, err = f.proc.Register(f.st, f.env, d)
	assert.True(t, errors.Is(err, types.ErrAlreadyProcessed))

	// different committed parties select a different address
	other := *flyover
	other.Receiver = testutil.NativeAddress(9)
	d.Flyover = &other
	_, err = f.proc.Register(f.st, f.env, d)
	assert.True(t, errors.Is(err, types.ErrNotADeposit))
}

func TestRegister_FlyoverRefundGoesToCommittedAddress(t *testing.T) {
	f := newFixture(t)
	f.env.LockingCap = 100_000
	flyover := &FlyoverData{
		Receiver:          testutil.NativeAddress(7),
		RefundScript:      testutil.P2PKHScript(testutil.PrivKey(400).PubKey()),
		LiquidityProvider: testutil.NativeAddress(8),
	}
	tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.FlyoverPkScript(flyover.DerivationHash()), 300_000)
	d := f.confirm(t, tx, testMinConfirmations)
	d.Flyover = flyover

	res, err := f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(200_000), res.Refunded)
	require.Len(t, f.env.Releases.Queue, 1)
	assert.Equal(t, flyover.RefundScript, f.env.Releases.Queue[0].Destination)
}

func TestRegister_FlyoverValidation(t *testing.T) {
	f := newFixture(t)
	tx := testutil.DepositTx(f.sender.PubKey(), f.env.Feds.Active.PkScript(), 50_000)
	d := f.confirm(t, tx, testMinConfirmations)

	for name, fd := range map[string]*FlyoverData{
		"no receiver": {RefundScript: []byte{1}, LiquidityProvider: testutil.NativeAddress(1)},
		"no refund":   {Receiver: testutil.NativeAddress(1), LiquidityProvider: testutil.NativeAddress(2)},
		"no provider": {Receiver: testutil.NativeAddress(1), RefundScript: []byte{1}},
	} {
		t.Run(name, func(t *testing.T) {
			d.Flyover = fd
			_, err := f.proc.Register(f.st, f.env, d)
			assert.True(t, errors.Is(err, types.ErrInvalidArgument))
		})
	}
}

func TestRegister_RetiringAddressWithinWindow(t *testing.T) {
	f := newFixture(t)
	retiring := f.env.Feds.Active
	next, err := federation.NewFederation(testutil.PubKeys(testutil.PrivKeys(40, 3)), 0, 5, testutil.Params)
	require.NoError(t, err)
	f.env.Feds.Retiring = retiring
	f.env.Feds.RetiringExpiry = 20
	f.env.Feds.Active = next

	tx := testutil.DepositTx(f.sender.PubKey(), retiring.PkScript(), 60_000)
	d := f.confirm(t, tx, testMinConfirmations)

	f.env.Height = 20
	_, err = f.proc.Register(f.st, f.env, d)
	assert.True(t, errors.Is(err, types.ErrNotADeposit))

	f.env.Height = 19
	_, err = f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(60_000), f.env.Releases.Balance(retiring.ID()))
	assert.Zero(t, f.env.Releases.Balance(next.ID()))
}

func TestRegister_ObservesFinalizedRelease(t *testing.T) {
	f := newFixture(t)
	active := f.env.Feds.Active

	tx := wire.NewMsgTx(wire.TxVersion)
	prev := chainhash.DoubleHashH([]byte("federation-input"))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{txscript.OP_0}, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, testutil.P2PKHScript(f.sender.PubKey())))
	tx.AddTxOut(wire.NewTxOut(400_000, active.PkScript()))
	f.env.Releases.Finalized[tx.TxHash()] = &pegout.ReleaseTx{Kind: pegout.KindRelease, Tx: tx}

	d := f.confirm(t, tx, testMinConfirmations)
	res, err := f.proc.Register(f.st, f.env, d)
	require.NoError(t, err)
	assert.True(t, res.Observed)
	assert.Zero(t, f.ledger.Credits())
	assert.Empty(t, f.env.Releases.Finalized)
	assert.Equal(t, btcutil.Amount(400_000), f.env.Releases.Balance(active.ID()))

	_, err = f.proc.Register(f.st, f.env, d)
	assert.True(t, errors.Is(err, types.ErrAlreadyProcessed))
	assert.Len(t, f.env.Releases.UTXOs, 1)
}

func TestDepositID(t *testing.T) {
	txHash := chainhash.DoubleHashH([]byte("tx"))
	assert.Equal(t, txHash, DepositID(txHash, nil))

	a := &FlyoverData{Receiver: testutil.NativeAddress(1), RefundScript: []byte{1, 2}, LiquidityProvider: testutil.NativeAddress(2)}
	b := &FlyoverData{Receiver: testutil.NativeAddress(1), RefundScript: []byte{1, 3}, LiquidityProvider: testutil.NativeAddress(2)}
	assert.Equal(t, DepositID(txHash, a), DepositID(txHash, a))
	assert.NotEqual(t, DepositID(txHash, a), DepositID(txHash, b))
}

func TestState_RoundTrip(t *testing.T) {
	st := NewState()
	st.Processed[chainhash.DoubleHashH([]byte("a"))] = struct{}{}
	st.Processed[chainhash.DoubleHashH([]byte("b"))] = struct{}{}
	st.LockedTotal = 1_234_567

	first, err := st.MarshalMsg(nil)
	require.NoError(t, err)

	decoded := &State{}
	rest, err := decoded.UnmarshalMsg(first)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, st.Processed, decoded.Processed)
	assert.Equal(t, st.LockedTotal, decoded.LockedTotal)

	second, err := decoded.MarshalMsg(nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fd := &FlyoverData{Receiver: testutil.NativeAddress(1), RefundScript: []byte{1, 2}, LiquidityProvider: testutil.NativeAddress(2)}
	raw, err := fd.MarshalMsg(nil)
	require.NoError(t, err)
	var back FlyoverData
	_, err = back.UnmarshalMsg(raw)
	require.NoError(t, err)
	assert.Equal(t, *fd, back)
}
