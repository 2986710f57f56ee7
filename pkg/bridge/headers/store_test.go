package headers

import (
	"errors"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-bridge/pkg/bridge/testutil"
	"btc-bridge/pkg/bridge/types"
)

func newTestChain(t *testing.T, maxReorg uint32) (*HeaderChain, wire.BlockHeader) {
	t.Helper()
	genesis := testutil.Genesis()
	hc := NewHeaderChain(testutil.Params, GenesisCheckpoint(testutil.Params), maxReorg, nil)
	require.Equal(t, uint32(0), hc.BestHeight())
	return hc, genesis
}

func TestSubmit_ExtendsBestChain(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	batch := testutil.MineChain(&genesis, 5, "main")

	added, err := hc.Submit(batch)
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.Equal(t, uint32(5), hc.BestHeight())
	assert.Equal(t, batch[4].BlockHash(), hc.BestHeader().Hash)

	for i, h := range batch {
		sh, err := hc.HeaderByHeight(uint32(i + 1))
		require.NoError(t, err)
		assert.Equal(t, h.BlockHash(), sh.Hash)
	}

	parent, err := hc.ParentOf(batch[2].BlockHash())
	require.NoError(t, err)
	assert.Equal(t, batch[1].BlockHash(), parent.Hash)
}

func TestSubmit_DuplicatesAreSkipped(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	batch := testutil.MineChain(&genesis, 3, "main")

	_, err := hc.Submit(batch)
	require.NoError(t, err)

	added, err := hc.Submit(batch)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 4, hc.Len())
}

func TestSubmit_OrphanRejectsWholeBatch(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	chain := testutil.MineChain(&genesis, 4, "main")

	// first header links, the third does not since the second is missing
	_, err := hc.Submit([]*wire.BlockHeader{chain[0], chain[2]})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrOrphanHeader))
	assert.True(t, types.IsKind(err, types.KindRejected))

	assert.Equal(t, uint32(0), hc.BestHeight())
	assert.Equal(t, 1, hc.Len())
}

func TestSubmit_InvalidProofOfWork(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	good := testutil.MineChain(&genesis, 2, "main")

	bad := *good[1]
	// a target above the network limit can never be valid
	bad.Bits = 0x2100ffff

	_, err := hc.Submit([]*wire.BlockHeader{good[0], &bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidProofOfWork))
	assert.Equal(t, 1, hc.Len(), "batch must not be partially applied")
}

func TestCheckProofOfWork_HashAboveTarget(t *testing.T) {
	genesis := testutil.Genesis()
	h := testutil.MineHeader(&genesis, chainhash.Hash{})

	// search for a nonce whose hash misses the target
	for nonce := uint32(0); ; nonce++ {
		h.Nonce = nonce
		if CheckProofOfWork(h, testutil.Params.PowLimit) != nil {
			break
		}
	}
	err := CheckProofOfWork(h, testutil.Params.PowLimit)
	assert.True(t, errors.Is(err, types.ErrInvalidProofOfWork))
}

func TestSubmit_TieKeepsExistingTip(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	a := testutil.MineChain(&genesis, 2, "a")
	b := testutil.MineChain(&genesis, 2, "b")

	_, err := hc.Submit(a)
	require.NoError(t, err)
	tip := hc.BestHeader().Hash

	_, err = hc.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, tip, hc.BestHeader().Hash)
	assert.True(t, hc.InBestChain(a[1].BlockHash()))
	assert.False(t, hc.InBestChain(b[1].BlockHash()))
}

func TestSubmit_ReorgToHeavierBranch(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	a := testutil.MineChain(&genesis, 2, "a")
	b := testutil.MineChain(&genesis, 3, "b")

	_, err := hc.Submit(a)
	require.NoError(t, err)
	workBefore := new(big.Int).Set(hc.BestHeader().Work)

	_, err = hc.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), hc.BestHeight())
	assert.Equal(t, b[2].BlockHash(), hc.BestHeader().Hash)
	assert.True(t, hc.BestHeader().Work.Cmp(workBefore) > 0)

	assert.False(t, hc.InBestChain(a[0].BlockHash()))
	sh, err := hc.HeaderByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, b[0].BlockHash(), sh.Hash)

	// stale headers are still known by hash
	_, err = hc.HeaderByHash(a[1].BlockHash())
	assert.NoError(t, err)
}

func TestSubmit_ReorgTooDeep(t *testing.T) {
	hc, genesis := newTestChain(t, 2)
	best := testutil.MineChain(&genesis, 5, "main")
	_, err := hc.Submit(best)
	require.NoError(t, err)

	fork := testutil.MineChain(best[0], 6, "fork")
	_, err = hc.Submit(fork)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrReorgTooDeep))
	assert.Equal(t, best[4].BlockHash(), hc.BestHeader().Hash)
}

func TestBestWorkIsMonotonic(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	prevWork := new(big.Int).Set(hc.BestHeader().Work)

	batches := [][]*wire.BlockHeader{
		testutil.MineChain(&genesis, 3, "x"),
		testutil.MineChain(&genesis, 2, "y"),
		testutil.MineChain(&genesis, 4, "z"),
	}
	for _, batch := range batches {
		_, err := hc.Submit(batch)
		require.NoError(t, err)
		work := hc.BestHeader().Work
		assert.True(t, work.Cmp(prevWork) >= 0)
		prevWork = new(big.Int).Set(work)
	}
}

func TestHeaderByHeight_OutOfRange(t *testing.T) {
	hc, _ := newTestChain(t, 100)
	_, err := hc.HeaderByHeight(1)
	assert.True(t, errors.Is(err, types.ErrHeaderNotFound))

	_, err = hc.HeaderByHash(chainhash.Hash{1})
	assert.True(t, errors.Is(err, types.ErrHeaderNotFound))
}

func TestConfirmations(t *testing.T) {
	hc, genesis := newTestChain(t, 100)

	txs := []chainhash.Hash{{1}, {2}, {3}}
	proof, root, err := BuildMerkleProof(txs, 1)
	require.NoError(t, err)

	block := testutil.MineHeader(&genesis, root)
	rest := testutil.MineChain(block, 5, "after")
	_, err = hc.Submit(append([]*wire.BlockHeader{block}, rest...))
	require.NoError(t, err)

	confs, err := hc.Confirmations(txs[1], block.BlockHash(), proof)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), confs)

	t.Run("wrong transaction", func(t *testing.T) {
		_, err := hc.Confirmations(txs[0], block.BlockHash(), proof)
		assert.True(t, errors.Is(err, types.ErrInvalidMerkleProof))
	})

	t.Run("missing proof", func(t *testing.T) {
		_, err := hc.Confirmations(txs[1], block.BlockHash(), nil)
		assert.True(t, errors.Is(err, types.ErrInvalidMerkleProof))
	})

	t.Run("unknown block", func(t *testing.T) {
		_, err := hc.Confirmations(txs[1], chainhash.Hash{9}, proof)
		assert.True(t, errors.Is(err, types.ErrBlockNotInBestChain))
	})

	t.Run("block off the best chain", func(t *testing.T) {
		side := testutil.MineHeader(&genesis, chainhash.DoubleHashH(root[:]))
		_, err := hc.Submit([]*wire.BlockHeader{side})
		require.NoError(t, err)

		_, err = hc.Confirmations(txs[1], side.BlockHash(), proof)
		assert.True(t, errors.Is(err, types.ErrBlockNotInBestChain))
	})
}

func TestHeaderChain_RoundTrip(t *testing.T) {
	hc, genesis := newTestChain(t, 100)
	_, err := hc.Submit(testutil.MineChain(&genesis, 3, "a"))
	require.NoError(t, err)
	_, err = hc.Submit(testutil.MineChain(&genesis, 4, "b"))
	require.NoError(t, err)

	encoded, err := hc.MarshalMsg(nil)
	require.NoError(t, err)

	restored := NewHeaderChain(testutil.Params, GenesisCheckpoint(testutil.Params), 100, nil)
	rest, err := restored.UnmarshalMsg(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.Equal(t, hc.BestHeader().Hash, restored.BestHeader().Hash)
	assert.Equal(t, hc.Len(), restored.Len())
	assert.Equal(t, 0, hc.BestHeader().Work.Cmp(restored.BestHeader().Work))

	again, err := restored.MarshalMsg(nil)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}
