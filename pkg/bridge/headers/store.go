// Package headers tracks the best-known chain of external-chain block headers and
// answers chain-membership and confirmation queries.
package headers

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/types"
)

// StoredHeader is a header together with its position and cumulative work.
type StoredHeader struct {
	Header wire.BlockHeader
	Hash   chainhash.Hash
	Height uint32
	// Work is the cumulative chain work up to and including this header
	Work *big.Int
}

func (sh *StoredHeader) copy() *StoredHeader {
	return &StoredHeader{
		Header: sh.Header,
		Hash:   sh.Hash,
		Height: sh.Height,
		Work:   new(big.Int).Set(sh.Work),
	}
}

// Checkpoint is the trusted header the chain starts from.
type Checkpoint struct {
	Header wire.BlockHeader
	Height uint32
	// Work is the cumulative work at the checkpoint; nil means the header's own work
	Work *big.Int
}

// GenesisCheckpoint returns the network genesis block as checkpoint.
func GenesisCheckpoint(params *chaincfg.Params) Checkpoint {
	return Checkpoint{
		Header: params.GenesisBlock.Header,
		Height: 0,
	}
}

// HeaderChain maintains every known header, indexed by hash, plus the best chain
// indexed by height. Headers are never removed.
type HeaderChain struct {
	powLimit      *big.Int
	maxReorgDepth uint32

	// headers stores all known headers indexed by their hash
	headers map[chainhash.Hash]*StoredHeader
	// bestChain[i] is the hash of the best-chain header at initial.Height+i
	bestChain []chainhash.Hash

	initial *StoredHeader
	best    *StoredHeader

	log *logger.Logger
}

// NewHeaderChain creates a header chain rooted at the checkpoint.
func NewHeaderChain(params *chaincfg.Params, checkpoint Checkpoint, maxReorgDepth uint32, log *logger.Logger) *HeaderChain {
	if log == nil {
		log = logger.Nop()
	}
	work := checkpoint.Work
	if work == nil {
		work = blockchain.CalcWork(checkpoint.Header.Bits)
	}
	root := &StoredHeader{
		Header: checkpoint.Header,
		Hash:   checkpoint.Header.BlockHash(),
		Height: checkpoint.Height,
		Work:   new(big.Int).Set(work),
	}

	hc := &HeaderChain{
		powLimit:      params.PowLimit,
		maxReorgDepth: maxReorgDepth,
		log:           log.Component("headers"),
	}
	hc.reset(root)
	return hc
}

func (hc *HeaderChain) reset(root *StoredHeader) {
	hc.headers = map[chainhash.Hash]*StoredHeader{root.Hash: root}
	hc.bestChain = []chainhash.Hash{root.Hash}
	hc.initial = root
	hc.best = root
}

// Submit validates and adds a batch of headers. Each header must satisfy its
// proof-of-work target and link to a known header or one earlier in the batch.
// The batch is applied atomically: any failure leaves the chain unchanged.
// Headers that are already known are skipped. Returns the number of new headers.
func (hc *HeaderChain) Submit(batch []*wire.BlockHeader) (int, error) {
	staged := make(map[chainhash.Hash]*StoredHeader, len(batch))
	order := make([]*StoredHeader, 0, len(batch))
	stagedBest := hc.best

	lookup := func(hash chainhash.Hash) (*StoredHeader, bool) {
		if sh, ok := staged[hash]; ok {
			return sh, true
		}
		sh, ok := hc.headers[hash]
		return sh, ok
	}

	for i, header := range batch {
		if header == nil {
			return 0, types.Errorf(types.CodeInvalidArgument, "header %d is nil", i)
		}
		hash := header.BlockHash()
		if _, known := lookup(hash); known {
			continue
		}

		if err := CheckProofOfWork(header, hc.powLimit); err != nil {
			return 0, err
		}

		parent, ok := lookup(header.PrevBlock)
		if !ok {
			return 0, types.Errorf(types.CodeOrphanHeader, "header %s at index %d has unknown parent %s", hash, i, header.PrevBlock)
		}

		if int64(parent.Height)+int64(hc.maxReorgDepth) < int64(stagedBest.Height) {
			return 0, types.Errorf(types.CodeReorgTooDeep, "header %s forks at height %d, more than %d below tip %d",
				hash, parent.Height, hc.maxReorgDepth, stagedBest.Height)
		}

		sh := &StoredHeader{
			Header: *header,
			Hash:   hash,
			Height: parent.Height + 1,
			Work:   new(big.Int).Add(parent.Work, blockchain.CalcWork(header.Bits)),
		}
		staged[hash] = sh
		order = append(order, sh)

		// ties keep the existing tip
		if sh.Work.Cmp(stagedBest.Work) > 0 {
			stagedBest = sh
		}
	}

	for _, sh := range order {
		hc.headers[sh.Hash] = sh
	}
	if stagedBest != hc.best {
		if err := hc.setBest(stagedBest); err != nil {
			return 0, err
		}
	}

	if len(order) > 0 {
		hc.log.Debug("headers submitted", "added", len(order), "best_height", hc.best.Height, "best_hash", hc.best.Hash.String())
	}
	return len(order), nil
}

// setBest moves the tip and rewrites the height index back to the fork point.
func (hc *HeaderChain) setBest(tip *StoredHeader) error {
	var path []chainhash.Hash
	current := tip
	for !hc.onBestChain(current) {
		path = append(path, current.Hash)
		parent, ok := hc.headers[current.Header.PrevBlock]
		if !ok {
			return types.Errorf(types.CodeInvariant, "header %s has no stored parent", current.Hash)
		}
		current = parent
	}

	forkIndex := int(current.Height - hc.initial.Height)
	if forkIndex+1 < len(hc.bestChain) {
		hc.log.Info("external chain reorganization",
			"fork_height", current.Height,
			"old_tip", hc.best.Hash.String(),
			"new_tip", tip.Hash.String(),
			"depth", len(hc.bestChain)-forkIndex-1)
	}
	hc.bestChain = hc.bestChain[:forkIndex+1]
	for i := len(path) - 1; i >= 0; i-- {
		hc.bestChain = append(hc.bestChain, path[i])
	}
	hc.best = tip
	return nil
}

func (hc *HeaderChain) onBestChain(sh *StoredHeader) bool {
	if sh.Height < hc.initial.Height {
		return false
	}
	idx := int(sh.Height - hc.initial.Height)
	return idx < len(hc.bestChain) && hc.bestChain[idx] == sh.Hash
}

// CheckProofOfWork verifies the header's target is within the network limit and
// that the header hash meets it.
func CheckProofOfWork(header *wire.BlockHeader, powLimit *big.Int) error {
	hash := header.BlockHash()
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return types.Errorf(types.CodeInvalidProofOfWork, "header %s has non-positive target", hash)
	}
	if target.Cmp(powLimit) > 0 {
		return types.Errorf(types.CodeInvalidProofOfWork, "header %s target %064x above limit", hash, target)
	}
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return types.Errorf(types.CodeInvalidProofOfWork, "header %s hash above target %064x", hash, target)
	}
	return nil
}

// BestHeight returns the height of the best tip.
func (hc *HeaderChain) BestHeight() uint32 {
	return hc.best.Height
}

// BestHeader returns a copy of the best tip.
func (hc *HeaderChain) BestHeader() *StoredHeader {
	return hc.best.copy()
}

// InitialHeight returns the height of the checkpoint the chain started from.
func (hc *HeaderChain) InitialHeight() uint32 {
	return hc.initial.Height
}

// HeaderByHash returns any known header by hash.
func (hc *HeaderChain) HeaderByHash(hash chainhash.Hash) (*StoredHeader, error) {
	sh, ok := hc.headers[hash]
	if !ok {
		return nil, types.Errorf(types.CodeHeaderNotFound, "header %s not found", hash)
	}
	return sh.copy(), nil
}

// HeaderByHeight returns the best-chain header at height.
func (hc *HeaderChain) HeaderByHeight(height uint32) (*StoredHeader, error) {
	if height < hc.initial.Height || height > hc.best.Height {
		return nil, types.Errorf(types.CodeHeaderNotFound, "height %d outside best chain [%d, %d]",
			height, hc.initial.Height, hc.best.Height)
	}
	return hc.headers[hc.bestChain[height-hc.initial.Height]].copy(), nil
}

// ParentOf returns the parent of a known header.
func (hc *HeaderChain) ParentOf(hash chainhash.Hash) (*StoredHeader, error) {
	sh, ok := hc.headers[hash]
	if !ok {
		return nil, types.Errorf(types.CodeHeaderNotFound, "header %s not found", hash)
	}
	parent, ok := hc.headers[sh.Header.PrevBlock]
	if !ok {
		return nil, types.Errorf(types.CodeHeaderNotFound, "parent of %s not stored", hash)
	}
	return parent.copy(), nil
}

// InBestChain reports whether hash is on the current best chain.
func (hc *HeaderChain) InBestChain(hash chainhash.Hash) bool {
	sh, ok := hc.headers[hash]
	return ok && hc.onBestChain(sh)
}

// Confirmations returns how many best-chain blocks, counting the containing block,
// sit on top of the block containing txHash.
func (hc *HeaderChain) Confirmations(txHash, blockHash chainhash.Hash, proof *MerkleProof) (uint32, error) {
	sh, ok := hc.headers[blockHash]
	if !ok || !hc.onBestChain(sh) {
		return 0, types.Errorf(types.CodeBlockNotInBestChain, "block %s is not in the best chain", blockHash)
	}
	if proof == nil {
		return 0, types.Errorf(types.CodeInvalidMerkleProof, "missing merkle proof")
	}
	if err := proof.Verify(txHash, sh.Header.MerkleRoot); err != nil {
		return 0, err
	}
	return hc.best.Height - sh.Height + 1, nil
}

// Len returns the number of stored headers.
func (hc *HeaderChain) Len() int {
	return len(hc.headers)
}

// String returns a string representation of the chain for debugging.
func (hc *HeaderChain) String() string {
	return fmt.Sprintf("HeaderChain{Headers: %d, Best: %d/%s}", len(hc.headers), hc.best.Height, hc.best.Hash)
}
