package headers

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/types"
)

// MarshalMsg implements msgp.Marshaler. Headers are written in (height, hash) order
// followed by the initial and best hashes.
func (hc *HeaderChain) MarshalMsg(b []byte) ([]byte, error) {
	all := make([]*StoredHeader, 0, len(hc.headers))
	for _, sh := range hc.headers {
		all = append(all, sh)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Height != all[j].Height {
			return all[i].Height < all[j].Height
		}
		return bytes.Compare(all[i].Hash[:], all[j].Hash[:]) < 0
	})

	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendArrayHeader(o, uint32(len(all)))
	var err error
	for _, sh := range all {
		o = msgp.AppendArrayHeader(o, 3)
		if o, err = types.AppendHeader(o, &sh.Header); err != nil {
			return b, err
		}
		o = msgp.AppendUint32(o, sh.Height)
		o = msgp.AppendBytes(o, sh.Work.Bytes())
	}
	o = types.AppendHash(o, hc.initial.Hash)
	o = types.AppendHash(o, hc.best.Hash)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. The pow limit and reorg depth of the
// receiver are kept; stored content is replaced.
func (hc *HeaderChain) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 3)
	if err != nil {
		return bts, err
	}
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}

	headers := make(map[chainhash.Hash]*StoredHeader, n)
	for i := uint32(0); i < n; i++ {
		if bts, err = types.ReadArray(bts, 3); err != nil {
			return bts, err
		}
		sh := &StoredHeader{}
		header, rest, err := types.ReadHeader(bts)
		if err != nil {
			return bts, err
		}
		sh.Header = *header
		sh.Hash = header.BlockHash()
		if sh.Height, rest, err = msgp.ReadUint32Bytes(rest); err != nil {
			return bts, err
		}
		var work []byte
		if work, rest, err = msgp.ReadBytesZC(rest); err != nil {
			return bts, err
		}
		sh.Work = new(big.Int).SetBytes(work)
		headers[sh.Hash] = sh
		bts = rest
	}

	initialHash, bts, err := types.ReadHash(bts)
	if err != nil {
		return bts, err
	}
	bestHash, bts, err := types.ReadHash(bts)
	if err != nil {
		return bts, err
	}

	initial, ok := headers[initialHash]
	if !ok {
		return bts, fmt.Errorf("initial header %s missing from encoding", initialHash)
	}
	best, ok := headers[bestHash]
	if !ok {
		return bts, fmt.Errorf("best header %s missing from encoding", bestHash)
	}

	// rebuild the height index by walking back from the tip
	if best.Height < initial.Height {
		return bts, fmt.Errorf("best height %d below initial height %d", best.Height, initial.Height)
	}
	chain := make([]chainhash.Hash, best.Height-initial.Height+1)
	current := best
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i] = current.Hash
		if i == 0 {
			break
		}
		parent, ok := headers[current.Header.PrevBlock]
		if !ok {
			return bts, fmt.Errorf("best chain broken at %s", current.Hash)
		}
		current = parent
	}
	if chain[0] != initialHash {
		return bts, fmt.Errorf("best chain does not reach initial header")
	}

	hc.headers = headers
	hc.bestChain = chain
	hc.initial = initial
	hc.best = best
	return bts, nil
}
