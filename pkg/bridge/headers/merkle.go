package headers

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/types"
)

// MaxMerkleDepth bounds the branch length accepted in a proof.
const MaxMerkleDepth = 32

// MerkleProof is an SPV merkle branch proving a transaction's inclusion in a block.
// Bit i of Index tells whether the running hash is the right (1) or left (0)
// child at depth i.
type MerkleProof struct {
	Index  uint32
	Branch []chainhash.Hash
}

// Root folds the branch over txHash and returns the implied merkle root.
func (p *MerkleProof) Root(txHash chainhash.Hash) (chainhash.Hash, error) {
	if len(p.Branch) > MaxMerkleDepth {
		return chainhash.Hash{}, fmt.Errorf("merkle branch too long: %d", len(p.Branch))
	}
	if len(p.Branch) < 32 && p.Index>>uint(len(p.Branch)) != 0 {
		return chainhash.Hash{}, fmt.Errorf("merkle index %d out of range for depth %d", p.Index, len(p.Branch))
	}

	current := txHash
	var buf [chainhash.HashSize * 2]byte
	for depth, sibling := range p.Branch {
		if (p.Index>>uint(depth))&1 == 1 {
			copy(buf[:chainhash.HashSize], sibling[:])
			copy(buf[chainhash.HashSize:], current[:])
		} else {
			copy(buf[:chainhash.HashSize], current[:])
			copy(buf[chainhash.HashSize:], sibling[:])
		}
		current = chainhash.DoubleHashH(buf[:])
	}
	return current, nil
}

// Verify checks that the proof links txHash to merkleRoot.
func (p *MerkleProof) Verify(txHash, merkleRoot chainhash.Hash) error {
	root, err := p.Root(txHash)
	if err != nil {
		return types.NewBridgeErrorWithCause(types.CodeInvalidMerkleProof, "malformed merkle proof", err)
	}
	if root != merkleRoot {
		return types.Errorf(types.CodeInvalidMerkleProof, "merkle root mismatch: proof gives %s, header has %s", root, merkleRoot)
	}
	return nil
}

// BuildMerkleProof computes the merkle root of txHashes together with the branch for
// the transaction at index, using the external chain's rule of duplicating the last
// hash on odd-sized levels.
func BuildMerkleProof(txHashes []chainhash.Hash, index int) (*MerkleProof, chainhash.Hash, error) {
	if len(txHashes) == 0 {
		return nil, chainhash.Hash{}, fmt.Errorf("no transactions")
	}
	if index < 0 || index >= len(txHashes) {
		return nil, chainhash.Hash{}, fmt.Errorf("index %d out of range", index)
	}

	proof := &MerkleProof{Index: uint32(index)}
	level := make([]chainhash.Hash, len(txHashes))
	copy(level, txHashes)
	pos := index

	var buf [chainhash.HashSize * 2]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		proof.Branch = append(proof.Branch, level[pos^1])

		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			copy(buf[:chainhash.HashSize], level[2*i][:])
			copy(buf[chainhash.HashSize:], level[2*i+1][:])
			next[i] = chainhash.DoubleHashH(buf[:])
		}
		level = next
		pos /= 2
	}
	return proof, level[0], nil
}

// MarshalMsg implements msgp.Marshaler
func (p *MerkleProof) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendUint32(o, p.Index)
	o = msgp.AppendArrayHeader(o, uint32(len(p.Branch)))
	for _, h := range p.Branch {
		o = types.AppendHash(o, h)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (p *MerkleProof) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 2)
	if err != nil {
		return bts, err
	}
	if p.Index, bts, err = msgp.ReadUint32Bytes(bts); err != nil {
		return bts, err
	}
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if n > MaxMerkleDepth {
		return bts, fmt.Errorf("merkle branch too long: %d", n)
	}
	p.Branch = make([]chainhash.Hash, n)
	for i := range p.Branch {
		if p.Branch[i], bts, err = types.ReadHash(bts); err != nil {
			return bts, err
		}
	}
	return bts, nil
}
