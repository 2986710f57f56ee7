package federation

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PendingFederation is a federation under construction. Its member set is mutable
// until a commit vote turns it into a Federation.
type PendingFederation struct {
	members []*btcec.PublicKey
}

// NewPendingFederation creates an empty pending federation.
func NewPendingFederation() *PendingFederation {
	return &PendingFederation{}
}

// Size returns the number of members proposed so far.
func (p *PendingFederation) Size() int {
	return len(p.members)
}

// Members returns a copy of the proposed members in insertion order.
func (p *PendingFederation) Members() []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(p.members))
	copy(out, p.members)
	return out
}

// MemberKey returns the proposed member at index in insertion order.
func (p *PendingFederation) MemberKey(index int) (*btcec.PublicKey, error) {
	if index < 0 || index >= len(p.members) {
		return nil, fmt.Errorf("pending member index %d out of range [0, %d)", index, len(p.members))
	}
	return p.members[index], nil
}

// Contains reports whether pub is already proposed.
func (p *PendingFederation) Contains(pub *btcec.PublicKey) bool {
	target := pub.SerializeCompressed()
	for _, m := range p.members {
		if bytes.Equal(m.SerializeCompressed(), target) {
			return true
		}
	}
	return false
}

func (p *PendingFederation) add(pub *btcec.PublicKey) {
	p.members = append(p.members, pub)
}

// Hash is the commitment voters reference when committing: the double SHA-256 of
// the member keys in redeem-script order. Insertion order does not affect it.
func (p *PendingFederation) Hash() chainhash.Hash {
	var buf bytes.Buffer
	for _, pub := range SortKeys(p.members) {
		buf.Write(pub.SerializeCompressed())
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

// Build turns the pending set into an immutable federation.
func (p *PendingFederation) Build(creationTime int64, creationBlockNumber uint64, params *chaincfg.Params) (*Federation, error) {
	return NewFederation(p.members, creationTime, creationBlockNumber, params)
}
