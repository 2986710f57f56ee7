// Package federation holds the federations that custody bridged funds and the
// vote-driven protocol that replaces one federation with the next.
package federation

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"btc-bridge/pkg/bridge/types"
)

// MaxMembers is the largest federation whose multisig redeem script still fits the
// external chain's P2SH push limit with compressed keys.
const MaxMembers = 15

// Federation is an immutable quorum of members controlling a P2SH multisig address.
type Federation struct {
	members             []*btcec.PublicKey
	creationTime        int64
	creationBlockNumber uint64

	params       *chaincfg.Params
	redeemScript []byte
	address      *btcutil.AddressScriptHash
	pkScript     []byte
	id           types.FederationID
}

// NewFederation creates a federation. Members are sorted by their compressed
// encoding, which is also the order of keys in the redeem script.
func NewFederation(members []*btcec.PublicKey, creationTime int64, creationBlockNumber uint64, params *chaincfg.Params) (*Federation, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("federation must have at least one member")
	}
	if len(members) > MaxMembers {
		return nil, fmt.Errorf("federation cannot exceed %d members, got %d", MaxMembers, len(members))
	}

	sorted := SortKeys(members)
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].SerializeCompressed(), sorted[i].SerializeCompressed()) {
			return nil, fmt.Errorf("duplicate federation member %x", sorted[i].SerializeCompressed())
		}
	}

	addrKeys := make([]*btcutil.AddressPubKey, len(sorted))
	for i, pub := range sorted {
		addrKey, err := btcutil.NewAddressPubKey(pub.SerializeCompressed(), params)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		addrKeys[i] = addrKey
	}

	redeemScript, err := txscript.MultiSigScript(addrKeys, Threshold(len(sorted)))
	if err != nil {
		return nil, fmt.Errorf("failed to build redeem script: %w", err)
	}
	address, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive federation address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, fmt.Errorf("failed to build federation output script: %w", err)
	}

	f := &Federation{
		members:             sorted,
		creationTime:        creationTime,
		creationBlockNumber: creationBlockNumber,
		params:              params,
		redeemScript:        redeemScript,
		address:             address,
		pkScript:            pkScript,
	}
	copy(f.id[:], address.ScriptAddress())
	return f, nil
}

// Threshold returns the quorum for a federation of the given size: strictly more
// than half of the members.
func Threshold(size int) int {
	return size/2 + 1
}

// SortKeys returns a copy of keys ordered by compressed encoding.
func SortKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].SerializeCompressed(), sorted[j].SerializeCompressed()) < 0
	})
	return sorted
}

// ID returns the federation identifier (hash160 of the redeem script).
func (f *Federation) ID() types.FederationID {
	return f.id
}

// Size returns the number of members.
func (f *Federation) Size() int {
	return len(f.members)
}

// Threshold returns the number of member signatures required to spend.
func (f *Federation) Threshold() int {
	return Threshold(len(f.members))
}

// Members returns a copy of the member keys in redeem-script order.
func (f *Federation) Members() []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(f.members))
	copy(out, f.members)
	return out
}

// MemberKey returns the member at index in redeem-script order.
func (f *Federation) MemberKey(index int) (*btcec.PublicKey, error) {
	if index < 0 || index >= len(f.members) {
		return nil, fmt.Errorf("member index %d out of range [0, %d)", index, len(f.members))
	}
	return f.members[index], nil
}

// MemberIndex returns the position of pub in redeem-script order, or -1.
func (f *Federation) MemberIndex(pub *btcec.PublicKey) int {
	if pub == nil {
		return -1
	}
	target := pub.SerializeCompressed()
	for i, m := range f.members {
		if bytes.Equal(m.SerializeCompressed(), target) {
			return i
		}
	}
	return -1
}

// IsMember reports whether pub belongs to the federation.
func (f *Federation) IsMember(pub *btcec.PublicKey) bool {
	return f.MemberIndex(pub) >= 0
}

// Address returns the federation's P2SH address.
func (f *Federation) Address() *btcutil.AddressScriptHash {
	return f.address
}

// PkScript returns the output script paying to the federation.
func (f *Federation) PkScript() []byte {
	return f.pkScript
}

// RedeemScript returns the multisig redeem script.
func (f *Federation) RedeemScript() []byte {
	return f.redeemScript
}

// CreationTime returns the unix timestamp of the block that created the federation.
func (f *Federation) CreationTime() int64 {
	return f.creationTime
}

// CreationBlockNumber returns the native block number that created the federation.
func (f *Federation) CreationBlockNumber() uint64 {
	return f.creationBlockNumber
}

// FlyoverRedeemScript returns the redeem script of the transaction-bound deposit
// address for derivation: the hash is pushed and dropped before the multisig.
func (f *Federation) FlyoverRedeemScript(derivation chainhash.Hash) []byte {
	prefix, err := txscript.NewScriptBuilder().AddData(derivation[:]).AddOp(txscript.OP_DROP).Script()
	if err != nil {
		// a 32-byte push and one opcode cannot exceed script limits
		panic(err)
	}
	return append(prefix, f.redeemScript...)
}

// FlyoverAddress returns the P2SH address bound to derivation.
func (f *Federation) FlyoverAddress(derivation chainhash.Hash) (*btcutil.AddressScriptHash, error) {
	return btcutil.NewAddressScriptHash(f.FlyoverRedeemScript(derivation), f.params)
}

// FlyoverPkScript returns the output script paying the address bound to derivation.
func (f *Federation) FlyoverPkScript(derivation chainhash.Hash) []byte {
	addr, err := f.FlyoverAddress(derivation)
	if err != nil {
		panic(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		panic(err)
	}
	return script
}

// RedeemScriptFor returns the script an output locked with derivation is spent
// with. The zero hash selects the plain federation address.
func (f *Federation) RedeemScriptFor(derivation chainhash.Hash) []byte {
	if derivation == (chainhash.Hash{}) {
		return f.redeemScript
	}
	return f.FlyoverRedeemScript(derivation)
}

// SameMembers reports whether both federations have identical member sets.
func (f *Federation) SameMembers(other *Federation) bool {
	if other == nil || len(f.members) != len(other.members) {
		return false
	}
	for i := range f.members {
		if !bytes.Equal(f.members[i].SerializeCompressed(), other.members[i].SerializeCompressed()) {
			return false
		}
	}
	return true
}

// String returns a string representation of the federation for debugging.
func (f *Federation) String() string {
	return fmt.Sprintf("Federation{Address: %s, Size: %d, Threshold: %d}",
		f.address.EncodeAddress(), f.Size(), f.Threshold())
}
