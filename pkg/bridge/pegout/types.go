// Package pegout queues release requests, batches them into external-chain
// transactions spending federation outputs, and aggregates federation signatures
// until those transactions can be broadcast.
package pegout

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/types"
)

// ReleaseRequest is a queued obligation to pay Amount to the Destination script.
type ReleaseRequest struct {
	// Destination is the external-chain output script to pay
	Destination []byte
	Amount      btcutil.Amount
	// NativeTxHash is the native transaction that created the request
	NativeTxHash chainhash.Hash
}

// Address decodes the destination script for display.
func (r ReleaseRequest) Address(params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(r.Destination, params)
	if err != nil || len(addrs) != 1 {
		return fmt.Sprintf("script:%x", r.Destination)
	}
	return addrs[0].EncodeAddress()
}

// UTXO is a federation-controlled external-chain output.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	// Owner is the federation whose redeem script locks the output
	Owner types.FederationID
	// Derivation is non-zero for outputs paying a transaction-bound deposit address
	Derivation chainhash.Hash
}

func compareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}

// TxKind distinguishes release payouts from retiring-fund migrations.
type TxKind uint8

const (
	KindRelease TxKind = iota + 1
	KindMigration
)

// String returns the kind name.
func (k TxKind) String() string {
	switch k {
	case KindRelease:
		return "release"
	case KindMigration:
		return "migration"
	default:
		return "unknown"
	}
}

// SignerKey is a compressed secp256k1 public key.
type SignerKey [btcec.PubKeyBytesLenCompressed]byte

// ReleaseTx is a batched external-chain transaction together with the signatures
// collected for each input. Inputs and outputs never change after construction.
type ReleaseTx struct {
	Kind TxKind
	// Tx is unsigned while collecting signatures and carries the scriptSigs once final
	Tx *wire.MsgTx
	// UnsignedHash identifies the transaction while collecting signatures
	UnsignedHash chainhash.Hash
	// Spent holds the federation output consumed by each input, including its owner tag
	Spent []UTXO
	// Requests are the releases paid by this transaction, in output order
	Requests []ReleaseRequest
	// Signatures holds, per input, each signer's DER signature
	Signatures []map[SignerKey][]byte
	// CreatedAt is the native block height the transaction was built at
	CreatedAt uint64
}

func newReleaseTx(kind TxKind, tx *wire.MsgTx, spent []UTXO, requests []ReleaseRequest, height uint64) *ReleaseTx {
	sigs := make([]map[SignerKey][]byte, len(spent))
	for i := range sigs {
		sigs[i] = make(map[SignerKey][]byte)
	}
	return &ReleaseTx{
		Kind:         kind,
		Tx:           tx,
		UnsignedHash: tx.TxHash(),
		Spent:        spent,
		Requests:     requests,
		Signatures:   sigs,
		CreatedAt:    height,
	}
}

// Owner returns the federation owning every input. Transactions never mix owners.
func (rt *ReleaseTx) Owner() types.FederationID {
	if len(rt.Spent) == 0 {
		return types.FederationID{}
	}
	return rt.Spent[0].Owner
}

// OwnedBy reports whether any input belongs to id.
func (rt *ReleaseTx) OwnedBy(id types.FederationID) bool {
	for _, u := range rt.Spent {
		if u.Owner == id {
			return true
		}
	}
	return false
}

// SignatureCount returns the number of signatures collected for input i.
func (rt *ReleaseTx) SignatureCount(i int) int {
	return len(rt.Signatures[i])
}

// InputValue returns the sum of the spent outputs.
func (rt *ReleaseTx) InputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, u := range rt.Spent {
		total += u.Value
	}
	return total
}

// State is the peg-out part of the bridge state.
type State struct {
	// Queue holds release requests not yet assigned to a transaction, oldest first
	Queue []ReleaseRequest
	// UTXOs are unallocated federation outputs
	UTXOs map[wire.OutPoint]UTXO
	// Waiting are transactions collecting signatures, by unsigned hash
	Waiting map[chainhash.Hash]*ReleaseTx
	// Finalized are fully signed transactions awaiting observation, by signed hash
	Finalized map[chainhash.Hash]*ReleaseTx
	// Expired maps unsigned hashes dropped at a retiring federation's expiry to
	// their owner
	Expired map[chainhash.Hash]types.FederationID
	// Forfeited totals deposit refunds too small to pay out
	Forfeited btcutil.Amount
}

// NewState creates an empty peg-out state.
func NewState() *State {
	return &State{
		UTXOs:     make(map[wire.OutPoint]UTXO),
		Waiting:   make(map[chainhash.Hash]*ReleaseTx),
		Finalized: make(map[chainhash.Hash]*ReleaseTx),
		Expired:   make(map[chainhash.Hash]types.FederationID),
	}
}

// sortedUTXOs returns the outputs owned by owner, largest value first, ties by outpoint.
func (st *State) sortedUTXOs(owner types.FederationID) []UTXO {
	out := make([]UTXO, 0, len(st.UTXOs))
	for _, u := range st.UTXOs {
		if u.Owner == owner {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return compareOutPoints(out[i].OutPoint, out[j].OutPoint) < 0
	})
	return out
}

// Balance returns the total value of unallocated outputs owned by owner.
func (st *State) Balance(owner types.FederationID) btcutil.Amount {
	var total btcutil.Amount
	for _, u := range st.UTXOs {
		if u.Owner == owner {
			total += u.Value
		}
	}
	return total
}

// WaitingTxs returns the transactions collecting signatures ordered by unsigned hash.
func (st *State) WaitingTxs() []*ReleaseTx {
	return sortedTxs(st.Waiting)
}

// FinalizedTxs returns the transactions awaiting observation ordered by signed hash.
func (st *State) FinalizedTxs() []*ReleaseTx {
	return sortedTxs(st.Finalized)
}

func sortedTxs(m map[chainhash.Hash]*ReleaseTx) []*ReleaseTx {
	keys := make([]chainhash.Hash, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	out := make([]*ReleaseTx, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
