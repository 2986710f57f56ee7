package engine

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegin"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/types"
)

// Read-only views of the bridge state. Every result is a copy.

// FeePerKb returns the active release fee rate.
func (b *Bridge) FeePerKb() btcutil.Amount {
	return b.state.Governance.FeePerKb
}

// LockingCap returns the active locking cap.
func (b *Bridge) LockingCap() btcutil.Amount {
	return b.state.Governance.LockingCap
}

// LockedTotal returns the external value currently represented on the native ledger.
func (b *Bridge) LockedTotal() btcutil.Amount {
	return b.state.PegIn.LockedTotal
}

// MinimumPeginValue returns the smallest accepted deposit.
func (b *Bridge) MinimumPeginValue() btcutil.Amount {
	return b.deposits.MinimumPeginValue()
}

// BestHeader returns the best external chain header.
func (b *Bridge) BestHeader() *headers.StoredHeader {
	return b.state.Headers.BestHeader()
}

// HeaderByHash returns a known external header.
func (b *Bridge) HeaderByHash(hash chainhash.Hash) (*headers.StoredHeader, error) {
	return b.state.Headers.HeaderByHash(hash)
}

// HeaderByHeight returns the best-chain external header at height.
func (b *Bridge) HeaderByHeight(height uint32) (*headers.StoredHeader, error) {
	return b.state.Headers.HeaderByHeight(height)
}

// ParentHeader returns the parent of a known external header.
func (b *Bridge) ParentHeader(hash chainhash.Hash) (*headers.StoredHeader, error) {
	return b.state.Headers.ParentOf(hash)
}

// Confirmations returns the confirmations of txHash in blockHash.
func (b *Bridge) Confirmations(txHash, blockHash chainhash.Hash, proof *headers.MerkleProof) (uint32, error) {
	return b.state.Headers.Confirmations(txHash, blockHash, proof)
}

// InitialHeight returns the height of the header checkpoint the bridge started from.
func (b *Bridge) InitialHeight() uint32 {
	return b.state.Headers.InitialHeight()
}

// Federation returns the active federation.
func (b *Bridge) Federation() *federation.Federation {
	return b.state.Federations.Active
}

// FederationAddress returns the active federation's P2SH address.
func (b *Bridge) FederationAddress() string {
	return b.state.Federations.Active.Address().EncodeAddress()
}

// FederationSize returns the number of active federators.
func (b *Bridge) FederationSize() int {
	return b.state.Federations.Active.Size()
}

// FederationThreshold returns the signatures an active federation input needs.
func (b *Bridge) FederationThreshold() int {
	return b.state.Federations.Active.Threshold()
}

// FederatorPublicKey returns the compressed key of the active federator at index.
func (b *Bridge) FederatorPublicKey(index int) ([]byte, error) {
	pub, err := b.state.Federations.Active.MemberKey(index)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "invalid federator index", err)
	}
	return pub.SerializeCompressed(), nil
}

// FederationCreationTime returns the active federation's creation timestamp.
func (b *Bridge) FederationCreationTime() int64 {
	return b.state.Federations.Active.CreationTime()
}

// FederationCreationBlockNumber returns the native block that committed the
// active federation.
func (b *Bridge) FederationCreationBlockNumber() uint64 {
	return b.state.Federations.Active.CreationBlockNumber()
}

// RetiringFederationAddress returns the retiring federation's address, if any.
func (b *Bridge) RetiringFederationAddress() (string, bool) {
	if b.state.Federations.Retiring == nil {
		return "", false
	}
	return b.state.Federations.Retiring.Address().EncodeAddress(), true
}

// RetiringFederationSize returns the size of the retiring federation, or -1.
func (b *Bridge) RetiringFederationSize() int {
	if b.state.Federations.Retiring == nil {
		return -1
	}
	return b.state.Federations.Retiring.Size()
}

// RetiringFederationExpiry returns the native height the retiring federation
// stops signing at, or 0.
func (b *Bridge) RetiringFederationExpiry() uint64 {
	return b.state.Federations.RetiringExpiry
}

// FederationPhase returns the progress of the current federation change.
func (b *Bridge) FederationPhase() federation.Phase {
	return b.state.Federations.Phase()
}

// PendingFederationHash returns the hash commit votes must reference.
func (b *Bridge) PendingFederationHash() (chainhash.Hash, error) {
	if b.state.Federations.Pending == nil {
		return chainhash.Hash{}, types.ErrNoPendingFederation
	}
	return b.state.Federations.Pending.Hash(), nil
}

// PendingFederationSize returns the size of the pending federation, or -1.
func (b *Bridge) PendingFederationSize() int {
	if b.state.Federations.Pending == nil {
		return -1
	}
	return b.state.Federations.Pending.Size()
}

// PendingFederatorPublicKey returns the compressed key of the pending member at index.
func (b *Bridge) PendingFederatorPublicKey(index int) ([]byte, error) {
	if b.state.Federations.Pending == nil {
		return nil, types.ErrNoPendingFederation
	}
	pub, err := b.state.Federations.Pending.MemberKey(index)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "invalid pending federator index", err)
	}
	return pub.SerializeCompressed(), nil
}

// IsDepositProcessed reports whether the deposit was already credited. flyover is
// nil for standard deposits.
func (b *Bridge) IsDepositProcessed(txHash chainhash.Hash, flyover *pegin.FlyoverData) bool {
	return b.state.PegIn.IsProcessed(pegin.DepositID(txHash, flyover))
}

// ReleaseQueueSize returns the number of release requests not yet batched.
func (b *Bridge) ReleaseQueueSize() int {
	return len(b.state.PegOut.Queue)
}

// FederationBalance returns the value of the outputs the bridge tracks for the
// active federation.
func (b *Bridge) FederationBalance() btcutil.Amount {
	return b.state.PegOut.Balance(b.state.Federations.Active.ID())
}

// PendingSignature describes a transaction federators still have to sign.
type PendingSignature struct {
	Kind         pegout.TxKind
	UnsignedHash chainhash.Hash
	Tx           *wire.MsgTx
	// SigHashes holds the SIGHASH_ALL digest each input signature must cover
	SigHashes [][]byte
	// Signatures counts the signatures collected per input
	Signatures []int
	Threshold  int
	// Owner is the address of the federation whose members must sign
	Owner string
}

// StateForReleaseClient lists the transactions awaiting signatures, ordered by
// unsigned hash, with the digests federators must sign.
func (b *Bridge) StateForReleaseClient() ([]PendingSignature, error) {
	feds := b.state.Federations
	var out []PendingSignature
	for _, rt := range b.state.PegOut.WaitingTxs() {
		owner := feds.Active
		if id := rt.Owner(); owner.ID() != id {
			if feds.Retiring == nil || feds.Retiring.ID() != id {
				return nil, types.Errorf(types.CodeInvariant, "transaction %s owned by unknown federation %s", rt.UnsignedHash, id)
			}
			owner = feds.Retiring
		}

		ps := PendingSignature{
			Kind:         rt.Kind,
			UnsignedHash: rt.UnsignedHash,
			Tx:           rt.Tx.Copy(),
			SigHashes:    make([][]byte, len(rt.Spent)),
			Signatures:   make([]int, len(rt.Spent)),
			Threshold:    owner.Threshold(),
			Owner:        owner.Address().EncodeAddress(),
		}
		for i := range rt.Spent {
			digest, err := pegout.SigHash(rt, owner, i)
			if err != nil {
				return nil, types.NewBridgeErrorWithCause(types.CodeInvariant, "failed to compute signature hash", err)
			}
			ps.SigHashes[i] = digest
			ps.Signatures[i] = rt.SignatureCount(i)
		}
		out = append(out, ps)
	}
	return out, nil
}

// FinalizedTransactions returns the signed transactions not yet observed on the
// external chain, ordered by hash.
func (b *Bridge) FinalizedTransactions() []*wire.MsgTx {
	txs := b.state.PegOut.FinalizedTxs()
	out := make([]*wire.MsgTx, len(txs))
	for i, rt := range txs {
		out[i] = rt.Tx.Copy()
	}
	return out
}
