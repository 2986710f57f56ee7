// Package pegin credits confirmed external-chain deposits to the native ledger.
package pegin

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/types"
)

// Config holds peg-in limits.
type Config struct {
	Params           *chaincfg.Params
	MinConfirmations uint32
	// MinimumPeginValue is the smallest total a deposit may pay the federation
	MinimumPeginValue btcutil.Amount
}

// State is the peg-in part of the bridge state.
type State struct {
	// Processed holds the ids of every credited deposit and observed release
	Processed map[chainhash.Hash]struct{}
	// LockedTotal is the external value currently represented on the native ledger
	LockedTotal btcutil.Amount
}

// NewState returns an empty peg-in state.
func NewState() *State {
	return &State{Processed: make(map[chainhash.Hash]struct{})}
}

// IsProcessed reports whether the deposit id was already handled.
func (st *State) IsProcessed(id chainhash.Hash) bool {
	_, ok := st.Processed[id]
	return ok
}

// Unlock reduces the locked total by amount released back to the external chain.
func (st *State) Unlock(amount btcutil.Amount) {
	st.LockedTotal -= amount
	if st.LockedTotal < 0 {
		st.LockedTotal = 0
	}
}

func (st *State) sortedProcessed() []chainhash.Hash {
	ids := make([]chainhash.Hash, 0, len(st.Processed))
	for id := range st.Processed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Env is the slice of bridge state a deposit touches besides the peg-in state.
type Env struct {
	Chain      *headers.HeaderChain
	Feds       *federation.State
	Releases   *pegout.State
	LockingCap btcutil.Amount
	Ledger     types.NativeLedger
	Height     uint64
}

// Deposit is a transaction submitted for crediting with its inclusion proof.
type Deposit struct {
	Tx        *wire.MsgTx
	BlockHash chainhash.Hash
	Proof     *headers.MerkleProof
	// Flyover is set for deposits paying a transaction-bound address
	Flyover *FlyoverData
}

// Result describes what a registered deposit did.
type Result struct {
	ID chainhash.Hash
	// Observed is set when the transaction was a finalized release rather than a deposit
	Observed      bool
	Recipient     types.Address
	Value         btcutil.Amount
	Credited      btcutil.Amount
	// Refunded is the value left uncredited. Amounts under the dust floor are
	// forfeited instead of queued.
	Refunded      btcutil.Amount
	Confirmations uint32
}

// Processor applies deposits to the bridge state.
type Processor struct {
	cfg      Config
	releases *pegout.Processor
	log      *logger.Logger
}

// NewProcessor creates a peg-in processor. Refunds and federation outputs are
// handed to releases.
func NewProcessor(cfg Config, releases *pegout.Processor, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{cfg: cfg, releases: releases, log: log.Component("pegin")}
}

// MinimumPeginValue returns the smallest accepted deposit.
func (p *Processor) MinimumPeginValue() btcutil.Amount {
	return p.cfg.MinimumPeginValue
}

// MinConfirmations returns the confirmation depth a deposit needs.
func (p *Processor) MinConfirmations() uint32 {
	return p.cfg.MinConfirmations
}

// depositOutput is a transaction output paying a federation.
type depositOutput struct {
	index      uint32
	value      btcutil.Amount
	owner      types.FederationID
	derivation chainhash.Hash
}

// Register processes a deposit. Everything is validated before the ledger is
// credited; a failed credit leaves the bridge state untouched. Value above the
// locking cap is queued for refund instead of credited.
func (p *Processor) Register(st *State, env Env, d Deposit) (*Result, error) {
	if d.Tx == nil {
		return nil, types.Errorf(types.CodeInvalidArgument, "missing transaction")
	}
	if d.Flyover != nil {
		if err := d.Flyover.validate(); err != nil {
			return nil, err
		}
	}

	txHash := d.Tx.TxHash()
	confs, err := env.Chain.Confirmations(txHash, d.BlockHash, d.Proof)
	if err != nil {
		return nil, err
	}
	if confs < p.cfg.MinConfirmations {
		return nil, types.Errorf(types.CodeInsufficientConfirmations,
			"transaction %s has %d of %d confirmations", txHash, confs, p.cfg.MinConfirmations)
	}

	if d.Flyover == nil && env.Releases.IsFinalized(txHash) {
		if st.IsProcessed(txHash) {
			return nil, types.Errorf(types.CodeInvariant, "finalized release %s already processed", txHash)
		}
		p.releases.Observe(env.Releases, env.Feds, d.Tx)
		st.Processed[txHash] = struct{}{}
		return &Result{ID: txHash, Observed: true, Confirmations: confs}, nil
	}

	id := DepositID(txHash, d.Flyover)
	if st.IsProcessed(id) {
		return nil, types.Errorf(types.CodeAlreadyProcessed, "deposit %s already processed", id)
	}

	outputs := p.matchOutputs(env, d)
	var total btcutil.Amount
	for _, out := range outputs {
		total += out.value
	}
	if len(outputs) == 0 || total == 0 {
		return nil, types.Errorf(types.CodeNotADeposit, "transaction %s pays no federation address", txHash)
	}
	if total < p.cfg.MinimumPeginValue {
		return nil, types.Errorf(types.CodeBelowMinimum, "deposit of %d below minimum %d", total, p.cfg.MinimumPeginValue)
	}

	recipient, refundScript, err := p.parties(d)
	if err != nil {
		return nil, err
	}

	available := env.LockingCap - st.LockedTotal
	if available < 0 {
		available = 0
	}
	credit := total
	if credit > available {
		credit = available
	}
	refund := total - credit

	if credit > 0 {
		if err := env.Ledger.Credit(recipient, credit); err != nil {
			return nil, fmt.Errorf("failed to credit %s with %d: %w", recipient, credit, err)
		}
	}
	st.Processed[id] = struct{}{}
	st.LockedTotal += credit
	if refund > 0 {
		queued := p.releases.EnqueueRefund(env.Releases, refundScript, refund, txHash)
		p.log.Warn("deposit exceeds locking cap",
			"tx", txHash.String(),
			"value", int64(total),
			"refund", int64(refund),
			"refund_queued", queued,
			"cap", int64(env.LockingCap))
	}
	for _, out := range outputs {
		p.releases.AddUTXO(env.Releases, *wire.NewOutPoint(&txHash, out.index), out.value, out.owner, out.derivation)
	}

	p.log.Info("deposit registered",
		"tx", txHash.String(),
		"flyover", d.Flyover != nil,
		"recipient", recipient.Hex(),
		"credited", int64(credit),
		"confirmations", confs)

	return &Result{
		ID:            id,
		Recipient:     recipient,
		Value:         total,
		Credited:      credit,
		Refunded:      refund,
		Confirmations: confs,
	}, nil
}

// matchOutputs collects the outputs paying the active federation, or the retiring
// one while it still signs. Flyover deposits match only the transaction-bound
// addresses of their derivation hash.
func (p *Processor) matchOutputs(env Env, d Deposit) []depositOutput {
	type target struct {
		script     []byte
		owner      types.FederationID
		derivation chainhash.Hash
	}
	feds := []*federation.Federation{env.Feds.Active}
	if env.Feds.RetiringActive(env.Height) {
		feds = append(feds, env.Feds.Retiring)
	}

	var targets []target
	for _, fed := range feds {
		if d.Flyover != nil {
			derivation := d.Flyover.DerivationHash()
			targets = append(targets, target{fed.FlyoverPkScript(derivation), fed.ID(), derivation})
		} else {
			targets = append(targets, target{script: fed.PkScript(), owner: fed.ID()})
		}
	}

	var outputs []depositOutput
	for i, out := range d.Tx.TxOut {
		for _, t := range targets {
			if out.Value > 0 && bytes.Equal(out.PkScript, t.script) {
				outputs = append(outputs, depositOutput{
					index:      uint32(i),
					value:      btcutil.Amount(out.Value),
					owner:      t.owner,
					derivation: t.derivation,
				})
				break
			}
		}
	}
	return outputs
}

// parties returns who is credited and where refunds go.
func (p *Processor) parties(d Deposit) (types.Address, []byte, error) {
	if d.Flyover != nil {
		return d.Flyover.Receiver, d.Flyover.RefundScript, nil
	}
	sender, err := SenderKey(d.Tx)
	if err != nil {
		return types.Address{}, nil, err
	}
	refund, err := RefundScript(sender.raw, p.cfg.Params)
	if err != nil {
		return types.Address{}, nil, err
	}
	return types.AddressFromPubKey(sender.key), refund, nil
}
