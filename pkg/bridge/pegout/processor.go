package pegout

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/types"
)

// Config holds peg-out limits.
type Config struct {
	Params *chaincfg.Params
	// DustFloor is the smallest output the external chain relays
	DustFloor btcutil.Amount
	// MaxReleaseOutputs caps the release outputs batched into one transaction
	MaxReleaseOutputs int
	// MaxMigrationInputs caps the retiring outputs moved by one migration transaction
	MaxMigrationInputs int
}

// Processor applies peg-out operations to a State.
type Processor struct {
	cfg Config
	log *logger.Logger
}

// NewProcessor creates a peg-out processor.
func NewProcessor(cfg Config, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxReleaseOutputs < 1 {
		cfg.MaxReleaseOutputs = 1
	}
	if cfg.MaxMigrationInputs < 1 {
		cfg.MaxMigrationInputs = 1
	}
	return &Processor{cfg: cfg, log: log.Component("pegout")}
}

// DustFloor returns the minimum release amount.
func (p *Processor) DustFloor() btcutil.Amount {
	return p.cfg.DustFloor
}

// DestinationScript validates an external-chain address for this network and
// returns the output script paying it.
func (p *Processor) DestinationScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, p.cfg.Params)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "invalid destination address", err)
	}
	if !addr.IsForNet(p.cfg.Params) {
		return nil, types.Errorf(types.CodeInvalidArgument, "address %s is not for %s", address, p.cfg.Params.Name)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "unsupported destination address", err)
	}
	return script, nil
}

// RequestRelease enqueues a release paid with native value the caller already
// locked. Amounts under the dust floor are rejected and the value is kept.
func (p *Processor) RequestRelease(st *State, destination []byte, amount btcutil.Amount, nativeTx chainhash.Hash) error {
	if amount < p.cfg.DustFloor {
		return types.Errorf(types.CodeBelowMinimum, "release of %d below dust floor %d", amount, p.cfg.DustFloor)
	}
	if len(destination) == 0 {
		return types.Errorf(types.CodeInvalidArgument, "empty destination")
	}
	p.enqueue(st, destination, amount, nativeTx)
	return nil
}

// EnqueueRefund queues a refund of deposit value the bridge could not accept.
// Refunds under the dust floor could never be paid out; they stay with the
// federation, are added to Forfeited and false is returned.
func (p *Processor) EnqueueRefund(st *State, destination []byte, amount btcutil.Amount, externalTx chainhash.Hash) bool {
	if amount < p.cfg.DustFloor {
		st.Forfeited += amount
		p.log.Warn("refund below dust floor forfeited",
			"amount", int64(amount),
			"source", externalTx.String(),
			"forfeited_total", int64(st.Forfeited))
		return false
	}
	p.enqueue(st, destination, amount, externalTx)
	p.log.Info("refund queued", "amount", int64(amount), "source", externalTx.String())
	return true
}

func (p *Processor) enqueue(st *State, destination []byte, amount btcutil.Amount, origin chainhash.Hash) {
	st.Queue = append(st.Queue, ReleaseRequest{
		Destination:  append([]byte(nil), destination...),
		Amount:       amount,
		NativeTxHash: origin,
	})
	p.log.Debug("release queued", "amount", int64(amount), "queue", len(st.Queue))
}

// AddUTXO records a federation output. derivation is the zero hash for outputs
// paying the plain federation address.
func (p *Processor) AddUTXO(st *State, op wire.OutPoint, value btcutil.Amount, owner types.FederationID, derivation chainhash.Hash) {
	st.UTXOs[op] = UTXO{OutPoint: op, Value: value, Owner: owner, Derivation: derivation}
}

// IsFinalized reports whether txHash is a signed transaction awaiting observation.
func (st *State) IsFinalized(txHash chainhash.Hash) bool {
	_, ok := st.Finalized[txHash]
	return ok
}

// Observe processes a confirmed external transaction that matches a finalized
// release. Outputs paying a known federation become spendable outputs and the
// finalized record is discarded. Returns false if tx is not a finalized release.
func (p *Processor) Observe(st *State, feds *federation.State, tx *wire.MsgTx) bool {
	hash := tx.TxHash()
	rt, ok := st.Finalized[hash]
	if !ok {
		return false
	}
	for i, out := range tx.TxOut {
		owner, ok := ownerOf(feds, out.PkScript)
		if !ok {
			continue
		}
		p.AddUTXO(st, *wire.NewOutPoint(&hash, uint32(i)), btcutil.Amount(out.Value), owner, chainhash.Hash{})
	}
	delete(st.Finalized, hash)
	p.log.Info("release observed", "kind", rt.Kind.String(), "tx", hash.String())
	return true
}

func ownerOf(feds *federation.State, pkScript []byte) (types.FederationID, bool) {
	if bytes.Equal(pkScript, feds.Active.PkScript()) {
		return feds.Active.ID(), true
	}
	if feds.Retiring != nil && bytes.Equal(pkScript, feds.Retiring.PkScript()) {
		return feds.Retiring.ID(), true
	}
	return types.FederationID{}, false
}

// RetiringBusy reports whether the retiring federation still has unresolved work:
// transactions collecting its signatures or outputs not yet migrated.
func (st *State) RetiringBusy(retiring *federation.Federation) bool {
	if retiring == nil {
		return false
	}
	id := retiring.ID()
	for _, rt := range st.Waiting {
		if rt.OwnedBy(id) {
			return true
		}
	}
	for _, u := range st.UTXOs {
		if u.Owner == id {
			return true
		}
	}
	return false
}

// MigrationInFlight reports whether a migration for id is collecting signatures.
func (st *State) MigrationInFlight(id types.FederationID) bool {
	for _, rt := range st.Waiting {
		if rt.Kind == KindMigration && rt.OwnedBy(id) {
			return true
		}
	}
	return false
}

// ExpireRetiring drops the work of a retiring federation that lost signing
// authority. Releases it had not finished signing go back to the head of the queue
// in their original order; its remaining outputs, including those the dropped
// transactions spent, can no longer be spent and are removed from the set. It
// returns the value left behind.
func (p *Processor) ExpireRetiring(st *State, retiring *federation.Federation) btcutil.Amount {
	id := retiring.ID()
	txs := st.WaitingTxs()
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].CreatedAt < txs[j].CreatedAt })

	var requeue []ReleaseRequest
	var stranded btcutil.Amount
	for _, rt := range txs {
		if !rt.OwnedBy(id) {
			continue
		}
		requeue = append(requeue, rt.Requests...)
		stranded += rt.InputValue()
		delete(st.Waiting, rt.UnsignedHash)
		st.Expired[rt.UnsignedHash] = id
		p.log.Warn("dropping unsigned transaction of expired federation",
			"tx", rt.UnsignedHash.String(),
			"kind", rt.Kind.String(),
			"inputs", len(rt.Spent),
			"value", int64(rt.InputValue()))
	}
	if len(requeue) > 0 {
		st.Queue = append(requeue, st.Queue...)
	}

	for op, u := range st.UTXOs {
		if u.Owner == id {
			stranded += u.Value
			delete(st.UTXOs, op)
		}
	}
	if stranded > 0 {
		p.log.Warn("expired federation left unmigrated outputs",
			"address", retiring.Address().EncodeAddress(),
			"value", int64(stranded))
	}
	return stranded
}
