package pegout

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/federation"
)

// p2pkhOutputSize is the serialized size of an output with a standard 25-byte script.
const p2pkhOutputSize = 8 + 1 + 25

// pushSize is the size of a canonical data push of n bytes.
func pushSize(n int) int {
	switch {
	case n < 76:
		return 1 + n
	case n <= 255:
		return 2 + n
	default:
		return 3 + n
	}
}

// InputSize estimates the serialized size of an input spending u from fed's
// multisig with a threshold of maximum-length signatures.
func InputSize(fed *federation.Federation, u UTXO) int {
	// OP_0, threshold sigs of up to 72 DER bytes plus the hash type, redeem script push
	scriptSig := 1 + fed.Threshold()*pushSize(73) + pushSize(len(fed.RedeemScriptFor(u.Derivation)))
	return 32 + 4 + wire.VarIntSerializeSize(uint64(scriptSig)) + scriptSig + 4
}

// EstimateSize estimates the signed size of a transaction spending inputs with the
// given number of outputs.
func EstimateSize(fed *federation.Federation, inputs []UTXO, outputs int) int {
	size := 4 + wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(outputs)) + outputs*p2pkhOutputSize + 4
	for _, u := range inputs {
		size += InputSize(fed, u)
	}
	return size
}

// Fee returns the fee for a transaction of size bytes at feePerKb.
func Fee(feePerKb btcutil.Amount, size int) btcutil.Amount {
	return feePerKb * btcutil.Amount(size) / 1000
}

// selectInputs picks outputs largest first until their total covers target.
func selectInputs(utxos []UTXO, target btcutil.Amount) ([]UTXO, btcutil.Amount, bool) {
	var total btcutil.Amount
	for i, u := range utxos {
		total += u.Value
		if total >= target {
			return utxos[:i+1], total, true
		}
	}
	return nil, total, false
}

// releasePlan is a batch of requests with funding and per-output fee shares.
type releasePlan struct {
	requests []ReleaseRequest
	indices  []int
	inputs   []UTXO
	shares   []btcutil.Amount
	change   btcutil.Amount
	fee      btcutil.Amount
}

// planRelease tries to fund the candidate requests. The fee is taken from the
// release outputs, split evenly with the remainder charged to the first. It returns
// nil together with the index (into candidates) of a request that must stay queued
// when the batch cannot be built as is.
func (p *Processor) planRelease(fed *federation.Federation, utxos []UTXO, candidates []ReleaseRequest, feePerKb btcutil.Amount) (*releasePlan, int) {
	var sum btcutil.Amount
	for _, r := range candidates {
		sum += r.Amount
	}
	inputs, total, ok := selectInputs(utxos, sum)
	if !ok {
		// the largest request waits for more funds, the newest among equals
		largest := 0
		for i, r := range candidates {
			if r.Amount >= candidates[largest].Amount {
				largest = i
			}
		}
		return nil, largest
	}

	change := total - sum
	outputs := len(candidates)
	if change >= p.cfg.DustFloor {
		outputs++
	}
	fee := Fee(feePerKb, EstimateSize(fed, inputs, outputs))

	n := btcutil.Amount(len(candidates))
	shares := make([]btcutil.Amount, len(candidates))
	for i := range shares {
		shares[i] = fee / n
	}
	shares[0] += fee % n
	for i, r := range candidates {
		if r.Amount-shares[i] < p.cfg.DustFloor {
			return nil, i
		}
	}

	plan := &releasePlan{
		requests: candidates,
		inputs:   inputs,
		shares:   shares,
		fee:      fee,
	}
	if change >= p.cfg.DustFloor {
		plan.change = change
	} else {
		// dust change is left to the miners
		plan.fee += change
	}
	return plan, -1
}

// BuildReleases batches queued requests into transactions spending the active
// federation's outputs. Requests that cannot be funded, or whose fee share would
// leave a dust output, stay queued in order.
func (p *Processor) BuildReleases(st *State, active *federation.Federation, feePerKb btcutil.Amount, height uint64) []*ReleaseTx {
	var built []*ReleaseTx
	deferred := make(map[int]bool)

	for {
		var (
			candidates []ReleaseRequest
			indices    []int
		)
		for i, r := range st.Queue {
			if deferred[i] {
				continue
			}
			candidates = append(candidates, r)
			indices = append(indices, i)
			if len(candidates) == p.cfg.MaxReleaseOutputs {
				break
			}
		}
		if len(candidates) == 0 {
			break
		}

		utxos := st.sortedUTXOs(active.ID())
		plan, reject := p.planRelease(active, utxos, candidates, feePerKb)
		for plan == nil {
			deferred[indices[reject]] = true
			candidates = append(candidates[:reject:reject], candidates[reject+1:]...)
			indices = append(indices[:reject:reject], indices[reject+1:]...)
			if len(candidates) == 0 {
				break
			}
			plan, reject = p.planRelease(active, utxos, candidates, feePerKb)
		}
		if plan == nil {
			continue
		}
		plan.indices = indices

		rt := p.assembleRelease(active, plan, height)
		p.commitRelease(st, rt, plan.indices)
		built = append(built, rt)

		// queue positions shifted; recompute deferred indices
		deferred = shiftDeferred(deferred, plan.indices)

		p.log.Info("release transaction built",
			"tx", rt.UnsignedHash.String(),
			"inputs", len(plan.inputs),
			"releases", len(plan.requests),
			"fee", int64(plan.fee),
			"change", int64(plan.change))
	}

	if len(deferred) > 0 {
		p.log.Debug("release requests deferred", "count", len(deferred), "queued", len(st.Queue))
	}
	return built
}

func (p *Processor) assembleRelease(fed *federation.Federation, plan *releasePlan, height uint64) *ReleaseTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range plan.inputs {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for i, r := range plan.requests {
		tx.AddTxOut(wire.NewTxOut(int64(r.Amount-plan.shares[i]), r.Destination))
	}
	if plan.change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(plan.change), fed.PkScript()))
	}

	spent := make([]UTXO, len(plan.inputs))
	copy(spent, plan.inputs)
	requests := make([]ReleaseRequest, len(plan.requests))
	copy(requests, plan.requests)
	return newReleaseTx(KindRelease, tx, spent, requests, height)
}

// commitRelease removes the spent outputs and batched requests and records the
// transaction as waiting for signatures.
func (p *Processor) commitRelease(st *State, rt *ReleaseTx, queueIndices []int) {
	for _, u := range rt.Spent {
		delete(st.UTXOs, u.OutPoint)
	}
	if len(queueIndices) > 0 {
		remove := make(map[int]bool, len(queueIndices))
		for _, i := range queueIndices {
			remove[i] = true
		}
		kept := st.Queue[:0:0]
		for i, r := range st.Queue {
			if !remove[i] {
				kept = append(kept, r)
			}
		}
		st.Queue = kept
	}
	st.Waiting[rt.UnsignedHash] = rt
}

// shiftDeferred maps deferred queue positions to their positions after removed
// indices were taken out of the queue.
func shiftDeferred(deferred map[int]bool, removed []int) map[int]bool {
	out := make(map[int]bool, len(deferred))
	for i := range deferred {
		shift := 0
		for _, r := range removed {
			if r < i {
				shift++
			}
		}
		out[i-shift] = true
	}
	return out
}

// BuildMigration moves the retiring federation's unallocated outputs to the active
// federation in a single transaction owned by the retiring federation. Returns nil
// when there is nothing worth moving.
func (p *Processor) BuildMigration(st *State, retiring, active *federation.Federation, feePerKb btcutil.Amount, height uint64) *ReleaseTx {
	utxos := st.sortedUTXOs(retiring.ID())
	if len(utxos) > p.cfg.MaxMigrationInputs {
		utxos = utxos[:p.cfg.MaxMigrationInputs]
	}
	if len(utxos) == 0 {
		return nil
	}

	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}
	fee := Fee(feePerKb, EstimateSize(retiring, utxos, 1))
	if total-fee < p.cfg.DustFloor {
		p.log.Debug("retiring outputs too small to migrate", "value", int64(total), "fee", int64(fee))
		return nil
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range utxos {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(total-fee), active.PkScript()))

	spent := make([]UTXO, len(utxos))
	copy(spent, utxos)
	rt := newReleaseTx(KindMigration, tx, spent, nil, height)
	p.commitRelease(st, rt, nil)

	p.log.Info("migration transaction built",
		"tx", rt.UnsignedHash.String(),
		"from", retiring.Address().EncodeAddress(),
		"to", active.Address().EncodeAddress(),
		"inputs", len(utxos),
		"value", int64(total-fee))
	return rt
}
