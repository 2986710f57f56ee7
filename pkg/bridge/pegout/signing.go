package pegout

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/types"
)

// SigHash returns the SIGHASH_ALL digest input i of rt must be signed over by
// members of owner.
func SigHash(rt *ReleaseTx, owner *federation.Federation, i int) ([]byte, error) {
	if i < 0 || i >= len(rt.Spent) {
		return nil, types.Errorf(types.CodeInvalidArgument, "input %d out of range", i)
	}
	script := owner.RedeemScriptFor(rt.Spent[i].Derivation)
	return txscript.CalcSignatureHash(script, txscript.SigHashAll, rt.Tx, i)
}

// SignatureResult reports the effect of AddSignature.
type SignatureResult struct {
	// Added is the number of inputs that received the signer's signature
	Added int
	// Final is the fully signed transaction when this call completed the threshold
	Final *wire.MsgTx
}

// AddSignature records signer's signatures for the waiting transaction txHash, one
// DER signature per input. All signatures are checked before any is stored. Once
// every input holds the owner federation's threshold of signatures the scriptSigs
// are assembled and the transaction moves to the finalized set.
func (p *Processor) AddSignature(st *State, feds *federation.State, signer *btcec.PublicKey, txHash chainhash.Hash, sigs [][]byte, height uint64) (*SignatureResult, error) {
	if signer == nil || !feds.IsSigner(signer, height) {
		return nil, types.Errorf(types.CodeUnknownSigner, "key is not a member of a signing federation")
	}

	if owner, ok := st.Expired[txHash]; ok {
		return nil, types.Errorf(types.CodeUnknownSigner, "federation %s owning %s has expired", owner, txHash)
	}

	rt, ok := st.Waiting[txHash]
	if !ok {
		for _, final := range st.Finalized {
			if final.UnsignedHash == txHash {
				return nil, types.Errorf(types.CodeAlreadySigned, "transaction %s already finalized", txHash)
			}
		}
		return nil, types.Errorf(types.CodeUnknownTransaction, "no transaction %s awaiting signatures", txHash)
	}

	owner, err := p.resolveOwner(rt, feds, height)
	if err != nil {
		return nil, err
	}
	if !owner.IsMember(signer) {
		return nil, types.Errorf(types.CodeUnknownSigner, "key is not a member of federation %s owning %s",
			owner.Address().EncodeAddress(), txHash)
	}

	if len(sigs) != len(rt.Tx.TxIn) {
		return nil, types.Errorf(types.CodeInvalidSignature, "expected %d signatures, got %d", len(rt.Tx.TxIn), len(sigs))
	}
	for i, raw := range sigs {
		if err := verifyInput(rt, owner, i, signer, raw); err != nil {
			return nil, err
		}
	}

	var key SignerKey
	copy(key[:], signer.SerializeCompressed())

	signedAll := true
	for i := range rt.Signatures {
		if _, ok := rt.Signatures[i][key]; !ok {
			signedAll = false
			break
		}
	}
	if signedAll {
		return nil, types.Errorf(types.CodeAlreadySigned, "signer already signed every input of %s", txHash)
	}

	threshold := owner.Threshold()
	result := &SignatureResult{}
	for i, raw := range sigs {
		if _, ok := rt.Signatures[i][key]; ok || len(rt.Signatures[i]) >= threshold {
			continue
		}
		rt.Signatures[i][key] = append([]byte(nil), raw...)
		result.Added++
	}
	p.log.Debug("signatures added", "tx", txHash.String(), "inputs", result.Added, "threshold", threshold)

	for i := range rt.Signatures {
		if len(rt.Signatures[i]) < threshold {
			return result, nil
		}
	}

	final, err := assemble(rt, owner)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvariant, "failed to assemble signed transaction", err)
	}
	rt.Tx = final
	delete(st.Waiting, txHash)
	st.Finalized[final.TxHash()] = rt
	result.Final = final

	p.log.Info("transaction finalized",
		"kind", rt.Kind.String(),
		"unsigned", txHash.String(),
		"signed", final.TxHash().String(),
		"owner", owner.Address().EncodeAddress())
	return result, nil
}

// resolveOwner maps the per-input owner tags of rt to a federation. An id that is
// neither the active nor the retiring federation means the state is inconsistent.
func (p *Processor) resolveOwner(rt *ReleaseTx, feds *federation.State, height uint64) (*federation.Federation, error) {
	var owner *federation.Federation
	for i, u := range rt.Spent {
		if !feds.Known(u.Owner) {
			p.log.Error("release input owned by unknown federation", "tx", rt.UnsignedHash.String(), "input", i, "owner", u.Owner.String())
			return nil, types.Errorf(types.CodeInvariant, "input %d of %s owned by unknown federation %s", i, rt.UnsignedHash, u.Owner)
		}
		fed, _, ok := feds.Resolve(u.Owner, height)
		if !ok {
			return nil, types.Errorf(types.CodeUnknownSigner, "federation owning %s no longer signs", rt.UnsignedHash)
		}
		if owner != nil && owner != fed {
			return nil, types.Errorf(types.CodeInvariant, "transaction %s mixes input owners", rt.UnsignedHash)
		}
		owner = fed
	}
	if owner == nil {
		return nil, types.Errorf(types.CodeInvariant, "transaction %s has no inputs", rt.UnsignedHash)
	}
	return owner, nil
}

func verifyInput(rt *ReleaseTx, owner *federation.Federation, i int, signer *btcec.PublicKey, raw []byte) error {
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return types.NewBridgeErrorWithCause(types.CodeInvalidSignature, "malformed signature", err)
	}
	// Serialize emits canonical low-S DER
	if !bytes.Equal(sig.Serialize(), raw) {
		return types.Errorf(types.CodeInvalidSignature, "signature for input %d is not canonical low-S DER", i)
	}
	hash, err := SigHash(rt, owner, i)
	if err != nil {
		return types.NewBridgeErrorWithCause(types.CodeInvariant, "cannot compute signature hash", err)
	}
	if !sig.Verify(hash, signer) {
		return types.Errorf(types.CodeInvalidSignature, "signature for input %d does not verify", i)
	}
	return nil
}

// assemble builds the scriptSig of every input: OP_0, the signatures in redeem
// script key order with the hash type appended, then the redeem script.
func assemble(rt *ReleaseTx, owner *federation.Federation) (*wire.MsgTx, error) {
	final := rt.Tx.Copy()
	for i := range final.TxIn {
		keys := make([]SignerKey, 0, len(rt.Signatures[i]))
		for k := range rt.Signatures[i] {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(a, b int) bool {
			return bytes.Compare(keys[a][:], keys[b][:]) < 0
		})

		builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
		for _, k := range keys[:owner.Threshold()] {
			sig := append(append([]byte(nil), rt.Signatures[i][k]...), byte(txscript.SigHashAll))
			builder.AddData(sig)
		}
		builder.AddData(owner.RedeemScriptFor(rt.Spent[i].Derivation))
		script, err := builder.Script()
		if err != nil {
			return nil, err
		}
		final.TxIn[i].SignatureScript = script
	}
	return final, nil
}
