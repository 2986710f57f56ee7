package pegin

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/types"
)

// Sender is the public key that unlocked a deposit's first input.
type Sender struct {
	key *btcec.PublicKey
	// raw is the key as pushed, compressed or not
	raw []byte
}

// Key returns the parsed public key.
func (s *Sender) Key() *btcec.PublicKey {
	return s.key
}

// SenderKey recovers the public key spending the first input of tx. Pay-to-pubkey-hash
// inputs push a signature and the key; witness key-hash inputs carry the same pair in
// the witness. Any other shape has no recoverable sender.
func SenderKey(tx *wire.MsgTx) (*Sender, error) {
	if len(tx.TxIn) == 0 {
		return nil, types.Errorf(types.CodeUnknownSender, "transaction has no inputs")
	}
	in := tx.TxIn[0]

	var raw []byte
	switch {
	case len(in.Witness) == 2 && len(in.SignatureScript) == 0:
		raw = in.Witness[1]
	case len(in.SignatureScript) > 0:
		pushes, err := txscript.PushedData(in.SignatureScript)
		if err != nil || len(pushes) != 2 {
			return nil, types.Errorf(types.CodeUnknownSender, "first input is not a key-hash spend")
		}
		raw = pushes[1]
	default:
		return nil, types.Errorf(types.CodeUnknownSender, "first input carries no public key")
	}

	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeUnknownSender, "first input key does not parse", err)
	}
	return &Sender{key: key, raw: raw}, nil
}

// RefundScript returns the pay-to-pubkey-hash script of the key as it was pushed.
func RefundScript(rawKey []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(rawKey), params)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvariant, "cannot derive refund address", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvariant, "cannot derive refund script", err)
	}
	return script, nil
}

// FlyoverData binds a deposit to the parties a liquidity provider committed to.
type FlyoverData struct {
	// Receiver is credited on the native ledger
	Receiver types.Address
	// RefundScript receives value the bridge cannot accept
	RefundScript []byte
	// LiquidityProvider is the native account that advanced the funds
	LiquidityProvider types.Address
}

func (f *FlyoverData) validate() error {
	if f.Receiver.IsZero() {
		return types.Errorf(types.CodeInvalidArgument, "flyover receiver is empty")
	}
	if len(f.RefundScript) == 0 {
		return types.Errorf(types.CodeInvalidArgument, "flyover refund script is empty")
	}
	if f.LiquidityProvider.IsZero() {
		return types.Errorf(types.CodeInvalidArgument, "flyover liquidity provider is empty")
	}
	return nil
}

// DerivationHash commits to the receiver, refund script and liquidity provider.
func (f *FlyoverData) DerivationHash() chainhash.Hash {
	buf := make([]byte, 0, 2*types.AddressLength+len(f.RefundScript))
	buf = append(buf, f.Receiver[:]...)
	buf = append(buf, f.RefundScript...)
	buf = append(buf, f.LiquidityProvider[:]...)
	return chainhash.DoubleHashH(buf)
}

// DepositID identifies a deposit in the processed set: the transaction hash, or for
// flyover deposits the hash of the transaction hash and the derivation hash.
func DepositID(txHash chainhash.Hash, flyover *FlyoverData) chainhash.Hash {
	if flyover == nil {
		return txHash
	}
	derivation := flyover.DerivationHash()
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], txHash[:])
	copy(buf[chainhash.HashSize:], derivation[:])
	return chainhash.DoubleHashH(buf[:])
}
