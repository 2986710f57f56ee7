// Package testutil provides deterministic keys, regtest header mining and
// transaction builders shared by bridge tests.
package testutil

import (
	"crypto/sha256"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/pkg/bridge/types"
)

// Params is the network every test runs on. Regtest targets let headers be mined
// in a handful of nonce attempts.
var Params = &chaincfg.RegressionNetParams

// PrivKey returns a deterministic private key for seed.
func PrivKey(seed int) *btcec.PrivateKey {
	sum := sha256.Sum256([]byte(fmt.Sprintf("btc-bridge-test-key-%d", seed)))
	priv, _ := btcec.PrivKeyFromBytes(sum[:])
	return priv
}

// PrivKeys returns n deterministic private keys starting at seed.
func PrivKeys(seed, n int) []*btcec.PrivateKey {
	keys := make([]*btcec.PrivateKey, n)
	for i := range keys {
		keys[i] = PrivKey(seed + i)
	}
	return keys
}

// PubKeys returns the public halves of keys.
func PubKeys(keys []*btcec.PrivateKey) []*btcec.PublicKey {
	pubs := make([]*btcec.PublicKey, len(keys))
	for i, k := range keys {
		pubs[i] = k.PubKey()
	}
	return pubs
}

// NativeAddress returns a deterministic native address for seed.
func NativeAddress(seed int) types.Address {
	return types.AddressFromPubKey(PrivKey(1000 + seed).PubKey())
}

// Genesis returns the regtest genesis header.
func Genesis() wire.BlockHeader {
	return Params.GenesisBlock.Header
}

// MineHeader builds a header on top of prev committing to merkleRoot and searches
// nonces until it satisfies the regtest target.
func MineHeader(prev *wire.BlockHeader, merkleRoot chainhash.Hash) *wire.BlockHeader {
	header := &wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev.BlockHash(),
		MerkleRoot: merkleRoot,
		Timestamp:  prev.Timestamp.Add(10 * time.Minute),
		Bits:       Params.PowLimitBits,
	}
	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); nonce < math.MaxUint32; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return header
		}
	}
	panic("no nonce satisfies the regtest target")
}

// MineChain mines n empty headers on top of prev. The tag is mixed into the merkle
// roots so different branches from the same parent have different hashes.
func MineChain(prev *wire.BlockHeader, n int, tag string) []*wire.BlockHeader {
	out := make([]*wire.BlockHeader, 0, n)
	parent := prev
	for i := 0; i < n; i++ {
		root := chainhash.DoubleHashH([]byte(fmt.Sprintf("%s-%d", tag, i)))
		h := MineHeader(parent, root)
		out = append(out, h)
		parent = h
	}
	return out
}

// SenderScriptSig is a P2PKH style unlocking script for sender. The signature push
// is a placeholder; the bridge only needs the public key.
func SenderScriptSig(sender *btcec.PublicKey) []byte {
	script, err := txscript.NewScriptBuilder().
		AddData(make([]byte, 71)).
		AddData(sender.SerializeCompressed()).
		Script()
	if err != nil {
		panic(err)
	}
	return script
}

// DepositTx builds a transaction spent by sender paying each amount to pkScript.
func DepositTx(sender *btcec.PublicKey, pkScript []byte, amounts ...btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevHash := chainhash.DoubleHashH(sender.SerializeCompressed())
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), SenderScriptSig(sender), nil))
	for _, amt := range amounts {
		tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))
	}
	return tx
}

// P2PKHScript returns the pay-to-pubkey-hash output script for pub.
func P2PKHScript(pub *btcec.PublicKey) []byte {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), Params)
	if err != nil {
		panic(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		panic(err)
	}
	return script
}

// P2PKHAddress returns the pay-to-pubkey-hash address for pub.
func P2PKHAddress(pub *btcec.PublicKey) btcutil.Address {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), Params)
	if err != nil {
		panic(err)
	}
	return addr
}
