package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the size of a native ledger account address in bytes.
const AddressLength = 20

// Address identifies an account on the native ledger.
type Address [AddressLength]byte

// AddressFromHex parses a 0x-prefixed or bare hex native address.
func AddressFromHex(s string) (Address, error) {
	var addr Address
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return addr, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(raw) != AddressLength {
		return addr, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// AddressFromPubKey derives the native account controlled by the same secp256k1 key
// as an external-chain sender: the last 20 bytes of keccak256 over the uncompressed
// key without its prefix byte.
func AddressFromPubKey(pub *btcec.PublicKey) Address {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(pub.SerializeUncompressed()[1:])
	sum := hasher.Sum(nil)

	var addr Address
	copy(addr[:], sum[len(sum)-AddressLength:])
	return addr
}

// Hex returns the 0x-prefixed hex encoding of the address.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// String returns a string representation of the address.
func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// FederationID identifies a federation by the hash160 of its redeem script.
type FederationID [20]byte

// String returns the hex encoding of the federation id.
func (id FederationID) String() string {
	return hex.EncodeToString(id[:])
}

// BlockContext describes the native block currently being processed.
type BlockContext struct {
	Number    uint64
	Timestamp int64
}

// CallContext is supplied by the host ledger for every bridge operation.
type CallContext struct {
	// Caller is the native account executing the call
	Caller Address
	// Value is the native value attached to the call, already locked by the host
	Value btcutil.Amount
	// TxHash identifies the native transaction carrying the call
	TxHash chainhash.Hash
	// Block is the enclosing native block
	Block BlockContext
}

// NativeLedger is the host ledger surface the bridge uses to move native value.
type NativeLedger interface {
	// Credit adds amount to the account. Implementations must either apply the
	// full credit or fail without side effects.
	Credit(to Address, amount btcutil.Amount) error
}
