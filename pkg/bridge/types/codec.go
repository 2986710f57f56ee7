package types

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tinylib/msgp/msgp"
)

// Helpers shared by the msgpack tuple encodings of bridge records. Every record is
// written as a fixed-size array; maps are flattened into arrays sorted by key so the
// encoding of a given state is unique.

// ReadArray reads an array header and checks it has exactly want elements.
func ReadArray(bts []byte, want uint32) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	if sz != want {
		return bts, msgp.ArrayError{Wanted: want, Got: sz}
	}
	return o, nil
}

// AppendHash appends a 32-byte hash.
func AppendHash(b []byte, h chainhash.Hash) []byte {
	return msgp.AppendBytes(b, h[:])
}

// ReadHash reads a 32-byte hash.
func ReadHash(bts []byte) (chainhash.Hash, []byte, error) {
	var h chainhash.Hash
	raw, o, err := msgp.ReadBytesZC(bts)
	if err != nil {
		return h, bts, err
	}
	if len(raw) != chainhash.HashSize {
		return h, bts, fmt.Errorf("hash must be %d bytes, got %d", chainhash.HashSize, len(raw))
	}
	copy(h[:], raw)
	return h, o, nil
}

// AppendAddress appends a native address.
func AppendAddress(b []byte, a Address) []byte {
	return msgp.AppendBytes(b, a[:])
}

// ReadAddress reads a native address.
func ReadAddress(bts []byte) (Address, []byte, error) {
	var a Address
	raw, o, err := msgp.ReadBytesZC(bts)
	if err != nil {
		return a, bts, err
	}
	if len(raw) != AddressLength {
		return a, bts, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(raw))
	}
	copy(a[:], raw)
	return a, o, nil
}

// AppendFederationID appends a federation id.
func AppendFederationID(b []byte, id FederationID) []byte {
	return msgp.AppendBytes(b, id[:])
}

// ReadFederationID reads a federation id.
func ReadFederationID(bts []byte) (FederationID, []byte, error) {
	var id FederationID
	raw, o, err := msgp.ReadBytesZC(bts)
	if err != nil {
		return id, bts, err
	}
	if len(raw) != len(id) {
		return id, bts, fmt.Errorf("federation id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, o, nil
}

// AppendAmount appends a satoshi amount.
func AppendAmount(b []byte, amt btcutil.Amount) []byte {
	return msgp.AppendInt64(b, int64(amt))
}

// ReadAmount reads a satoshi amount.
func ReadAmount(bts []byte) (btcutil.Amount, []byte, error) {
	v, o, err := msgp.ReadInt64Bytes(bts)
	if err != nil {
		return 0, bts, err
	}
	return btcutil.Amount(v), o, nil
}

// AppendMsgTx appends an external-chain transaction in its wire serialization.
func AppendMsgTx(b []byte, tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return b, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return msgp.AppendBytes(b, buf.Bytes()), nil
}

// ReadMsgTx reads an external-chain transaction from its wire serialization.
func ReadMsgTx(bts []byte) (*wire.MsgTx, []byte, error) {
	raw, o, err := msgp.ReadBytesZC(bts)
	if err != nil {
		return nil, bts, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, bts, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, o, nil
}

// AppendHeader appends an external block header in its 80-byte wire form.
func AppendHeader(b []byte, h *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wire.MaxBlockHeaderPayload)
	if err := h.Serialize(&buf); err != nil {
		return b, fmt.Errorf("failed to serialize header: %w", err)
	}
	return msgp.AppendBytes(b, buf.Bytes()), nil
}

// ReadHeader reads an external block header from its 80-byte wire form.
func ReadHeader(bts []byte) (*wire.BlockHeader, []byte, error) {
	raw, o, err := msgp.ReadBytesZC(bts)
	if err != nil {
		return nil, bts, err
	}
	h := &wire.BlockHeader{}
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, bts, fmt.Errorf("failed to deserialize header: %w", err)
	}
	return h, o, nil
}
