package pegout

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/types"
)

// MarshalMsg implements msgp.Marshaler
func (r *ReleaseRequest) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendBytes(o, r.Destination)
	o = types.AppendAmount(o, r.Amount)
	o = types.AppendHash(o, r.NativeTxHash)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (r *ReleaseRequest) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 3)
	if err != nil {
		return bts, err
	}
	if r.Destination, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
		return bts, err
	}
	if r.Amount, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	if r.NativeTxHash, bts, err = types.ReadHash(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler
func (u *UTXO) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = types.AppendHash(o, u.OutPoint.Hash)
	o = msgp.AppendUint32(o, u.OutPoint.Index)
	o = types.AppendAmount(o, u.Value)
	o = types.AppendFederationID(o, u.Owner)
	o = types.AppendHash(o, u.Derivation)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (u *UTXO) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 5)
	if err != nil {
		return bts, err
	}
	if u.OutPoint.Hash, bts, err = types.ReadHash(bts); err != nil {
		return bts, err
	}
	if u.OutPoint.Index, bts, err = msgp.ReadUint32Bytes(bts); err != nil {
		return bts, err
	}
	if u.Value, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	if u.Owner, bts, err = types.ReadFederationID(bts); err != nil {
		return bts, err
	}
	if u.Derivation, bts, err = types.ReadHash(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler. Signatures are written per input sorted by
// signer key.
func (rt *ReleaseTx) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 7)
	o = msgp.AppendUint8(o, uint8(rt.Kind))
	var err error
	if o, err = types.AppendMsgTx(o, rt.Tx); err != nil {
		return b, err
	}
	o = types.AppendHash(o, rt.UnsignedHash)

	o = msgp.AppendArrayHeader(o, uint32(len(rt.Spent)))
	for i := range rt.Spent {
		if o, err = rt.Spent[i].MarshalMsg(o); err != nil {
			return b, err
		}
	}

	o = msgp.AppendArrayHeader(o, uint32(len(rt.Requests)))
	for i := range rt.Requests {
		if o, err = rt.Requests[i].MarshalMsg(o); err != nil {
			return b, err
		}
	}

	o = msgp.AppendArrayHeader(o, uint32(len(rt.Signatures)))
	for _, sigs := range rt.Signatures {
		keys := make([]SignerKey, 0, len(sigs))
		for k := range sigs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return bytes.Compare(keys[i][:], keys[j][:]) < 0
		})
		o = msgp.AppendArrayHeader(o, uint32(len(keys)))
		for _, k := range keys {
			o = msgp.AppendArrayHeader(o, 2)
			o = msgp.AppendBytes(o, k[:])
			o = msgp.AppendBytes(o, sigs[k])
		}
	}

	o = msgp.AppendUint64(o, rt.CreatedAt)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (rt *ReleaseTx) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 7)
	if err != nil {
		return bts, err
	}
	var kind uint8
	if kind, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
		return bts, err
	}
	rt.Kind = TxKind(kind)
	if rt.Tx, bts, err = types.ReadMsgTx(bts); err != nil {
		return bts, err
	}
	if rt.UnsignedHash, bts, err = types.ReadHash(bts); err != nil {
		return bts, err
	}

	var n uint32
	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	if int(n) != len(rt.Tx.TxIn) {
		return bts, fmt.Errorf("transaction has %d inputs but %d spent outputs", len(rt.Tx.TxIn), n)
	}
	rt.Spent = make([]UTXO, n)
	for i := range rt.Spent {
		if bts, err = rt.Spent[i].UnmarshalMsg(bts); err != nil {
			return bts, err
		}
	}

	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	rt.Requests = nil
	if n > 0 {
		rt.Requests = make([]ReleaseRequest, n)
	}
	for i := range rt.Requests {
		if bts, err = rt.Requests[i].UnmarshalMsg(bts); err != nil {
			return bts, err
		}
	}

	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	if int(n) != len(rt.Spent) {
		return bts, fmt.Errorf("%d signature sets for %d inputs", n, len(rt.Spent))
	}
	rt.Signatures = make([]map[SignerKey][]byte, n)
	for i := range rt.Signatures {
		var count uint32
		if count, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return bts, err
		}
		rt.Signatures[i] = make(map[SignerKey][]byte, count)
		for j := uint32(0); j < count; j++ {
			if bts, err = types.ReadArray(bts, 2); err != nil {
				return bts, err
			}
			var raw []byte
			if raw, bts, err = msgp.ReadBytesZC(bts); err != nil {
				return bts, err
			}
			var key SignerKey
			if len(raw) != len(key) {
				return bts, fmt.Errorf("signer key must be %d bytes, got %d", len(key), len(raw))
			}
			copy(key[:], raw)
			var sig []byte
			if sig, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
				return bts, err
			}
			rt.Signatures[i][key] = sig
		}
	}

	if rt.CreatedAt, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler. Outputs and transactions are written
// sorted by outpoint and hash.
func (st *State) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 6)
	var err error

	o = msgp.AppendArrayHeader(o, uint32(len(st.Queue)))
	for i := range st.Queue {
		if o, err = st.Queue[i].MarshalMsg(o); err != nil {
			return b, err
		}
	}

	utxos := make([]UTXO, 0, len(st.UTXOs))
	for _, u := range st.UTXOs {
		utxos = append(utxos, u)
	}
	sort.Slice(utxos, func(i, j int) bool {
		return compareOutPoints(utxos[i].OutPoint, utxos[j].OutPoint) < 0
	})
	o = msgp.AppendArrayHeader(o, uint32(len(utxos)))
	for i := range utxos {
		if o, err = utxos[i].MarshalMsg(o); err != nil {
			return b, err
		}
	}

	for _, txs := range [][]*ReleaseTx{st.WaitingTxs(), st.FinalizedTxs()} {
		o = msgp.AppendArrayHeader(o, uint32(len(txs)))
		for _, rt := range txs {
			if o, err = rt.MarshalMsg(o); err != nil {
				return b, err
			}
		}
	}

	expired := make([]chainhash.Hash, 0, len(st.Expired))
	for h := range st.Expired {
		expired = append(expired, h)
	}
	sort.Slice(expired, func(i, j int) bool {
		return bytes.Compare(expired[i][:], expired[j][:]) < 0
	})
	o = msgp.AppendArrayHeader(o, uint32(len(expired)))
	for _, h := range expired {
		o = msgp.AppendArrayHeader(o, 2)
		o = types.AppendHash(o, h)
		o = types.AppendFederationID(o, st.Expired[h])
	}
	o = types.AppendAmount(o, st.Forfeited)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (st *State) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 6)
	if err != nil {
		return bts, err
	}

	var n uint32
	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	st.Queue = nil
	if n > 0 {
		st.Queue = make([]ReleaseRequest, n)
	}
	for i := range st.Queue {
		if bts, err = st.Queue[i].UnmarshalMsg(bts); err != nil {
			return bts, err
		}
	}

	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	st.UTXOs = make(map[wire.OutPoint]UTXO, n)
	for i := uint32(0); i < n; i++ {
		var u UTXO
		if bts, err = u.UnmarshalMsg(bts); err != nil {
			return bts, err
		}
		st.UTXOs[u.OutPoint] = u
	}

	st.Waiting = make(map[chainhash.Hash]*ReleaseTx)
	st.Finalized = make(map[chainhash.Hash]*ReleaseTx)
	for _, final := range []bool{false, true} {
		if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return bts, err
		}
		for i := uint32(0); i < n; i++ {
			rt := &ReleaseTx{}
			if bts, err = rt.UnmarshalMsg(bts); err != nil {
				return bts, err
			}
			if final {
				st.Finalized[rt.Tx.TxHash()] = rt
			} else {
				st.Waiting[rt.UnsignedHash] = rt
			}
		}
	}

	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	st.Expired = make(map[chainhash.Hash]types.FederationID, n)
	for i := uint32(0); i < n; i++ {
		if bts, err = types.ReadArray(bts, 2); err != nil {
			return bts, err
		}
		var h chainhash.Hash
		if h, bts, err = types.ReadHash(bts); err != nil {
			return bts, err
		}
		if st.Expired[h], bts, err = types.ReadFederationID(bts); err != nil {
			return bts, err
		}
	}
	if st.Forfeited, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	return bts, nil
}
