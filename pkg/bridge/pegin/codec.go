package pegin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/types"
)

// MarshalMsg implements msgp.Marshaler. Processed ids are written sorted.
func (st *State) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	ids := st.sortedProcessed()
	o = msgp.AppendArrayHeader(o, uint32(len(ids)))
	for _, id := range ids {
		o = types.AppendHash(o, id)
	}
	o = types.AppendAmount(o, st.LockedTotal)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (st *State) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 2)
	if err != nil {
		return bts, err
	}
	var n uint32
	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return bts, err
	}
	st.Processed = make(map[chainhash.Hash]struct{}, n)
	for i := uint32(0); i < n; i++ {
		var id chainhash.Hash
		if id, bts, err = types.ReadHash(bts); err != nil {
			return bts, err
		}
		st.Processed[id] = struct{}{}
	}
	if st.LockedTotal, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler
func (f *FlyoverData) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = types.AppendAddress(o, f.Receiver)
	o = msgp.AppendBytes(o, f.RefundScript)
	o = types.AppendAddress(o, f.LiquidityProvider)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (f *FlyoverData) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 3)
	if err != nil {
		return bts, err
	}
	if f.Receiver, bts, err = types.ReadAddress(bts); err != nil {
		return bts, err
	}
	if f.RefundScript, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
		return bts, err
	}
	if f.LiquidityProvider, bts, err = types.ReadAddress(bts); err != nil {
		return bts, err
	}
	return bts, nil
}
