package federation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/types"
)

// MarshalMsg implements msgp.Marshaler. The derived script and address are not
// encoded; they are recomputed from the members on decode.
func (f *Federation) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = appendKeys(o, f.members)
	o = msgp.AppendInt64(o, f.creationTime)
	o = msgp.AppendUint64(o, f.creationBlockNumber)
	return o, nil
}

// UnmarshalFederation decodes a federation for the given network.
func UnmarshalFederation(bts []byte, params *chaincfg.Params) (*Federation, []byte, error) {
	bts, err := types.ReadArray(bts, 3)
	if err != nil {
		return nil, bts, err
	}
	members, bts, err := readKeys(bts)
	if err != nil {
		return nil, bts, err
	}
	creationTime, bts, err := msgp.ReadInt64Bytes(bts)
	if err != nil {
		return nil, bts, err
	}
	creationBlock, bts, err := msgp.ReadUint64Bytes(bts)
	if err != nil {
		return nil, bts, err
	}
	f, err := NewFederation(members, creationTime, creationBlock, params)
	if err != nil {
		return nil, bts, err
	}
	return f, bts, nil
}

// MarshalMsg implements msgp.Marshaler. Members keep insertion order.
func (p *PendingFederation) MarshalMsg(b []byte) ([]byte, error) {
	return appendKeys(b, p.members), nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (p *PendingFederation) UnmarshalMsg(bts []byte) ([]byte, error) {
	members, bts, err := readKeys(bts)
	if err != nil {
		return bts, err
	}
	p.members = members
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler. Calls and voters are written sorted.
func (e *Election) MarshalMsg(b []byte) ([]byte, error) {
	keys := e.sortedKeys()
	o := msgp.AppendArrayHeader(b, uint32(len(keys)))
	for _, k := range keys {
		o = msgp.AppendArrayHeader(o, 3)
		o = msgp.AppendUint8(o, uint8(k.kind))
		o = msgp.AppendBytes(o, []byte(k.arg))

		voters := make([]types.Address, 0, len(e.votes[k]))
		for v := range e.votes[k] {
			voters = append(voters, v)
		}
		sortAddresses(voters)
		o = msgp.AppendArrayHeader(o, uint32(len(voters)))
		for _, v := range voters {
			o = types.AppendAddress(o, v)
		}
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (e *Election) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	e.votes = make(map[electionKey]map[types.Address]struct{}, n)
	for i := uint32(0); i < n; i++ {
		if bts, err = types.ReadArray(bts, 3); err != nil {
			return bts, err
		}
		var kind uint8
		if kind, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
			return bts, err
		}
		var arg []byte
		if arg, bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
			return bts, err
		}
		var count uint32
		if count, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return bts, err
		}
		voters := make(map[types.Address]struct{}, count)
		for j := uint32(0); j < count; j++ {
			var v types.Address
			if v, bts, err = types.ReadAddress(bts); err != nil {
				return bts, err
			}
			voters[v] = struct{}{}
		}
		e.votes[electionKey{kind: CallKind(kind), arg: string(arg)}] = voters
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler
func (st *State) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	var err error
	if o, err = st.Active.MarshalMsg(o); err != nil {
		return b, err
	}
	if st.Retiring == nil {
		o = msgp.AppendNil(o)
	} else if o, err = st.Retiring.MarshalMsg(o); err != nil {
		return b, err
	}
	o = msgp.AppendUint64(o, st.RetiringExpiry)
	if st.Pending == nil {
		o = msgp.AppendNil(o)
	} else if o, err = st.Pending.MarshalMsg(o); err != nil {
		return b, err
	}
	if o, err = st.Election.MarshalMsg(o); err != nil {
		return b, err
	}
	return o, nil
}

// UnmarshalState decodes a federation state for the given network.
func UnmarshalState(bts []byte, params *chaincfg.Params) (*State, []byte, error) {
	bts, err := types.ReadArray(bts, 5)
	if err != nil {
		return nil, bts, err
	}
	st := &State{Election: NewElection()}
	if st.Active, bts, err = UnmarshalFederation(bts, params); err != nil {
		return nil, bts, fmt.Errorf("active federation: %w", err)
	}
	if msgp.IsNil(bts) {
		if bts, err = msgp.ReadNilBytes(bts); err != nil {
			return nil, bts, err
		}
	} else if st.Retiring, bts, err = UnmarshalFederation(bts, params); err != nil {
		return nil, bts, fmt.Errorf("retiring federation: %w", err)
	}
	if st.RetiringExpiry, bts, err = msgp.ReadUint64Bytes(bts); err != nil {
		return nil, bts, err
	}
	if msgp.IsNil(bts) {
		if bts, err = msgp.ReadNilBytes(bts); err != nil {
			return nil, bts, err
		}
	} else {
		st.Pending = NewPendingFederation()
		if bts, err = st.Pending.UnmarshalMsg(bts); err != nil {
			return nil, bts, fmt.Errorf("pending federation: %w", err)
		}
	}
	if bts, err = st.Election.UnmarshalMsg(bts); err != nil {
		return nil, bts, fmt.Errorf("election: %w", err)
	}
	return st, bts, nil
}

func appendKeys(b []byte, keys []*btcec.PublicKey) []byte {
	o := msgp.AppendArrayHeader(b, uint32(len(keys)))
	for _, k := range keys {
		o = msgp.AppendBytes(o, k.SerializeCompressed())
	}
	return o
}

func readKeys(bts []byte) ([]*btcec.PublicKey, []byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, err
	}
	if n > MaxMembers {
		return nil, bts, fmt.Errorf("too many keys: %d", n)
	}
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		var raw []byte
		if raw, bts, err = msgp.ReadBytesZC(bts); err != nil {
			return nil, bts, err
		}
		if keys[i], err = btcec.ParsePubKey(raw); err != nil {
			return nil, bts, fmt.Errorf("key %d: %w", i, err)
		}
	}
	return keys, bts, nil
}
