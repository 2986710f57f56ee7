package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegin"
	"btc-bridge/pkg/bridge/types"
)

// argReader decodes call arguments in order. The first failure sticks; later reads
// return zero values.
type argReader struct {
	bts []byte
	pos int
	err error
}

func (r *argReader) fail(what string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("argument %d (%s): %w", r.pos, what, err)
	}
}

func (r *argReader) next() bool {
	r.pos++
	return r.err == nil
}

func (r *argReader) hash(what string) chainhash.Hash {
	if !r.next() {
		return chainhash.Hash{}
	}
	h, rest, err := types.ReadHash(r.bts)
	if err != nil {
		r.fail(what, err)
		return chainhash.Hash{}
	}
	r.bts = rest
	return h
}

func (r *argReader) tx(what string) *wire.MsgTx {
	if !r.next() {
		return nil
	}
	tx, rest, err := types.ReadMsgTx(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	r.bts = rest
	return tx
}

func (r *argReader) proof(what string) *headers.MerkleProof {
	if !r.next() {
		return nil
	}
	p := &headers.MerkleProof{}
	rest, err := p.UnmarshalMsg(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	r.bts = rest
	return p
}

// flyover reads flyover data. A nil value decodes to nil.
func (r *argReader) flyover(what string) *pegin.FlyoverData {
	if !r.next() {
		return nil
	}
	if msgp.IsNil(r.bts) {
		rest, err := msgp.ReadNilBytes(r.bts)
		if err != nil {
			r.fail(what, err)
		}
		r.bts = rest
		return nil
	}
	f := &pegin.FlyoverData{}
	rest, err := f.UnmarshalMsg(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	r.bts = rest
	return f
}

func (r *argReader) pubKey(what string) *btcec.PublicKey {
	if !r.next() {
		return nil
	}
	raw, rest, err := msgp.ReadBytesZC(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	r.bts = rest
	return pub
}

func (r *argReader) amount(what string) btcutil.Amount {
	if !r.next() {
		return 0
	}
	v, rest, err := types.ReadAmount(r.bts)
	if err != nil {
		r.fail(what, err)
		return 0
	}
	r.bts = rest
	return v
}

func (r *argReader) int(what string) int {
	if !r.next() {
		return 0
	}
	v, rest, err := msgp.ReadIntBytes(r.bts)
	if err != nil {
		r.fail(what, err)
		return 0
	}
	r.bts = rest
	return v
}

func (r *argReader) uint32(what string) uint32 {
	if !r.next() {
		return 0
	}
	v, rest, err := msgp.ReadUint32Bytes(r.bts)
	if err != nil {
		r.fail(what, err)
		return 0
	}
	r.bts = rest
	return v
}

func (r *argReader) string(what string) string {
	if !r.next() {
		return ""
	}
	v, rest, err := msgp.ReadStringBytes(r.bts)
	if err != nil {
		r.fail(what, err)
		return ""
	}
	r.bts = rest
	return v
}

// byteList reads an array of byte strings.
func (r *argReader) byteList(what string) [][]byte {
	if !r.next() {
		return nil
	}
	n, rest, err := msgp.ReadArrayHeaderBytes(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	out := make([][]byte, n)
	for i := range out {
		var raw []byte
		if raw, rest, err = msgp.ReadBytesZC(rest); err != nil {
			r.fail(what, err)
			return nil
		}
		out[i] = append([]byte(nil), raw...)
	}
	r.bts = rest
	return out
}

func (r *argReader) headerList(what string) []*wire.BlockHeader {
	if !r.next() {
		return nil
	}
	n, rest, err := msgp.ReadArrayHeaderBytes(r.bts)
	if err != nil {
		r.fail(what, err)
		return nil
	}
	out := make([]*wire.BlockHeader, n)
	for i := range out {
		if out[i], rest, err = types.ReadHeader(rest); err != nil {
			r.fail(what, err)
			return nil
		}
	}
	r.bts = rest
	return out
}

// done returns the first decoding failure, or an error when arguments remain.
func (r *argReader) done() error {
	if r.err != nil {
		return types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "malformed call arguments", r.err)
	}
	if len(r.bts) != 0 {
		return types.Errorf(types.CodeInvalidArgument, "%d trailing bytes after call arguments", len(r.bts))
	}
	return nil
}

// EncodeCall builds call data for the operation called name. Bridge and external
// chain types are converted to their call encodings: hashes, addresses and public
// keys as bytes, transactions and headers in wire form, amounts as integers. Other
// values are encoded with msgp.AppendIntf.
func EncodeCall(name string, args ...interface{}) ([]byte, error) {
	sel := SelectorOf(name)
	if _, ok := methodTable[sel]; !ok {
		return nil, types.Errorf(types.CodeUnknownOperation, "unknown operation %q", name)
	}

	o := append(make([]byte, 0, 64), sel[:]...)
	o = msgp.AppendArrayHeader(o, uint32(len(args)))
	var err error
	for i, arg := range args {
		if o, err = appendArg(o, arg); err != nil {
			return nil, fmt.Errorf("failed to encode argument %d of %s: %w", i+1, name, err)
		}
	}
	return o, nil
}

func appendArg(b []byte, arg interface{}) ([]byte, error) {
	switch v := arg.(type) {
	case chainhash.Hash:
		return types.AppendHash(b, v), nil
	case *chainhash.Hash:
		return types.AppendHash(b, *v), nil
	case types.Address:
		return types.AppendAddress(b, v), nil
	case btcutil.Amount:
		return types.AppendAmount(b, v), nil
	case *btcec.PublicKey:
		return msgp.AppendBytes(b, v.SerializeCompressed()), nil
	case *wire.MsgTx:
		return types.AppendMsgTx(b, v)
	case *wire.BlockHeader:
		return types.AppendHeader(b, v)
	case []*wire.BlockHeader:
		o := msgp.AppendArrayHeader(b, uint32(len(v)))
		var err error
		for _, h := range v {
			if o, err = types.AppendHeader(o, h); err != nil {
				return b, err
			}
		}
		return o, nil
	case [][]byte:
		o := msgp.AppendArrayHeader(b, uint32(len(v)))
		for _, raw := range v {
			o = msgp.AppendBytes(o, raw)
		}
		return o, nil
	case *pegin.FlyoverData:
		if v == nil {
			return msgp.AppendNil(b), nil
		}
		return v.MarshalMsg(b)
	default:
		return msgp.AppendIntf(b, arg)
	}
}
