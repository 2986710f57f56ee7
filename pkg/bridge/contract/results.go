package contract

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegin"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/types"
)

// Result tuples:
//
//	deposit        [id, observed, recipient, value, credited, refunded, confirmations]
//	signature      [added, signed tx | nil]
//	tick           [[release unsigned hash...], migration unsigned hash | nil, expired address | nil, pruned votes]
//	header         [header, hash, height]
//	pending        [[kind, unsigned hash, tx, [sighash...], [signature count...], threshold, owner]...]

func appendDepositResult(b []byte, res *pegin.Result) []byte {
	o := msgp.AppendArrayHeader(b, 7)
	o = types.AppendHash(o, res.ID)
	o = msgp.AppendBool(o, res.Observed)
	o = types.AppendAddress(o, res.Recipient)
	o = types.AppendAmount(o, res.Value)
	o = types.AppendAmount(o, res.Credited)
	o = types.AppendAmount(o, res.Refunded)
	return msgp.AppendUint32(o, res.Confirmations)
}

// DecodeDepositResult decodes the result of registerDeposit and
// registerFlyoverDeposit.
func DecodeDepositResult(bts []byte) (*pegin.Result, error) {
	bts, err := types.ReadArray(bts, 7)
	if err != nil {
		return nil, err
	}
	res := &pegin.Result{}
	if res.ID, bts, err = types.ReadHash(bts); err != nil {
		return nil, err
	}
	if res.Observed, bts, err = msgp.ReadBoolBytes(bts); err != nil {
		return nil, err
	}
	if res.Recipient, bts, err = types.ReadAddress(bts); err != nil {
		return nil, err
	}
	if res.Value, bts, err = types.ReadAmount(bts); err != nil {
		return nil, err
	}
	if res.Credited, bts, err = types.ReadAmount(bts); err != nil {
		return nil, err
	}
	if res.Refunded, bts, err = types.ReadAmount(bts); err != nil {
		return nil, err
	}
	if res.Confirmations, _, err = msgp.ReadUint32Bytes(bts); err != nil {
		return nil, err
	}
	return res, nil
}

func appendSignatureResult(b []byte, res *pegout.SignatureResult) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = msgp.AppendInt(o, res.Added)
	if res.Final == nil {
		return msgp.AppendNil(o), nil
	}
	return types.AppendMsgTx(o, res.Final)
}

// DecodeSignatureResult decodes the result of addSignature.
func DecodeSignatureResult(bts []byte) (*pegout.SignatureResult, error) {
	bts, err := types.ReadArray(bts, 2)
	if err != nil {
		return nil, err
	}
	res := &pegout.SignatureResult{}
	if res.Added, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return nil, err
	}
	if msgp.IsNil(bts) {
		return res, nil
	}
	if res.Final, _, err = types.ReadMsgTx(bts); err != nil {
		return nil, err
	}
	return res, nil
}

func appendTickResult(b []byte, res *engine.TickResult) []byte {
	o := msgp.AppendArrayHeader(b, 4)
	o = msgp.AppendArrayHeader(o, uint32(len(res.Releases)))
	for _, rt := range res.Releases {
		o = types.AppendHash(o, rt.UnsignedHash)
	}
	if res.Migration != nil {
		o = types.AppendHash(o, res.Migration.UnsignedHash)
	} else {
		o = msgp.AppendNil(o)
	}
	if res.Expired != nil {
		o = msgp.AppendString(o, res.Expired.Address().EncodeAddress())
	} else {
		o = msgp.AppendNil(o)
	}
	return msgp.AppendInt(o, res.PrunedVotes)
}

func appendStoredHeader(b []byte, sh *headers.StoredHeader) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o, err := types.AppendHeader(o, &sh.Header)
	if err != nil {
		return b, err
	}
	o = types.AppendHash(o, sh.Hash)
	return msgp.AppendUint32(o, sh.Height), nil
}

// DecodeHeaderResult decodes the result of the header getters.
func DecodeHeaderResult(bts []byte) (*headers.StoredHeader, error) {
	bts, err := types.ReadArray(bts, 3)
	if err != nil {
		return nil, err
	}
	var h *wire.BlockHeader
	if h, bts, err = types.ReadHeader(bts); err != nil {
		return nil, err
	}
	sh := &headers.StoredHeader{Header: *h}
	if sh.Hash, bts, err = types.ReadHash(bts); err != nil {
		return nil, err
	}
	if sh.Height, _, err = msgp.ReadUint32Bytes(bts); err != nil {
		return nil, err
	}
	return sh, nil
}

func appendPendingSignatures(b []byte, pending []engine.PendingSignature) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, uint32(len(pending)))
	var err error
	for _, ps := range pending {
		o = msgp.AppendArrayHeader(o, 7)
		o = msgp.AppendUint8(o, uint8(ps.Kind))
		o = types.AppendHash(o, ps.UnsignedHash)
		if o, err = types.AppendMsgTx(o, ps.Tx); err != nil {
			return b, err
		}
		o = msgp.AppendArrayHeader(o, uint32(len(ps.SigHashes)))
		for _, digest := range ps.SigHashes {
			o = msgp.AppendBytes(o, digest)
		}
		o = msgp.AppendArrayHeader(o, uint32(len(ps.Signatures)))
		for _, n := range ps.Signatures {
			o = msgp.AppendInt(o, n)
		}
		o = msgp.AppendInt(o, ps.Threshold)
		o = msgp.AppendString(o, ps.Owner)
	}
	return o, nil
}

// DecodePendingSignatures decodes the result of getStateForReleaseClient.
func DecodePendingSignatures(bts []byte) ([]engine.PendingSignature, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	out := make([]engine.PendingSignature, n)
	for i := range out {
		ps := &out[i]
		if bts, err = types.ReadArray(bts, 7); err != nil {
			return nil, err
		}
		var kind uint8
		if kind, bts, err = msgp.ReadUint8Bytes(bts); err != nil {
			return nil, err
		}
		ps.Kind = pegout.TxKind(kind)
		if ps.UnsignedHash, bts, err = types.ReadHash(bts); err != nil {
			return nil, err
		}
		if ps.Tx, bts, err = types.ReadMsgTx(bts); err != nil {
			return nil, err
		}

		var sz uint32
		if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return nil, err
		}
		ps.SigHashes = make([][]byte, sz)
		for j := range ps.SigHashes {
			if ps.SigHashes[j], bts, err = msgp.ReadBytesBytes(bts, nil); err != nil {
				return nil, err
			}
		}
		if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return nil, err
		}
		ps.Signatures = make([]int, sz)
		for j := range ps.Signatures {
			if ps.Signatures[j], bts, err = msgp.ReadIntBytes(bts); err != nil {
				return nil, err
			}
		}
		if ps.Threshold, bts, err = msgp.ReadIntBytes(bts); err != nil {
			return nil, err
		}
		if ps.Owner, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return nil, err
		}
	}
	return out, nil
}
