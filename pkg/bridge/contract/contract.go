package contract

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/types"
)

// Contract routes native contract calls to a Bridge.
type Contract struct {
	bridge *engine.Bridge
	log    *logger.Logger
}

// New creates a contract dispatcher for bridge.
func New(bridge *engine.Bridge, log *logger.Logger) (*Contract, error) {
	if bridge == nil {
		return nil, fmt.Errorf("bridge cannot be nil")
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Contract{bridge: bridge, log: log.Component("contract")}, nil
}

// Call executes the operation selected by data under ctx and returns its encoded
// result. Failures are *types.BridgeError values, except errors the native ledger
// returned while crediting.
func (c *Contract) Call(ctx types.CallContext, data []byte) ([]byte, error) {
	if len(data) < SelectorSize {
		return nil, types.Errorf(types.CodeUnknownOperation, "call data of %d bytes has no selector", len(data))
	}
	var sel Selector
	copy(sel[:], data)

	m, ok := methodTable[sel]
	if !ok {
		c.log.Debug("unknown selector", "selector", sel.String(), "caller", ctx.Caller.Hex())
		return nil, types.Errorf(types.CodeUnknownOperation, "no operation with selector %s", sel)
	}

	rest, err := types.ReadArray(data[SelectorSize:], m.args)
	if err != nil {
		c.log.Debug("malformed call", "operation", m.name, "error", err)
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument,
			fmt.Sprintf("%s expects %d arguments", m.name, m.args), err)
	}
	return m.handle(c, ctx, &argReader{bts: rest})
}

// decoded checks that every argument decoded, logging malformed calls.
func (c *Contract) decoded(op string, args *argReader) error {
	if err := args.done(); err != nil {
		c.log.Debug("malformed call", "operation", op, "error", err)
		return err
	}
	return nil
}

func (c *Contract) registerDeposit(ctx types.CallContext, args *argReader) ([]byte, error) {
	tx := args.tx("transaction")
	blockHash := args.hash("block hash")
	proof := args.proof("merkle proof")
	if err := c.decoded(engine.OpRegisterDeposit, args); err != nil {
		return nil, err
	}
	res, err := c.bridge.RegisterDeposit(ctx, tx, blockHash, proof)
	if err != nil {
		return nil, err
	}
	return appendDepositResult(nil, res), nil
}

func (c *Contract) registerFlyoverDeposit(ctx types.CallContext, args *argReader) ([]byte, error) {
	tx := args.tx("transaction")
	blockHash := args.hash("block hash")
	proof := args.proof("merkle proof")
	flyover := args.flyover("flyover data")
	if err := c.decoded(engine.OpRegisterFlyoverDeposit, args); err != nil {
		return nil, err
	}
	res, err := c.bridge.RegisterFlyoverDeposit(ctx, tx, blockHash, proof, flyover)
	if err != nil {
		return nil, err
	}
	return appendDepositResult(nil, res), nil
}

func (c *Contract) requestRelease(ctx types.CallContext, args *argReader) ([]byte, error) {
	destination := args.string("destination")
	if err := c.decoded(engine.OpRequestRelease, args); err != nil {
		return nil, err
	}
	if err := c.bridge.RequestRelease(ctx, destination); err != nil {
		return nil, err
	}
	return msgp.AppendNil(nil), nil
}

func (c *Contract) addSignature(ctx types.CallContext, args *argReader) ([]byte, error) {
	signer := args.pubKey("signer key")
	txHash := args.hash("transaction hash")
	sigs := args.byteList("signatures")
	if err := c.decoded(engine.OpAddSignature, args); err != nil {
		return nil, err
	}
	res, err := c.bridge.AddSignature(ctx, signer, txHash, sigs)
	if err != nil {
		return nil, err
	}
	return appendSignatureResult(nil, res)
}

func (c *Contract) createFederationVote(ctx types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(engine.OpCreateFederationVote, args); err != nil {
		return nil, err
	}
	return voteResult(c.bridge.CreateFederation(ctx))
}

func (c *Contract) addFederationMemberVote(ctx types.CallContext, args *argReader) ([]byte, error) {
	key := args.pubKey("member key")
	if err := c.decoded(engine.OpAddFederationMemberVote, args); err != nil {
		return nil, err
	}
	return voteResult(c.bridge.AddFederationMember(ctx, key))
}

func (c *Contract) commitFederationVote(ctx types.CallContext, args *argReader) ([]byte, error) {
	hash := args.hash("pending federation hash")
	if err := c.decoded(engine.OpCommitFederationVote, args); err != nil {
		return nil, err
	}
	return voteResult(c.bridge.CommitFederation(ctx, hash))
}

func (c *Contract) rollbackFederationVote(ctx types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(engine.OpRollbackFederationVote, args); err != nil {
		return nil, err
	}
	return voteResult(c.bridge.RollbackFederation(ctx))
}

func voteResult(res *federation.VoteResult, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return msgp.AppendBool(nil, res.Executed), nil
}

func (c *Contract) voteFeePerKb(ctx types.CallContext, args *argReader) ([]byte, error) {
	fee := args.amount("fee per kb")
	if err := c.decoded(engine.OpVoteFeePerKb, args); err != nil {
		return nil, err
	}
	changed, err := c.bridge.VoteFeePerKb(ctx, fee)
	if err != nil {
		return nil, err
	}
	return msgp.AppendBool(nil, changed), nil
}

func (c *Contract) voteLockingCap(ctx types.CallContext, args *argReader) ([]byte, error) {
	lockingCap := args.amount("locking cap")
	if err := c.decoded(engine.OpVoteLockingCap, args); err != nil {
		return nil, err
	}
	changed, err := c.bridge.VoteLockingCap(ctx, lockingCap)
	if err != nil {
		return nil, err
	}
	return msgp.AppendBool(nil, changed), nil
}

func (c *Contract) submitExternalHeaders(ctx types.CallContext, args *argReader) ([]byte, error) {
	batch := args.headerList("headers")
	if err := c.decoded(engine.OpSubmitExternalHeaders, args); err != nil {
		return nil, err
	}
	added, err := c.bridge.SubmitHeaders(ctx, batch)
	if err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, added), nil
}

func (c *Contract) updateCollections(ctx types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(engine.OpUpdateCollections, args); err != nil {
		return nil, err
	}
	res, err := c.bridge.UpdateCollections(ctx)
	if err != nil {
		return nil, err
	}
	return appendTickResult(nil, res), nil
}

func (c *Contract) getFeePerKb(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFeePerKb, args); err != nil {
		return nil, err
	}
	return types.AppendAmount(nil, c.bridge.FeePerKb()), nil
}

func (c *Contract) getLockingCap(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetLockingCap, args); err != nil {
		return nil, err
	}
	return types.AppendAmount(nil, c.bridge.LockingCap()), nil
}

func (c *Contract) getLockedTotal(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetLockedTotal, args); err != nil {
		return nil, err
	}
	return types.AppendAmount(nil, c.bridge.LockedTotal()), nil
}

func (c *Contract) getBestExternalBlockHeader(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetBestExternalBlockHeader, args); err != nil {
		return nil, err
	}
	return appendStoredHeader(nil, c.bridge.BestHeader())
}

func (c *Contract) getExternalBlockHeaderByHash(_ types.CallContext, args *argReader) ([]byte, error) {
	hash := args.hash("block hash")
	if err := c.decoded(OpGetExternalBlockHeaderByHash, args); err != nil {
		return nil, err
	}
	return storedHeaderResult(c.bridge.HeaderByHash(hash))
}

func (c *Contract) getExternalBlockHeaderByHeight(_ types.CallContext, args *argReader) ([]byte, error) {
	height := args.uint32("height")
	if err := c.decoded(OpGetExternalBlockHeaderByHeight, args); err != nil {
		return nil, err
	}
	return storedHeaderResult(c.bridge.HeaderByHeight(height))
}

func (c *Contract) getExternalParentBlockHeaderByHash(_ types.CallContext, args *argReader) ([]byte, error) {
	hash := args.hash("block hash")
	if err := c.decoded(OpGetExternalParentBlockHeaderByHash, args); err != nil {
		return nil, err
	}
	return storedHeaderResult(c.bridge.ParentHeader(hash))
}

func storedHeaderResult(sh *headers.StoredHeader, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return appendStoredHeader(nil, sh)
}

func (c *Contract) getTransactionConfirmations(_ types.CallContext, args *argReader) ([]byte, error) {
	txHash := args.hash("transaction hash")
	blockHash := args.hash("block hash")
	proof := args.proof("merkle proof")
	if err := c.decoded(OpGetTransactionConfirmations, args); err != nil {
		return nil, err
	}
	confs, err := c.bridge.Confirmations(txHash, blockHash, proof)
	if err != nil {
		return nil, err
	}
	return msgp.AppendUint32(nil, confs), nil
}

func (c *Contract) getExternalBlockchainInitialHeight(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetExternalBlockchainInitialHeight, args); err != nil {
		return nil, err
	}
	return msgp.AppendUint32(nil, c.bridge.InitialHeight()), nil
}

func (c *Contract) getFederationAddress(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFederationAddress, args); err != nil {
		return nil, err
	}
	return msgp.AppendString(nil, c.bridge.FederationAddress()), nil
}

func (c *Contract) getFederationSize(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFederationSize, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, c.bridge.FederationSize()), nil
}

func (c *Contract) getFederationThreshold(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFederationThreshold, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, c.bridge.FederationThreshold()), nil
}

func (c *Contract) getFederatorPublicKey(_ types.CallContext, args *argReader) ([]byte, error) {
	index := args.int("index")
	if err := c.decoded(OpGetFederatorPublicKey, args); err != nil {
		return nil, err
	}
	key, err := c.bridge.FederatorPublicKey(index)
	if err != nil {
		return nil, err
	}
	return msgp.AppendBytes(nil, key), nil
}

func (c *Contract) getFederationCreationTime(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFederationCreationTime, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt64(nil, c.bridge.FederationCreationTime()), nil
}

func (c *Contract) getFederationCreationBlockNumber(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetFederationCreationBlockNumber, args); err != nil {
		return nil, err
	}
	return msgp.AppendUint64(nil, c.bridge.FederationCreationBlockNumber()), nil
}

func (c *Contract) getRetiringFederationAddress(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetRetiringFederationAddress, args); err != nil {
		return nil, err
	}
	addr, ok := c.bridge.RetiringFederationAddress()
	if !ok {
		return msgp.AppendNil(nil), nil
	}
	return msgp.AppendString(nil, addr), nil
}

func (c *Contract) getRetiringFederationSize(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetRetiringFederationSize, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, c.bridge.RetiringFederationSize()), nil
}

func (c *Contract) getPendingFederationHash(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetPendingFederationHash, args); err != nil {
		return nil, err
	}
	hash, err := c.bridge.PendingFederationHash()
	if err != nil {
		return nil, err
	}
	return types.AppendHash(nil, hash), nil
}

func (c *Contract) getPendingFederationSize(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetPendingFederationSize, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, c.bridge.PendingFederationSize()), nil
}

func (c *Contract) getPendingFederatorPublicKey(_ types.CallContext, args *argReader) ([]byte, error) {
	index := args.int("index")
	if err := c.decoded(OpGetPendingFederatorPublicKey, args); err != nil {
		return nil, err
	}
	key, err := c.bridge.PendingFederatorPublicKey(index)
	if err != nil {
		return nil, err
	}
	return msgp.AppendBytes(nil, key), nil
}

func (c *Contract) getStateForReleaseClient(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetStateForReleaseClient, args); err != nil {
		return nil, err
	}
	pending, err := c.bridge.StateForReleaseClient()
	if err != nil {
		return nil, err
	}
	return appendPendingSignatures(nil, pending)
}

func (c *Contract) isDepositProcessed(_ types.CallContext, args *argReader) ([]byte, error) {
	txHash := args.hash("transaction hash")
	flyover := args.flyover("flyover data")
	if err := c.decoded(OpIsDepositProcessed, args); err != nil {
		return nil, err
	}
	return msgp.AppendBool(nil, c.bridge.IsDepositProcessed(txHash, flyover)), nil
}

func (c *Contract) getMinimumPeginValue(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetMinimumPeginValue, args); err != nil {
		return nil, err
	}
	return types.AppendAmount(nil, c.bridge.MinimumPeginValue()), nil
}

func (c *Contract) getReleaseQueueSize(_ types.CallContext, args *argReader) ([]byte, error) {
	if err := c.decoded(OpGetReleaseQueueSize, args); err != nil {
		return nil, err
	}
	return msgp.AppendInt(nil, c.bridge.ReleaseQueueSize()), nil
}
