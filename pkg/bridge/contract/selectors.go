// Package contract exposes the bridge to the native ledger's contract-call dispatch.
// Call data is a 4-byte operation selector followed by a msgpack array of arguments;
// results are msgpack values.
package contract

import (
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/types"
)

// SelectorSize is the length of an operation selector.
const SelectorSize = 4

// Selector identifies an operation in call data.
type Selector [SelectorSize]byte

// SelectorOf returns the selector of the operation called name: the first four
// bytes of sha256(name).
func SelectorOf(name string) Selector {
	var s Selector
	copy(s[:], chainhash.HashB([]byte(name)))
	return s
}

// String returns the selector in hex.
func (s Selector) String() string {
	return hex.EncodeToString(s[:])
}

// Read-only operation names.
const (
	OpGetFeePerKb                        = "getFeePerKb"
	OpGetLockingCap                      = "getLockingCap"
	OpGetLockedTotal                     = "getLockedTotal"
	OpGetBestExternalBlockHeader         = "getBestExternalBlockHeader"
	OpGetExternalBlockHeaderByHash       = "getExternalBlockHeaderByHash"
	OpGetExternalBlockHeaderByHeight     = "getExternalBlockHeaderByHeight"
	OpGetExternalParentBlockHeaderByHash = "getExternalParentBlockHeaderByHash"
	OpGetTransactionConfirmations        = "getTransactionConfirmations"
	OpGetExternalBlockchainInitialHeight = "getExternalBlockchainInitialHeight"
	OpGetFederationAddress               = "getFederationAddress"
	OpGetFederationSize                  = "getFederationSize"
	OpGetFederationThreshold             = "getFederationThreshold"
	OpGetFederatorPublicKey              = "getFederatorPublicKey"
	OpGetFederationCreationTime          = "getFederationCreationTime"
	OpGetFederationCreationBlockNumber   = "getFederationCreationBlockNumber"
	OpGetRetiringFederationAddress       = "getRetiringFederationAddress"
	OpGetRetiringFederationSize          = "getRetiringFederationSize"
	OpGetPendingFederationHash           = "getPendingFederationHash"
	OpGetPendingFederationSize           = "getPendingFederationSize"
	OpGetPendingFederatorPublicKey       = "getPendingFederatorPublicKey"
	OpGetStateForReleaseClient           = "getStateForReleaseClient"
	OpIsDepositProcessed                 = "isDepositProcessed"
	OpGetMinimumPeginValue               = "getMinimumPeginValue"
	OpGetReleaseQueueSize                = "getReleaseQueueSize"
)

// handler executes an operation. args is positioned after the argument array header.
type handler func(c *Contract, ctx types.CallContext, args *argReader) ([]byte, error)

// method describes a dispatchable operation.
type method struct {
	name     string
	args     uint32
	readOnly bool
	handle   handler
}

var methods = []method{
	{name: engine.OpRegisterDeposit, args: 3, handle: (*Contract).registerDeposit},
	{name: engine.OpRegisterFlyoverDeposit, args: 4, handle: (*Contract).registerFlyoverDeposit},
	{name: engine.OpRequestRelease, args: 1, handle: (*Contract).requestRelease},
	{name: engine.OpAddSignature, args: 3, handle: (*Contract).addSignature},
	{name: engine.OpCreateFederationVote, args: 0, handle: (*Contract).createFederationVote},
	{name: engine.OpAddFederationMemberVote, args: 1, handle: (*Contract).addFederationMemberVote},
	{name: engine.OpCommitFederationVote, args: 1, handle: (*Contract).commitFederationVote},
	{name: engine.OpRollbackFederationVote, args: 0, handle: (*Contract).rollbackFederationVote},
	{name: engine.OpVoteFeePerKb, args: 1, handle: (*Contract).voteFeePerKb},
	{name: engine.OpVoteLockingCap, args: 1, handle: (*Contract).voteLockingCap},
	{name: engine.OpSubmitExternalHeaders, args: 1, handle: (*Contract).submitExternalHeaders},
	{name: engine.OpUpdateCollections, args: 0, handle: (*Contract).updateCollections},

	{name: OpGetFeePerKb, readOnly: true, handle: (*Contract).getFeePerKb},
	{name: OpGetLockingCap, readOnly: true, handle: (*Contract).getLockingCap},
	{name: OpGetLockedTotal, readOnly: true, handle: (*Contract).getLockedTotal},
	{name: OpGetBestExternalBlockHeader, readOnly: true, handle: (*Contract).getBestExternalBlockHeader},
	{name: OpGetExternalBlockHeaderByHash, args: 1, readOnly: true, handle: (*Contract).getExternalBlockHeaderByHash},
	{name: OpGetExternalBlockHeaderByHeight, args: 1, readOnly: true, handle: (*Contract).getExternalBlockHeaderByHeight},
	{name: OpGetExternalParentBlockHeaderByHash, args: 1, readOnly: true, handle: (*Contract).getExternalParentBlockHeaderByHash},
	{name: OpGetTransactionConfirmations, args: 3, readOnly: true, handle: (*Contract).getTransactionConfirmations},
	{name: OpGetExternalBlockchainInitialHeight, readOnly: true, handle: (*Contract).getExternalBlockchainInitialHeight},
	{name: OpGetFederationAddress, readOnly: true, handle: (*Contract).getFederationAddress},
	{name: OpGetFederationSize, readOnly: true, handle: (*Contract).getFederationSize},
	{name: OpGetFederationThreshold, readOnly: true, handle: (*Contract).getFederationThreshold},
	{name: OpGetFederatorPublicKey, args: 1, readOnly: true, handle: (*Contract).getFederatorPublicKey},
	{name: OpGetFederationCreationTime, readOnly: true, handle: (*Contract).getFederationCreationTime},
	{name: OpGetFederationCreationBlockNumber, readOnly: true, handle: (*Contract).getFederationCreationBlockNumber},
	{name: OpGetRetiringFederationAddress, readOnly: true, handle: (*Contract).getRetiringFederationAddress},
	{name: OpGetRetiringFederationSize, readOnly: true, handle: (*Contract).getRetiringFederationSize},
	{name: OpGetPendingFederationHash, readOnly: true, handle: (*Contract).getPendingFederationHash},
	{name: OpGetPendingFederationSize, readOnly: true, handle: (*Contract).getPendingFederationSize},
	{name: OpGetPendingFederatorPublicKey, args: 1, readOnly: true, handle: (*Contract).getPendingFederatorPublicKey},
	{name: OpGetStateForReleaseClient, readOnly: true, handle: (*Contract).getStateForReleaseClient},
	{name: OpIsDepositProcessed, args: 2, readOnly: true, handle: (*Contract).isDepositProcessed},
	{name: OpGetMinimumPeginValue, readOnly: true, handle: (*Contract).getMinimumPeginValue},
	{name: OpGetReleaseQueueSize, readOnly: true, handle: (*Contract).getReleaseQueueSize},
}

var methodTable = buildTable()

func buildTable() map[Selector]*method {
	table := make(map[Selector]*method, len(methods))
	for i := range methods {
		sel := SelectorOf(methods[i].name)
		if prev, ok := table[sel]; ok {
			panic("selector collision between " + prev.name + " and " + methods[i].name)
		}
		table[sel] = &methods[i]
	}
	return table
}

// MethodInfo describes an operation for hosts and tooling.
type MethodInfo struct {
	Name     string
	Selector Selector
	Args     int
	ReadOnly bool
}

// Methods lists every dispatchable operation ordered by name.
func Methods() []MethodInfo {
	out := make([]MethodInfo, 0, len(methods))
	for _, m := range methods {
		out = append(out, MethodInfo{
			Name:     m.name,
			Selector: SelectorOf(m.name),
			Args:     int(m.args),
			ReadOnly: m.readOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsReadOnly reports whether selector names an operation that never changes state.
func IsReadOnly(sel Selector) bool {
	m, ok := methodTable[sel]
	return ok && m.readOnly
}
