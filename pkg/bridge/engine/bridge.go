// Package engine is the bridge facade: it owns the bridge state, routes operations
// to the component processors and runs the per-block collection tick.
package engine

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/events"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/governance"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegin"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/types"
)

// Operation names. Contract selectors are derived from them.
const (
	OpRegisterDeposit         = "registerDeposit"
	OpRegisterFlyoverDeposit  = "registerFlyoverDeposit"
	OpRequestRelease          = "requestRelease"
	OpAddSignature            = "addSignature"
	OpCreateFederationVote    = "createFederationVote"
	OpAddFederationMemberVote = "addFederationMemberVote"
	OpCommitFederationVote    = "commitFederationVote"
	OpRollbackFederationVote  = "rollbackFederationVote"
	OpVoteFeePerKb            = "voteFeePerKb"
	OpVoteLockingCap          = "voteLockingCap"
	OpSubmitExternalHeaders   = "submitExternalHeaders"
	OpUpdateCollections       = "updateCollections"
)

// Options carries the host services and observers a Bridge reports to.
type Options struct {
	Ledger      types.NativeLedger
	EventTracer events.EventTracer
	// Metrics may be nil
	Metrics *Metrics
	Logger  *logger.Logger
}

// DefaultOptions creates options with a no-op tracer and logger.
func DefaultOptions(ledger types.NativeLedger) *Options {
	return &Options{
		Ledger:      ledger,
		EventTracer: &events.NoOpEventTracer{},
		Logger:      logger.Nop(),
	}
}

// Bridge executes bridge operations against its State. It is not safe for
// concurrent use; the host calls it from native block processing.
type Bridge struct {
	cfg   *Config
	state *State
	base  *logger.Logger

	ledger  types.NativeLedger
	tracer  events.EventTracer
	metrics *Metrics
	log     *logger.Logger

	feds     *federation.Manager
	governor *governance.Governor
	releases *pegout.Processor
	deposits *pegin.Processor
}

// TickResult describes what a collection tick did.
type TickResult struct {
	// Expired is the retiring federation discarded by this tick
	Expired *federation.Federation
	// Migration moves retiring outputs to the active federation
	Migration *pegout.ReleaseTx
	Releases  []*pegout.ReleaseTx
	// PrunedVotes counts votes dropped because their voter lost authorization
	PrunedVotes int
}

// NewBridge creates a bridge with the genesis state of cfg.
func NewBridge(cfg *Config, opts *Options) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bridge configuration cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge configuration: %w", err)
	}
	if opts == nil {
		return nil, fmt.Errorf("bridge options cannot be nil")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("native ledger cannot be nil")
	}

	tracer := opts.EventTracer
	if tracer == nil {
		tracer = &events.NoOpEventTracer{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	releases := pegout.NewProcessor(pegout.Config{
		Params:             cfg.Params,
		DustFloor:          cfg.DustFloor,
		MaxReleaseOutputs:  cfg.MaxReleaseOutputs,
		MaxMigrationInputs: cfg.MaxMigrationInputs,
	}, log)

	st, err := NewState(cfg, log)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		state:    st,
		base:     log,
		ledger:   opts.Ledger,
		tracer:   tracer,
		metrics:  opts.Metrics,
		log:      log.Component("bridge"),
		feds:     federation.NewManager(cfg.Params, cfg.FederationVoters, cfg.HandoverDelay, log),
		governor: governance.NewGovernor(governance.Config{
			FeeVoters:            cfg.FeeVoters,
			CapVoters:            cfg.LockingCapVoters,
			MaxFeePerKb:          cfg.MaxFeePerKb,
			LockingCapMultiplier: cfg.LockingCapMultiplier,
		}, log),
		releases: releases,
		deposits: pegin.NewProcessor(pegin.Config{
			Params:            cfg.Params,
			MinConfirmations:  cfg.MinConfirmations,
			MinimumPeginValue: cfg.MinimumPeginValue,
		}, releases, log),
	}
	b.metrics.UpdateState(st)

	b.log.Info("bridge initialized",
		"network", cfg.Params.Name,
		"federation", st.Federations.Active.Address().EncodeAddress(),
		"members", st.Federations.Active.Size(),
		"threshold", st.Federations.Active.Threshold())
	return b, nil
}

// Config returns the bridge configuration.
func (b *Bridge) Config() *Config {
	return b.cfg
}

// finish reports the outcome of an operation and passes err through.
func (b *Bridge) finish(ctx types.CallContext, op string, err error, payload events.EventPayload) error {
	outcome := outcomeOf(err)
	if err != nil {
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["error"] = err.Error()
	}
	b.tracer.RecordCall(ctx.Block.Number, op, outcome, payload)
	b.metrics.RecordCall(op, string(outcome))

	switch outcome {
	case events.CallFailed:
		b.log.Error("bridge operation failed", "operation", op, "block", ctx.Block.Number, "error", err)
	case events.CallRejected:
		b.log.Debug("bridge operation rejected", "operation", op, "block", ctx.Block.Number, "error", err)
	case events.CallNoOp:
		b.log.Debug("bridge operation was a no-op", "operation", op, "block", ctx.Block.Number, "error", err)
	}
	return err
}

// outcomeOf classifies err. Errors that are not bridge errors come from the host
// and are failures.
func outcomeOf(err error) events.CallOutcome {
	if err == nil {
		return events.CallSucceeded
	}
	var bridgeErr *types.BridgeError
	if !errors.As(err, &bridgeErr) {
		return events.CallFailed
	}
	switch bridgeErr.Kind {
	case types.KindNoOp:
		return events.CallNoOp
	case types.KindFatal:
		return events.CallFailed
	default:
		return events.CallRejected
	}
}

// SubmitHeaders adds external block headers. Returns how many were new.
func (b *Bridge) SubmitHeaders(ctx types.CallContext, batch []*wire.BlockHeader) (int, error) {
	added, err := b.state.Headers.Submit(batch)
	if err != nil {
		return 0, b.finish(ctx, OpSubmitExternalHeaders, err, events.EventPayload{"headers": len(batch)})
	}

	payload := events.EventPayload{
		"added":       added,
		"best_height": b.state.Headers.BestHeight(),
	}
	if added > 0 {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventHeadersSubmitted, payload)
		b.metrics.UpdateState(b.state)
	}
	return added, b.finish(ctx, OpSubmitExternalHeaders, nil, payload)
}

// RegisterDeposit credits a confirmed deposit to the federation.
func (b *Bridge) RegisterDeposit(ctx types.CallContext, tx *wire.MsgTx, blockHash chainhash.Hash, proof *headers.MerkleProof) (*pegin.Result, error) {
	return b.register(ctx, OpRegisterDeposit, pegin.Deposit{Tx: tx, BlockHash: blockHash, Proof: proof})
}

// RegisterFlyoverDeposit credits a confirmed deposit to a transaction-bound
// federation address derived from flyover.
func (b *Bridge) RegisterFlyoverDeposit(ctx types.CallContext, tx *wire.MsgTx, blockHash chainhash.Hash, proof *headers.MerkleProof, flyover *pegin.FlyoverData) (*pegin.Result, error) {
	if flyover == nil {
		return nil, b.finish(ctx, OpRegisterFlyoverDeposit, types.Errorf(types.CodeInvalidArgument, "missing flyover data"), nil)
	}
	return b.register(ctx, OpRegisterFlyoverDeposit, pegin.Deposit{Tx: tx, BlockHash: blockHash, Proof: proof, Flyover: flyover})
}

func (b *Bridge) register(ctx types.CallContext, op string, d pegin.Deposit) (*pegin.Result, error) {
	st := b.state
	res, err := b.deposits.Register(st.PegIn, pegin.Env{
		Chain:      st.Headers,
		Feds:       st.Federations,
		Releases:   st.PegOut,
		LockingCap: st.Governance.LockingCap,
		Ledger:     b.ledger,
		Height:     ctx.Block.Number,
	}, d)
	if err != nil {
		return nil, b.finish(ctx, op, err, nil)
	}

	payload := events.EventPayload{"id": res.ID.String(), "confirmations": res.Confirmations}
	if res.Observed {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventReleaseObserved, payload)
	} else {
		payload["recipient"] = res.Recipient.Hex()
		payload["value"] = int64(res.Value)
		payload["credited"] = int64(res.Credited)
		b.tracer.RecordEvent(ctx.Block.Number, events.EventDepositRegistered, payload)
		if res.Refunded > 0 {
			b.tracer.RecordEvent(ctx.Block.Number, events.EventDepositRefunded, events.EventPayload{
				"id":       res.ID.String(),
				"refunded": int64(res.Refunded),
			})
		}
		b.metrics.RecordDeposit(int64(res.Credited), int64(res.Refunded))
	}
	b.metrics.UpdateState(st)
	return res, b.finish(ctx, op, nil, payload)
}

// RequestRelease queues the value attached to the call for release to an external
// address. Value under the dust floor is rejected and stays with the bridge.
func (b *Bridge) RequestRelease(ctx types.CallContext, destination string) error {
	script, err := b.releases.DestinationScript(destination)
	if err == nil {
		err = b.releases.RequestRelease(b.state.PegOut, script, ctx.Value, ctx.TxHash)
	}
	payload := events.EventPayload{"destination": destination, "amount": int64(ctx.Value)}
	if err != nil {
		return b.finish(ctx, OpRequestRelease, err, payload)
	}

	b.state.PegIn.Unlock(ctx.Value)
	b.tracer.RecordEvent(ctx.Block.Number, events.EventReleaseRequested, payload)
	b.metrics.RecordRelease()
	b.metrics.UpdateState(b.state)
	return b.finish(ctx, OpRequestRelease, nil, payload)
}

// AddSignature records a federator's signatures for a transaction awaiting
// signatures. The result carries the signed transaction once it is final.
func (b *Bridge) AddSignature(ctx types.CallContext, signer *btcec.PublicKey, txHash chainhash.Hash, sigs [][]byte) (*pegout.SignatureResult, error) {
	res, err := b.releases.AddSignature(b.state.PegOut, b.state.Federations, signer, txHash, sigs, ctx.Block.Number)
	payload := events.EventPayload{"tx": txHash.String()}
	if err != nil {
		return nil, b.finish(ctx, OpAddSignature, err, payload)
	}

	payload["added"] = res.Added
	b.tracer.RecordEvent(ctx.Block.Number, events.EventSignatureAdded, payload)
	if res.Final != nil {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventTransactionFinalized, events.EventPayload{
			"unsigned": txHash.String(),
			"signed":   res.Final.TxHash().String(),
		})
		b.metrics.RecordFinalized()
		b.metrics.UpdateState(b.state)
	}
	return res, b.finish(ctx, OpAddSignature, nil, payload)
}

// CreateFederation votes to open a pending federation.
func (b *Bridge) CreateFederation(ctx types.CallContext) (*federation.VoteResult, error) {
	return b.voteFederation(ctx, OpCreateFederationVote, federation.CreateCall())
}

// AddFederationMember votes to add key to the pending federation.
func (b *Bridge) AddFederationMember(ctx types.CallContext, key *btcec.PublicKey) (*federation.VoteResult, error) {
	if key == nil {
		return nil, b.finish(ctx, OpAddFederationMemberVote, types.Errorf(types.CodeInvalidArgument, "missing member key"), nil)
	}
	return b.voteFederation(ctx, OpAddFederationMemberVote, federation.AddMemberCall(key.SerializeCompressed()))
}

// CommitFederation votes to make the pending federation with hash active.
func (b *Bridge) CommitFederation(ctx types.CallContext, hash chainhash.Hash) (*federation.VoteResult, error) {
	return b.voteFederation(ctx, OpCommitFederationVote, federation.CommitCall(hash))
}

// RollbackFederation votes to discard the pending federation.
func (b *Bridge) RollbackFederation(ctx types.CallContext) (*federation.VoteResult, error) {
	return b.voteFederation(ctx, OpRollbackFederationVote, federation.RollbackCall())
}

func (b *Bridge) voteFederation(ctx types.CallContext, op string, call federation.CallSpec) (*federation.VoteResult, error) {
	st := b.state.Federations
	from := phaseState(st.Phase())
	busy := b.state.PegOut.RetiringBusy(st.Retiring)

	res, err := b.feds.Vote(st, ctx.Caller, call, ctx.Block, busy)
	payload := events.EventPayload{"voter": ctx.Caller.Hex(), "call": call.String()}
	if err != nil {
		return nil, b.finish(ctx, op, err, payload)
	}

	payload["executed"] = res.Executed
	b.tracer.RecordEvent(ctx.Block.Number, events.EventFederationVote, payload)
	if res.Committed != nil {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventFederationCommitted, events.EventPayload{
			"active":          res.Committed.Address().EncodeAddress(),
			"retiring":        res.Retired.Address().EncodeAddress(),
			"retiring_expiry": st.RetiringExpiry,
		})
	}
	if res.Executed && call.Kind == federation.CallRollback {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventFederationRolledBack, nil)
	}
	if to := phaseState(st.Phase()); to != from {
		b.tracer.RecordTransition(ctx.Block.Number, from, to, call.Kind.String())
	}
	return res, b.finish(ctx, op, nil, payload)
}

func phaseState(p federation.Phase) events.State {
	switch p {
	case federation.PhasePendingBuilding:
		return events.StatePendingBuild
	case federation.PhasePendingVotingCommit:
		return events.StatePendingCommit
	default:
		return events.StateNoPending
	}
}

// VoteFeePerKb records the caller's fee rate proposal. Reports whether the active
// fee rate changed.
func (b *Bridge) VoteFeePerKb(ctx types.CallContext, fee btcutil.Amount) (bool, error) {
	changed, err := b.governor.VoteFeePerKb(b.state.Governance, ctx.Caller, fee)
	payload := events.EventPayload{"voter": ctx.Caller.Hex(), "fee_per_kb": int64(fee)}
	if err != nil {
		return false, b.finish(ctx, OpVoteFeePerKb, err, payload)
	}
	if changed {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventFeePerKbChanged, events.EventPayload{
			"fee_per_kb": int64(b.state.Governance.FeePerKb),
		})
		b.metrics.UpdateState(b.state)
	}
	return changed, b.finish(ctx, OpVoteFeePerKb, nil, payload)
}

// VoteLockingCap records the caller's locking cap proposal. Reports whether the
// active cap changed.
func (b *Bridge) VoteLockingCap(ctx types.CallContext, lockingCap btcutil.Amount) (bool, error) {
	changed, err := b.governor.VoteLockingCap(b.state.Governance, ctx.Caller, lockingCap)
	payload := events.EventPayload{"voter": ctx.Caller.Hex(), "locking_cap": int64(lockingCap)}
	if err != nil {
		return false, b.finish(ctx, OpVoteLockingCap, err, payload)
	}
	if changed {
		b.tracer.RecordEvent(ctx.Block.Number, events.EventLockingCapChanged, events.EventPayload{
			"locking_cap": int64(b.state.Governance.LockingCap),
		})
		b.metrics.UpdateState(b.state)
	}
	return changed, b.finish(ctx, OpVoteLockingCap, nil, payload)
}

// UpdateCollections runs once per native block. It discards an expired retiring
// federation, starts migrating the retiring federation's funds, batches queued
// releases and drops votes of voters that lost authorization.
func (b *Bridge) UpdateCollections(ctx types.CallContext) (*TickResult, error) {
	st := b.state
	height := ctx.Block.Number
	feds := st.Federations
	res := &TickResult{}

	if feds.Retiring != nil && height >= feds.RetiringExpiry {
		b.releases.ExpireRetiring(st.PegOut, feds.Retiring)
		res.Expired = b.feds.Expire(feds, height)
		b.tracer.RecordEvent(height, events.EventFederationRetired, events.EventPayload{
			"address": res.Expired.Address().EncodeAddress(),
		})
	}

	if feds.RetiringActive(height) && !st.PegOut.MigrationInFlight(feds.Retiring.ID()) {
		res.Migration = b.releases.BuildMigration(st.PegOut, feds.Retiring, feds.Active, st.Governance.FeePerKb, height)
		if res.Migration != nil {
			b.tracer.RecordEvent(height, events.EventMigrationBuilt, events.EventPayload{
				"tx":     res.Migration.UnsignedHash.String(),
				"inputs": len(res.Migration.Spent),
			})
		}
	}

	res.Releases = b.releases.BuildReleases(st.PegOut, feds.Active, st.Governance.FeePerKb, height)
	for _, rt := range res.Releases {
		b.tracer.RecordEvent(height, events.EventReleaseBuilt, events.EventPayload{
			"tx":       rt.UnsignedHash.String(),
			"inputs":   len(rt.Spent),
			"requests": len(rt.Requests),
		})
	}

	res.PrunedVotes = b.feds.PruneVotes(feds) + b.governor.PruneStale(st.Governance)

	migrations := 0
	if res.Migration != nil {
		migrations = 1
	}
	b.metrics.RecordBuilt(len(res.Releases), migrations)
	b.metrics.UpdateState(st)

	return res, b.finish(ctx, OpUpdateCollections, nil, events.EventPayload{
		"releases":   len(res.Releases),
		"migrations": migrations,
		"queue":      len(st.PegOut.Queue),
	})
}

// Snapshot returns the canonical encoding of the whole bridge state.
func (b *Bridge) Snapshot() ([]byte, error) {
	return b.state.MarshalMsg(nil)
}

// Restore replaces the bridge state with a snapshot. The current state is kept
// when the snapshot does not decode.
func (b *Bridge) Restore(snapshot []byte) error {
	st, rest, err := UnmarshalState(snapshot, b.cfg, b.base)
	if err != nil {
		return fmt.Errorf("failed to decode bridge snapshot: %w", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("bridge snapshot has %d trailing bytes", len(rest))
	}
	b.state = st
	b.metrics.UpdateState(st)
	b.log.Info("bridge state restored",
		"best_height", st.Headers.BestHeight(),
		"federation", st.Federations.Active.Address().EncodeAddress())
	return nil
}
