package federation

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/types"
)

// Phase is the progress of a federation change.
type Phase uint8

const (
	PhaseNoPending Phase = iota
	PhasePendingBuilding
	PhasePendingVotingCommit
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNoPending:
		return "NoPending"
	case PhasePendingBuilding:
		return "PendingBuilding"
	case PhasePendingVotingCommit:
		return "PendingVotingCommit"
	default:
		return "Unknown"
	}
}

// Role tags which federation owns a transaction input.
type Role uint8

const (
	RoleActive Role = iota + 1
	RoleRetiring
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleActive:
		return "Active"
	case RoleRetiring:
		return "Retiring"
	default:
		return "Unknown"
	}
}

// State is the federation part of the bridge state.
type State struct {
	Active *Federation
	// Retiring is the previous active federation, nil once discarded
	Retiring *Federation
	// RetiringExpiry is the native block height at which Retiring loses signing authority
	RetiringExpiry uint64
	Pending        *PendingFederation
	Election       *Election
}

// NewState creates a state with genesis as the active federation.
func NewState(genesis *Federation) *State {
	return &State{
		Active:   genesis,
		Election: NewElection(),
	}
}

// Phase reports the progress of the current change.
func (st *State) Phase() Phase {
	if st.Pending == nil {
		return PhaseNoPending
	}
	for _, call := range st.Election.Calls() {
		if call.Kind == CallCommit {
			return PhasePendingVotingCommit
		}
	}
	return PhasePendingBuilding
}

// RetiringActive reports whether the retiring federation still has signing
// authority at the given native height.
func (st *State) RetiringActive(height uint64) bool {
	return st.Retiring != nil && height < st.RetiringExpiry
}

// Resolve maps a federation id to the federation holding it and its role. The
// retiring federation only resolves while it still has signing authority.
func (st *State) Resolve(id types.FederationID, height uint64) (*Federation, Role, bool) {
	if st.Active != nil && st.Active.ID() == id {
		return st.Active, RoleActive, true
	}
	if st.RetiringActive(height) && st.Retiring.ID() == id {
		return st.Retiring, RoleRetiring, true
	}
	return nil, 0, false
}

// Known reports whether id belongs to the active or retiring federation, ignoring
// the retiring expiry.
func (st *State) Known(id types.FederationID) bool {
	return (st.Active != nil && st.Active.ID() == id) || (st.Retiring != nil && st.Retiring.ID() == id)
}

// IsSigner reports whether pub may currently sign for the bridge: a member of the
// active federation or of a retiring federation that has not expired.
func (st *State) IsSigner(pub *btcec.PublicKey, height uint64) bool {
	if st.Active.IsMember(pub) {
		return true
	}
	return st.RetiringActive(height) && st.Retiring.IsMember(pub)
}

// VoteResult reports the outcome of a federation change vote.
type VoteResult struct {
	Call CallSpec
	// Executed is true when this vote completed a majority and the call ran
	Executed bool
	// Committed is the new active federation when a commit executed
	Committed *Federation
	// Retired is the federation that started retiring when a commit executed
	Retired *Federation
}

// Manager applies federation change votes to a State.
type Manager struct {
	params        *chaincfg.Params
	authorizers   []types.Address
	handoverDelay uint64
	log           *logger.Logger
}

// NewManager creates a manager for the given voter set.
func NewManager(params *chaincfg.Params, authorizers []types.Address, handoverDelay uint64, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	voters := dedupe(authorizers)
	sortAddresses(voters)
	return &Manager{
		params:        params,
		authorizers:   voters,
		handoverDelay: handoverDelay,
		log:           log.Component("federation"),
	}
}

// Authorizers returns the voters allowed to change the federation.
func (m *Manager) Authorizers() []types.Address {
	out := make([]types.Address, len(m.authorizers))
	copy(out, m.authorizers)
	return out
}

// IsAuthorized reports whether voter may vote on federation changes.
func (m *Manager) IsAuthorized(voter types.Address) bool {
	for _, a := range m.authorizers {
		if a == voter {
			return true
		}
	}
	return false
}

// Vote validates call against the current state, records the vote and executes the
// call once a strict majority of authorizers has cast it. retiringBusy tells whether
// the retiring federation still has unresolved peg-out work. Executing any call
// ends the voting session.
func (m *Manager) Vote(st *State, voter types.Address, call CallSpec, block types.BlockContext, retiringBusy bool) (*VoteResult, error) {
	if !m.IsAuthorized(voter) {
		return nil, types.Errorf(types.CodeUnauthorizedVoter, "%s may not vote on federation changes", voter)
	}

	var (
		newMember *btcec.PublicKey
		next      *Federation
		err       error
	)
	switch call.Kind {
	case CallCreate:
		if st.Pending != nil {
			return nil, types.ErrPendingAlreadyExists
		}
		if retiringBusy {
			return nil, types.Errorf(types.CodeChangeAlreadyInProgress, "retiring federation still has unresolved releases")
		}
	case CallAddMember:
		if newMember, err = m.validateAdd(st, call.Arg); err != nil {
			return nil, err
		}
	case CallCommit:
		if next, err = m.validateCommit(st, call.Arg, block, retiringBusy); err != nil {
			return nil, err
		}
	case CallRollback:
		if st.Pending == nil {
			return nil, types.ErrNoPendingFederation
		}
	default:
		return nil, types.Errorf(types.CodeInvalidArgument, "unknown federation call kind %d", call.Kind)
	}

	result := &VoteResult{Call: call}
	if !st.Election.Vote(call, voter) {
		m.log.Debug("duplicate federation vote ignored", "voter", voter.Hex(), "call", call.String())
		return result, nil
	}
	m.log.Debug("federation vote recorded", "voter", voter.Hex(), "call", call.String(),
		"votes", st.Election.Tally(call, m.authorizers), "voters", len(m.authorizers))

	if !st.Election.HasMajority(call, m.authorizers) {
		return result, nil
	}

	result.Executed = true
	switch call.Kind {
	case CallCreate:
		st.Pending = NewPendingFederation()
		m.log.Info("pending federation created", "block", block.Number)
	case CallAddMember:
		st.Pending.add(newMember)
		m.log.Info("pending federation member added", "key", call.String(), "size", st.Pending.Size())
	case CallCommit:
		result.Retired = st.Active
		result.Committed = next
		if st.Retiring != nil {
			m.log.Info("discarding previous retiring federation", "address", st.Retiring.Address().EncodeAddress())
		}
		st.Retiring = st.Active
		st.RetiringExpiry = block.Number + m.handoverDelay
		st.Active = next
		st.Pending = nil
		m.log.Info("federation committed",
			"active", next.Address().EncodeAddress(),
			"retiring", st.Retiring.Address().EncodeAddress(),
			"retiring_expiry", st.RetiringExpiry,
			"size", next.Size(),
			"threshold", next.Threshold())
	case CallRollback:
		st.Pending = nil
		m.log.Info("pending federation rolled back", "block", block.Number)
	}
	st.Election.Clear()
	return result, nil
}

func (m *Manager) validateAdd(st *State, arg []byte) (*btcec.PublicKey, error) {
	if st.Pending == nil {
		return nil, types.ErrNoPendingFederation
	}
	if len(arg) != btcec.PubKeyBytesLenCompressed {
		return nil, types.Errorf(types.CodeInvalidArgument, "member key must be %d compressed bytes, got %d", btcec.PubKeyBytesLenCompressed, len(arg))
	}
	pub, err := btcec.ParsePubKey(arg)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "invalid member key", err)
	}
	if st.Pending.Contains(pub) {
		return nil, types.Errorf(types.CodeDuplicateMember, "key %x already in pending federation", arg)
	}
	if st.Pending.Size() >= MaxMembers {
		return nil, types.Errorf(types.CodeInvalidArgument, "pending federation already has %d members", MaxMembers)
	}
	return pub, nil
}

func (m *Manager) validateCommit(st *State, arg []byte, block types.BlockContext, retiringBusy bool) (*Federation, error) {
	if st.Pending == nil {
		return nil, types.ErrNoPendingFederation
	}
	if len(arg) != chainhash.HashSize {
		return nil, types.Errorf(types.CodeInvalidArgument, "commit hash must be %d bytes, got %d", chainhash.HashSize, len(arg))
	}
	var expected chainhash.Hash
	copy(expected[:], arg)
	if actual := st.Pending.Hash(); actual != expected {
		return nil, types.Errorf(types.CodePendingHashMismatch, "pending federation hash is %s, vote references %s", actual, expected)
	}
	if st.Pending.Size() == 0 {
		return nil, types.Errorf(types.CodeInvalidArgument, "cannot commit an empty federation")
	}
	if retiringBusy {
		return nil, types.Errorf(types.CodeChangeAlreadyInProgress, "retiring federation still has unresolved releases")
	}
	next, err := st.Pending.Build(block.Timestamp, block.Number, m.params)
	if err != nil {
		return nil, types.NewBridgeErrorWithCause(types.CodeInvalidArgument, "cannot build federation", err)
	}
	if next.SameMembers(st.Active) {
		return nil, types.Errorf(types.CodeInvalidArgument, "pending federation equals the active federation")
	}
	return next, nil
}

// PruneVotes drops election votes of voters that are no longer authorized.
func (m *Manager) PruneVotes(st *State) int {
	dropped := st.Election.Prune(m.authorizers)
	if dropped > 0 {
		m.log.Debug("dropped stale federation votes", "count", dropped)
	}
	return dropped
}

// Expire discards the retiring federation once the native height reaches its
// expiry. Returns the discarded federation, or nil.
func (m *Manager) Expire(st *State, height uint64) *Federation {
	if st.Retiring == nil || height < st.RetiringExpiry {
		return nil
	}
	expired := st.Retiring
	st.Retiring = nil
	st.RetiringExpiry = 0
	m.log.Info("retiring federation expired", "address", expired.Address().EncodeAddress(), "height", height)
	return expired
}
