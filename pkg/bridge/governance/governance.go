// Package governance implements authorized-voter governance of the external-chain
// fee rate and the peg-in locking cap.
package governance

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/tinylib/msgp/msgp"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/types"
)

// Ledger maps each voter to its current proposal. A new vote overwrites the
// voter's previous one.
type Ledger struct {
	votes map[types.Address]btcutil.Amount
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{votes: make(map[types.Address]btcutil.Amount)}
}

// Vote records voter's proposal, replacing any earlier one.
func (l *Ledger) Vote(voter types.Address, value btcutil.Amount) {
	l.votes[voter] = value
}

// Proposal returns voter's current proposal.
func (l *Ledger) Proposal(voter types.Address) (btcutil.Amount, bool) {
	v, ok := l.votes[voter]
	return v, ok
}

// Len returns the number of recorded proposals.
func (l *Ledger) Len() int {
	return len(l.votes)
}

// Prune drops proposals from voters outside the authorized set.
func (l *Ledger) Prune(authorized []types.Address) int {
	allowed := make(map[types.Address]struct{}, len(authorized))
	for _, a := range authorized {
		allowed[a] = struct{}{}
	}
	dropped := 0
	for voter := range l.votes {
		if _, ok := allowed[voter]; !ok {
			delete(l.votes, voter)
			dropped++
		}
	}
	return dropped
}

// Majority returns the value proposed by more than half of the authorized voters.
// Proposals from voters outside the set do not count.
func (l *Ledger) Majority(authorized []types.Address) (btcutil.Amount, bool) {
	seen := make(map[types.Address]struct{}, len(authorized))
	counts := make(map[btcutil.Amount]int)
	for _, a := range authorized {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if v, ok := l.votes[a]; ok {
			counts[v]++
		}
	}
	for v, c := range counts {
		if c*2 > len(seen) {
			return v, true
		}
	}
	return 0, false
}

// MarshalMsg implements msgp.Marshaler. Entries are sorted by voter.
func (l *Ledger) MarshalMsg(b []byte) ([]byte, error) {
	voters := make([]types.Address, 0, len(l.votes))
	for v := range l.votes {
		voters = append(voters, v)
	}
	sort.Slice(voters, func(i, j int) bool {
		return bytes.Compare(voters[i][:], voters[j][:]) < 0
	})

	o := msgp.AppendArrayHeader(b, uint32(len(voters)))
	for _, v := range voters {
		o = msgp.AppendArrayHeader(o, 2)
		o = types.AppendAddress(o, v)
		o = types.AppendAmount(o, l.votes[v])
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (l *Ledger) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	l.votes = make(map[types.Address]btcutil.Amount, n)
	for i := uint32(0); i < n; i++ {
		if bts, err = types.ReadArray(bts, 2); err != nil {
			return bts, err
		}
		var voter types.Address
		if voter, bts, err = types.ReadAddress(bts); err != nil {
			return bts, err
		}
		var value btcutil.Amount
		if value, bts, err = types.ReadAmount(bts); err != nil {
			return bts, err
		}
		l.votes[voter] = value
	}
	return bts, nil
}

// State holds the governed values and their vote ledgers.
type State struct {
	FeePerKb   btcutil.Amount
	LockingCap btcutil.Amount
	FeeVotes   *Ledger
	CapVotes   *Ledger
}

// NewState creates a governance state with initial values.
func NewState(feePerKb, lockingCap btcutil.Amount) *State {
	return &State{
		FeePerKb:   feePerKb,
		LockingCap: lockingCap,
		FeeVotes:   NewLedger(),
		CapVotes:   NewLedger(),
	}
}

// MarshalMsg implements msgp.Marshaler
func (st *State) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 4)
	o = types.AppendAmount(o, st.FeePerKb)
	o = types.AppendAmount(o, st.LockingCap)
	var err error
	if o, err = st.FeeVotes.MarshalMsg(o); err != nil {
		return b, err
	}
	if o, err = st.CapVotes.MarshalMsg(o); err != nil {
		return b, err
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (st *State) UnmarshalMsg(bts []byte) ([]byte, error) {
	bts, err := types.ReadArray(bts, 4)
	if err != nil {
		return bts, err
	}
	if st.FeePerKb, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	if st.LockingCap, bts, err = types.ReadAmount(bts); err != nil {
		return bts, err
	}
	st.FeeVotes = NewLedger()
	if bts, err = st.FeeVotes.UnmarshalMsg(bts); err != nil {
		return bts, err
	}
	st.CapVotes = NewLedger()
	if bts, err = st.CapVotes.UnmarshalMsg(bts); err != nil {
		return bts, err
	}
	return bts, nil
}

// Config bounds the values voters may propose.
type Config struct {
	FeeVoters   []types.Address
	CapVoters   []types.Address
	MaxFeePerKb btcutil.Amount
	// LockingCapMultiplier is the largest factor a single change may raise the cap by
	LockingCapMultiplier int64
}

// Governor applies fee and locking cap votes.
type Governor struct {
	cfg Config
	log *logger.Logger
}

// NewGovernor creates a governor.
func NewGovernor(cfg Config, log *logger.Logger) *Governor {
	if log == nil {
		log = logger.Nop()
	}
	return &Governor{cfg: cfg, log: log.Component("governance")}
}

// VoteFeePerKb records a fee rate proposal and returns true when the active fee
// rate changed as a result.
func (g *Governor) VoteFeePerKb(st *State, voter types.Address, fee btcutil.Amount) (bool, error) {
	if !contains(g.cfg.FeeVoters, voter) {
		return false, types.Errorf(types.CodeUnauthorizedVoter, "%s may not vote on the fee rate", voter)
	}
	if fee <= 0 {
		return false, types.Errorf(types.CodeInvalidFeePerKb, "fee per kb must be positive, got %d", fee)
	}
	if fee > g.cfg.MaxFeePerKb {
		return false, types.Errorf(types.CodeInvalidFeePerKb, "fee per kb %d above maximum %d", fee, g.cfg.MaxFeePerKb)
	}

	st.FeeVotes.Vote(voter, fee)
	g.log.Debug("fee per kb vote", "voter", voter.Hex(), "fee", int64(fee))
	return g.recompute(st.FeeVotes, g.cfg.FeeVoters, &st.FeePerKb, "fee per kb"), nil
}

// VoteLockingCap records a locking cap proposal and returns true when the active
// cap changed as a result. The cap may only grow, and by at most the configured
// multiplier per change.
func (g *Governor) VoteLockingCap(st *State, voter types.Address, lockingCap btcutil.Amount) (bool, error) {
	if !contains(g.cfg.CapVoters, voter) {
		return false, types.Errorf(types.CodeUnauthorizedVoter, "%s may not vote on the locking cap", voter)
	}
	if lockingCap < st.LockingCap {
		return false, types.Errorf(types.CodeInvalidLockingCap, "locking cap %d below current %d", lockingCap, st.LockingCap)
	}
	if limit := st.LockingCap * btcutil.Amount(g.cfg.LockingCapMultiplier); lockingCap > limit {
		return false, types.Errorf(types.CodeInvalidLockingCap, "locking cap %d above %d times current %d",
			lockingCap, g.cfg.LockingCapMultiplier, st.LockingCap)
	}

	st.CapVotes.Vote(voter, lockingCap)
	g.log.Debug("locking cap vote", "voter", voter.Hex(), "cap", int64(lockingCap))
	return g.recompute(st.CapVotes, g.cfg.CapVoters, &st.LockingCap, "locking cap"), nil
}

// PruneStale drops proposals of voters that are no longer authorized. Active
// values are left unchanged until the next vote recomputes them.
func (g *Governor) PruneStale(st *State) int {
	return st.FeeVotes.Prune(g.cfg.FeeVoters) + st.CapVotes.Prune(g.cfg.CapVoters)
}

func (g *Governor) recompute(ledger *Ledger, voters []types.Address, active *btcutil.Amount, what string) bool {
	if dropped := ledger.Prune(voters); dropped > 0 {
		g.log.Debug("dropped stale votes", "what", what, "count", dropped)
	}
	winner, ok := ledger.Majority(voters)
	if !ok || winner == *active {
		return false
	}
	g.log.Info("governed value changed", "what", what, "old", int64(*active), "new", int64(winner))
	*active = winner
	return true
}

func contains(set []types.Address, addr types.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}
