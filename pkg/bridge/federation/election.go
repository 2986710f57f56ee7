package federation

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btc-bridge/pkg/bridge/types"
)

// CallKind is the federation change operation a vote is cast for.
type CallKind uint8

const (
	CallCreate CallKind = iota + 1
	CallAddMember
	CallCommit
	CallRollback
)

// String returns the operation name for a call kind.
func (k CallKind) String() string {
	switch k {
	case CallCreate:
		return "create"
	case CallAddMember:
		return "add"
	case CallCommit:
		return "commit"
	case CallRollback:
		return "rollback"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// CallSpec identifies a vote: the operation plus its argument bytes. Two votes count
// toward the same call only if both fields are identical.
type CallSpec struct {
	Kind CallKind
	Arg  []byte
}

// CreateCall returns the vote call for a create-pending vote.
func CreateCall() CallSpec {
	return CallSpec{Kind: CallCreate}
}

// AddMemberCall returns the vote call for adding the compressed key to the pending federation.
func AddMemberCall(compressedKey []byte) CallSpec {
	return CallSpec{Kind: CallAddMember, Arg: append([]byte(nil), compressedKey...)}
}

// CommitCall returns the vote call for committing the pending federation with the given hash.
func CommitCall(hash chainhash.Hash) CallSpec {
	return CallSpec{Kind: CallCommit, Arg: append([]byte(nil), hash[:]...)}
}

// RollbackCall returns the vote call for discarding the pending federation.
func RollbackCall() CallSpec {
	return CallSpec{Kind: CallRollback}
}

// String returns a string representation of the call for logging.
func (c CallSpec) String() string {
	if len(c.Arg) == 0 {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s(%x)", c.Kind, c.Arg)
}

// electionKey is the comparable form of a CallSpec.
type electionKey struct {
	kind CallKind
	arg  string
}

func keyOf(spec CallSpec) electionKey {
	return electionKey{kind: spec.Kind, arg: string(spec.Arg)}
}

func (k electionKey) spec() CallSpec {
	return CallSpec{Kind: k.kind, Arg: []byte(k.arg)}
}

// Election collects votes for federation change calls during one voting session.
// A voter may back several different calls; each call tallies its own voters.
type Election struct {
	votes map[electionKey]map[types.Address]struct{}
}

// NewElection creates an empty election.
func NewElection() *Election {
	return &Election{votes: make(map[electionKey]map[types.Address]struct{})}
}

// Vote records voter's vote for spec. Returns false if the voter had already voted
// for the identical call.
func (e *Election) Vote(spec CallSpec, voter types.Address) bool {
	key := keyOf(spec)
	if e.votes[key] == nil {
		e.votes[key] = make(map[types.Address]struct{})
	}
	if _, exists := e.votes[key][voter]; exists {
		return false
	}
	e.votes[key][voter] = struct{}{}
	return true
}

// Tally counts the votes for spec cast by voters still in the authorized set.
func (e *Election) Tally(spec CallSpec, authorized []types.Address) int {
	voters := e.votes[keyOf(spec)]
	count := 0
	for _, addr := range dedupe(authorized) {
		if _, ok := voters[addr]; ok {
			count++
		}
	}
	return count
}

// HasMajority reports whether more than half of the authorized voters back spec.
func (e *Election) HasMajority(spec CallSpec, authorized []types.Address) bool {
	return e.Tally(spec, authorized)*2 > len(dedupe(authorized))
}

// Clear drops every vote, ending the session.
func (e *Election) Clear() {
	e.votes = make(map[electionKey]map[types.Address]struct{})
}

// Prune drops votes cast by voters outside authorized, and calls left without
// votes. Returns the number of votes dropped.
func (e *Election) Prune(authorized []types.Address) int {
	allowed := make(map[types.Address]struct{}, len(authorized))
	for _, a := range authorized {
		allowed[a] = struct{}{}
	}
	dropped := 0
	for key, voters := range e.votes {
		for voter := range voters {
			if _, ok := allowed[voter]; !ok {
				delete(voters, voter)
				dropped++
			}
		}
		if len(voters) == 0 {
			delete(e.votes, key)
		}
	}
	return dropped
}

// Len returns the number of distinct calls with at least one vote.
func (e *Election) Len() int {
	return len(e.votes)
}

// Calls returns the calls that have votes, in canonical order.
func (e *Election) Calls() []CallSpec {
	keys := e.sortedKeys()
	out := make([]CallSpec, len(keys))
	for i, k := range keys {
		out[i] = k.spec()
	}
	return out
}

func (e *Election) sortedKeys() []electionKey {
	keys := make([]electionKey, 0, len(e.votes))
	for k := range e.votes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].arg < keys[j].arg
	})
	return keys
}

func sortAddresses(addrs []types.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

func dedupe(addrs []types.Address) []types.Address {
	seen := make(map[types.Address]struct{}, len(addrs))
	out := make([]types.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
