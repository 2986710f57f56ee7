package federation

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-bridge/pkg/bridge/testutil"
	"btc-bridge/pkg/bridge/types"
)

func testFederation(t *testing.T, seed, n int) *Federation {
	t.Helper()
	f, err := NewFederation(testutil.PubKeys(testutil.PrivKeys(seed, n)), 1_600_000_000, 1, testutil.Params)
	require.NoError(t, err)
	return f
}

func TestNewFederation(t *testing.T) {
	keys := testutil.PubKeys(testutil.PrivKeys(0, 3))
	f, err := NewFederation(keys, 1_600_000_000, 7, testutil.Params)
	require.NoError(t, err)

	assert.Equal(t, 3, f.Size())
	assert.Equal(t, 2, f.Threshold())
	assert.Equal(t, uint64(7), f.CreationBlockNumber())
	assert.Equal(t, int64(1_600_000_000), f.CreationTime())

	class, addrs, required, err := txscript.ExtractPkScriptAddrs(f.RedeemScript(), testutil.Params)
	require.NoError(t, err)
	assert.Equal(t, txscript.MultiSigTy, class)
	assert.Equal(t, 2, required)
	assert.Len(t, addrs, 3)

	id := f.ID()
	assert.Equal(t, f.Address().ScriptAddress(), id[:])
	for _, k := range keys {
		assert.True(t, f.IsMember(k))
	}
	assert.False(t, f.IsMember(testutil.PrivKey(99).PubKey()))
}

func TestNewFederation_OrderIndependent(t *testing.T) {
	keys := testutil.PubKeys(testutil.PrivKeys(0, 4))
	reversed := []*btcec.PublicKey{keys[3], keys[2], keys[1], keys[0]}

	a, err := NewFederation(keys, 0, 0, testutil.Params)
	require.NoError(t, err)
	b, err := NewFederation(reversed, 0, 0, testutil.Params)
	require.NoError(t, err)

	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, a.Address().EncodeAddress(), b.Address().EncodeAddress())
	assert.True(t, a.SameMembers(b))
}

func TestNewFederation_Invalid(t *testing.T) {
	keys := testutil.PubKeys(testutil.PrivKeys(0, 2))

	_, err := NewFederation(nil, 0, 0, testutil.Params)
	assert.Error(t, err)

	_, err = NewFederation([]*btcec.PublicKey{keys[0], keys[1], keys[0]}, 0, 0, testutil.Params)
	assert.Error(t, err)

	_, err = NewFederation(testutil.PubKeys(testutil.PrivKeys(0, MaxMembers+1)), 0, 0, testutil.Params)
	assert.Error(t, err)
}

func TestThreshold(t *testing.T) {
	tests := []struct{ size, want int }{{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {15, 8}}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold(tt.size), "size %d", tt.size)
	}
}

func TestPendingFederation_HashIgnoresInsertionOrder(t *testing.T) {
	keys := testutil.PubKeys(testutil.PrivKeys(10, 3))

	a := NewPendingFederation()
	b := NewPendingFederation()
	for i := range keys {
		a.add(keys[i])
		b.add(keys[len(keys)-1-i])
	}
	assert.Equal(t, a.Hash(), b.Hash())

	b.add(testutil.PrivKey(20).PubKey())
	assert.NotEqual(t, a.Hash(), b.Hash())
}

type managerFixture struct {
	mgr    *Manager
	st     *State
	voters []types.Address
	block  types.BlockContext
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	voters := []types.Address{testutil.NativeAddress(1), testutil.NativeAddress(2), testutil.NativeAddress(3)}
	return &managerFixture{
		mgr:    NewManager(testutil.Params, voters, 10, nil),
		st:     NewState(testFederation(t, 0, 3)),
		voters: voters,
		block:  types.BlockContext{Number: 100, Timestamp: 1_700_000_000},
	}
}

func (f *managerFixture) vote(t *testing.T, voter int, call CallSpec) *VoteResult {
	t.Helper()
	res, err := f.mgr.Vote(f.st, f.voters[voter], call, f.block, false)
	require.NoError(t, err)
	return res
}

// buildPending drives a pending federation with the given members through majority votes.
func (f *managerFixture) buildPending(t *testing.T, members []*btcec.PublicKey) {
	t.Helper()
	f.vote(t, 0, CreateCall())
	require.True(t, f.vote(t, 1, CreateCall()).Executed)
	for _, m := range members {
		f.vote(t, 0, AddMemberCall(m.SerializeCompressed()))
		require.True(t, f.vote(t, 2, AddMemberCall(m.SerializeCompressed())).Executed)
	}
}

func TestManager_FullChange(t *testing.T) {
	f := newManagerFixture(t)
	old := f.st.Active
	newKeys := testutil.PubKeys(testutil.PrivKeys(50, 3))

	assert.Equal(t, PhaseNoPending, f.st.Phase())
	f.buildPending(t, newKeys)
	assert.Equal(t, PhasePendingBuilding, f.st.Phase())
	require.Equal(t, 3, f.st.Pending.Size())

	hash := f.st.Pending.Hash()
	res := f.vote(t, 0, CommitCall(hash))
	assert.False(t, res.Executed)
	assert.Equal(t, PhasePendingVotingCommit, f.st.Phase())

	res = f.vote(t, 1, CommitCall(hash))
	require.True(t, res.Executed)
	assert.Same(t, old, res.Retired)
	assert.Same(t, f.st.Active, res.Committed)

	assert.Nil(t, f.st.Pending)
	assert.Same(t, old, f.st.Retiring)
	assert.Equal(t, uint64(110), f.st.RetiringExpiry)
	assert.Equal(t, uint64(100), f.st.Active.CreationBlockNumber())
	assert.Zero(t, f.st.Election.Len())
	for _, k := range newKeys {
		assert.True(t, f.st.Active.IsMember(k))
	}
}

func TestManager_MinorityNeverExecutes(t *testing.T) {
	f := newManagerFixture(t)
	res := f.vote(t, 0, CreateCall())
	assert.False(t, res.Executed)

	// repeating the same vote does not count twice
	res = f.vote(t, 0, CreateCall())
	assert.False(t, res.Executed)
	assert.Nil(t, f.st.Pending)
	assert.Equal(t, 1, f.st.Election.Tally(CreateCall(), f.voters))
}

func TestManager_CommitNeedsIdenticalHash(t *testing.T) {
	f := newManagerFixture(t)
	f.buildPending(t, testutil.PubKeys(testutil.PrivKeys(50, 2)))
	hash := f.st.Pending.Hash()

	f.vote(t, 0, CommitCall(hash))
	_, err := f.mgr.Vote(f.st, f.voters[1], CommitCall(chainhash.Hash{1}), f.block, false)
	assert.True(t, errors.Is(err, types.ErrPendingHashMismatch))
	assert.NotNil(t, f.st.Pending)
}

func TestManager_Rejections(t *testing.T) {
	t.Run("unauthorized voter", func(t *testing.T) {
		f := newManagerFixture(t)
		_, err := f.mgr.Vote(f.st, testutil.NativeAddress(9), CreateCall(), f.block, false)
		assert.True(t, errors.Is(err, types.ErrUnauthorizedVoter))
		assert.Zero(t, f.st.Election.Len())
	})

	t.Run("pending already exists", func(t *testing.T) {
		f := newManagerFixture(t)
		f.buildPending(t, nil)
		_, err := f.mgr.Vote(f.st, f.voters[0], CreateCall(), f.block, false)
		assert.True(t, errors.Is(err, types.ErrPendingAlreadyExists))
	})

	t.Run("retiring federation busy", func(t *testing.T) {
		f := newManagerFixture(t)
		_, err := f.mgr.Vote(f.st, f.voters[0], CreateCall(), f.block, true)
		assert.True(t, errors.Is(err, types.ErrChangeAlreadyInProgress))
	})

	t.Run("no pending federation", func(t *testing.T) {
		f := newManagerFixture(t)
		key := testutil.PrivKey(50).PubKey().SerializeCompressed()
		_, err := f.mgr.Vote(f.st, f.voters[0], AddMemberCall(key), f.block, false)
		assert.True(t, errors.Is(err, types.ErrNoPendingFederation))

		_, err = f.mgr.Vote(f.st, f.voters[0], RollbackCall(), f.block, false)
		assert.True(t, errors.Is(err, types.ErrNoPendingFederation))

		_, err = f.mgr.Vote(f.st, f.voters[0], CommitCall(chainhash.Hash{}), f.block, false)
		assert.True(t, errors.Is(err, types.ErrNoPendingFederation))
	})

	t.Run("duplicate member", func(t *testing.T) {
		f := newManagerFixture(t)
		key := testutil.PrivKey(50).PubKey()
		f.buildPending(t, []*btcec.PublicKey{key})
		_, err := f.mgr.Vote(f.st, f.voters[0], AddMemberCall(key.SerializeCompressed()), f.block, false)
		assert.True(t, errors.Is(err, types.ErrDuplicateMember))
	})

	t.Run("malformed key", func(t *testing.T) {
		f := newManagerFixture(t)
		f.buildPending(t, nil)
		_, err := f.mgr.Vote(f.st, f.voters[0], AddMemberCall([]byte{2, 3}), f.block, false)
		assert.True(t, errors.Is(err, types.ErrInvalidArgument))
	})

	t.Run("commit of empty federation", func(t *testing.T) {
		f := newManagerFixture(t)
		f.buildPending(t, nil)
		_, err := f.mgr.Vote(f.st, f.voters[0], CommitCall(f.st.Pending.Hash()), f.block, false)
		assert.True(t, errors.Is(err, types.ErrInvalidArgument))
	})
}

func TestManager_Rollback(t *testing.T) {
	f := newManagerFixture(t)
	active := f.st.Active
	f.buildPending(t, testutil.PubKeys(testutil.PrivKeys(50, 2)))
	f.vote(t, 0, CommitCall(f.st.Pending.Hash()))

	f.vote(t, 1, RollbackCall())
	res := f.vote(t, 2, RollbackCall())
	require.True(t, res.Executed)

	assert.Nil(t, f.st.Pending)
	assert.Same(t, active, f.st.Active)
	assert.Nil(t, f.st.Retiring)
	assert.Zero(t, f.st.Election.Len(), "executing a call ends the session")
}

func TestState_RetiringAuthority(t *testing.T) {
	f := newManagerFixture(t)
	oldKeys := f.st.Active.Members()
	f.buildPending(t, testutil.PubKeys(testutil.PrivKeys(50, 3)))
	f.vote(t, 0, CommitCall(f.st.Pending.Hash()))
	f.vote(t, 1, CommitCall(f.st.Pending.Hash()))
	retiring := f.st.Retiring
	require.NotNil(t, retiring)

	assert.True(t, f.st.IsSigner(oldKeys[0], 109))
	assert.False(t, f.st.IsSigner(oldKeys[0], 110))

	fed, role, ok := f.st.Resolve(retiring.ID(), 109)
	require.True(t, ok)
	assert.Equal(t, RoleRetiring, role)
	assert.Same(t, retiring, fed)

	_, _, ok = f.st.Resolve(retiring.ID(), 110)
	assert.False(t, ok)
	assert.True(t, f.st.Known(retiring.ID()))

	assert.Nil(t, f.mgr.Expire(f.st, 109))
	assert.Same(t, retiring, f.mgr.Expire(f.st, 110))
	assert.Nil(t, f.st.Retiring)
	assert.False(t, f.st.Known(retiring.ID()))
}

func TestState_RoundTrip(t *testing.T) {
	f := newManagerFixture(t)
	f.buildPending(t, testutil.PubKeys(testutil.PrivKeys(50, 3)))
	f.vote(t, 0, CommitCall(f.st.Pending.Hash()))
	f.vote(t, 1, CommitCall(f.st.Pending.Hash()))
	f.buildPending(t, testutil.PubKeys(testutil.PrivKeys(70, 2)))
	f.vote(t, 2, RollbackCall())

	encoded, err := f.st.MarshalMsg(nil)
	require.NoError(t, err)

	decoded, rest, err := UnmarshalState(encoded, testutil.Params)
	require.NoError(t, err)
	assert.Empty(t, rest)

	assert.Equal(t, f.st.Active.ID(), decoded.Active.ID())
	assert.Equal(t, f.st.Retiring.ID(), decoded.Retiring.ID())
	assert.Equal(t, f.st.RetiringExpiry, decoded.RetiringExpiry)
	assert.Equal(t, f.st.Pending.Hash(), decoded.Pending.Hash())
	assert.Equal(t, f.st.Election.Tally(RollbackCall(), f.voters), decoded.Election.Tally(RollbackCall(), f.voters))

	again, err := decoded.MarshalMsg(nil)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}
