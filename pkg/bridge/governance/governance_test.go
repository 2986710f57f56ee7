package governance

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-bridge/pkg/bridge/testutil"
	"btc-bridge/pkg/bridge/types"
)

func newGovernor(voters []types.Address) *Governor {
	return NewGovernor(Config{
		FeeVoters:            voters,
		CapVoters:            voters,
		MaxFeePerKb:          5_000_000,
		LockingCapMultiplier: 2,
	}, nil)
}

func voters(n int) []types.Address {
	out := make([]types.Address, n)
	for i := range out {
		out[i] = testutil.NativeAddress(i)
	}
	return out
}

func TestVoteFeePerKb_MajorityChangesValue(t *testing.T) {
	vs := voters(3)
	g := newGovernor(vs)
	st := NewState(10_000, 1_000_000)

	changed, err := g.VoteFeePerKb(st, vs[0], 20_000)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, btcutil.Amount(10_000), st.FeePerKb)

	changed, err = g.VoteFeePerKb(st, vs[1], 20_000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, btcutil.Amount(20_000), st.FeePerKb)
}

func TestVoteFeePerKb_OverwriteAndSplit(t *testing.T) {
	vs := voters(4)
	g := newGovernor(vs)
	st := NewState(10_000, 1_000_000)

	_, err := g.VoteFeePerKb(st, vs[0], 20_000)
	require.NoError(t, err)
	_, err = g.VoteFeePerKb(st, vs[1], 20_000)
	require.NoError(t, err)
	// two of four is not more than half
	assert.Equal(t, btcutil.Amount(10_000), st.FeePerKb)

	// voter 0 changes its mind, leaving no majority
	_, err = g.VoteFeePerKb(st, vs[0], 30_000)
	require.NoError(t, err)
	v, _ := st.FeeVotes.Proposal(vs[0])
	assert.Equal(t, btcutil.Amount(30_000), v)

	_, err = g.VoteFeePerKb(st, vs[2], 20_000)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(10_000), st.FeePerKb)

	_, err = g.VoteFeePerKb(st, vs[3], 20_000)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(20_000), st.FeePerKb)
}

func TestVoteFeePerKb_Rejections(t *testing.T) {
	vs := voters(3)
	g := newGovernor(vs)
	st := NewState(10_000, 1_000_000)

	_, err := g.VoteFeePerKb(st, testutil.NativeAddress(50), 20_000)
	assert.True(t, errors.Is(err, types.ErrUnauthorizedVoter))

	_, err = g.VoteFeePerKb(st, vs[0], 0)
	assert.True(t, errors.Is(err, types.ErrInvalidFeePerKb))

	_, err = g.VoteFeePerKb(st, vs[0], 5_000_001)
	assert.True(t, errors.Is(err, types.ErrInvalidFeePerKb))

	assert.Zero(t, st.FeeVotes.Len())
}

func TestVoteLockingCap(t *testing.T) {
	vs := voters(3)
	g := newGovernor(vs)
	st := NewState(10_000, 1_000_000)

	_, err := g.VoteLockingCap(st, vs[0], 999_999)
	assert.True(t, errors.Is(err, types.ErrInvalidLockingCap))

	_, err = g.VoteLockingCap(st, vs[0], 2_000_001)
	assert.True(t, errors.Is(err, types.ErrInvalidLockingCap))

	_, err = g.VoteLockingCap(st, vs[0], 2_000_000)
	require.NoError(t, err)
	changed, err := g.VoteLockingCap(st, vs[2], 2_000_000)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, btcutil.Amount(2_000_000), st.LockingCap)
}

func TestLedger_StaleVotersIgnored(t *testing.T) {
	vs := voters(4)
	l := NewLedger()
	l.Vote(vs[0], 5)
	l.Vote(vs[1], 5)
	l.Vote(vs[3], 5)

	// with vs[3] no longer authorized only two of three agree, still a majority
	v, ok := l.Majority(vs[:3])
	require.True(t, ok)
	assert.Equal(t, btcutil.Amount(5), v)

	// and with a five voter set three of five agree
	_, ok = l.Majority(append(vs, testutil.NativeAddress(40)))
	assert.True(t, ok)

	assert.Equal(t, 1, l.Prune(vs[:3]))
	_, ok = l.Majority(append(vs[:3:3], testutil.NativeAddress(40), testutil.NativeAddress(41)))
	assert.False(t, ok)
}

func TestState_RoundTrip(t *testing.T) {
	vs := voters(3)
	g := newGovernor(vs)
	st := NewState(10_000, 1_000_000)
	_, err := g.VoteFeePerKb(st, vs[2], 15_000)
	require.NoError(t, err)
	_, err = g.VoteFeePerKb(st, vs[0], 12_000)
	require.NoError(t, err)
	_, err = g.VoteLockingCap(st, vs[1], 1_500_000)
	require.NoError(t, err)

	encoded, err := st.MarshalMsg(nil)
	require.NoError(t, err)

	var decoded State
	rest, err := decoded.UnmarshalMsg(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, st, &decoded)

	again, err := decoded.MarshalMsg(nil)
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}
