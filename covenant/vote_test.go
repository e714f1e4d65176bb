package covenant

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyVoteSingleIncrement(t *testing.T) {
	prior := mustState(t, "iPhone", "Android")
	prior[0].Votes = 5
	prior[1].Votes = 9

	for i := range prior {
		succ, applied := ApplyVote(prior, prior[i].Name)
		require.True(t, applied)
		for j := range succ {
			require.Equal(t, prior[j].Name, succ[j].Name)
			want := prior[j].Votes
			if i == j {
				want++
			}
			require.Equal(t, want, succ[j].Votes, "candidate %d after vote for %d", j, i)
		}
	}
	require.EqualValues(t, 5, prior[0].Votes, "prior must not change")
}

func TestApplyVoteUnknownName(t *testing.T) {
	prior := mustState(t, "iPhone", "Android")
	succ, applied := ApplyVote(prior, []byte("BlackBerry"))
	require.False(t, applied)
	require.True(t, succ.Equal(prior))

	_, applied = ApplyVote(prior, []byte("iphone"))
	require.False(t, applied, "names compare as raw bytes")
}

func TestApplyVoteDuplicateNames(t *testing.T) {
	// Only reachable when a state is built without NewState.
	prior := State{{Name: []byte("same")}, {Name: []byte("same"), Votes: 2}}
	succ, applied := ApplyVote(prior, []byte("same"))
	require.True(t, applied)
	require.EqualValues(t, 1, succ[0].Votes)
	require.EqualValues(t, 3, succ[1].Votes)
}

func TestApplyVoteIndependentCopy(t *testing.T) {
	prior := mustState(t, "iPhone", "Android")
	succ, _ := ApplyVote(prior, []byte("iPhone"))
	succ[0].Name[0] = 'X'
	require.Equal(t, "iPhone", string(prior[0].Name))
}
