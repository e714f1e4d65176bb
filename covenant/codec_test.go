package covenant

import (
	"bytes"
	"testing"

	"github.com/chain/txvm/errors"
	"github.com/stretchr/testify/require"
)

func mustState(t *testing.T, names ...string) State {
	t.Helper()
	var n [N][]byte
	for i, name := range names {
		n[i] = []byte(name)
	}
	s, err := NewState(n)
	require.NoError(t, err)
	return s
}

func TestEncodeLayout(t *testing.T) {
	s := mustState(t, "iPhone", "Android")
	s[0].Votes = 1
	want := []byte{6, 'i', 'P', 'h', 'o', 'n', 'e', 1, 0, 0, 0, 0, 0, 0, 0,
		7, 'A', 'n', 'd', 'r', 'o', 'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0}
	require.Equal(t, want, Encode(s))
	require.Equal(t, len(want), EncodedLen(s))
}

func TestRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{'x'}, 300)
	cases := []State{
		{},
		{{Name: []byte("iPhone")}, {Name: []byte("Android")}},
		{{Name: []byte("a"), Votes: 1<<64 - 1}, {Name: []byte(""), Votes: 42}},
		{{Name: long, Votes: 7}, {Name: []byte{0, 0xff}, Votes: 1 << 32}},
	}
	for _, s := range cases {
		got, err := Decode(Encode(s))
		require.NoError(t, err)
		require.True(t, got.Equal(s), "got %s, want %s", got, s)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := Encode(State{{Name: []byte("iPhone"), Votes: 3}, {Name: []byte("Android")}})

	cases := []struct {
		name string
		in   []byte
		kind DecodeKind
	}{
		{"empty", nil, Truncated},
		{"name cut", good[:4], Truncated},
		{"counter cut", good[:10], Truncated},
		{"second record missing", good[:15], Truncated},
		{"last byte missing", good[:len(good)-1], Truncated},
		{"trailing byte", append(append([]byte(nil), good...), 0), LengthMismatch},
		{"huge length", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Truncated},
		{"non-minimal prefix", append([]byte{0xfd, 6, 0}, good[1:]...), NonCanonical},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode(c.in)
			require.Error(t, err)
			derr, ok := err.(*DecodeError)
			require.True(t, ok, "error %v is %T, want *DecodeError", err, err)
			require.Equal(t, c.kind, derr.Kind)
			require.Equal(t, len(c.in), derr.Have)
		})
	}
}

func TestNewStateDuplicate(t *testing.T) {
	_, err := NewState([N][]byte{[]byte("same"), []byte("same")})
	require.Error(t, err)
	require.Equal(t, ErrDuplicateName, errors.Root(err))
}

func TestStateLineage(t *testing.T) {
	a := mustState(t, "iPhone", "Android")
	b, _ := ApplyVote(a, []byte("Android"))
	require.True(t, a.SameLineage(b))
	require.False(t, a.Equal(b))
	require.EqualValues(t, 1, b.Total())
	require.Equal(t, 1, b.Index([]byte("Android")))
	require.Equal(t, -1, b.Index([]byte("BlackBerry")))

	c := mustState(t, "Android", "iPhone")
	require.False(t, a.SameLineage(c))
}
