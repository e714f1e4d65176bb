package covenant

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var testBuilder = Builder{Prefix: []byte("PFX"), ChangeScript: []byte{0xac}}

func TestBuildOrdering(t *testing.T) {
	s := mustState(t, "iPhone", "Android")

	outs := testBuilder.Build(s, 1000, 0)
	require.Len(t, outs, 1)

	outs = testBuilder.Build(s, 1000, 250)
	require.Len(t, outs, 2)

	state, err := ParseOutput(outs[0])
	require.NoError(t, err)
	require.EqualValues(t, 1000, state.Value)
	got, err := testBuilder.StateFromOutput(state)
	require.NoError(t, err)
	require.True(t, got.Equal(s))

	change, err := ParseOutput(outs[1])
	require.NoError(t, err)
	require.EqualValues(t, 250, change.Value)
	require.Equal(t, []byte{0xac}, change.Script)
	_, err = testBuilder.StateFromOutput(change)
	require.Equal(t, ErrBadPrefix, err)
}

func TestBuildDeterministic(t *testing.T) {
	s := mustState(t, "iPhone", "Android")
	a := testBuilder.Build(s, 1, 2)
	b := testBuilder.Build(s, 1, 2)
	require.Equal(t, a, b)
}

func TestOutputLayout(t *testing.T) {
	o := Output{Value: 1000, Script: []byte("abc")}
	want := []byte{0xe8, 0x03, 0, 0, 0, 0, 0, 0, 3, 'a', 'b', 'c'}
	require.Equal(t, want, o.Bytes())
}

func TestParseOutputErrors(t *testing.T) {
	good := Output{Value: 7, Script: []byte("script")}.Bytes()

	cases := []struct {
		name string
		in   []byte
		kind DecodeKind
	}{
		{"short value", good[:5], Truncated},
		{"no length", good[:8], Truncated},
		{"short script", good[:len(good)-1], Truncated},
		{"trailing", append(append([]byte(nil), good...), 1), LengthMismatch},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseOutput(c.in)
			derr, ok := err.(*DecodeError)
			require.True(t, ok, "error %v is %T, want *DecodeError", err, err)
			require.Equal(t, c.kind, derr.Kind)
		})
	}
}

func TestDefaultScriptPrefix(t *testing.T) {
	require.NotEmpty(t, DefaultScriptPrefix)
	b := Builder{Prefix: DefaultScriptPrefix}
	s := mustState(t, "iPhone", "Android")
	o := b.StateOutput(s, 1)
	require.True(t, bytes.HasPrefix(o.Script, DefaultScriptPrefix))
	got, err := b.StateFromOutput(o)
	require.NoError(t, err)
	require.True(t, got.Equal(s))
}
