// Package covenant implements the state-transition rules of the voting
// covenant: the candidate-list codec, vote application, output
// construction, and the output digest check that binds a transaction to
// the successor state it promises.
package covenant

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/chain/txvm/errors"
)

// N is the number of candidates carried by every state.
const N = 2

// ErrDuplicateName is returned by NewState when two candidates share a name.
var ErrDuplicateName = errors.New("duplicate candidate name")

// Candidate is a named vote counter.
type Candidate struct {
	Name  []byte
	Votes uint64
}

// State is the covenant's mutable application state.
// Candidate order is significant and never changes.
type State [N]Candidate

// NewState returns a state with the given names and zero tallies.
func NewState(names [N][]byte) (State, error) {
	var s State
	for i, name := range names {
		for j := 0; j < i; j++ {
			if bytes.Equal(names[j], name) {
				return s, errors.Wrapf(ErrDuplicateName, "candidates %d and %d (%q)", j, i, name)
			}
		}
		s[i] = Candidate{Name: append([]byte(nil), name...)}
	}
	return s, nil
}

// Names returns the ordered candidate names.
func (s State) Names() [N][]byte {
	var names [N][]byte
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether s and other have the same names and tallies.
func (s State) Equal(other State) bool {
	for i := range s {
		if s[i].Votes != other[i].Votes || !bytes.Equal(s[i].Name, other[i].Name) {
			return false
		}
	}
	return true
}

// SameLineage reports whether s and other agree on the ordered name list.
func (s State) SameLineage(other State) bool {
	for i := range s {
		if !bytes.Equal(s[i].Name, other[i].Name) {
			return false
		}
	}
	return true
}

// Total is the sum of all tallies.
func (s State) Total() uint64 {
	var total uint64
	for _, c := range s {
		total += c.Votes
	}
	return total
}

// Index returns the position of the first candidate named name, or -1.
func (s State) Index(name []byte) int {
	for i, c := range s {
		if bytes.Equal(c.Name, name) {
			return i
		}
	}
	return -1
}

func (s State) String() string {
	parts := make([]string, 0, N)
	for _, c := range s {
		parts = append(parts, fmt.Sprintf("%q:%d", c.Name, c.Votes))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (s State) clone() State {
	var out State
	for i, c := range s {
		out[i] = Candidate{Name: append([]byte(nil), c.Name...), Votes: c.Votes}
	}
	return out
}
