package covenant

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// DecodeKind classifies a DecodeError.
type DecodeKind int

const (
	// Truncated means the input ended before a declared length was satisfied.
	Truncated DecodeKind = iota + 1

	// LengthMismatch means bytes remained after N candidate records.
	LengthMismatch

	// NonCanonical means a length prefix was not minimally encoded.
	NonCanonical
)

func (k DecodeKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case LengthMismatch:
		return "length mismatch"
	case NonCanonical:
		return "non-canonical length prefix"
	}
	return fmt.Sprintf("DecodeKind(%d)", int(k))
}

// DecodeError is returned by Decode for malformed state bytes.
// Want and Have are byte counts.
type DecodeError struct {
	Kind       DecodeKind
	Want, Have int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding state: %s (want %d bytes, have %d)", e.Kind, e.Want, e.Have)
}

const counterLen = 8

// Encode serializes s. Each candidate is written as a compact-size
// length-prefixed name followed by its tally as an 8-byte little-endian
// integer.
func Encode(s State) []byte {
	buf := new(bytes.Buffer)
	for _, c := range s {
		// Writes to a bytes.Buffer cannot fail.
		_ = wire.WriteVarBytes(buf, 0, c.Name)
		var ctr [counterLen]byte
		binary.LittleEndian.PutUint64(ctr[:], c.Votes)
		buf.Write(ctr[:])
	}
	return buf.Bytes()
}

// EncodedLen is len(Encode(s)).
func EncodedLen(s State) int {
	n := 0
	for _, c := range s {
		n += wire.VarIntSerializeSize(uint64(len(c.Name))) + len(c.Name) + counterLen
	}
	return n
}

// Decode parses the output of Encode.
// Errors are of type *DecodeError.
func Decode(b []byte) (State, error) {
	var s State
	r := bytes.NewReader(b)
	consumed := func() int { return len(b) - r.Len() }

	for i := range s {
		start := consumed()
		n, err := wire.ReadVarInt(r, 0)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return State{}, &DecodeError{Kind: Truncated, Want: start + 1, Have: len(b)}
		}
		if err != nil {
			return State{}, &DecodeError{Kind: NonCanonical, Want: start, Have: len(b)}
		}
		if n > uint64(r.Len()) {
			return State{}, &DecodeError{Kind: Truncated, Want: consumed() + int(min(n, uint64(len(b)+1))), Have: len(b)}
		}
		name := make([]byte, n)
		_, _ = io.ReadFull(r, name)

		if r.Len() < counterLen {
			return State{}, &DecodeError{Kind: Truncated, Want: consumed() + counterLen, Have: len(b)}
		}
		var ctr [counterLen]byte
		_, _ = io.ReadFull(r, ctr[:])
		s[i] = Candidate{Name: name, Votes: binary.LittleEndian.Uint64(ctr[:])}
	}
	if r.Len() != 0 {
		return State{}, &DecodeError{Kind: LengthMismatch, Want: consumed(), Have: len(b)}
	}
	return s, nil
}
