package covenant

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/txvm"
	"github.com/chain/txvm/protocol/txvm/asm"
)

// ErrBadPrefix means a state output's script does not begin with the
// covenant's script prefix.
var ErrBadPrefix = errors.New("script does not carry the covenant prefix")

const votingSrc = `
	                   #  con stack              arg stack
	                   #  ---------              ---------
	                   #                         promised, actual
	get get            #  actual, promised
	eq verify          #
`

var (
	// DefaultScriptPrefix is the locking program that precedes the encoded
	// state in every state output.
	DefaultScriptPrefix = mustAssemble(votingSrc)

	// CodeHash identifies DefaultScriptPrefix.
	CodeHash = txvm.ContractSeed(DefaultScriptPrefix)
)

// Output is a value-bearing transaction output.
type Output struct {
	Value  uint64
	Script []byte
}

// Bytes serializes o as its 8-byte little-endian value followed by the
// compact-size length-prefixed script.
func (o Output) Bytes() []byte {
	buf := new(bytes.Buffer)
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], o.Value)
	buf.Write(v[:])
	_ = wire.WriteVarBytes(buf, 0, o.Script)
	return buf.Bytes()
}

// ParseOutput is the inverse of Output.Bytes.
func ParseOutput(blob []byte) (Output, error) {
	if len(blob) < 8 {
		return Output{}, &DecodeError{Kind: Truncated, Want: 8, Have: len(blob)}
	}
	r := bytes.NewReader(blob[8:])
	n, err := wire.ReadVarInt(r, 0)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return Output{}, &DecodeError{Kind: Truncated, Want: 9, Have: len(blob)}
	}
	if err != nil {
		return Output{}, &DecodeError{Kind: NonCanonical, Want: 8, Have: len(blob)}
	}
	if n != uint64(r.Len()) {
		kind := LengthMismatch
		if n > uint64(r.Len()) {
			kind = Truncated
		}
		return Output{}, &DecodeError{Kind: kind, Want: len(blob) - r.Len() + int(min(n, uint64(len(blob)+1))), Have: len(blob)}
	}
	script := make([]byte, n)
	_, _ = io.ReadFull(r, script)
	return Output{
		Value:  binary.LittleEndian.Uint64(blob[:8]),
		Script: script,
	}, nil
}

// Builder materializes successor states as transaction outputs.
type Builder struct {
	// Prefix is the covenant locking script placed before the encoded state.
	Prefix []byte

	// ChangeScript locks the change output, if any.
	ChangeScript []byte
}

// StateOutput returns the output carrying s with the given value.
func (b Builder) StateOutput(s State, value uint64) Output {
	script := make([]byte, 0, len(b.Prefix)+EncodedLen(s))
	script = append(script, b.Prefix...)
	script = append(script, Encode(s)...)
	return Output{Value: value, Script: script}
}

// Build returns the serialized outputs promised by a transition to
// successor: the state output first, then a change output only when change
// is positive.
func (b Builder) Build(successor State, continuing, change uint64) [][]byte {
	outputs := [][]byte{b.StateOutput(successor, continuing).Bytes()}
	if change > 0 {
		outputs = append(outputs, Output{Value: change, Script: b.ChangeScript}.Bytes())
	}
	return outputs
}

// StateFromOutput extracts the state carried by a state output.
func (b Builder) StateFromOutput(o Output) (State, error) {
	if !bytes.HasPrefix(o.Script, b.Prefix) {
		return State{}, ErrBadPrefix
	}
	return Decode(o.Script[len(b.Prefix):])
}

// mustAssemble calls asm.Assemble and panics on error. The pinned txvm
// version does not export asm.MustAssemble.
func mustAssemble(src string) []byte {
	prog, err := asm.Assemble(src)
	if err != nil {
		panic(err)
	}
	return prog
}
