package covenant

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chain/txvm/errors"
)

// DigestSize is the length of a Digest in bytes.
const DigestSize = chainhash.HashSize

// Digest is the double SHA-256 of a sequence of serialized outputs.
type Digest [DigestSize]byte

// DigestOutputs hashes the concatenation of outputs, in order and without
// separators.
func DigestOutputs(outputs [][]byte) Digest {
	var n int
	for _, o := range outputs {
		n += len(o)
	}
	buf := make([]byte, 0, n)
	for _, o := range outputs {
		buf = append(buf, o...)
	}
	var d Digest
	copy(d[:], chainhash.DoubleHashB(buf))
	return d
}

// DigestFromBytes converts b to a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, errors.Wrapf(errors.New("bad digest length"), "got %d bytes, want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return errors.Wrap(err, "decoding digest hex")
	}
	*d, err = DigestFromBytes(b)
	return err
}

// MismatchError is returned by Verify when the outputs do not hash to the
// promised digest.
type MismatchError struct {
	Want, Got Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("output digest mismatch: promised %s, outputs hash to %s", e.Want, e.Got)
}

// Verify checks that outputs hash to expected.
func Verify(expected Digest, outputs [][]byte) error {
	got := DigestOutputs(outputs)
	if got != expected {
		return &MismatchError{Want: expected, Got: got}
	}
	return nil
}
