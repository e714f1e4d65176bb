package covenant

import (
	"fmt"

	"github.com/chain/txvm/errors"
)

// Phase is the progress of a Transition.
type Phase int

// Phases, in order. Accepted and Rejected are terminal.
const (
	Idle Phase = iota
	StateComputed
	OutputsBuilt
	DigestComputed
	Accepted
	Rejected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case StateComputed:
		return "state-computed"
	case OutputsBuilt:
		return "outputs-built"
	case DigestComputed:
		return "digest-computed"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ErrPhase is returned when a Transition step is called out of order.
var ErrPhase = errors.New("transition step out of order")

// Transition carries one vote from a prior state to an accepted or
// rejected successor. It is not safe for concurrent use; callers that race
// on the same prior state each use their own Transition.
type Transition struct {
	prior   State
	builder Builder
	phase   Phase

	successor State
	applied   bool
	outputs   [][]byte
	digest    Digest
}

// NewTransition starts a transition from prior.
func NewTransition(prior State, b Builder) *Transition {
	return &Transition{prior: prior.clone(), builder: b}
}

// Phase is the transition's current phase.
func (t *Transition) Phase() Phase { return t.phase }

// Prior is the state being spent.
func (t *Transition) Prior() State { return t.prior }

// Successor is the state computed by Vote.
func (t *Transition) Successor() State { return t.successor }

// Applied reports whether Vote matched a candidate.
func (t *Transition) Applied() bool { return t.applied }

// Outputs are the outputs materialized by Build.
func (t *Transition) Outputs() [][]byte { return t.outputs }

// Digest is the digest computed by Check.
func (t *Transition) Digest() Digest { return t.digest }

// Terminal reports whether the transition was accepted or rejected.
func (t *Transition) Terminal() bool { return t.phase == Accepted || t.phase == Rejected }

func (t *Transition) expect(p Phase) error {
	if t.phase != p {
		return errors.Wrapf(ErrPhase, "in phase %s, want %s", t.phase, p)
	}
	return nil
}

// Vote computes the successor state. It reports whether any candidate
// matched name.
func (t *Transition) Vote(name []byte) (bool, error) {
	if err := t.expect(Idle); err != nil {
		return false, err
	}
	t.successor, t.applied = ApplyVote(t.prior, name)
	t.phase = StateComputed
	return t.applied, nil
}

// Build materializes the successor's outputs.
func (t *Transition) Build(continuing, change uint64) ([][]byte, error) {
	if err := t.expect(StateComputed); err != nil {
		return nil, err
	}
	t.outputs = t.builder.Build(t.successor, continuing, change)
	t.phase = OutputsBuilt
	return t.outputs, nil
}

// Check hashes the built outputs and compares them with expected.
// On mismatch it returns a *MismatchError and the transition is Rejected;
// the prior state remains authoritative.
func (t *Transition) Check(expected Digest) error {
	if err := t.expect(OutputsBuilt); err != nil {
		return err
	}
	t.digest = DigestOutputs(t.outputs)
	t.phase = DigestComputed
	if t.digest != expected {
		t.phase = Rejected
		return &MismatchError{Want: expected, Got: t.digest}
	}
	t.phase = Accepted
	return nil
}

// Result is the outcome of an accepted transition.
type Result struct {
	Successor State
	Applied   bool
	Outputs   [][]byte
	Digest    Digest
}

// Validate runs a complete transition: it decodes priorBytes, applies a
// vote for name, builds the outputs, and checks them against expected.
// Errors are *DecodeError or *MismatchError.
func Validate(priorBytes, name []byte, b Builder, continuing, change uint64, expected Digest) (*Result, error) {
	prior, err := Decode(priorBytes)
	if err != nil {
		return nil, err
	}
	t := NewTransition(prior, b)
	if _, err = t.Vote(name); err != nil {
		return nil, err
	}
	if _, err = t.Build(continuing, change); err != nil {
		return nil, err
	}
	if err = t.Check(expected); err != nil {
		return nil, err
	}
	return &Result{
		Successor: t.Successor(),
		Applied:   t.Applied(),
		Outputs:   t.Outputs(),
		Digest:    t.Digest(),
	}, nil
}
