package votechain

import (
	"github.com/chain/txvm/errors"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/signer"
	"github.com/interstellar/slingshot/votechain/store"
)

var (
	// ErrNotFound means no contract or output matches a lookup.
	ErrNotFound = store.ErrNotFound

	// ErrSpent means a vote tried to spend an instance that is not
	// (or no longer) the contract's unspent state output.
	ErrSpent = errors.New("covenant instance already spent")

	// ErrRejected means the ledger refused a transaction for a reason
	// other than a digest mismatch. Resubmitting it cannot succeed.
	ErrRejected = errors.New("transaction rejected")

	// ErrNotIncluded means the ledger accepted a transaction's contents
	// but could not place it in a block. A rebuilt transaction may fit
	// the next one.
	ErrNotIncluded = errors.New("transaction not included in a block")

	// ErrMalformed means submitted bytes are not a valid transaction.
	ErrMalformed = errors.New("malformed transaction")

	// ErrNoStateOutput means a transaction carries no outputs.
	ErrNoStateOutput = errors.New("no state output")

	// ErrUnknownCandidate is returned by a strict Voter for a name that
	// matches no candidate.
	ErrUnknownCandidate = errors.New("unknown candidate")
)

// Retryable reports whether err means a vote lost a race with a
// concurrent one, so that re-fetching the latest state and trying again
// may succeed.
func Retryable(err error) bool {
	switch root := rootErr(err).(type) {
	case *covenant.MismatchError:
		return true
	default:
		return root == ErrSpent || root == ErrNotIncluded
	}
}

// rootErr is errors.Root, looking through any *signer.SubmitError.
func rootErr(err error) error {
	for {
		serr, ok := errors.Root(err).(*signer.SubmitError)
		if !ok {
			return errors.Root(err)
		}
		err = serr.Err
	}
}
