package votechain

import (
	"context"
	"fmt"
	"time"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/golang/protobuf/proto"
	i10rnet "github.com/interstellar/starlight/net"
	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/signer"
)

// StateSource supplies the latest instance of a contract.
// *Indexer and *Client satisfy it.
type StateSource interface {
	LatestState(ctx context.Context, contract Outpoint) (*Instance, error)
}

// StateWaiter is a StateSource that can also block until a contract
// gains votes. *Indexer and *Client satisfy it.
type StateWaiter interface {
	StateSource
	WaitVotes(ctx context.Context, contract Outpoint, after int64) ([]*VoteEvent, error)
}

// DefaultAttempts is the number of times CastVote tries a vote that keeps
// losing races with concurrent ones.
const DefaultAttempts = 5

// DefaultSpentWait bounds how long CastVote waits for a contract to
// advance after losing a race.
const DefaultSpentWait = 3 * DefaultBlockInterval

// Voter deploys voting contracts and casts votes on them.
type Voter struct {
	Signer signer.Signer
	Source StateSource

	// BlockID is the ledger's initial block id, anchoring tx nonces.
	BlockID bc.Hash

	// Prefix is the covenant script prefix. Nil means
	// covenant.DefaultScriptPrefix.
	Prefix []byte

	// Funding is the amount the voter adds to each vote; Fee is the part
	// of it the ledger may keep. The rest comes back as change.
	Funding, Fee uint64

	Attempts int
	Backoff  time.Duration

	// SpentWait bounds the wait, after a vote finds its instance already
	// spent, for the Source to report the spending vote. It applies only
	// when Source is a StateWaiter. Zero means DefaultSpentWait.
	SpentWait time.Duration

	// Strict makes votes for unknown candidates fail with
	// ErrUnknownCandidate instead of producing a no-op transition.
	Strict bool
}

// VoteResult describes an accepted vote.
type VoteResult struct {
	TxID      bc.Hash
	Contract  Outpoint
	Instance  Outpoint
	Prior     covenant.State
	Successor covenant.State
	Applied   bool
	Attempts  int
}

func (v *Voter) builder() covenant.Builder {
	prefix := v.Prefix
	if prefix == nil {
		prefix = covenant.DefaultScriptPrefix
	}
	return covenant.Builder{Prefix: prefix, ChangeScript: v.Signer.ChangeScript()}
}

func (v *Voter) authorize(ctx context.Context) error {
	auth, err := v.Signer.Authorize(ctx)
	if err != nil {
		return errors.Wrap(err, "authorizing")
	}
	return auth.Err()
}

func (v *Voter) submit(ctx context.Context, tx *bc.Tx) (bc.Hash, error) {
	raw, err := proto.Marshal(&tx.RawTx)
	if err != nil {
		return bc.Hash{}, errors.Wrap(err, "serializing tx")
	}
	return v.Signer.Submit(ctx, raw)
}

// Deploy creates a contract with the given candidates and zero tallies,
// locking amount in its state output.
func (v *Voter) Deploy(ctx context.Context, names [covenant.N][]byte, amount uint64) (Outpoint, error) {
	if err := v.authorize(ctx); err != nil {
		return Outpoint{}, err
	}
	st, err := covenant.NewState(names)
	if err != nil {
		return Outpoint{}, err
	}
	if amount == 0 {
		return Outpoint{}, errors.Wrap(ErrRejected, "deploy amount must be positive")
	}
	outputs := v.builder().Build(st, amount, 0)
	tx, err := BuildDeployTx(v.BlockID, outputs, v.Signer.Address())
	if err != nil {
		return Outpoint{}, err
	}
	if _, err = v.submit(ctx, tx); err != nil {
		return Outpoint{}, err
	}
	contract := StateOutpoint(tx)
	log.WithField("contract", contract).Infof("deployed %s", st)
	return contract, nil
}

// CastVote votes for candidate on contract. Votes that lose a race with a
// concurrent vote are retried against the re-fetched latest state, up to
// Attempts times. A Source that is a StateWaiter is waited on until it
// reports the winning vote, so retries outlast the block interval.
// Authorization and decode failures are never retried.
func (v *Voter) CastVote(ctx context.Context, contract Outpoint, candidate []byte) (*VoteResult, error) {
	if err := v.authorize(ctx); err != nil {
		return nil, err
	}

	attempts := v.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	base := v.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := i10rnet.Backoff{Base: base}

	for attempt := 1; ; attempt++ {
		res, inst, err := v.tryVote(ctx, contract, candidate)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !Retryable(err) || attempt >= attempts {
			return nil, err
		}
		if rootErr(err) == ErrSpent && inst != nil && v.waitAdvance(ctx, contract, inst.Seq) {
			log.WithError(err).WithField("contract", contract).Warnf("vote attempt %d lost a race, retrying", attempt)
			continue
		}
		d := backoff.Next()
		log.WithError(err).WithField("contract", contract).Warnf("vote attempt %d failed, retrying in %s", attempt, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitAdvance waits for the Source to report a vote on contract after
// seq. It reports whether one arrived.
func (v *Voter) waitAdvance(ctx context.Context, contract Outpoint, seq int64) bool {
	w, ok := v.Source.(StateWaiter)
	if !ok {
		return false
	}
	d := v.SpentWait
	if d <= 0 {
		d = DefaultSpentWait
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	votes, err := w.WaitVotes(wctx, contract, seq)
	if err != nil {
		log.WithError(err).WithField("contract", contract).Warn("waiting for the contract to advance")
		return false
	}
	return len(votes) > 0
}

// tryVote makes one attempt. It returns the instance it voted on, if it
// got that far, even on failure.
func (v *Voter) tryVote(ctx context.Context, contract Outpoint, candidate []byte) (*VoteResult, *Instance, error) {
	inst, err := v.Source.LatestState(ctx, contract)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "getting latest state of %s", contract)
	}
	prior, err := covenant.Decode(inst.State)
	if err != nil {
		return nil, inst, err
	}

	t := covenant.NewTransition(prior, v.builder())
	applied, err := t.Vote(candidate)
	if err != nil {
		return nil, inst, err
	}
	if !applied {
		if v.Strict {
			return nil, inst, errors.Wrapf(ErrUnknownCandidate, "%q is not one of %s", candidate, prior)
		}
		log.WithField("contract", contract).Warnf("%q matches no candidate, submitting a no-op vote", candidate)
	}

	if v.Fee > v.Funding {
		return nil, inst, fmt.Errorf("fee %d exceeds funding %d", v.Fee, v.Funding)
	}
	// The ledger checks the digest of these outputs against its own build.
	outputs, err := t.Build(inst.Value, v.Funding-v.Fee)
	if err != nil {
		return nil, inst, err
	}

	tx, err := BuildVoteTx(v.BlockID, contract, inst.Outpoint, candidate, outputs, v.Funding, v.Signer.Address())
	if err != nil {
		return nil, inst, err
	}
	id, err := v.submit(ctx, tx)
	if err != nil {
		return nil, inst, err
	}
	return &VoteResult{
		TxID:      id,
		Contract:  contract,
		Instance:  StateOutpoint(tx),
		Prior:     prior,
		Successor: t.Successor(),
		Applied:   applied,
	}, inst, nil
}
