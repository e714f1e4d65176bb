package votechain

import (
	"context"

	"github.com/bobg/multichan"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/store"
)

// VoteEvent reports a confirmed vote: the contract's new state bytes,
// the transaction that produced them, and the candidate voted for.
type VoteEvent = store.Vote

const indexerPin = "indexer"

// Indexer follows the ledger, recording the latest instance of every
// contract and the history of votes on it.
type Indexer struct {
	ledger    *Ledger
	contracts *store.Contracts
	builder   covenant.Builder

	// Recorded votes are written here as *VoteEvent.
	w *multichan.W
}

// NewIndexer returns an Indexer over l. Call Run to start it.
func NewIndexer(l *Ledger) *Indexer {
	return &Indexer{
		ledger:    l,
		contracts: store.NewContracts(l.DB),
		builder:   covenant.Builder{Prefix: l.Prefix()},
		w:         multichan.New((*VoteEvent)(nil)),
	}
}

// Run indexes blocks until ctx is canceled or the ledger closes.
func (ix *Indexer) Run(ctx context.Context) error {
	defer ix.w.Close()
	return ix.ledger.RunPin(ctx, indexerPin, ix.processBlock)
}

func (ix *Indexer) processBlock(ctx context.Context, b *bc.Block) error {
	var (
		deploys []*Instance
		votes   []*VoteEvent
	)
	for _, tx := range b.Transactions {
		p, err := ParsePayload(tx)
		if errors.Root(err) == ErrNoPayload {
			continue
		}
		if err != nil {
			log.WithError(err).Warnf("skipping tx %x in block %d", tx.ID.Bytes(), b.Height)
			continue
		}
		out, st, err := decodeState(ix.builder, p)
		if err != nil {
			log.WithError(err).Warnf("skipping tx %x in block %d", tx.ID.Bytes(), b.Height)
			continue
		}

		switch p.Kind {
		case KindDeploy:
			op := StateOutpoint(tx)
			deploys = append(deploys, &Instance{
				Contract: op,
				Outpoint: op,
				State:    covenant.Encode(st),
				Value:    out.Value,
				Height:   b.Height,
			})

		case KindVote:
			if p.Contract == nil {
				continue
			}
			votes = append(votes, &VoteEvent{
				Contract:  *p.Contract,
				TxID:      tx.ID,
				Candidate: p.Candidate,
				Applied:   st.Index(p.Candidate) >= 0,
				State:     covenant.Encode(st),
				Value:     out.Value,
				Height:    b.Height,
			})
		}
	}
	if len(deploys) == 0 && len(votes) == 0 {
		return nil
	}

	err := ix.contracts.Record(ctx, deploys, votes)
	if err != nil {
		return err
	}
	for _, d := range deploys {
		log.WithField("contract", d.Contract).Info("indexed deploy")
	}
	for _, v := range votes {
		log.WithFields(log.Fields{"contract": v.Contract, "seq": v.Seq}).Infof("indexed vote for %q", v.Candidate)
		ix.w.Write(v)
	}
	return nil
}

// LatestState returns the current instance of contract, or ErrNotFound.
func (ix *Indexer) LatestState(ctx context.Context, contract Outpoint) (*Instance, error) {
	return ix.contracts.Latest(ctx, contract)
}

// VotesSince returns the recorded votes on contract after sequence number
// after.
func (ix *Indexer) VotesSince(ctx context.Context, contract Outpoint, after int64) ([]*VoteEvent, error) {
	return ix.contracts.VotesSince(ctx, contract, after)
}

// WaitVotes is like VotesSince but blocks until there is at least one
// vote to return or ctx is done.
func (ix *Indexer) WaitVotes(ctx context.Context, contract Outpoint, after int64) ([]*VoteEvent, error) {
	r := ix.w.Reader()
	defer r.Dispose()

	for {
		votes, err := ix.contracts.VotesSince(ctx, contract, after)
		if err != nil || len(votes) > 0 {
			return votes, err
		}
		for {
			x, ok := r.Read(ctx)
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, nil
			}
			if v := x.(*VoteEvent); v.Contract == contract && v.Seq > after {
				break
			}
		}
	}
}

// Subscribe delivers every vote on contract confirmed from now on.
// The channel is closed when ctx is done or the indexer stops.
func (ix *Indexer) Subscribe(ctx context.Context, contract Outpoint) (<-chan *VoteEvent, error) {
	if _, err := ix.LatestState(ctx, contract); err != nil {
		return nil, err
	}

	r := ix.w.Reader()
	ch := make(chan *VoteEvent)
	go func() {
		defer close(ch)
		defer r.Dispose()

		for {
			x, ok := r.Read(ctx)
			if !ok {
				return
			}
			v := x.(*VoteEvent)
			if v.Contract != contract {
				continue
			}
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
