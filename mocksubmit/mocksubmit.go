package mocksubmit

import (
	"context"
	"sync"

	"github.com/chain/txvm/protocol/bc"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Submitter is the interface of the ledger side that Recorder wraps.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw []byte, wait bool) (bc.Hash, error)
}

// New returns a Recorder forwarding to next. With a nil next, submissions
// are only recorded.
func New(next Submitter) *Recorder {
	return &Recorder{
		next:      next,
		mu:        new(sync.Mutex),
		submitted: sync.NewCond(new(sync.Mutex)),
	}
}

// Recorder is a mock submitter. It records every transaction handed to
// it and can be told to fail the next few submissions.
type Recorder struct {
	next      Submitter
	txs       []*bc.Tx
	fails     []error
	mu        *sync.Mutex
	submitted *sync.Cond
}

// FailNext queues errs; each of the next len(errs) submissions fails with
// the next one instead of being forwarded.
func (r *Recorder) FailNext(errs ...error) {
	r.mu.Lock()
	r.fails = append(r.fails, errs...)
	r.mu.Unlock()
}

// SubmitRaw unmarshals raw into a transaction, records it, and forwards
// it unless a queued failure is pending.
func (r *Recorder) SubmitRaw(ctx context.Context, raw []byte, wait bool) (bc.Hash, error) {
	var rawTx bc.RawTx
	err := proto.Unmarshal(raw, &rawTx)
	if err != nil {
		return bc.Hash{}, errors.Wrap(err, "submitraw: unmarshaling tx")
	}
	tx, err := bc.NewTx(rawTx.Program, rawTx.Version, rawTx.Runlimit)
	if err != nil {
		return bc.Hash{}, errors.Wrap(err, "submitraw: validating tx")
	}

	r.mu.Lock()
	var fail error
	if len(r.fails) > 0 {
		fail, r.fails = r.fails[0], r.fails[1:]
	}
	r.txs = append(r.txs, tx)
	r.mu.Unlock()

	r.submitted.L.Lock()
	r.submitted.Broadcast()
	r.submitted.L.Unlock()

	if fail != nil {
		return bc.Hash{}, fail
	}
	if r.next == nil {
		return tx.ID, nil
	}
	return r.next.SubmitRaw(ctx, raw, wait)
}

// Txs returns the transactions recorded so far.
func (r *Recorder) Txs() []*bc.Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*bc.Tx(nil), r.txs...)
}

// Wait blocks until at least n transactions have been recorded or ctx
// is done.
func (r *Recorder) Wait(ctx context.Context, n int) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.submitted.L.Lock()
			r.submitted.Broadcast()
			r.submitted.L.Unlock()
		case <-done:
		}
	}()

	r.submitted.L.Lock()
	defer r.submitted.L.Unlock()
	for len(r.Txs()) < n {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.submitted.Wait()
	}
	return nil
}
