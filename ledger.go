// Package votechain runs a local txvm ledger of two-candidate voting
// covenants, indexes their state, and casts votes on them.
package votechain

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/bobg/multichan"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol"
	"github.com/chain/txvm/protocol/bc"
	"github.com/golang/protobuf/proto"
	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/store"
)

// DefaultBlockInterval is the time between the first transaction of a
// pending block and the block's commit.
const DefaultBlockInterval = 5 * time.Second

// Ledger is a local txvm chain whose transactions carry voting-covenant
// payloads. It accepts a vote only if the outputs it promises are exactly
// the ones the covenant builds from the spent instance, and only if that
// instance is unspent.
type Ledger struct {
	DB            *sql.DB
	Chain         *protocol.Chain
	InitBlockHash bc.Hash

	prefix   []byte
	interval time.Duration
	initial  *bc.Block
	bs       *store.BlockStore
	unspent  *store.Unspent

	// Committed blocks are written here.
	w *multichan.W

	bbmu          sync.Mutex
	bb            *protocol.BlockBuilder
	timer         *time.Timer
	pendingHeight uint64
	pending       *delta

	// Last block applied to the utxos table.
	unspentHeight uint64
}

// delta is the net change a run of transactions makes to the unspent set.
type delta struct {
	created map[Outpoint]*Instance
	spent   map[Outpoint]bool
}

func newDelta() *delta {
	return &delta{
		created: make(map[Outpoint]*Instance),
		spent:   make(map[Outpoint]bool),
	}
}

func (d *delta) add(created *Instance, spent *Outpoint) {
	if spent != nil {
		if _, ok := d.created[*spent]; ok {
			delete(d.created, *spent)
		} else {
			d.spent[*spent] = true
		}
	}
	if created != nil {
		d.created[created.Outpoint] = created
	}
}

func (d *delta) apply(ctx context.Context, u *store.Unspent, height uint64) error {
	created := make([]*Instance, 0, len(d.created))
	for _, inst := range d.created {
		inst.Height = height
		created = append(created, inst)
	}
	spent := make([]Outpoint, 0, len(d.spent))
	for op := range d.spent {
		spent = append(spent, op)
	}
	return u.Apply(ctx, height, created, spent)
}

// NewLedger opens (or creates) the chain stored in db.
// Prefix is the covenant script prefix state outputs must carry.
func NewLedger(ctx context.Context, db *sql.DB, prefix []byte, interval time.Duration) (*Ledger, error) {
	_, err := db.ExecContext(ctx, store.Schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating db schema")
	}

	heights := make(chan uint64)
	bs, err := store.New(db, heights)
	if err != nil {
		return nil, errors.Wrap(err, "creating block store")
	}
	initialBlock, err := bs.GetBlock(ctx, 1)
	if err != nil {
		return nil, errors.Wrap(err, "getting initial block")
	}
	chain, err := protocol.NewChain(ctx, initialBlock, bs, heights)
	if err != nil {
		return nil, errors.Wrap(err, "initializing Chain")
	}
	_, err = chain.Recover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "recovering chain state")
	}

	if interval <= 0 {
		interval = DefaultBlockInterval
	}
	unspent := store.NewUnspent(db)
	unspentHeight, err := unspent.Height(ctx)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		DB:            db,
		Chain:         chain,
		InitBlockHash: initialBlock.Hash(),
		prefix:        prefix,
		interval:      interval,
		initial:       initialBlock,
		bs:            bs,
		unspent:       unspent,
		unspentHeight: unspentHeight,
		w:             multichan.New((*bc.Block)(nil)),
	}
	err = l.syncUnspent(ctx)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Blocks returns a reader of blocks committed from now on.
// The caller must Dispose it.
func (l *Ledger) Blocks() *multichan.R {
	return l.w.Reader()
}

// Prefix is the covenant script prefix this ledger enforces.
func (l *Ledger) Prefix() []byte {
	return l.prefix
}

// ExpireBlocks prunes blocks every pin has processed, until ctx is done.
func (l *Ledger) ExpireBlocks(ctx context.Context, every time.Duration) {
	l.bs.ExpireBlocks(ctx, every)
}

// FindContract returns the unspent instance of a contract whose
// candidates are names, in order, or ErrNotFound. It sees only committed
// blocks.
func (l *Ledger) FindContract(ctx context.Context, names [covenant.N][]byte) (*Instance, error) {
	want, err := covenant.NewState(names)
	if err != nil {
		return nil, err
	}
	insts, err := l.unspent.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		st, err := covenant.Decode(inst.State)
		if err != nil {
			continue
		}
		if st.SameLineage(want) {
			return inst, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "contract for %s", want)
}

// Close stops block delivery to readers.
func (l *Ledger) Close() {
	l.w.Close()
}

// Submit validates tx and adds it to the pending block.
// It returns the height the pending block will have.
func (l *Ledger) Submit(ctx context.Context, tx *bc.Tx) (uint64, error) {
	p, err := ParsePayload(tx)
	if err != nil {
		return 0, err
	}

	l.bbmu.Lock()
	defer l.bbmu.Unlock()

	err = l.syncUnspent(ctx)
	if err != nil {
		return 0, err
	}

	var (
		created *Instance
		spent   *Outpoint
	)
	switch p.Kind {
	case KindDeploy:
		created, err = l.checkDeploy(tx, p)
	case KindVote:
		created, err = l.checkVote(ctx, tx, p)
		spent = p.Spends
	}
	if err != nil {
		return 0, err
	}

	if l.bb == nil {
		err = l.startBlock()
		if err != nil {
			return 0, err
		}
	}

	err = l.bb.AddTx(bc.NewCommitmentsTx(tx))
	if err != nil {
		return 0, errors.Wrapf(ErrNotIncluded, "adding tx %x to pending block: %s", tx.ID.Bytes(), err)
	}

	l.pending.add(created, spent)

	log.WithFields(log.Fields{"kind": p.Kind, "contract": created.Contract}).Infof("added tx %x to the pending block", tx.ID.Bytes())
	return l.pendingHeight, nil
}

// SubmitRaw parses a protobuf-serialized bc.RawTx and submits it,
// waiting for its block if wait is set.
func (l *Ledger) SubmitRaw(ctx context.Context, raw []byte, wait bool) (bc.Hash, error) {
	tx, err := parseRawTx(raw)
	if err != nil {
		return bc.Hash{}, err
	}
	if wait {
		err = l.SubmitAndWait(ctx, tx)
	} else {
		_, err = l.Submit(ctx, tx)
	}
	return tx.ID, err
}

func parseRawTx(bits []byte) (*bc.Tx, error) {
	var rawTx bc.RawTx
	err := proto.Unmarshal(bits, &rawTx)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "parsing raw tx: %s", err)
	}
	tx, err := bc.NewTx(rawTx.Program, rawTx.Version, rawTx.Runlimit)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "building tx: %s", err)
	}
	return tx, nil
}

// SubmitAndWait submits tx and waits for the block containing it.
func (l *Ledger) SubmitAndWait(ctx context.Context, tx *bc.Tx) error {
	height, err := l.Submit(ctx, tx)
	if err != nil {
		return err
	}
	select {
	case <-l.Chain.BlockWaiter(height):
	case <-ctx.Done():
		return ctx.Err()
	}
	b, err := l.Chain.GetBlock(ctx, height)
	if err != nil {
		return errors.Wrapf(err, "getting block %d", height)
	}
	for _, btx := range b.Transactions {
		if btx.ID == tx.ID {
			return nil
		}
	}
	return errors.Wrapf(ErrNotIncluded, "tx %x was dropped from block %d", tx.ID.Bytes(), height)
}

// startBlock must be called with bbmu held.
func (l *Ledger) startBlock() error {
	bb := protocol.NewBlockBuilder()
	nextBlockTime := time.Now().Add(l.interval)

	st := l.Chain.State()
	if st.Header == nil {
		err := st.ApplyBlockHeader(l.initial.BlockHeader)
		if err != nil {
			return errors.Wrap(err, "initializing empty state")
		}
	}

	ts := bc.Millis(nextBlockTime)
	if prev := st.Header.TimestampMs; ts <= prev {
		ts = prev + 1
	}
	err := bb.Start(st, ts)
	if err != nil {
		return errors.Wrap(err, "starting a new tx pool")
	}
	l.bb = bb
	l.pendingHeight = st.Height() + 1
	l.pending = newDelta()

	log.Infof("starting block %d, will commit at %s", l.pendingHeight, nextBlockTime.Format(time.StampMilli))
	l.timer = time.AfterFunc(l.interval, func() {
		l.bbmu.Lock()
		defer l.bbmu.Unlock()
		if l.bb == bb {
			l.commit()
		}
	})
	return nil
}

// Flush commits the pending block now instead of at the end of its
// interval. It is a no-op when no block is pending.
func (l *Ledger) Flush() {
	l.bbmu.Lock()
	defer l.bbmu.Unlock()
	if l.bb == nil {
		return
	}
	l.timer.Stop()
	l.commit()
}

// commit must be called with bbmu held and a block pending.
// Failing to build or store the block is fatal: its transactions were
// already accepted, and restarting recovers the chain from the db.
func (l *Ledger) commit() {
	ctx := context.Background()

	defer func() {
		l.bb = nil
		l.timer = nil
		l.pending = nil
	}()

	unsignedBlock, newSnapshot, err := l.bb.Build()
	if err != nil {
		log.Fatal(errors.Wrapf(err, "building block %d", l.pendingHeight))
	}
	block := &bc.Block{UnsignedBlock: unsignedBlock}
	err = l.Chain.CommitAppliedBlock(ctx, block, newSnapshot)
	if err != nil {
		log.Fatal(errors.Wrapf(err, "committing block %d", unsignedBlock.Height))
	}

	// The block is on chain whether or not this succeeds. On failure
	// syncUnspent replays it before the next submission.
	err = l.pending.apply(ctx, l.unspent, unsignedBlock.Height)
	if err != nil {
		log.WithError(err).Errorf("recording unspent instances of block %d", unsignedBlock.Height)
	} else {
		l.unspentHeight = unsignedBlock.Height
	}

	log.Infof("committed block %d with %d transaction(s)", unsignedBlock.Height, len(unsignedBlock.Transactions))
	l.w.Write(block)
}

// syncUnspent applies to the utxos table every committed block it has
// not seen yet. It must be called with bbmu held (or before l is shared).
func (l *Ledger) syncUnspent(ctx context.Context) error {
	height := l.Chain.State().Height()
	for h := l.unspentHeight + 1; h <= height; h++ {
		b, err := l.Chain.GetBlock(ctx, h)
		if err != nil {
			return errors.Wrapf(err, "getting block %d for the unspent set", h)
		}
		d := newDelta()
		for _, tx := range b.Transactions {
			created, spent, err := l.txChange(tx)
			if err != nil {
				return errors.Wrapf(err, "replaying tx %x of block %d", tx.ID.Bytes(), h)
			}
			d.add(created, spent)
		}
		err = d.apply(ctx, l.unspent, h)
		if err != nil {
			return errors.Wrapf(err, "replaying block %d", h)
		}
		log.Infof("applied block %d to the unspent set", h)
		l.unspentHeight = h
	}
	return nil
}

// txChange reports the instance a committed transaction created and the
// one it spent. Committed transactions were validated on submission.
func (l *Ledger) txChange(tx *bc.Tx) (*Instance, *Outpoint, error) {
	p, err := ParsePayload(tx)
	if errors.Root(err) == ErrNoPayload {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	out, st, err := decodeState(l.builder(), p)
	if err != nil {
		return nil, nil, err
	}
	inst := &Instance{
		Contract: StateOutpoint(tx),
		Outpoint: StateOutpoint(tx),
		State:    covenant.Encode(st),
		Value:    out.Value,
	}
	if p.Kind == KindDeploy {
		return inst, nil, nil
	}
	if p.Contract == nil || p.Spends == nil {
		return nil, nil, errors.Wrap(ErrRejected, "vote names no contract or spent instance")
	}
	inst.Contract = *p.Contract
	return inst, p.Spends, nil
}

// lookup must be called with bbmu held.
func (l *Ledger) lookup(ctx context.Context, op Outpoint) (*Instance, error) {
	if l.pending != nil {
		if l.pending.spent[op] {
			return nil, errors.Wrapf(ErrSpent, "%s is spent in the pending block", op)
		}
		if inst, ok := l.pending.created[op]; ok {
			return inst, nil
		}
	}
	inst, err := l.unspent.Get(ctx, op)
	if errors.Root(err) == store.ErrNotFound {
		return nil, errors.Wrapf(ErrSpent, "%s", op)
	}
	return inst, err
}

func (l *Ledger) builder() covenant.Builder {
	return covenant.Builder{Prefix: l.prefix}
}

func (l *Ledger) checkDeploy(tx *bc.Tx, p *Payload) (*Instance, error) {
	if len(p.Outputs) > 2 {
		return nil, errors.Wrapf(ErrRejected, "deploy has %d outputs", len(p.Outputs))
	}
	out, st, err := decodeState(l.builder(), p)
	if err != nil {
		return nil, errors.Wrapf(ErrRejected, "deploy: %s", err)
	}
	if out.Value == 0 {
		return nil, errors.Wrap(ErrRejected, "deploy: state output carries no value")
	}
	if st.Total() != 0 {
		return nil, errors.Wrapf(ErrRejected, "deploy: initial tallies %s are not zero", st)
	}
	if _, err = covenant.NewState(st.Names()); err != nil {
		return nil, errors.Wrapf(ErrRejected, "deploy: %s", err)
	}
	op := StateOutpoint(tx)
	return &Instance{
		Contract: op,
		Outpoint: op,
		State:    covenant.Encode(st),
		Value:    out.Value,
	}, nil
}

func (l *Ledger) checkVote(ctx context.Context, tx *bc.Tx, p *Payload) (*Instance, error) {
	if p.Contract == nil || p.Spends == nil {
		return nil, errors.Wrap(ErrRejected, "vote names no contract or spent instance")
	}
	if len(p.Outputs) == 0 || len(p.Outputs) > 2 {
		return nil, errors.Wrapf(ErrRejected, "vote has %d outputs", len(p.Outputs))
	}
	prior, err := l.lookup(ctx, *p.Spends)
	if err != nil {
		return nil, err
	}
	if prior.Contract != *p.Contract {
		return nil, errors.Wrapf(ErrRejected, "%s is an instance of %s, not %s", p.Spends, prior.Contract, p.Contract)
	}

	b := l.builder()
	var change uint64
	if len(p.Outputs) == 2 {
		out, err := covenant.ParseOutput(p.Outputs[1])
		if err != nil {
			return nil, errors.Wrapf(ErrRejected, "parsing change output: %s", err)
		}
		change = out.Value
		b.ChangeScript = out.Script
	}
	if change > p.Funding {
		return nil, errors.Wrapf(ErrRejected, "change %d exceeds funding %d", change, p.Funding)
	}

	outputs := p.OutputBlobs()
	res, err := covenant.Validate(prior.State, p.Candidate, b, prior.Value, change, covenant.DigestOutputs(outputs))
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		log.WithField("contract", prior.Contract).Warnf("vote for %q matches no candidate, tallies unchanged", p.Candidate)
	}
	return &Instance{
		Contract: prior.Contract,
		Outpoint: StateOutpoint(tx),
		State:    covenant.Encode(res.Successor),
		Value:    prior.Value,
	}, nil
}
