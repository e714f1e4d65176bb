package votechain

import (
	"context"
	"database/sql"
	"encoding/hex"
	stderrors "errors"
	"io/ioutil"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/chain/txvm/protocol/txvm/op"
	"github.com/chain/txvm/protocol/txvm/txvmutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/golang/protobuf/proto"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/signer"
	"github.com/interstellar/slingshot/votechain/store"
)

const (
	testKeyHex   = "87fc07bf5fa9707b4e3cf1f6344d8a4d405a17425918ca5372239ff9e349cbef7996118db4183b89177435e2e0cc21dcb36427e2b09f35a72eeed37fede470c8"
	testInterval = 100 * time.Millisecond
)

func TestServer(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, _ *Indexer, server *httptest.Server) {
		c := NewClient(server.URL)

		b1, err := c.GetBlock(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), b1.Height)

		id, err := c.InitialBlockID(ctx)
		require.NoError(t, err)
		require.Equal(t, l.InitBlockHash, id)

		shortCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err = c.GetBlock(shortCtx, 2)
		if !stderrors.Is(unwraperr(err), context.DeadlineExceeded) {
			t.Log(spew.Sdump(err))
			t.Fatalf("got error %v, want %s", err, context.DeadlineExceeded)
		}

		ch := make(chan *bc.Block)
		go func() {
			defer close(ch)

			longCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			b2, err := c.GetBlock(longCtx, 2)
			if err != nil {
				t.Logf("getting block 2: %s", err)
				return
			}
			ch <- b2
		}()

		v := &Voter{
			Signer:  testSigner(t, c),
			Source:  c,
			BlockID: id,
		}
		contract, err := v.Deploy(ctx, testNames("iPhone", "Android"), 100)
		require.NoError(t, err)

		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case b2, ok := <-ch:
			require.True(t, ok, "long poll for block 2 failed")
			require.Equal(t, uint64(2), b2.Height)
			require.Len(t, b2.Transactions, 1)
			require.Equal(t, contract.TxID, b2.Transactions[0].ID)
		}
	})
}

func TestDeployAndVote(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, _ *httptest.Server) {
		v := testVoter(t, l, ix)

		_, err := v.Deploy(ctx, testNames("same", "same"), 1000)
		require.Equal(t, covenant.ErrDuplicateName, errors.Root(err))

		contract, err := v.Deploy(ctx, testNames("iPhone", "Android"), 1000)
		require.NoError(t, err)

		inst := waitInstance(ctx, t, ix, contract, func(*Instance) bool { return true })
		require.Equal(t, contract, inst.Outpoint)
		require.Equal(t, uint64(1000), inst.Value)
		st := decodeInstance(t, inst)
		require.Equal(t, uint64(0), st.Total())

		res, err := v.CastVote(ctx, contract, []byte("iPhone"))
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Equal(t, uint64(1), res.Successor[0].Votes)

		res, err = v.CastVote(ctx, contract, []byte("Android"))
		require.NoError(t, err)
		require.True(t, res.Applied)

		res, err = v.CastVote(ctx, contract, []byte("Nokia"))
		require.NoError(t, err)
		require.False(t, res.Applied)
		require.True(t, res.Prior.Equal(res.Successor))

		inst = waitInstance(ctx, t, ix, contract, func(inst *Instance) bool { return inst.Outpoint == res.Instance })
		st = decodeInstance(t, inst)
		require.Equal(t, uint64(1), st[0].Votes)
		require.Equal(t, uint64(1), st[1].Votes)
		require.Equal(t, uint64(1000), inst.Value)

		v.Strict = true
		_, err = v.CastVote(ctx, contract, []byte("Nokia"))
		require.Equal(t, ErrUnknownCandidate, errors.Root(err))

		votes, err := ix.VotesSince(ctx, contract, 0)
		require.NoError(t, err)
		require.Len(t, votes, 3)
		for i, want := range []bool{true, true, false} {
			require.Equal(t, want, votes[i].Applied, "vote %d", i)
			if i > 0 {
				require.True(t, votes[i].Seq > votes[i-1].Seq)
			}
		}
	})
}

func TestDoubleSpend(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, _ *httptest.Server) {
		contract, inst := testDeploy(ctx, t, l, ix)
		prior := decodeInstance(t, inst)
		b := covenant.Builder{Prefix: l.Prefix()}

		succ1, _ := covenant.ApplyVote(prior, []byte("iPhone"))
		outs1 := b.Build(succ1, inst.Value, 0)
		tx1 := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", outs1)
		_, err := l.Submit(ctx, tx1)
		require.NoError(t, err)

		// Same instance, same block.
		tx2 := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", outs1)
		_, err = l.Submit(ctx, tx2)
		require.Equal(t, ErrSpent, errors.Root(err))

		// Votes may chain on a pending instance.
		succ2, _ := covenant.ApplyVote(succ1, []byte("iPhone"))
		tx4 := mustVoteTx(t, l, contract, StateOutpoint(tx1), "iPhone", b.Build(succ2, inst.Value, 0))
		_, err = l.Submit(ctx, tx4)
		require.NoError(t, err)

		l.Flush()

		tx3 := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", outs1)
		_, err = l.Submit(ctx, tx3)
		require.Equal(t, ErrSpent, errors.Root(err))

		succ3, _ := covenant.ApplyVote(succ1, []byte("Android"))
		tx5 := mustVoteTx(t, l, contract, StateOutpoint(tx1), "Android", b.Build(succ3, inst.Value, 0))
		_, err = l.Submit(ctx, tx5)
		require.Equal(t, ErrSpent, errors.Root(err))

		latest := waitInstance(ctx, t, ix, contract, func(inst *Instance) bool { return inst.Outpoint == StateOutpoint(tx4) })
		require.True(t, succ2.Equal(decodeInstance(t, latest)))
	})
}

func TestDigestMismatch(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, server *httptest.Server) {
		contract, inst := testDeploy(ctx, t, l, ix)
		prior := decodeInstance(t, inst)
		b := covenant.Builder{Prefix: l.Prefix()}

		// Claim two votes for one.
		succ, _ := covenant.ApplyVote(prior, []byte("iPhone"))
		bogusState, _ := covenant.ApplyVote(succ, []byte("iPhone"))
		bogus := b.Build(bogusState, inst.Value, 0)
		tx := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", bogus)

		_, err := l.Submit(ctx, tx)
		merr, ok := errors.Root(err).(*covenant.MismatchError)
		require.True(t, ok, "got %v, want a digest mismatch", err)
		require.Equal(t, covenant.DigestOutputs(bogus), merr.Want)
		require.Equal(t, covenant.DigestOutputs(b.Build(succ, inst.Value, 0)), merr.Got)
		require.True(t, Retryable(err))

		raw, err := proto.Marshal(&tx.RawTx)
		require.NoError(t, err)
		c := NewClient(server.URL)
		_, err = c.SubmitRaw(ctx, raw, false)
		cerr, ok := errors.Root(err).(*covenant.MismatchError)
		require.True(t, ok, "got %v over http, want a digest mismatch", err)
		require.Equal(t, *merr, *cerr)

		// Change may not exceed what the voter brings.
		b.ChangeScript = []byte{0xac}
		tx = mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", b.Build(succ, inst.Value, 5))
		_, err = l.Submit(ctx, tx)
		require.Equal(t, ErrRejected, errors.Root(err))
	})
}

func TestMalformed(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, _ *Indexer, server *httptest.Server) {
		_, err := l.SubmitRaw(ctx, []byte{0xff, 0xff, 0xff}, false)
		require.Equal(t, ErrMalformed, errors.Root(err))

		_, err = NewClient(server.URL).SubmitRaw(ctx, []byte{0xff, 0xff, 0xff}, false)
		require.Equal(t, ErrMalformed, errors.Root(err))

		b := new(txvmutil.Builder)
		b.PushdataBytes(l.InitBlockHash.Bytes())
		b.PushdataInt64(int64(nextExpMS(time.Now())))
		b.Op(op.Nonce).Op(op.Finalize)
		tx, err := bc.NewTx(b.Build(), 3, 100000)
		require.NoError(t, err)
		_, err = l.Submit(ctx, tx)
		require.Equal(t, ErrNoPayload, errors.Root(err))

		// Nonzero initial tallies.
		st, err := covenant.NewState(testNames("iPhone", "Android"))
		require.NoError(t, err)
		st, _ = covenant.ApplyVote(st, []byte("iPhone"))
		tx, err = BuildDeployTx(l.InitBlockHash, covenant.Builder{Prefix: l.Prefix()}.Build(st, 10, 0), "")
		require.NoError(t, err)
		_, err = l.Submit(ctx, tx)
		require.Equal(t, ErrRejected, errors.Root(err))
	})
}

func TestEmptyCandidateVote(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, _ *httptest.Server) {
		contract, _ := testDeploy(ctx, t, l, ix)
		v := testVoter(t, l, ix)

		res, err := v.CastVote(ctx, contract, []byte{})
		require.NoError(t, err)
		require.False(t, res.Applied)

		// Indexing continues past the no-op vote.
		res, err = v.CastVote(ctx, contract, []byte("iPhone"))
		require.NoError(t, err)
		inst := waitInstance(ctx, t, ix, contract, func(inst *Instance) bool { return inst.Outpoint == res.Instance })
		st := decodeInstance(t, inst)
		require.Equal(t, uint64(1), st[0].Votes)
		require.Equal(t, uint64(0), st[1].Votes)

		votes, err := ix.VotesSince(ctx, contract, 0)
		require.NoError(t, err)
		require.Len(t, votes, 2)
		require.Len(t, votes[0].Candidate, 0)
		require.False(t, votes[0].Applied)
		require.True(t, votes[1].Applied)
	})
}

func TestUnspentCatchUp(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, _ *httptest.Server) {
		contract, inst := testDeploy(ctx, t, l, ix)
		prior := decodeInstance(t, inst)
		b := covenant.Builder{Prefix: l.Prefix()}

		_, err := l.DB.ExecContext(ctx, `CREATE TRIGGER utxos_full BEFORE INSERT ON utxos BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
		require.NoError(t, err)

		succ, _ := covenant.ApplyVote(prior, []byte("iPhone"))
		outs := b.Build(succ, inst.Value, 0)
		tx1 := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", outs)
		_, err = l.Submit(ctx, tx1)
		require.NoError(t, err)
		l.Flush()

		// The block is committed and indexed even though the unspent set
		// could not record it.
		waitInstance(ctx, t, ix, contract, func(inst *Instance) bool { return inst.Outpoint == StateOutpoint(tx1) })

		tx2 := mustVoteTx(t, l, contract, inst.Outpoint, "iPhone", outs)
		_, err = l.Submit(ctx, tx2)
		require.Error(t, err)
		require.NotEqual(t, ErrSpent, errors.Root(err))

		_, err = l.DB.ExecContext(ctx, `DROP TRIGGER utxos_full`)
		require.NoError(t, err)

		_, err = l.Submit(ctx, tx2)
		require.Equal(t, ErrSpent, errors.Root(err))

		succ2, _ := covenant.ApplyVote(succ, []byte("Android"))
		tx3 := mustVoteTx(t, l, contract, StateOutpoint(tx1), "Android", b.Build(succ2, inst.Value, 0))
		_, err = l.Submit(ctx, tx3)
		require.NoError(t, err)

		h, err := l.PinHeight(ctx, store.UnspentPin)
		require.NoError(t, err)
		require.Equal(t, l.Chain.State().Height(), h)
	})
}

func TestFindContract(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, _ *httptest.Server) {
		names := testNames("iPhone", "Android")
		_, err := l.FindContract(ctx, names)
		require.Equal(t, ErrNotFound, errors.Root(err))

		contract, _ := testDeploy(ctx, t, l, ix)
		inst, err := l.FindContract(ctx, names)
		require.NoError(t, err)
		require.Equal(t, contract, inst.Contract)

		res, err := testVoter(t, l, ix).CastVote(ctx, contract, []byte("Android"))
		require.NoError(t, err)
		waitInstance(ctx, t, ix, contract, func(inst *Instance) bool { return inst.Outpoint == res.Instance })

		inst, err = l.FindContract(ctx, names)
		require.NoError(t, err)
		require.Equal(t, contract, inst.Contract)
		require.Equal(t, res.Instance, inst.Outpoint)

		_, err = l.FindContract(ctx, testNames("Android", "iPhone"))
		require.Equal(t, ErrNotFound, errors.Root(err))
	})
}

func withTestServer(ctx context.Context, t *testing.T, fn func(context.Context, *Ledger, *Indexer, *httptest.Server)) {
	withTestServerInterval(ctx, t, testInterval, fn)
}

func withTestServerInterval(ctx context.Context, t *testing.T, interval time.Duration, fn func(context.Context, *Ledger, *Indexer, *httptest.Server)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f, err := ioutil.TempFile("", "votechaind")
	require.NoError(t, err)
	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	db, err := sql.Open("sqlite3", tmpfile)
	require.NoError(t, err)
	defer db.Close()

	l, err := NewLedger(ctx, db, covenant.DefaultScriptPrefix, interval)
	require.NoError(t, err)
	defer l.Close()

	ix := NewIndexer(l)
	ixdone := make(chan struct{})
	go func() {
		defer close(ixdone)
		ix.Run(ctx)
	}()

	server := httptest.NewServer(NewHandler(l, ix))
	defer server.Close()

	defer func() {
		cancel()
		<-ixdone
		l.Flush()
	}()

	fn(ctx, l, ix, server)
}

func unwraperr(err error) error {
	err = errors.Root(err)
	if err, ok := err.(*url.Error); ok {
		return unwraperr(err.Err)
	}
	return err
}

func testSigner(t *testing.T, sub signer.Submitter) *signer.Ed25519 {
	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)
	return &signer.Ed25519{Key: ed25519.PrivateKey(key), Submitter: sub, Wait: true}
}

func testVoter(t *testing.T, l *Ledger, ix *Indexer) *Voter {
	return &Voter{
		Signer:   testSigner(t, l),
		Source:   ix,
		BlockID:  l.InitBlockHash,
		Funding:  10,
		Fee:      1,
		Attempts: 100,
		Backoff:  20 * time.Millisecond,
	}
}

func testNames(a, b string) [covenant.N][]byte {
	return [covenant.N][]byte{[]byte(a), []byte(b)}
}

func testDeploy(ctx context.Context, t *testing.T, l *Ledger, ix *Indexer) (Outpoint, *Instance) {
	t.Helper()
	contract, err := testVoter(t, l, ix).Deploy(ctx, testNames("iPhone", "Android"), 1000)
	require.NoError(t, err)
	return contract, waitInstance(ctx, t, ix, contract, func(*Instance) bool { return true })
}

func mustVoteTx(t *testing.T, l *Ledger, contract, spends Outpoint, candidate string, outputs [][]byte) *bc.Tx {
	t.Helper()
	tx, err := BuildVoteTx(l.InitBlockHash, contract, spends, []byte(candidate), outputs, 0, "")
	require.NoError(t, err)
	return tx
}

// waitInstance polls the indexer until contract's latest instance
// satisfies pred.
func waitInstance(ctx context.Context, t *testing.T, ix *Indexer, contract Outpoint, pred func(*Instance) bool) *Instance {
	t.Helper()
	var inst *Instance
	require.Eventually(t, func() bool {
		got, err := ix.LatestState(ctx, contract)
		if err != nil || !pred(got) {
			return false
		}
		inst = got
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return inst
}

func decodeInstance(t *testing.T, inst *Instance) covenant.State {
	t.Helper()
	st, err := covenant.Decode(inst.State)
	require.NoError(t, err)
	return st
}
