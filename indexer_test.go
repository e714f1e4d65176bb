package votechain

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/stretchr/testify/require"

	"github.com/interstellar/slingshot/votechain/covenant"
)

func TestIndexerSubscribe(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, server *httptest.Server) {
		_, err := ix.Subscribe(ctx, Outpoint{Index: 7})
		require.Equal(t, ErrNotFound, errors.Root(err))

		contract, _ := testDeploy(ctx, t, l, ix)

		subctx, cancel := context.WithCancel(ctx)
		defer cancel()
		local, err := ix.Subscribe(subctx, contract)
		require.NoError(t, err)
		remote, err := NewClient(server.URL).Subscribe(subctx, contract)
		require.NoError(t, err)

		v := testVoter(t, l, ix)
		var txids []bc.Hash
		for _, name := range []string{"iPhone", "iPhone", "Android"} {
			res, err := v.CastVote(ctx, contract, []byte(name))
			require.NoError(t, err)
			txids = append(txids, res.TxID)
		}

		for _, ch := range []<-chan *VoteEvent{local, remote} {
			var last int64
			for i, txid := range txids {
				var ev *VoteEvent
				select {
				case ev = <-ch:
				case <-time.After(10 * time.Second):
					t.Fatalf("timed out waiting for vote event %d", i)
				}
				require.NotNil(t, ev)
				require.Equal(t, txid, ev.TxID)
				require.Equal(t, contract, ev.Contract)
				require.True(t, ev.Applied)
				require.True(t, ev.Seq > last)
				last = ev.Seq
			}
		}
	})
}

func TestIndexerWaitVotes(t *testing.T) {
	withTestServer(context.Background(), t, func(ctx context.Context, l *Ledger, ix *Indexer, server *httptest.Server) {
		contract, _ := testDeploy(ctx, t, l, ix)
		c := NewClient(server.URL)

		votes, err := c.VotesSince(ctx, contract, 0, false)
		require.NoError(t, err)
		require.Empty(t, votes)

		shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		_, err = ix.WaitVotes(shortCtx, contract, 0)
		require.Equal(t, context.DeadlineExceeded, errors.Root(err))

		type result struct {
			votes []*VoteEvent
			err   error
		}
		ch := make(chan result, 1)
		go func() {
			votes, err := c.VotesSince(ctx, contract, 0, true)
			ch <- result{votes, err}
		}()

		res, err := testVoter(t, l, ix).CastVote(ctx, contract, []byte("Android"))
		require.NoError(t, err)

		select {
		case r := <-ch:
			require.NoError(t, r.err)
			require.Len(t, r.votes, 1)
			require.Equal(t, res.TxID, r.votes[0].TxID)
			st, err := covenant.Decode(r.votes[0].State)
			require.NoError(t, err)
			require.Equal(t, uint64(1), st[1].Votes)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for long-polled votes")
		}

		inst, err := c.LatestState(ctx, contract)
		require.NoError(t, err)
		require.Equal(t, res.Instance, inst.Outpoint)

		_, err = c.LatestState(ctx, Outpoint{Index: 3})
		require.Equal(t, ErrNotFound, errors.Root(err))
	})
}
