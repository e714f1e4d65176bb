package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/chain/txvm/errors"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain"
	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/signer"
)

const (
	candidateKey = "candidate"
	watchKey     = "watch"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := votechain.FlagSet("vote")
	fs.String(candidateKey, "", "candidate to vote for")
	fs.Bool(watchKey, false, "after voting, print tallies as votes arrive")
	v, err := votechain.NewViper(fs, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	cfg := votechain.ConfigFromViper(v)
	if err = cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	contract, err := votechain.ParseOutpoint(cfg.Contract)
	if err != nil {
		log.Fatal(err)
	}
	candidate := v.GetString(candidateKey)
	if candidate == "" {
		log.Fatal("must specify --candidate")
	}

	c := votechain.NewClient(cfg.Server)
	bcid, err := c.InitialBlockID(ctx)
	if err != nil {
		log.Fatalf("getting initial block from %s: %s", cfg.Server, err)
	}
	s, err := votechain.NewSigner(cfg, c)
	if err != nil {
		log.Fatal(err)
	}

	voter := &votechain.Voter{
		Signer:   s,
		Source:   c,
		BlockID:  bcid,
		Funding:  cfg.Funding,
		Fee:      cfg.Fee,
		Attempts: cfg.Attempts,
		Strict:   cfg.Strict,
	}
	res, err := voter.CastVote(ctx, contract, []byte(candidate))
	if err != nil {
		if _, ok := errors.Root(err).(*signer.AuthorizationError); ok {
			color.Red("wallet %s may not vote: %s", s.Address(), err)
		} else {
			color.Red("vote failed: %s", err)
		}
		os.Exit(1)
	}
	if res.Applied {
		color.Green("voted for %s in %x (attempt %d)", candidate, res.TxID.Bytes(), res.Attempts)
	} else {
		color.Yellow("%s is not a candidate; tallies unchanged in %x", candidate, res.TxID.Bytes())
	}
	color.White("tallies: %s", res.Successor)

	if !v.GetBool(watchKey) {
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		cancel()
	}()

	events, err := c.Subscribe(ctx, contract)
	if err != nil {
		log.Fatal(err)
	}
	for ev := range events {
		st, err := covenant.Decode(ev.State)
		if err != nil {
			color.Red("vote %d: %s", ev.Seq, err)
			continue
		}
		if ev.Applied {
			color.Cyan("vote %d for %s: %s", ev.Seq, ev.Candidate, st)
		} else {
			color.Blue("vote %d for unknown %s: %s", ev.Seq, ev.Candidate, st)
		}
	}
}
