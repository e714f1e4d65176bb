package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain"
)

func main() {
	ctx := context.Background()

	cfg, err := votechain.LoadConfig("deploy", os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if err = cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	names, err := cfg.CandidateNames()
	if err != nil {
		log.Fatal(err)
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

	v := &votechain.Voter{Signer: s, Source: c, BlockID: bcid}
	contract, err := v.Deploy(ctx, names, cfg.Amount)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(contract)
}
