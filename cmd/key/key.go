package main

import (
	"flag"
	"fmt"

	"github.com/chain/txvm/crypto/ed25519"
	log "github.com/sirupsen/logrus"

	"github.com/interstellar/slingshot/votechain/stellar"
)

func main() {
	stellarAccount := flag.Bool("stellar", false, "create and fund a Stellar testnet account instead")
	flag.Parse()

	if *stellarAccount {
		kp, err := stellar.NewFundedAccount(nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("seed: %s\naddress: %s\n", kp.Seed(), kp.Address())
		return
	}

	pub, prv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("generating keypair: %s", err)
	}
	fmt.Printf("private: %x\npublic: %x\n", []byte(prv), []byte(pub))
}
