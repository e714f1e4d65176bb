package signer

import (
	"context"
	"fmt"

	"github.com/chain/txvm/protocol/bc"
	"github.com/stellar/go/keypair"

	"github.com/interstellar/slingshot/votechain/stellar"
)

// Stellar is a wallet holding a Stellar account seed. It only authorizes
// votes while its network is the Stellar testnet.
type Stellar struct {
	KP        *keypair.Full
	Submitter Submitter
	Wait      bool

	// Passphrase is the wallet's network passphrase. If Horizon is set,
	// the passphrase it reports takes precedence.
	Passphrase string
	Horizon    stellar.RootGetter
}

// Authorize permits only testnet wallets.
func (s *Stellar) Authorize(ctx context.Context) (Authorization, error) {
	if s.KP == nil {
		return Authorization{Reason: "no stellar account"}, nil
	}
	passphrase := s.Passphrase
	if s.Horizon != nil {
		p, err := stellar.NetworkPassphrase(s.Horizon)
		if err != nil {
			return Authorization{}, err
		}
		passphrase = p
	}
	if !stellar.IsTestnet(passphrase) {
		return Authorization{
			Reason:  fmt.Sprintf("wallet network %q is not the testnet", passphrase),
			Address: s.KP.Address(),
		}, nil
	}
	return Authorization{Authorized: true, Address: s.KP.Address()}, nil
}

func (s *Stellar) Submit(ctx context.Context, raw []byte) (bc.Hash, error) {
	return submit(ctx, s.Submitter, raw, s.Wait)
}

// Address is the account's strkey, or "" without one.
func (s *Stellar) Address() string {
	if s.KP == nil {
		return ""
	}
	return s.KP.Address()
}

// ChangeScript pays change to the account's ed25519 key.
func (s *Stellar) ChangeScript() []byte {
	pub, err := stellar.AccountPubkey(s.Address())
	if err != nil {
		return nil
	}
	return PayToPubkey(pub)
}
