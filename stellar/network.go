// Package stellar holds the Stellar wallet helpers used by the stellar
// signer: seed parsing, account keys, and network detection.
package stellar

import (
	"net/http"
	"strings"

	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"github.com/stellar/go/clients/horizon"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
)

// RootGetter reports the network a horizon server serves.
// *horizon.Client satisfies it.
type RootGetter interface {
	Root() (horizon.Root, error)
}

// NewHorizon returns a horizon client for url.
func NewHorizon(url string) *horizon.Client {
	return &horizon.Client{
		URL:  strings.TrimRight(url, "/"),
		HTTP: new(http.Client),
	}
}

// NetworkPassphrase asks rg for its network passphrase.
func NetworkPassphrase(rg RootGetter) (string, error) {
	root, err := rg.Root()
	if err != nil {
		return "", errors.Wrap(err, "getting horizon root")
	}
	return root.NetworkPassphrase, nil
}

// IsTestnet reports whether passphrase names the public test network.
func IsTestnet(passphrase string) bool {
	return passphrase == network.TestNetworkPassphrase
}

// ParseSeed parses a secret seed ("S...").
func ParseSeed(seed string) (*keypair.Full, error) {
	kp, err := keypair.Parse(seed)
	if err != nil {
		return nil, errors.Wrap(err, "parsing stellar seed")
	}
	full, ok := kp.(*keypair.Full)
	if !ok {
		return nil, errors.New("stellar key is an address, not a seed")
	}
	return full, nil
}

// AccountPubkey returns the ed25519 public key of an account address ("G...").
func AccountPubkey(address string) (ed25519.PublicKey, error) {
	raw, err := strkey.Decode(strkey.VersionByteAccountID, address)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding account address %s", address)
	}
	return ed25519.PublicKey(raw), nil
}
