package stellar

import (
	"net/http"

	"github.com/chain/txvm/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
)

// FriendbotURL funds new testnet accounts.
var FriendbotURL = "https://friendbot.stellar.org/"

// NewFundedAccount generates a random keypair, creates
// an account on the Stellar testnet, and gets friendbot
// funds for that account, returning the account keypair.
func NewFundedAccount(hc *http.Client) (*keypair.Full, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, errors.Wrap(err, "generating random keypair")
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Get(FriendbotURL + "?addr=" + kp.Address())
	if err != nil {
		return nil, errors.Wrap(err, "requesting friendbot lumens")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.New("friendbot refused"), "got bad status code %d requesting friendbot lumens", resp.StatusCode)
	}
	log.Infof("successfully funded %s", kp.Address())
	return kp, nil
}
