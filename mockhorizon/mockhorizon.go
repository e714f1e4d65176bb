// Package mockhorizon is a stand-in for a horizon server in tests of
// code that only needs to learn which Stellar network it is on.
package mockhorizon

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/stellar/go/clients/horizon"
	"github.com/stellar/go/network"
)

// New returns a Client on the Stellar testnet.
func New() *Client {
	return &Client{passphrase: network.TestNetworkPassphrase}
}

// Client is a mock horizon client that reports a fixed network.
type Client struct {
	mu         sync.Mutex
	passphrase string
	down       bool
	calls      int
}

// SetNetwork changes the passphrase reported by Root.
func (c *Client) SetNetwork(passphrase string) {
	c.mu.Lock()
	c.passphrase = passphrase
	c.mu.Unlock()
}

// SetDown makes Root fail until called again with false.
func (c *Client) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

// Calls returns the number of Root calls so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) Root() (horizon.Root, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down {
		return horizon.Root{}, errors.New("root: horizon unavailable")
	}
	return horizon.Root{NetworkPassphrase: c.passphrase}, nil
}
