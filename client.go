package votechain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"

	"github.com/interstellar/slingshot/votechain/covenant"
)

// Client talks to a votechaind server.
type Client struct {
	URL  string
	HTTP *http.Client
}

func NewClient(u string) *Client {
	return &Client{URL: strings.TrimRight(u, "/"), HTTP: new(http.Client)}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.URL+path, r)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s %s request", method, path)
	}
	req = req.WithContext(ctx)
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	return resp, errors.Wrapf(err, "%s %s", method, path)
}

// responseErr converts a non-2xx response into the error the server
// reported, preserving the sentinel it came from.
func responseErr(resp *http.Response) error {
	msg, _ := ioutil.ReadAll(resp.Body)
	text := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		var merr covenant.MismatchError
		if merr.Want.UnmarshalText([]byte(resp.Header.Get(headerDigestWant))) == nil &&
			merr.Got.UnmarshalText([]byte(resp.Header.Get(headerDigestGot))) == nil {
			return &merr
		}
	case http.StatusConflict:
		return errors.Wrap(ErrSpent, text)
	case http.StatusUnprocessableEntity:
		return errors.Wrap(ErrRejected, text)
	case http.StatusServiceUnavailable:
		return errors.Wrap(ErrNotIncluded, text)
	case http.StatusBadRequest:
		return errors.Wrap(ErrMalformed, text)
	case http.StatusNotFound:
		return errors.Wrap(ErrNotFound, text)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, text)
}

// SubmitRaw posts a protobuf-serialized bc.RawTx.
func (c *Client) SubmitRaw(ctx context.Context, raw []byte, wait bool) (bc.Hash, error) {
	path := "/submit"
	if wait {
		path += "?wait=1"
	}
	resp, err := c.do(ctx, "POST", path, raw)
	if err != nil {
		return bc.Hash{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return bc.Hash{}, responseErr(resp)
	}
	var sr submitResponse
	err = json.NewDecoder(resp.Body).Decode(&sr)
	return sr.TxID, errors.Wrap(err, "decoding submit response")
}

// GetBlock fetches the block at height, waiting for it if necessary.
func (c *Client) GetBlock(ctx context.Context, height uint64) (*bc.Block, error) {
	resp, err := c.do(ctx, "GET", fmt.Sprintf("/get?height=%d", height), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, responseErr(resp)
	}
	bits, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading block %d", height)
	}
	b := new(bc.Block)
	err = b.FromBytes(bits)
	return b, errors.Wrapf(err, "parsing block %d", height)
}

// InitialBlockID returns the hash of the server's initial block, which
// anchors transaction nonces.
func (c *Client) InitialBlockID(ctx context.Context) (bc.Hash, error) {
	b, err := c.GetBlock(ctx, 1)
	if err != nil {
		return bc.Hash{}, err
	}
	return b.Hash(), nil
}

func contractPath(contract Outpoint) string {
	return fmt.Sprintf("/contracts/%x/%d", contract.TxID.Bytes(), contract.Index)
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.do(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseErr(resp)
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(v), "decoding response from %s", path)
}

// LatestState returns the current instance of contract, or ErrNotFound.
func (c *Client) LatestState(ctx context.Context, contract Outpoint) (*Instance, error) {
	inst := new(Instance)
	err := c.getJSON(ctx, contractPath(contract), inst)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// VotesSince returns the votes on contract after sequence number after.
// With wait set, the server holds the request until there is one.
func (c *Client) VotesSince(ctx context.Context, contract Outpoint, after int64, wait bool) ([]*VoteEvent, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprint(after))
	if wait {
		q.Set("wait", "1")
	}
	var votes []*VoteEvent
	err := c.getJSON(ctx, contractPath(contract)+"/votes?"+q.Encode(), &votes)
	return votes, err
}

// WaitVotes long-polls for votes on contract after sequence number after.
func (c *Client) WaitVotes(ctx context.Context, contract Outpoint, after int64) ([]*VoteEvent, error) {
	return c.VotesSince(ctx, contract, after, true)
}

// Subscribe streams the server's vote events for contract.
// The channel is closed when ctx is done or the stream ends.
func (c *Client) Subscribe(ctx context.Context, contract Outpoint) (<-chan *VoteEvent, error) {
	resp, err := c.do(ctx, "GET", contractPath(contract)+"/events", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, responseErr(resp)
	}

	ch := make(chan *VoteEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var data bytes.Buffer
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case line == "" && data.Len() > 0:
				v := new(VoteEvent)
				err := json.Unmarshal(data.Bytes(), v)
				data.Reset()
				if err != nil {
					continue
				}
				select {
				case ch <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
