package votechain

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	i10rjson "github.com/chain/txvm/encoding/json"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/chain/txvm/protocol/txvm"
	"github.com/chain/txvm/protocol/txvm/op"
	"github.com/chain/txvm/protocol/txvm/txvmutil"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/store"
)

// Outpoint addresses a transaction output. A contract is identified by
// the outpoint of its deploy transaction's state output.
type Outpoint = store.Outpoint

// ParseOutpoint parses "<txid hex>:<index>".
var ParseOutpoint = store.ParseOutpoint

// Instance is a covenant state output as reported by the indexer.
type Instance = store.Instance

// Payload kinds.
const (
	KindDeploy = "deploy"
	KindVote   = "vote"
)

// ErrNoPayload means a transaction logs no votechain payload.
var ErrNoPayload = errors.New("no votechain payload")

// Payload is the JSON document each votechain transaction logs.
// Outputs are serialized covenant.Output values; output 0 is always
// the state output.
type Payload struct {
	Kind      string              `json:"kind"`
	Contract  *Outpoint           `json:"contract,omitempty"`
	Spends    *Outpoint           `json:"spends,omitempty"`
	Candidate i10rjson.HexBytes   `json:"candidate"`
	Outputs   []i10rjson.HexBytes `json:"outputs"`
	Funding   uint64              `json:"funding,omitempty"`
	Payer     string              `json:"payer,omitempty"`
}

// OutputBlobs returns p.Outputs as plain byte slices.
func (p *Payload) OutputBlobs() [][]byte {
	blobs := make([][]byte, 0, len(p.Outputs))
	for _, o := range p.Outputs {
		blobs = append(blobs, o)
	}
	return blobs
}

// Nonce expirations must differ between transactions built by the same
// program, or their nonces collide.
var (
	expMu   sync.Mutex
	lastExp uint64
)

func nextExpMS(now time.Time) uint64 {
	expMu.Lock()
	defer expMu.Unlock()
	exp := bc.Millis(now.Add(10 * time.Minute))
	if exp <= lastExp {
		exp = lastExp + 1
	}
	lastExp = exp
	return exp
}

// BuildTx builds a finalized txvm transaction that logs p.
// The transaction's nonce is anchored to the initial block bcid.
func BuildTx(bcid bc.Hash, p *Payload) (*bc.Tx, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling payload")
	}

	b := new(txvmutil.Builder)
	b.PushdataBytes(doc).Op(op.Log)
	b.PushdataBytes(bcid.Bytes())
	b.PushdataInt64(int64(nextExpMS(time.Now())))
	b.Op(op.Nonce).Op(op.Finalize)
	prog := b.Build()

	var runlimit int64
	tx, err := bc.NewTx(prog, 3, math.MaxInt64, txvm.GetRunlimit(&runlimit))
	if err != nil {
		return nil, errors.Wrap(err, "making tx")
	}
	tx.Runlimit = math.MaxInt64 - runlimit
	return tx, nil
}

// BuildDeployTx builds the transaction creating a new contract whose
// state output is outputs[0].
func BuildDeployTx(bcid bc.Hash, outputs [][]byte, payer string) (*bc.Tx, error) {
	return BuildTx(bcid, &Payload{
		Kind:    KindDeploy,
		Outputs: hexBlobs(outputs),
		Payer:   payer,
	})
}

// BuildVoteTx builds the transaction that spends the instance at spends,
// promising outputs.
func BuildVoteTx(bcid bc.Hash, contract, spends Outpoint, candidate []byte, outputs [][]byte, funding uint64, payer string) (*bc.Tx, error) {
	return BuildTx(bcid, &Payload{
		Kind:      KindVote,
		Contract:  &contract,
		Spends:    &spends,
		Candidate: candidate,
		Outputs:   hexBlobs(outputs),
		Funding:   funding,
		Payer:     payer,
	})
}

func hexBlobs(blobs [][]byte) []i10rjson.HexBytes {
	out := make([]i10rjson.HexBytes, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, b)
	}
	return out
}

// ParsePayload extracts the payload logged by a votechain transaction.
//
// Expected log is:
//   {"L", caller, payload}
//   {"N", ...}
//   {"R", ...}
//   {"F", ...}
func ParsePayload(tx *bc.Tx) (*Payload, error) {
	for _, entry := range tx.Log {
		if len(entry) < 3 {
			continue
		}
		code, ok := entry[0].(txvm.Bytes)
		if !ok || len(code) != 1 || code[0] != txvm.LogCode {
			continue
		}
		doc, ok := entry[2].(txvm.Bytes)
		if !ok {
			continue
		}
		p := new(Payload)
		if err := json.Unmarshal(doc, p); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "parsing payload of tx %x: %s", tx.ID.Bytes(), err)
		}
		if p.Kind != KindDeploy && p.Kind != KindVote {
			return nil, errors.Wrapf(ErrNoPayload, "tx %x has payload kind %q", tx.ID.Bytes(), p.Kind)
		}
		return p, nil
	}
	return nil, errors.Wrapf(ErrNoPayload, "tx %x", tx.ID.Bytes())
}

// StateOutpoint is the outpoint of the state output created by tx.
func StateOutpoint(tx *bc.Tx) Outpoint {
	return Outpoint{TxID: tx.ID, Index: 0}
}

// decodeState reads the state output of p.
func decodeState(b covenant.Builder, p *Payload) (covenant.Output, covenant.State, error) {
	if len(p.Outputs) == 0 {
		return covenant.Output{}, covenant.State{}, ErrNoStateOutput
	}
	out, err := covenant.ParseOutput(p.Outputs[0])
	if err != nil {
		return covenant.Output{}, covenant.State{}, errors.Wrap(err, "parsing state output")
	}
	st, err := b.StateFromOutput(out)
	if err != nil {
		return out, covenant.State{}, errors.Wrap(err, "reading state output")
	}
	return out, st, nil
}
