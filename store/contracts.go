package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"
	i10rjson "github.com/chain/txvm/encoding/json"
	"github.com/chain/txvm/protocol/bc"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("not found")

// Outpoint addresses a transaction output.
type Outpoint struct {
	TxID  bc.Hash `json:"txid"`
	Index uint32  `json:"index"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%x:%d", o.TxID.Bytes(), o.Index)
}

// ParseOutpoint parses the output of Outpoint.String.
func ParseOutpoint(s string) (Outpoint, error) {
	parts := strings.SplitN(s, ":", 2)
	var o Outpoint
	if len(parts) != 2 {
		return o, fmt.Errorf("outpoint %q: want <txid>:<index>", s)
	}
	if err := o.TxID.UnmarshalText([]byte(parts[0])); err != nil {
		return o, errors.Wrapf(err, "outpoint %q: parsing txid", s)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return o, errors.Wrapf(err, "outpoint %q: parsing index", s)
	}
	o.Index = uint32(idx)
	return o, nil
}

// Instance is one covenant state output.
type Instance struct {
	Contract Outpoint          `json:"contract"`
	Outpoint Outpoint          `json:"outpoint"`
	State    i10rjson.HexBytes `json:"state"`
	Value    uint64            `json:"value"`
	Height   uint64            `json:"height"`

	// Seq is the sequence number of the latest vote applied to the
	// contract, or 0 for a freshly deployed one.
	Seq int64 `json:"seq"`
}

// Vote is a confirmed vote transaction.
type Vote struct {
	Seq       int64             `json:"seq"`
	Contract  Outpoint          `json:"contract"`
	TxID      bc.Hash           `json:"txid"`
	Candidate i10rjson.HexBytes `json:"candidate"`
	Applied   bool              `json:"applied"`
	State     i10rjson.HexBytes `json:"state"`
	Value     uint64            `json:"value"`
	Height    uint64            `json:"height"`
}

// Contracts reads and writes the contracts and votes tables.
type Contracts struct {
	db *sql.DB
}

// NewContracts returns a Contracts reading and writing db.
func NewContracts(db *sql.DB) *Contracts {
	return &Contracts{db: db}
}

// Latest returns the current instance of contract.
func (c *Contracts) Latest(ctx context.Context, contract Outpoint) (*Instance, error) {
	const q = `SELECT txid, output_index, state, value, height, seq FROM contracts
		WHERE contract_txid = $1 AND contract_index = $2`
	inst := &Instance{Contract: contract}
	err := c.db.QueryRowContext(ctx, q, contract.TxID, contract.Index).Scan(
		&inst.Outpoint.TxID, &inst.Outpoint.Index, &inst.State, &inst.Value, &inst.Height, &inst.Seq)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "contract %s", contract)
	}
	return inst, errors.Wrapf(err, "getting contract %s", contract)
}

// VotesSince returns the votes on contract with sequence numbers greater
// than after, in order.
func (c *Contracts) VotesSince(ctx context.Context, contract Outpoint, after int64) ([]*Vote, error) {
	const q = `SELECT seq, txid, candidate, applied, state, value, height FROM votes
		WHERE contract_txid = $1 AND contract_index = $2 AND seq > $3 ORDER BY seq`
	var votes []*Vote
	err := sqlutil.ForQueryRows(ctx, c.db, q, contract.TxID, contract.Index, after, func(seq int64, txid bc.Hash, candidate []byte, applied bool, state []byte, value, height uint64) {
		votes = append(votes, &Vote{
			Seq:       seq,
			Contract:  contract,
			TxID:      txid,
			Candidate: candidate,
			Applied:   applied,
			State:     state,
			Value:     value,
			Height:    height,
		})
	})
	return votes, errors.Wrapf(err, "getting votes on %s after %d", contract, after)
}

// Record writes the deploys and votes of one block atomically.
// It fills in each vote's Seq.
func (c *Contracts) Record(ctx context.Context, deploys []*Instance, votes []*Vote) (err error) {
	dbtx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning db transaction")
	}
	defer func() {
		if err != nil {
			dbtx.Rollback()
		}
	}()

	for _, d := range deploys {
		const q = `INSERT INTO contracts
			(contract_txid, contract_index, txid, output_index, state, value, height, seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
			ON CONFLICT (contract_txid, contract_index) DO NOTHING`
		_, err = dbtx.ExecContext(ctx, q, d.Contract.TxID, d.Contract.Index, d.Outpoint.TxID, d.Outpoint.Index, []byte(d.State), d.Value, d.Height)
		if err != nil {
			return errors.Wrapf(err, "recording deploy of %s", d.Contract)
		}
	}

	for _, v := range votes {
		// A block may be indexed twice if the indexer stopped before
		// advancing its pin; the second insert is a no-op. Any other
		// constraint failure is an error.
		const insertQ = `INSERT INTO votes
			(contract_txid, contract_index, txid, candidate, applied, state, value, height)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (txid) DO NOTHING`
		candidate := []byte(v.Candidate)
		if candidate == nil {
			// The empty name is a valid no-op vote, not NULL.
			candidate = []byte{}
		}
		var res sql.Result
		res, err = dbtx.ExecContext(ctx, insertQ, v.Contract.TxID, v.Contract.Index, v.TxID, candidate, v.Applied, []byte(v.State), v.Value, v.Height)
		if err != nil {
			return errors.Wrapf(err, "recording vote %x", v.TxID.Bytes())
		}
		var n int64
		n, err = res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "counting inserted votes")
		}
		if n == 0 {
			err = dbtx.QueryRowContext(ctx, `SELECT seq FROM votes WHERE txid = $1`, v.TxID).Scan(&v.Seq)
		} else {
			v.Seq, err = res.LastInsertId()
		}
		if err != nil {
			return errors.Wrap(err, "getting vote sequence number")
		}

		const updateQ = `UPDATE contracts SET txid = $1, output_index = 0, state = $2, value = $3, height = $4, seq = $5
			WHERE contract_txid = $6 AND contract_index = $7`
		_, err = dbtx.ExecContext(ctx, updateQ, v.TxID, []byte(v.State), v.Value, v.Height, v.Seq, v.Contract.TxID, v.Contract.Index)
		if err != nil {
			return errors.Wrapf(err, "advancing contract %s", v.Contract)
		}
	}

	return errors.Wrap(dbtx.Commit(), "committing db transaction")
}
