package store

import (
	"context"
	"database/sql"

	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
)

// UnspentPin is the pin recording the last block applied to the utxos
// table. Blocks above it are kept until they are applied.
const UnspentPin = "unspent"

// Unspent tracks the covenant instances the ledger has not yet seen spent.
type Unspent struct {
	db *sql.DB
}

// NewUnspent returns an Unspent over the utxos table of db.
func NewUnspent(db *sql.DB) *Unspent {
	return &Unspent{db: db}
}

// Get returns the unspent instance at op, or ErrNotFound.
func (u *Unspent) Get(ctx context.Context, op Outpoint) (*Instance, error) {
	const q = `SELECT contract_txid, contract_index, state, value, height FROM utxos
		WHERE txid = $1 AND output_index = $2`
	inst := &Instance{Outpoint: op}
	err := u.db.QueryRowContext(ctx, q, op.TxID, op.Index).Scan(
		&inst.Contract.TxID, &inst.Contract.Index, &inst.State, &inst.Value, &inst.Height)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "unspent output %s", op)
	}
	return inst, errors.Wrapf(err, "getting unspent output %s", op)
}

// List returns every unspent instance, oldest first.
func (u *Unspent) List(ctx context.Context) ([]*Instance, error) {
	const q = `SELECT txid, output_index, contract_txid, contract_index, state, value, height FROM utxos
		ORDER BY height, txid`
	var insts []*Instance
	err := sqlutil.ForQueryRows(ctx, u.db, q, func(txid bc.Hash, idx uint32, ctxid bc.Hash, cidx uint32, state []byte, value, height uint64) {
		insts = append(insts, &Instance{
			Contract: Outpoint{TxID: ctxid, Index: cidx},
			Outpoint: Outpoint{TxID: txid, Index: idx},
			State:    state,
			Value:    value,
			Height:   height,
		})
	})
	return insts, errors.Wrap(err, "listing unspent outputs")
}

// Height returns the last block height passed to Apply, or 0.
func (u *Unspent) Height(ctx context.Context) (uint64, error) {
	var height uint64
	err := u.db.QueryRowContext(ctx, `SELECT height FROM pins WHERE name = $1`, UnspentPin).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return height, errors.Wrap(err, "getting unspent height")
}

// Apply removes spent and adds created, the changes made by the block at
// height, and advances UnspentPin to height. It is atomic.
func (u *Unspent) Apply(ctx context.Context, height uint64, created []*Instance, spent []Outpoint) (err error) {
	dbtx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning db transaction")
	}
	defer func() {
		if err != nil {
			dbtx.Rollback()
		}
	}()

	for _, op := range spent {
		_, err = dbtx.ExecContext(ctx, `DELETE FROM utxos WHERE txid = $1 AND output_index = $2`, op.TxID, op.Index)
		if err != nil {
			return errors.Wrapf(err, "spending %s", op)
		}
	}
	for _, inst := range created {
		const q = `INSERT INTO utxos (txid, output_index, contract_txid, contract_index, state, value, height)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err = dbtx.ExecContext(ctx, q, inst.Outpoint.TxID, inst.Outpoint.Index, inst.Contract.TxID, inst.Contract.Index, []byte(inst.State), inst.Value, inst.Height)
		if err != nil {
			return errors.Wrapf(err, "creating %s", inst.Outpoint)
		}
	}

	const pinQ = `INSERT INTO pins (name, height) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET height = excluded.height`
	_, err = dbtx.ExecContext(ctx, pinQ, UnspentPin, height)
	if err != nil {
		return errors.Wrapf(err, "advancing %s pin to %d", UnspentPin, height)
	}
	return errors.Wrap(dbtx.Commit(), "committing db transaction")
}
