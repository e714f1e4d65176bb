package votechain

import (
	"context"
	"fmt"

	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	log "github.com/sirupsen/logrus"
)

// RunPin calls f on every block after the last one the pin called name
// has processed, first from the db backlog and then as the ledger commits
// them. The pin's height is persisted after each block.
// It returns when ctx is canceled, the ledger is closed, or f fails.
func (l *Ledger) RunPin(ctx context.Context, name string, f func(context.Context, *bc.Block) error) error {
	defer log.Infof("RunPin(%s) exiting", name)

	r := l.Blocks()
	defer r.Dispose()

	_, err := l.DB.ExecContext(ctx, `INSERT OR IGNORE INTO pins (name, height) VALUES ($1, 0)`, name)
	if err != nil {
		return errors.Wrapf(err, "creating pin %s", name)
	}

	var lastHeight uint64
	err = l.DB.QueryRowContext(ctx, `SELECT height FROM pins WHERE name = $1`, name).Scan(&lastHeight)
	if err != nil {
		return errors.Wrapf(err, "getting height of pin %s", name)
	}

	// Start processing after lastHeight.

	var blocks []*bc.Block
	err = sqlutil.ForQueryRows(ctx, l.DB, `SELECT bits, height FROM blocks WHERE height > $1 ORDER BY height`, lastHeight, func(bits []byte, height uint64) error {
		var block bc.Block
		err := block.FromBytes(bits)
		if err != nil {
			return errors.Wrapf(err, "unmarshaling block %d", height)
		}
		blocks = append(blocks, &block)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "processing backlog for pin %s", name)
	}

	processBlock := func(block *bc.Block) error {
		if block.Height != lastHeight+1 {
			return fmt.Errorf("missing block %d", lastHeight+1)
		}
		err := f(ctx, block)
		if err != nil {
			return errors.Wrapf(err, "running pin %s on block %d", name, block.Height)
		}
		_, err = l.DB.Exec(`UPDATE pins SET height = $1 WHERE name = $2`, block.Height, name) // n.b. not ExecContext
		if err != nil {
			return errors.Wrapf(err, "updating pin %s after block %d", name, block.Height)
		}
		lastHeight = block.Height
		return nil
	}

	for _, block := range blocks {
		err = processBlock(block)
		if err != nil {
			return errors.Wrapf(err, "processing backlog block %d", block.Height)
		}
	}

	for {
		x, ok := r.Read(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		block := x.(*bc.Block)
		if block.Height <= lastHeight {
			continue
		}
		err = processBlock(block)
		if err != nil {
			return errors.Wrapf(err, "processing live block %d", block.Height)
		}
	}
}

// PinHeight returns the last block height processed by the named pin.
func (l *Ledger) PinHeight(ctx context.Context, name string) (uint64, error) {
	var height uint64
	err := l.DB.QueryRowContext(ctx, `SELECT height FROM pins WHERE name = $1`, name).Scan(&height)
	return height, errors.Wrapf(err, "getting height of pin %s", name)
}
