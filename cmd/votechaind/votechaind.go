package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chain/txvm/errors"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/interstellar/slingshot/votechain"
	"github.com/interstellar/slingshot/votechain/covenant"
)

const expireInterval = time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		cancel()
	}()

	cfg, err := votechain.LoadConfig("votechaind", os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if err = cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("sqlite3", cfg.DB)
	if err != nil {
		log.Fatalf("error opening db: %s", err)
	}
	defer db.Close()

	l, err := votechain.NewLedger(ctx, db, covenant.DefaultScriptPrefix, cfg.Interval)
	if err != nil {
		log.Fatal(err)
	}
	ix := votechain.NewIndexer(l)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("listening on %s, initial block ID %x", listener.Addr(), l.InitBlockHash.Bytes())

	srv := &http.Server{Handler: votechain.NewHandler(l, ix)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ix.Run(gctx)
	})
	g.Go(func() error {
		l.ExpireBlocks(gctx, expireInterval)
		return nil
	})
	g.Go(func() error {
		err := srv.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Flush()
		l.Close()
		return srv.Shutdown(context.Background())
	})
	if len(cfg.Candidates) > 0 && cfg.Contract == "" {
		g.Go(func() error {
			return deploy(gctx, cfg, l, ix)
		})
	}

	err = g.Wait()
	if err != nil && errors.Root(err) != context.Canceled {
		log.Fatal(err)
	}
}

// deploy creates the configured contract on the server's own ledger,
// unless an earlier start already did.
func deploy(ctx context.Context, cfg *votechain.Config, l *votechain.Ledger, ix *votechain.Indexer) error {
	names, err := cfg.CandidateNames()
	if err != nil {
		return err
	}
	inst, err := l.FindContract(ctx, names)
	if err == nil {
		log.WithField("contract", inst.Contract).Info("contract already deployed; vote with --contract")
		return nil
	}
	if errors.Root(err) != votechain.ErrNotFound {
		return errors.Wrap(err, "looking for a deployed contract")
	}
	s, err := votechain.NewSigner(cfg, l)
	if err != nil {
		return err
	}
	v := &votechain.Voter{Signer: s, Source: ix, BlockID: l.InitBlockHash}
	contract, err := v.Deploy(ctx, names, cfg.Amount)
	if err != nil {
		return errors.Wrap(err, "deploying contract")
	}
	log.WithField("contract", contract).Info("deployed contract; vote with --contract")
	return nil
}
