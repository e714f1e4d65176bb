package votechain

import (
	"context"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/gorilla/mux"
	"github.com/manucorporat/sse"

	"github.com/interstellar/slingshot/votechain/covenant"
	"github.com/interstellar/slingshot/votechain/net"
)

// Response headers carrying the two sides of a digest mismatch.
const (
	headerDigestWant = "Votechain-Digest-Want"
	headerDigestGot  = "Votechain-Digest-Got"
)

type server struct {
	ledger  *Ledger
	indexer *Indexer
}

// NewHandler serves the ledger and the indexer over HTTP.
func NewHandler(l *Ledger, ix *Indexer) http.Handler {
	s := &server{ledger: l, indexer: ix}

	r := mux.NewRouter()
	r.HandleFunc("/submit", s.submit).Methods("POST")
	r.HandleFunc("/get", s.get).Methods("GET")
	r.HandleFunc("/contracts/{txid}/{index}", s.contract).Methods("GET")
	r.HandleFunc("/contracts/{txid}/{index}/votes", s.votes).Methods("GET")
	r.HandleFunc("/contracts/{txid}/{index}/events", s.events).Methods("GET")
	return r
}

type submitResponse struct {
	TxID bc.Hash `json:"txid"`
}

func (s *server) submit(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	bits, err := ioutil.ReadAll(req.Body)
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "reading request body: %s", err)
		return
	}

	wait := req.FormValue("wait") == "1"
	id, err := s.ledger.SubmitRaw(ctx, bits, wait)
	if err != nil {
		if merr, ok := errors.Root(err).(*covenant.MismatchError); ok {
			w.Header().Set(headerDigestWant, merr.Want.String())
			w.Header().Set(headerDigestGot, merr.Got.String())
		}
		net.Errorf(w, submitStatus(err), "submitting tx: %s", err)
		return
	}
	net.WriteJSON(w, submitResponse{TxID: id})
}

func submitStatus(err error) int {
	if _, ok := errors.Root(err).(*covenant.MismatchError); ok {
		return http.StatusPreconditionFailed
	}
	switch errors.Root(err) {
	case ErrSpent:
		return http.StatusConflict
	case ErrRejected:
		return http.StatusUnprocessableEntity
	case ErrNotIncluded:
		return http.StatusServiceUnavailable
	case ErrMalformed, ErrNoPayload:
		return http.StatusBadRequest
	case context.Canceled, context.DeadlineExceeded:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *server) get(w http.ResponseWriter, req *http.Request) {
	wantStr := req.FormValue("height")
	var (
		want uint64 = 1
		err  error
	)
	if wantStr != "" {
		want, err = strconv.ParseUint(wantStr, 10, 64)
		if err != nil {
			net.Errorf(w, http.StatusBadRequest, "parsing height: %s", err)
			return
		}
	}

	chain := s.ledger.Chain
	height := chain.Height()
	if want == 0 {
		want = height
	}
	ctx := req.Context()
	if want > height {
		waiter := chain.BlockWaiter(want)
		select {
		case <-waiter:
			// ok
		case <-ctx.Done():
			net.Errorf(w, http.StatusRequestTimeout, "timed out")
			return
		}
	}

	b, err := chain.GetBlock(ctx, want)
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "getting block %d: %s", want, err)
		return
	}

	bits, err := b.Bytes()
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "serializing block %d: %s", want, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = w.Write(bits)
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "sending response: %s", err)
		return
	}
}

func contractFromVars(req *http.Request) (Outpoint, error) {
	vars := mux.Vars(req)
	return ParseOutpoint(vars["txid"] + ":" + vars["index"])
}

func (s *server) contract(w http.ResponseWriter, req *http.Request) {
	contract, err := contractFromVars(req)
	if err != nil {
		net.Errorf(w, http.StatusBadRequest, "%s", err)
		return
	}
	inst, err := s.indexer.LatestState(req.Context(), contract)
	if errors.Root(err) == ErrNotFound {
		net.Errorf(w, http.StatusNotFound, "%s", err)
		return
	}
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "%s", err)
		return
	}
	net.WriteJSON(w, inst)
}

func (s *server) votes(w http.ResponseWriter, req *http.Request) {
	contract, err := contractFromVars(req)
	if err != nil {
		net.Errorf(w, http.StatusBadRequest, "%s", err)
		return
	}
	var after int64
	if a := req.FormValue("after"); a != "" {
		after, err = strconv.ParseInt(a, 10, 64)
		if err != nil {
			net.Errorf(w, http.StatusBadRequest, "parsing after: %s", err)
			return
		}
	}

	ctx := req.Context()
	var votes []*VoteEvent
	if req.FormValue("wait") == "1" {
		votes, err = s.indexer.WaitVotes(ctx, contract, after)
	} else {
		votes, err = s.indexer.VotesSince(ctx, contract, after)
	}
	if ctx.Err() != nil {
		net.Errorf(w, http.StatusRequestTimeout, "timed out")
		return
	}
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "%s", err)
		return
	}
	if votes == nil {
		votes = []*VoteEvent{}
	}
	net.WriteJSON(w, votes)
}

func (s *server) events(w http.ResponseWriter, req *http.Request) {
	contract, err := contractFromVars(req)
	if err != nil {
		net.Errorf(w, http.StatusBadRequest, "%s", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		net.Errorf(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := req.Context()
	ch, err := s.indexer.Subscribe(ctx, contract)
	if errors.Root(err) == ErrNotFound {
		net.Errorf(w, http.StatusNotFound, "%s", err)
		return
	}
	if err != nil {
		net.Errorf(w, http.StatusInternalServerError, "%s", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for v := range ch {
		err = sse.Encode(w, sse.Event{
			Event: "vote",
			Id:    strconv.FormatInt(v.Seq, 10),
			Data:  *v,
		})
		if err != nil {
			return
		}
		flusher.Flush()
	}
}
