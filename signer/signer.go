// Package signer provides the wallets that authorize votes and hand the
// finished transactions to a ledger.
package signer

import (
	"context"
	"fmt"

	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/protocol/bc"
	"github.com/chain/txvm/protocol/txvm/asm"
)

// Authorization is a signer's verdict on whether it may act.
type Authorization struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Err returns an *AuthorizationError for an unauthorized verdict, else nil.
func (a Authorization) Err() error {
	if a.Authorized {
		return nil
	}
	return &AuthorizationError{Reason: a.Reason}
}

// AuthorizationError is returned when a signer declines to act.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

// SubmitError wraps a failure to hand a transaction to the ledger.
type SubmitError struct {
	Err error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submitting transaction: %s", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submitter hands protobuf-serialized bc.RawTx bytes to a ledger.
// With wait set it returns only after the transaction is in a block.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw []byte, wait bool) (bc.Hash, error)
}

// Signer is a wallet.
type Signer interface {
	// Authorize reports whether the wallet may vote right now.
	Authorize(ctx context.Context) (Authorization, error)

	// Submit sends a serialized transaction, returning its id.
	// Failures are *SubmitError.
	Submit(ctx context.Context, raw []byte) (bc.Hash, error)

	// Address identifies the payer in transaction payloads.
	Address() string

	// ChangeScript locks change outputs to this wallet.
	ChangeScript() []byte
}

// PayToPubkey returns the txvm program that locks value to pub.
func PayToPubkey(pub ed25519.PublicKey) []byte {
	return mustAssemble(fmt.Sprintf("txid x'%x' get 0 checksig verify", []byte(pub)))
}

func submit(ctx context.Context, s Submitter, raw []byte, wait bool) (bc.Hash, error) {
	if s == nil {
		return bc.Hash{}, &SubmitError{Err: errors.New("no submitter configured")}
	}
	id, err := s.SubmitRaw(ctx, raw, wait)
	if err != nil {
		return bc.Hash{}, &SubmitError{Err: err}
	}
	return id, nil
}

// Ed25519 is a local txvm-key wallet.
type Ed25519 struct {
	Key       ed25519.PrivateKey
	Submitter Submitter
	Wait      bool
}

// Authorize accepts any well-formed key.
func (s *Ed25519) Authorize(context.Context) (Authorization, error) {
	if len(s.Key) != ed25519.PrivateKeySize {
		return Authorization{Reason: fmt.Sprintf("ed25519 key has %d bytes, want %d", len(s.Key), ed25519.PrivateKeySize)}, nil
	}
	return Authorization{Authorized: true, Address: s.Address()}, nil
}

// Submit hands raw to s.Submitter.
func (s *Ed25519) Submit(ctx context.Context, raw []byte) (bc.Hash, error) {
	return submit(ctx, s.Submitter, raw, s.Wait)
}

func (s *Ed25519) pub() ed25519.PublicKey {
	if len(s.Key) != ed25519.PrivateKeySize {
		return nil
	}
	return s.Key.Public().(ed25519.PublicKey)
}

// Address is the hex public key.
func (s *Ed25519) Address() string {
	return fmt.Sprintf("%x", []byte(s.pub()))
}

// ChangeScript pays change to the public key.
func (s *Ed25519) ChangeScript() []byte {
	return PayToPubkey(s.pub())
}

// mustAssemble calls asm.Assemble and panics on error. The pinned txvm
// version does not export asm.MustAssemble.
func mustAssemble(src string) []byte {
	prog, err := asm.Assemble(src)
	if err != nil {
		panic(err)
	}
	return prog
}
