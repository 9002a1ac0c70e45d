// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNilTx is returned when a signing request carries no transaction.
	ErrNilTx = errors.New("missing transaction")

	// ErrNilView is returned when a signing request carries no coin view.
	ErrNilView = errors.New("missing coin view")

	// ErrInvalidSigHash is returned for a sighash selector outside of
	// ALL, NONE and SINGLE optionally combined with ANYONECANPAY.
	ErrInvalidSigHash = errors.New("invalid sighash param")

	// ErrWrongNetwork is returned when a private key is encoded for a
	// different network than the one the key store serves.
	ErrWrongNetwork = errors.New("private key is for a different network")

	errNoCoin   = errors.New("no coin")
	errNoKey    = errors.New("no key")
	errNoScript = errors.New("no script")
)

const (
	// reasonCoinNotFound is reported for inputs whose previous output is
	// unknown or already spent.
	reasonCoinNotFound = "Input not found or already spent"
)

// InputError describes why a single input is not fully authorized after a
// signing pass. Input errors never abort the remaining inputs.
type InputError struct {
	// OutPoint is the previous output the input spends.
	OutPoint wire.OutPoint

	// SignatureScript is the unlocking script of the input at the time the
	// error was recorded.
	SignatureScript []byte

	// Sequence is the sequence number of the input.
	Sequence uint32

	// Reason is the human readable failure.
	Reason string
}

// Error implements the error interface so an InputError can be logged or
// wrapped like any other error.
func (e InputError) Error() string {
	return fmt.Sprintf("input %v: %s", e.OutPoint, e.Reason)
}

// newInputError records the current state of txIn along with the reason.
func newInputError(txIn *wire.TxIn, reason string) InputError {
	return InputError{
		OutPoint: txIn.PreviousOutPoint,
		SignatureScript: append(
			[]byte(nil), txIn.SignatureScript...,
		),
		Sequence: txIn.Sequence,
		Reason:   reason,
	}
}
