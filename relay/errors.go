// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrAlreadyInChain is returned when the transaction being published
	// already has confirmed outputs. It is final, resubmitting will never
	// succeed.
	ErrAlreadyInChain = errors.New("transaction already in block chain")

	// ErrMissingInputs is returned when some previous output of the
	// transaction is neither confirmed nor in the pending pool. It is
	// retryable once the parent transactions have propagated.
	ErrMissingInputs = errors.New("missing inputs")
)

// Reject codes reported by pool validation. The first block mirrors the p2p
// reject message codes, the rest are local to the node and never sent over
// the wire.
const (
	RejectInvalid         = uint32(wire.RejectInvalid)
	RejectDuplicate       = uint32(wire.RejectDuplicate)
	RejectNonstandard     = uint32(wire.RejectNonstandard)
	RejectInsufficientFee = uint32(wire.RejectInsufficientFee)

	// RejectHighFee is used when the fee exceeds the caller's ceiling.
	RejectHighFee uint32 = 0x100

	// RejectConflict is used when the transaction double spends a pending
	// one.
	RejectConflict uint32 = 0x101
)

// RejectError is a policy or consensus rejection by pool validation. The
// code and reason are surfaced to the caller verbatim.
type RejectError struct {
	// Code classifies the rejection.
	Code uint32

	// Reason is the short machine readable reason, e.g.
	// "absurdly-high-fee", optionally followed by details.
	Reason string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// NewRejectError creates a RejectError.
func NewRejectError(code uint32, format string,
	args ...interface{}) *RejectError {

	return &RejectError{
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IsRejected reports whether err carries a rejection with the given code.
func IsRejected(err error, code uint32) bool {
	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) {
		return false
	}

	return rejectErr.Code == code
}
