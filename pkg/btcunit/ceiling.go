// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultMaxTxFee is the default absolute fee ceiling applied to
	// transactions submitted by local callers, 0.1 BTC.
	DefaultMaxTxFee = btcutil.Amount(btcutil.SatoshiPerBitcoin / 10)
)

// FeeCeiling is the maximum absolute fee a transaction may pay to be admitted.
//
// The zero value means "no ceiling". NoFeeCeiling is a sentinel that removes
// the check entirely, which callers use to express "allow high fees".
type FeeCeiling btcutil.Amount

// NoFeeCeiling disables the absurd fee check.
const NoFeeCeiling = FeeCeiling(-1)

// NewFeeCeiling returns a ceiling for the given absolute amount.
func NewFeeCeiling(amt btcutil.Amount) FeeCeiling {
	return FeeCeiling(amt)
}

// CeilingForRate derives an absolute fee ceiling for the passed transaction
// from a maximum fee rate. A zero rate yields no ceiling.
func CeilingForRate(rate SatPerKVByte, tx *wire.MsgTx) FeeCeiling {
	if rate.IsZero() {
		return NoFeeCeiling
	}

	return FeeCeiling(rate.FeeForVSize(TxVSize(tx)))
}

// Enabled reports whether the ceiling restricts anything.
func (c FeeCeiling) Enabled() bool {
	return c > 0
}

// Exceeded reports whether the given fee is above the ceiling.
func (c FeeCeiling) Exceeded(fee btcutil.Amount) bool {
	return c.Enabled() && fee > btcutil.Amount(c)
}

// String returns a human-readable description of the ceiling.
func (c FeeCeiling) String() string {
	if !c.Enabled() {
		return "none"
	}

	return fmt.Sprintf("%v", btcutil.Amount(c))
}
