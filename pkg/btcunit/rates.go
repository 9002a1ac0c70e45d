// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin units and
// the fee limits applied when admitting transactions.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string.
	floatStringPrecision = 3
)

// SatPerKVByte represents a fee rate in sat/kvb. The rate is kept as a
// rational number so sub-satoshi per vbyte rates do not lose precision.
type SatPerKVByte struct {
	satsPerKVB *big.Rat
}

// NewSatPerKVByte creates a new fee rate from an amount paid per 1000 vbytes.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{satsPerKVB: big.NewRat(int64(rate), 1)}
}

// CalcSatPerKVByte derives the fee rate paid by a fee over the given size. A
// zero size yields a zero fee rate.
func CalcSatPerKVByte(fee btcutil.Amount, size VByte) SatPerKVByte {
	if size.vb == 0 {
		return NewSatPerKVByte(0)
	}

	return SatPerKVByte{satsPerKVB: big.NewRat(
		int64(fee)*kilo, safeUint64ToInt64(size.vb),
	)}
}

// FeeForVSize calculates the fee resulting from this fee rate and the given
// virtual size. The result is truncated to whole satoshis.
func (s SatPerKVByte) FeeForVSize(size VByte) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.rat(), big.NewRat(safeUint64ToInt64(size.vb), kilo),
	)

	quotient := new(big.Int).Quo(fee.Num(), fee.Denom())
	if !quotient.IsInt64() {
		return btcutil.Amount(math.MaxInt64)
	}

	return btcutil.Amount(quotient.Int64())
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s.rat().Cmp(other.rat()) > 0
}

// IsZero reports whether the fee rate is zero.
func (s SatPerKVByte) IsZero() bool {
	return s.rat().Sign() == 0
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return s.rat().FloatString(floatStringPrecision) + " sat/kvb"
}

// rat returns the underlying rational, treating the zero value as a zero
// rate.
func (s SatPerKVByte) rat() *big.Rat {
	if s.satsPerKVB == nil {
		return new(big.Rat)
	}

	return s.satsPerKVB
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
