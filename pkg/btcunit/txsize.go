// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// WeightUnit defines a unit to express the transaction size. The tx weight is
// calculated using `Base tx size * 3 + Total tx size`.
type WeightUnit struct {
	wu uint64
}

// NewWeightUnit creates a new WeightUnit from a uint64 value.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{wu: val}
}

// ToVB converts the weight to virtual bytes, rounding up.
func (w WeightUnit) ToVB() VByte {
	return VByte{
		vb: (w.wu + blockchain.WitnessScaleFactor - 1) /
			blockchain.WitnessScaleFactor,
	}
}

// String returns the string representation of the weight unit.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte defines a unit to express the transaction size. One virtual byte is
// 1/4th of a weight unit.
type VByte struct {
	vb uint64
}

// NewVByte creates a new VByte from a uint64 value.
func NewVByte(val uint64) VByte {
	return VByte{vb: val}
}

// Uint64 returns the raw number of virtual bytes.
func (v VByte) Uint64() uint64 {
	return v.vb
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.vb)
}

// TxWeight returns the BIP141 weight of the passed transaction.
func TxWeight(tx *wire.MsgTx) WeightUnit {
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	return NewWeightUnit(safeInt64ToUint64(weight))
}

// TxVSize returns the virtual size of the passed transaction.
func TxVSize(tx *wire.MsgTx) VByte {
	return TxWeight(tx).ToVB()
}

// safeInt64ToUint64 clamps negative values to zero.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}

	return uint64(i)
}
