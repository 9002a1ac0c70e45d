// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcrawtx/coinview"
)

const (
	// outPointKeySize is the size of a serialized outpoint key.
	outPointKeySize = chainhash.HashSize + 4

	// coinHeaderSize is the size of a serialized coin before its locking
	// script: height, flags and value.
	coinHeaderSize = 4 + 1 + 8

	// coinFlagCoinBase marks a coin created by a coinbase transaction.
	coinFlagCoinBase = 1 << 0
)

// errCorruptRecord is returned when a stored record cannot be decoded.
var errCorruptRecord = errors.New("corrupt chain state record")

// outPointKey returns the key of an outpoint in the coin bucket. The index is
// big endian so that all outputs of a transaction are adjacent.
func outPointKey(op wire.OutPoint) []byte {
	key := make([]byte, outPointKeySize)
	copy(key, op.Hash[:])
	binary.BigEndian.PutUint32(key[chainhash.HashSize:], op.Index)

	return key
}

// heightKey returns the key of a height in the main chain bucket.
func heightKey(height int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height))

	return key[:]
}

// encodeCoin serializes a coin as:
//
//	[0:4]   height (little endian)
//	[4]     flags
//	[5:13]  value (little endian)
//	[13:]   locking script
func encodeCoin(coin *coinview.Coin) []byte {
	v := make([]byte, coinHeaderSize+len(coin.Output.PkScript))
	binary.LittleEndian.PutUint32(v[0:4], uint32(coin.Height))
	if coin.IsCoinBase {
		v[4] |= coinFlagCoinBase
	}
	binary.LittleEndian.PutUint64(v[5:13], uint64(coin.Output.Value))
	copy(v[coinHeaderSize:], coin.Output.PkScript)

	return v
}

// decodeCoin deserializes a coin written by encodeCoin. The returned coin
// does not share memory with v.
func decodeCoin(v []byte) (*coinview.Coin, error) {
	if len(v) < coinHeaderSize {
		return nil, fmt.Errorf("%w: coin of %d bytes", errCorruptRecord,
			len(v))
	}

	return &coinview.Coin{
		Output: wire.TxOut{
			Value: int64(binary.LittleEndian.Uint64(v[5:13])),
			PkScript: append(
				[]byte(nil), v[coinHeaderSize:]...,
			),
		},
		Height:     int32(binary.LittleEndian.Uint32(v[0:4])),
		IsCoinBase: v[4]&coinFlagCoinBase != 0,
	}, nil
}

// spentCoin is a coin removed from the chain state by a connected block.
type spentCoin struct {
	outPoint wire.OutPoint
	coin     []byte
}

// encodeUndo serializes the coins spent by a block, in spending order.
func encodeUndo(spent []spentCoin) ([]byte, error) {
	var buf bytes.Buffer

	err := wire.WriteVarInt(&buf, 0, uint64(len(spent)))
	if err != nil {
		return nil, err
	}

	for _, s := range spent {
		if _, err := buf.Write(outPointKey(s.outPoint)); err != nil {
			return nil, err
		}

		if err := wire.WriteVarBytes(&buf, 0, s.coin); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// decodeUndo deserializes the undo record of a block.
func decodeUndo(v []byte) ([]spentCoin, error) {
	r := bytes.NewReader(v)

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}

	// Every entry takes at least an outpoint and a length byte.
	if count > uint64(len(v))/(outPointKeySize+1) {
		return nil, fmt.Errorf("%w: undo count %d", errCorruptRecord,
			count)
	}

	spent := make([]spentCoin, 0, count)
	for i := uint64(0); i < count; i++ {
		var key [outPointKeySize]byte
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
		}

		coin, err := wire.ReadVarBytes(
			r, 0, uint32(len(v)), "spent coin",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
		}

		var op wire.OutPoint
		copy(op.Hash[:], key[:chainhash.HashSize])
		op.Index = binary.BigEndian.Uint32(key[chainhash.HashSize:])

		spent = append(spent, spentCoin{outPoint: op, coin: coin})
	}

	return spent, nil
}

// serializeBlock returns the wire encoding of a block.
func serializeBlock(block *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// deserializeBlock decodes a stored block.
func deserializeBlock(v []byte) (*wire.MsgBlock, error) {
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}

	return &block, nil
}
