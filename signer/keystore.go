// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// KeyStore resolves the secrets the producer needs while signing.
type KeyStore interface {
	// FindKey returns the private key whose serialized public key hashes
	// to keyID under HASH160.
	FindKey(keyID []byte) fn.Option[*btcec.PrivateKey]

	// FindScript returns the redeem or witness script whose HASH160 is
	// id.
	FindScript(id []byte) fn.Option[[]byte]
}

// hashID is the fixed size index key used by MemKeyStore.
type hashID [ripemd160.Size]byte

func toHashID(b []byte) (hashID, bool) {
	var id hashID
	if len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)

	return id, true
}

// MemKeyStore is an in-memory KeyStore holding caller supplied keys and
// scripts for the duration of a single signing request.
type MemKeyStore struct {
	params *chaincfg.Params

	mu      sync.RWMutex
	keys    map[hashID]*btcec.PrivateKey
	scripts map[hashID][]byte
}

// A compile time check to ensure MemKeyStore implements the KeyStore
// interface.
var _ KeyStore = (*MemKeyStore)(nil)

// NewMemKeyStore creates an empty key store accepting keys encoded for the
// given network.
func NewMemKeyStore(params *chaincfg.Params) *MemKeyStore {
	return &MemKeyStore{
		params:  params,
		keys:    make(map[hashID]*btcec.PrivateKey),
		scripts: make(map[hashID][]byte),
	}
}

// AddWIF decodes a WIF encoded private key and adds it to the store. The
// key is indexed under the public key serialization the WIF selects.
func (s *MemKeyStore) AddWIF(encoded string) error {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	if s.params != nil && !wif.IsForNet(s.params) {
		return ErrWrongNetwork
	}

	s.AddKey(wif.PrivKey, wif.CompressPubKey)

	return nil
}

// AddKey adds a private key indexed under its compressed or uncompressed
// public key.
func (s *MemKeyStore) AddKey(privKey *btcec.PrivateKey, compressed bool) {
	pubKey := privKey.PubKey().SerializeUncompressed()
	if compressed {
		pubKey = privKey.PubKey().SerializeCompressed()
	}

	id, _ := toHashID(btcutil.Hash160(pubKey))

	s.mu.Lock()
	s.keys[id] = privKey
	s.mu.Unlock()
}

// AddScript adds a redeem or witness script to the store.
func (s *MemKeyStore) AddScript(script []byte) {
	id, _ := toHashID(scriptID(script))

	s.mu.Lock()
	s.scripts[id] = append([]byte(nil), script...)
	s.mu.Unlock()
}

// FindKey implements the KeyStore interface.
func (s *MemKeyStore) FindKey(keyID []byte) fn.Option[*btcec.PrivateKey] {
	id, ok := toHashID(keyID)
	if !ok {
		return fn.None[*btcec.PrivateKey]()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return fn.None[*btcec.PrivateKey]()
	}

	return fn.Some(key)
}

// FindScript implements the KeyStore interface.
func (s *MemKeyStore) FindScript(id []byte) fn.Option[[]byte] {
	hid, ok := toHashID(id)
	if !ok {
		return fn.None[[]byte]()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	script, ok := s.scripts[hid]
	if !ok {
		return fn.None[[]byte]()
	}

	return fn.Some(script)
}

// KeyDBStore adapts the address keyed txscript.KeyDB and txscript.ScriptDB
// lookups to the KeyStore interface, so a wallet backed key source can serve
// signing requests.
type KeyDBStore struct {
	params  *chaincfg.Params
	keys    txscript.KeyDB
	scripts txscript.ScriptDB
}

// A compile time check to ensure KeyDBStore implements the KeyStore
// interface.
var _ KeyStore = (*KeyDBStore)(nil)

// NewKeyDBStore creates a KeyStore on top of address keyed lookups. Either
// lookup may be nil.
func NewKeyDBStore(params *chaincfg.Params, keys txscript.KeyDB,
	scripts txscript.ScriptDB) *KeyDBStore {

	return &KeyDBStore{
		params:  params,
		keys:    keys,
		scripts: scripts,
	}
}

// FindKey implements the KeyStore interface.
func (s *KeyDBStore) FindKey(keyID []byte) fn.Option[*btcec.PrivateKey] {
	if s.keys == nil {
		return fn.None[*btcec.PrivateKey]()
	}

	addr, err := btcutil.NewAddressPubKeyHash(keyID, s.params)
	if err != nil {
		return fn.None[*btcec.PrivateKey]()
	}

	key, _, err := s.keys.GetKey(addr)
	if err != nil || key == nil {
		log.Tracef("No key for %v: %v", addr, err)
		return fn.None[*btcec.PrivateKey]()
	}

	return fn.Some(key)
}

// FindScript implements the KeyStore interface.
func (s *KeyDBStore) FindScript(id []byte) fn.Option[[]byte] {
	if s.scripts == nil {
		return fn.None[[]byte]()
	}

	addr, err := btcutil.NewAddressScriptHashFromHash(id, s.params)
	if err != nil {
		return fn.None[[]byte]()
	}

	script, err := s.scripts.GetScript(addr)
	if err != nil || len(script) == 0 {
		log.Tracef("No script for %v: %v", addr, err)
		return fn.None[[]byte]()
	}

	return fn.Some(script)
}

// witnessScriptID converts a P2WSH program into the identifier its witness
// script is stored under. The program is the SHA256 of the script, so one
// more RIPEMD160 round yields HASH160(script).
func witnessScriptID(program []byte) []byte {
	h := ripemd160.New()
	_, _ = h.Write(program)

	return h.Sum(nil)
}
