// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcrawtx/signer"
)

// errUnknownKey is returned by the key file lookup for an address it holds
// no key for.
var errUnknownKey = errors.New("no key for address")

// loadKeyFile reads WIF encoded keys, one per line, into a long lived key
// store. Blank lines and lines starting with # are skipped.
func loadKeyFile(path string,
	params *chaincfg.Params) (*signer.KeyDBStore, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open key file: %w", err)
	}
	defer f.Close()

	keys := make(map[string]*btcutil.WIF)
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		wif, err := btcutil.DecodeWIF(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if !wif.IsForNet(params) {
			return nil, fmt.Errorf("%s:%d: key is not for %v", path,
				line, params.Name)
		}

		addr, err := btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(wif.SerializePubKey()), params,
		)
		if err != nil {
			return nil, err
		}
		keys[addr.EncodeAddress()] = wif
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read key file: %w", err)
	}

	log.Infof("Loaded %d signing keys from %v", len(keys), path)

	lookup := txscript.KeyClosure(func(addr btcutil.Address) (
		*btcec.PrivateKey, bool, error) {

		wif, ok := keys[addr.EncodeAddress()]
		if !ok {
			return nil, false, errUnknownKey
		}

		return wif.PrivKey, wif.CompressPubKey, nil
	})

	return signer.NewKeyDBStore(params, lookup, nil), nil
}
