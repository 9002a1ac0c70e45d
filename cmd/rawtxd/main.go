// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command rawtxd runs a single raw transaction operation against a chain
// backend: either a btcd RPC server or a local chain state database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/chain/sqldb"
	"github.com/btcsuite/btcrawtx/pkg/btcunit"
	"github.com/btcsuite/btcrawtx/rawtx"
	"github.com/btcsuite/btcrawtx/relay"
	"github.com/btcsuite/btcrawtx/signer"
	"github.com/btcsuite/btcrawtx/txpool"
	"github.com/jessevdk/go-flags"
)

func main() {
	err := run(os.Args[1:])

	var flagsErr *flags.Error
	switch {
	case err == nil:

	case errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp:
		fmt.Fprintln(os.Stdout, err)

	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses the configuration and executes the selected command.
func run(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := defaultConfig()
	a := &app{ctx: ctx, cfg: cfg}

	parser, err := newParser(cfg, a)
	if err != nil {
		return err
	}

	if err := loadConfig(cfg, parser, args); err != nil {
		return err
	}

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		if err := cfg.validate(); err != nil {
			return err
		}

		err := initLogRotator(filepath.Join(cfg.LogDir, logFileName))
		if err != nil {
			return err
		}
		defer closeLogRotator()

		if err := setLogLevels(cfg.DebugLevel); err != nil {
			return err
		}

		defer a.stop()
		if err := a.start(needsBackend(cmd)); err != nil {
			return err
		}

		return cmd.Execute(args)
	}

	_, err = parser.ParseArgs(args)

	return err
}

// app holds the collaborators a command runs against.
type app struct {
	ctx context.Context
	cfg *config

	svc *rawtx.Service

	// chainLock guards the chain state shared by the service and the
	// block commands.
	chainLock sync.RWMutex

	// store is the local chain state, nil when an RPC server is the chain
	// backend.
	store chain.LocalStore
	pool  *txpool.Pool

	// announceErrs holds the announcement failures of this run by txid.
	announceErrs map[chainhash.Hash]error

	cleanups []func()
}

// recordAnnounceError keeps an announcement failure for the send command.
func (a *app) recordAnnounceError(txid chainhash.Hash, err error) {
	if a.announceErrs == nil {
		a.announceErrs = make(map[chainhash.Hash]error)
	}
	a.announceErrs[txid] = err
}

// start wires the service. Without a backend only the offline operations
// are available.
func (a *app) start(withBackend bool) error {
	maxTxFee, err := btcutil.NewAmount(a.cfg.MaxTxFee)
	if err != nil {
		return fmt.Errorf("invalid maxtxfee: %w", err)
	}

	if !withBackend {
		a.svc = rawtx.New(rawtx.Config{
			ChainParams: a.cfg.params,
			MaxTxFee:    maxTxFee,
		})

		return nil
	}

	minRelayFee, err := btcutil.NewAmount(a.cfg.MinRelayFee)
	if err != nil {
		return fmt.Errorf("invalid minrelaytxfee: %w", err)
	}

	var (
		backend    chain.Backend
		announcers relay.MultiAnnouncer
	)

	rpcCfg, err := a.cfg.rpcConfig()
	if err != nil {
		return err
	}

	if rpcCfg != nil {
		rpcBackend, err := chain.NewRPCBackend(rpcCfg)
		if err != nil {
			return err
		}
		if err := rpcBackend.Start(); err != nil {
			return err
		}
		a.cleanups = append(a.cleanups, rpcBackend.Stop)

		log.Infof("Using chain backend at %v", a.cfg.RPCConnect)

		backend = rpcBackend
		announcers = append(announcers, relay.NewRPCAnnouncer(rpcBackend))
	} else {
		store, err := openLocalStore(a.cfg)
		if err != nil {
			return err
		}
		a.cleanups = append(a.cleanups, func() {
			if err := store.Close(); err != nil {
				log.Errorf("Unable to close chain state: %v", err)
			}
		})

		backend = store
		a.store = store
	}

	if a.cfg.NATSURL != "" {
		natsAnnouncer, err := relay.NewNATSAnnouncer(
			a.cfg.NATSURL, a.cfg.NATSSubject,
		)
		if err != nil {
			return err
		}
		a.cleanups = append(a.cleanups, natsAnnouncer.Close)

		announcers = append(announcers, natsAnnouncer)
	}

	a.pool = txpool.New(txpool.Config{
		Chain:       backend,
		MinRelayFee: btcunit.NewSatPerKVByte(minRelayFee),
	})

	var announcer relay.Announcer
	if len(announcers) > 0 {
		announcer = announcers
	}

	publisher := relay.NewPublisher(relay.Config{
		Chain:          backend,
		ChainLock:      &a.chainLock,
		Pool:           a.pool,
		Announcer:      announcer,
		AnnounceFailed: a.recordAnnounceError,
	})

	var keys signer.KeyStore
	if a.cfg.KeyFile != "" {
		keyStore, err := loadKeyFile(a.cfg.KeyFile, a.cfg.params)
		if err != nil {
			return err
		}
		keys = keyStore
	}

	a.svc = rawtx.New(rawtx.Config{
		ChainParams: a.cfg.params,
		Chain:       backend,
		ChainLock:   &a.chainLock,
		Pool:        a.pool,
		Publisher:   publisher,
		Keys:        keys,
		MaxTxFee:    maxTxFee,
		SignWorkers: a.cfg.SignWorkers,
	})

	return nil
}

// openLocalStore opens the local chain state of the configured kind.
func openLocalStore(cfg *config) (chain.LocalStore, error) {
	var (
		store chain.LocalStore
		err   error
	)

	switch cfg.DBBackend {
	case "sqlite":
		log.Infof("Using sqlite chain state at %v", cfg.ChainDB)
		store, err = sqldb.OpenSQLite(cfg.ChainDB)

	case "postgres":
		log.Infof("Using postgres chain state")
		store, err = sqldb.OpenPostgres(cfg.PostgresDSN)

	default:
		log.Infof("Using chain state at %v", cfg.ChainDB)
		store, err = chain.OpenStore(cfg.ChainDB, cfg.DBTimeout)
	}
	if err != nil {
		return nil, err
	}

	return store, nil
}

// stop releases everything start acquired, in reverse order.
func (a *app) stop() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
