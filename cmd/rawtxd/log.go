// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/btcsuite/btcrawtx/chain/sqldb"
	"github.com/btcsuite/btcrawtx/coinview"
	"github.com/btcsuite/btcrawtx/merkleproof"
	"github.com/btcsuite/btcrawtx/rawtx"
	"github.com/btcsuite/btcrawtx/relay"
	"github.com/btcsuite/btcrawtx/signer"
	"github.com/btcsuite/btcrawtx/txpool"
	"github.com/jrick/logrotate/rotator"
)

const (
	// logFileName is the name of the log file inside the log directory.
	logFileName = "rawtxd.log"

	// logRotateKB is the size a log file grows to before it is rolled.
	logRotateKB = 10 * 1024

	// logMaxRolls is the number of rolled log files kept.
	logMaxRolls = 3
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	_, _ = os.Stdout.Write(p)
	if logRotator != nil {
		_, _ = logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It is nil until
	// initLogRotator is called.
	logRotator *rotator.Rotator

	log      = backendLog.Logger("RTXD")
	rawtxLog = backendLog.Logger("RAWT")
	signLog  = backendLog.Logger("SIGN")
	cviewLog = backendLog.Logger("CVEW")
	relayLog = backendLog.Logger("RLAY")
	proofLog = backendLog.Logger("PROF")
	poolLog  = backendLog.Logger("POOL")
	chainLog = backendLog.Logger("CHAN")
	sqlLog   = backendLog.Logger("SQDB")
	rpcLog   = backendLog.Logger("RPCC")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"RTXD": log,
	"RAWT": rawtxLog,
	"SIGN": signLog,
	"CVEW": cviewLog,
	"RLAY": relayLog,
	"PROF": proofLog,
	"POOL": poolLog,
	"CHAN": chainLog,
	"SQDB": sqlLog,
	"RPCC": rpcLog,
}

func init() {
	rawtx.UseLogger(rawtxLog)
	signer.UseLogger(signLog)
	coinview.UseLogger(cviewLog)
	relay.UseLogger(relayLog)
	merkleproof.UseLogger(proofLog)
	txpool.UseLogger(poolLog)
	chain.UseLogger(chainLog)
	sqldb.UseLogger(sqlLog)
	rpcclient.UseLogger(rpcLog)
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, logRotateKB, false, logMaxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// closeLogRotator flushes and closes the log file, if any.
func closeLogRotator() {
	if logRotator != nil {
		_ = logRotator.Close()
	}
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) error {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return fmt.Errorf("invalid debug level %q, supported subsystems "+
			"are %v", logLevel, supportedSubsystems())
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}
