// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcrawtx/chain"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "rawtxd.conf"
	defaultChainDBName    = "chain.db"
	defaultSQLiteName     = "chain.sqlite"
	defaultDBBackend      = "bdb"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultNATSSubject    = "rawtx.accepted"
	defaultSignWorkers    = 4
)

var (
	defaultAppDataDir = btcutil.AppDataDir("rawtxd", false)
	defaultBtcdDir    = btcutil.AppDataDir("btcd", false)
	defaultRPCCert    = filepath.Join(defaultBtcdDir, "rpc.cert")
)

// config defines the configuration options for rawtxd.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir string `short:"A" long:"appdata" description:"Application data directory"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`

	DBBackend   string        `long:"dbbackend" choice:"bdb" choice:"sqlite" choice:"postgres" description:"Kind of local chain state database"`
	ChainDB     string        `long:"chaindb" description:"Local chain state database file, used when no RPC server is given"`
	PostgresDSN string        `long:"pgdsn" description:"Connection string of the PostgreSQL chain state database"`
	DBTimeout   time.Duration `long:"dbtimeout" description:"Timeout for obtaining the chain state database lock"`
	RPCConnect  string        `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the btcd RPC server to use as chain backend"`
	RPCUser     string        `short:"u" long:"rpcuser" description:"Username for the RPC server"`
	RPCPass     string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for the RPC server"`
	RPCCert     string        `long:"rpccert" description:"File containing the RPC server certificate"`
	DisableTLS  bool          `long:"notls" description:"Disable TLS for the RPC connection"`
	NATSURL     string        `long:"natsurl" description:"NATS server accepted transactions are announced to"`
	NATSSubject string        `long:"natssubject" description:"NATS subject accepted transactions are published on"`

	MaxTxFee    float64 `long:"maxtxfee" description:"Highest absolute fee in BTC a submitted transaction may pay unless high fees are allowed"`
	MinRelayFee float64 `long:"minrelaytxfee" description:"Minimum fee rate in BTC/kvB for pool admission"`
	SignWorkers int     `long:"signworkers" description:"Number of inputs signed concurrently"`
	KeyFile     string  `long:"keyfile" description:"File of WIF encoded keys, one per line, to sign with when no privkey is given"`

	params *chaincfg.Params
}

// defaultConfig returns a config populated with the default values.
func defaultConfig() *config {
	return &config{
		ConfigFile:  filepath.Join(defaultAppDataDir, defaultConfigFilename),
		AppDataDir:  defaultAppDataDir,
		DebugLevel:  defaultLogLevel,
		DBBackend:   defaultDBBackend,
		DBTimeout:   chain.DefaultDBTimeout,
		RPCCert:     defaultRPCCert,
		NATSSubject: defaultNATSSubject,
		MaxTxFee:    0.1,
		SignWorkers: defaultSignWorkers,
	}
}

// netParams selects the network from the flags. At most one network flag may
// be set.
func (c *config) netParams() (*chaincfg.Params, error) {
	params := &chaincfg.MainNetParams
	numNets := 0

	if c.TestNet3 {
		numNets++
		params = &chaincfg.TestNet3Params
	}
	if c.RegTest {
		numNets++
		params = &chaincfg.RegressionNetParams
	}
	if c.SimNet {
		numNets++
		params = &chaincfg.SimNetParams
	}
	if c.SigNet {
		numNets++
		params = &chaincfg.SigNetParams
	}

	if numNets > 1 {
		return nil, errors.New("the testnet, regtest, simnet and signet " +
			"params can't be used together, choose one")
	}

	return params, nil
}

// validate checks the parsed options and fills in the derived ones.
func (c *config) validate() error {
	params, err := c.netParams()
	if err != nil {
		return err
	}
	c.params = params

	if c.MaxTxFee < 0 {
		return fmt.Errorf("maxtxfee must not be negative: %v", c.MaxTxFee)
	}
	if c.MinRelayFee < 0 {
		return fmt.Errorf("minrelaytxfee must not be negative: %v",
			c.MinRelayFee)
	}
	if c.SignWorkers < 1 {
		return fmt.Errorf("signworkers must be positive: %v",
			c.SignWorkers)
	}

	netDir := filepath.Join(c.AppDataDir, c.params.Name)
	if c.LogDir == "" {
		c.LogDir = filepath.Join(netDir, defaultLogDirname)
	}

	switch c.DBBackend {
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("pgdsn is required for the postgres " +
				"dbbackend")
		}

	case "sqlite":
		if c.ChainDB == "" {
			c.ChainDB = filepath.Join(netDir, defaultSQLiteName)
		}

	default:
		if c.ChainDB == "" {
			c.ChainDB = filepath.Join(netDir, defaultChainDBName)
		}
	}

	return nil
}

// rpcConfig returns the chain backend RPC options, or nil when the local
// chain state database is used.
func (c *config) rpcConfig() (*chain.RPCConfig, error) {
	if c.RPCConnect == "" {
		return nil, nil
	}

	connCfg := &rpcclient.ConnConfig{
		Host:       c.RPCConnect,
		User:       c.RPCUser,
		Pass:       c.RPCPass,
		DisableTLS: c.DisableTLS,
	}

	if !c.DisableTLS {
		certs, err := os.ReadFile(c.RPCCert)
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w", err)
		}
		connCfg.Certificates = certs
	}

	return &chain.RPCConfig{
		Conn:  connCfg,
		Chain: c.params,
	}, nil
}

// newParser creates the command line parser for cfg. Commands run against
// the application a.
func newParser(cfg *config, a *app) (*flags.Parser, error) {
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)

	for _, cmd := range commands(a) {
		_, err := parser.AddCommand(
			cmd.name, cmd.short, cmd.long, cmd.data,
		)
		if err != nil {
			return nil, err
		}
	}

	return parser, nil
}

// loadConfig applies the config file named on the command line, if it exists.
// The command line itself is parsed afterwards so it takes precedence.
func loadConfig(cfg *config, parser *flags.Parser, args []string) error {
	// We'll first peek at the command line for a config file without
	// running any command.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return err
	}

	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return fmt.Errorf("error parsing config file: %w", err)
		}
	}

	return nil
}
