package main

import (
	"github.com/urfave/cli/v2"

	"github.com/tos-network/smartdrive/internal/flags"
)

// These are all the command line flags the validator binary supports.
// The defaults here are the protocol defaults (params package); a
// config file or an explicit flag overrides them (spec §6).
var (
	KeyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "Hex-encoded Ed25519 seed identifying this validator",
		Category: flags.IdentityCategory,
	}
	OracleURLFlag = &cli.StringFlag{
		Name:     "oracle_url",
		Usage:    "Base URL of the chain oracle (get_modules/get_stake_to/set_weights)",
		Value:    "http://127.0.0.1:9944",
		Category: flags.NetworkingCategory,
	}
	DatabasePathFlag = &cli.StringFlag{
		Name:     "database_path",
		Usage:    "Path to the LevelDB state directory; empty uses an in-memory store",
		Category: flags.StorageCategory,
	}
	PortFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "TCP port for the validator peer wire protocol",
		Value:    8001,
		Category: flags.NetworkingCategory,
	}
	APIPortFlag = &cli.IntFlag{
		Name:     "api_port",
		Usage:    "TCP port for the public HTTP API",
		Value:    8080,
		Category: flags.NetworkingCategory,
	}
	NetUIDFlag = &cli.IntFlag{
		Name:     "netuid",
		Usage:    "Subnet id this validator participates in",
		Category: flags.IdentityCategory,
	}
	TestnetFlag = &cli.BoolFlag{
		Name:     "testnet",
		Usage:    "Run against an in-memory, ephemeral store instead of database_path",
		Category: flags.StorageCategory,
	}
	TruthfulStakeFlag = &cli.Int64Flag{
		Name:     "truthful_stake",
		Usage:    "Minimum stake (base units) required to be proposer-eligible",
		Category: flags.ProtocolCategory,
	}
	BlockIntervalFlag = &cli.DurationFlag{
		Name:     "block_interval",
		Usage:    "Block production interval",
		Category: flags.ProtocolCategory,
	}
	ValidationIntervalFlag = &cli.DurationFlag{
		Name:     "validation_interval",
		Usage:    "Audit loop interval",
		Category: flags.ProtocolCategory,
	}
	MinerRPCTimeoutFlag = &cli.DurationFlag{
		Name:     "miner_rpc_timeout",
		Usage:    "Per-call timeout for miner RPCs",
		Category: flags.ProtocolCategory,
	}
	InactivityTimeoutFlag = &cli.DurationFlag{
		Name:     "inactivity_timeout",
		Usage:    "How long a peer may go without a pong before eviction",
		Category: flags.ProtocolCategory,
	}
	ConfigFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML config file; explicit flags override values it sets",
		Category: flags.MiscCategory,
	}
	VerbosityFlag = &cli.StringFlag{
		Name:     "verbosity",
		Usage:    "Log level: debug, info, warn, error",
		Value:    "info",
		Category: flags.LoggingCategory,
	}
)

var appFlags = []cli.Flag{
	KeyFlag,
	OracleURLFlag,
	DatabasePathFlag,
	PortFlag,
	APIPortFlag,
	NetUIDFlag,
	TestnetFlag,
	TruthfulStakeFlag,
	BlockIntervalFlag,
	ValidationIntervalFlag,
	MinerRPCTimeoutFlag,
	InactivityTimeoutFlag,
	ConfigFileFlag,
	VerbosityFlag,
}
