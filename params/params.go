// Package params holds the tunable protocol constants threaded through
// every other smartdrive package as an explicit configuration value
// rather than process-global state (per the "Global config" design note:
// constants below are defaults, Config carries the live values).
package params

import "time"

const (
	// MaxEventsPerBlock bounds how many events a single block may carry.
	MaxEventsPerBlock = 25

	// MinMinersForFile is the minimum candidate-miner count store_new_file
	// will accept.
	MinMinersForFile = 2

	// MaxMinersForFile caps the number of shards a file is split into.
	MaxMinersForFile = 100

	// MinReplicationForFile is the number of successful stores required
	// per shard.
	MinReplicationForFile = 2

	// MaxSubChunkWindow is the largest audit window captured/replayed
	// per shard.
	MaxSubChunkWindow = 50

	// BlockIntervalSeconds is the nominal period of the block loop.
	BlockIntervalSeconds = 30

	// ValidationVoteIntervalSeconds is the nominal period of the audit loop.
	ValidationVoteIntervalSeconds = 120

	// MinimumStakeCOMAI is the minimum stake-to-validators total (in
	// COMAI, after de-nanofication) required to pass the API auth gate.
	MinimumStakeCOMAI = 1

	// BaseUnitsPerCOMAI converts base units to COMAI (10^9 base units = 1 COMAI).
	BaseUnitsPerCOMAI = 1_000_000_000

	// MinerRPCTimeout is the hard per-call timeout for miner RPCs.
	MinerRPCTimeout = 60 * time.Second

	// InitialCapacityMiB is the storage capacity (MiB) granted at stake==1.
	InitialCapacityMiB = 50
	// CapacityPerStakeMiB is the additional capacity (MiB) per base-unit of
	// stake above 1.
	CapacityPerStakeMiB = 0.1
	// MaxCapacityGiB caps storage capacity regardless of stake.
	MaxCapacityGiB = 2

	// DefaultInactivityTimeout is how long a peer may go without a pong
	// before the connection tracker evicts it.
	DefaultInactivityTimeout = 60 * time.Second

	// PingInterval is how often the connection tracker pings known peers.
	PingInterval = 5 * time.Second

	// MaxFrameSize is the largest peer wire frame accepted.
	MaxFrameSize = 16 * 1024 * 1024

	// ProbeFileExpiration is how long a validating/synthetic probe file
	// is retained before the audit loop sweeps it with a RemoveEvent.
	// User-stored files never set expiration_ms and live until removed.
	ProbeFileExpiration = 24 * time.Hour
)

// Config is the live, immutable configuration value passed into every
// component's constructor. Defaults above are used unless overridden.
type Config struct {
	NetUID              int
	Testnet             bool
	TruthfulStake       int64 // minimum stake, base units, to be proposer-eligible
	InactivityTimeout   time.Duration
	BlockInterval       time.Duration
	ValidationInterval  time.Duration
	MinerRPCTimeout     time.Duration
	ListenPort          int
	DatabasePath        string
}

// WithDefaults fills any zero-valued duration/field with the package
// defaults above.
func (c Config) WithDefaults() Config {
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.BlockInterval == 0 {
		c.BlockInterval = BlockIntervalSeconds * time.Second
	}
	if c.ValidationInterval == 0 {
		c.ValidationInterval = ValidationVoteIntervalSeconds * time.Second
	}
	if c.MinerRPCTimeout == 0 {
		c.MinerRPCTimeout = MinerRPCTimeout
	}
	return c
}

// StorageCapacityBytes implements the §GLOSSARY storage-capacity formula:
// min(2 GiB, 50 MiB + max(0, stake-1)*0.1 MiB) for stake >= 1, else 0.
func StorageCapacityBytes(stakeBaseUnits int64) int64 {
	if stakeBaseUnits < 1 {
		return 0
	}
	const mib = 1024 * 1024
	const gib = 1024 * mib
	extra := float64(stakeBaseUnits-1) * CapacityPerStakeMiB * mib
	cap64 := int64(InitialCapacityMiB*mib + extra)
	max := int64(MaxCapacityGiB * gib)
	if cap64 > max {
		return max
	}
	return cap64
}
