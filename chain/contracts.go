package chain

import (
	"context"
	"time"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/p2p"
)

// MempoolView is the subset of mempool.Mempool the producer/ingestor
// need. Declared here rather than importing package mempool directly
// (mempool imports chain for the Event type, so the reverse import
// would cycle); mempool.Mempool satisfies this structurally.
type MempoolView interface {
	Add(e Event) bool
	Drain(n int) []Event
	RemoveByUUIDs(uuids []string)
}

// Ledger is the block-persistence subset of store.Store the producer/
// ingestor need. Declared here for the same reason as MempoolView:
// store imports chain for Event/Block, so chain cannot import store
// back. store.Store satisfies this structurally.
type Ledger interface {
	AppendBlock(b *Block) error
	LastBlockNumber() (uint64, error)
	GetBlock(n uint64) (*Block, error)
	IterBlocks(from, to uint64) ([]*Block, error)
}

// OracleView is the subset of chainclient.Client the producer needs.
// chainclient imports chain for Module/ModuleType, so the same
// cycle-avoidance applies; chainclient.Client satisfies this
// structurally.
type OracleView interface {
	GetModules(ctx context.Context, netuid int, typ ModuleType) ([]Module, error)
	SetWeights(ctx context.Context, scores map[common.Address]int64, netuid int) error
}

// Broadcaster is the subset of p2p/pool.Pool the producer needs to
// publish sealed blocks. Unlike the interfaces above, chain may import
// p2p/pool directly (it does not import chain), so this is declared
// for testability rather than cycle avoidance.
type Broadcaster interface {
	ActiveValidators() []common.Address
	Broadcast(frame *p2p.Frame)
}

// ApplyFunc performs one event's persistent side effects (spec §4.10
// step 4 / ingest step 3). The concrete implementation is store.ApplyEvent
// bound to a live store.Store; injected here so chain need not import
// store.
type ApplyFunc func(e Event, now time.Time) error
