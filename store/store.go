// Package store defines the persistence contract (spec §4.2, component
// C2) and the entities it persists. It is deliberately an interface: the
// SQL/KV binding itself is out of scope for this spec (spec §1), so
// store only fixes the operations every driver must provide atomically.
package store

import (
	"errors"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
)

// ErrBlockNumberMismatch is returned by AppendBlock when the block
// being appended does not immediately follow the last persisted block.
var ErrBlockNumberMismatch = errors.New("store: block_number is not last+1")

// ChunkRecord is one replica of one shard held by one miner (spec §3).
type ChunkRecord struct {
	ChunkUUID       string
	FileUUID        string
	ChunkIndex      int
	MinerAddress    common.Address
	SubChunkStart   int
	SubChunkEnd     int
	SubChunkEncoded string // hex
}

// FileRecord exists iff >=1 ChunkRecord references it (spec §3).
type FileRecord struct {
	FileUUID      string
	OwnerAddress  common.Address
	CreatedAtMs   int64
	ExpirationMs  *int64
}

// PendingValidation is a scheduled audit probe (spec §4.2's
// insert_validation_events / pop_due_validations).
type PendingValidation struct {
	ID         int64
	Event      chain.Event
	NextDueMs  int64
}

// Store is the abstract persistence contract every operation in this
// spec is built against. Implementations (store/leveldb, store/memstore)
// must make every method atomic from the caller's point of view.
type Store interface {
	// Block ledger.
	AppendBlock(b *chain.Block) error
	LastBlockNumber() (uint64, error)
	GetBlock(n uint64) (*chain.Block, error)
	IterBlocks(from, to uint64) ([]*chain.Block, error)

	// Files and chunks.
	InsertFile(f FileRecord) error
	InsertChunkRecords(records []ChunkRecord) error
	DeleteFile(fileUUID string) error
	ListFilesOwnedBy(addr common.Address) ([]FileRecord, error)
	// GetFile returns the file's record, or nil if no such file exists.
	// The public API's /retrieve and /remove handlers need the owner
	// address to pass as the miner-side "folder" on each chunk RPC.
	GetFile(fileUUID string) (*FileRecord, error)
	GetChunksForFile(fileUUID string) ([]ChunkRecord, error)
	ExpiredFiles(nowMs int64) ([]string, error)

	// StoredBytesByMiner sums the audit-window byte length recorded
	// against each miner across every chunk it holds, the input the
	// validation engine's utilization score is computed from. The
	// audit window is the only per-chunk byte count this contract
	// persists (spec §4.2 never specifies recording full shard size),
	// so it stands in for "bytes stored at that miner".
	StoredBytesByMiner() (map[common.Address]int64, error)

	// Validation / audit scheduling.
	InsertValidationEvents(events []chain.Event, nowMs int64) error
	PopDueValidations(nowMs int64, limit int) ([]PendingValidation, error)

	Close() error
}
