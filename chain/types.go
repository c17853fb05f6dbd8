// Package chain implements the shared ledger data model (spec §3), the
// block producer and proposer election (§4.10, component C10), and the
// block ingestor (§4.10, component C11). Event/Block verification here
// is grounded on the teacher's consensus/dpos engine: sentinel errors
// per failure mode, a seal/signature check before any state mutation.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tos-network/smartdrive/common"
)

// Module mirrors a validator or miner as observed on-chain (spec §3).
type Module struct {
	Address    common.Address   `json:"address"`
	Connection common.Connection `json:"connection"`
	Stake      int64            `json:"stake"`
	Type       ModuleType       `json:"type"`
}

// ModuleType discriminates validators from miners.
type ModuleType string

const (
	ModuleValidator ModuleType = "validator"
	ModuleMiner     ModuleType = "miner"
)

// Action discriminates the Event tagged union (spec §3, design note §9).
type Action string

const (
	ActionStore      Action = "STORE"
	ActionRemove     Action = "REMOVE"
	ActionRetrieve   Action = "RETRIEVE"
	ActionValidation Action = "VALIDATION"
)

// MinerProcess records one miner's outcome within an event (spec §3).
type MinerProcess struct {
	ChunkUUID      string  `json:"chunk_uuid,omitempty"`
	MinerAddress   common.Address `json:"miner_address"`
	Succeed        bool    `json:"succeed"`
	ProcessingTime float64 `json:"processing_time"`
}

// ChunkEvent records one shard placement within a Store/Validate event
// (spec §3).
type ChunkEvent struct {
	UUID             string `json:"uuid"`
	ChunkIndex       int    `json:"chunk_index"`
	SubChunkStart    int    `json:"sub_chunk_start"`
	SubChunkEnd      int    `json:"sub_chunk_end"`
	SubChunkEncoded  string `json:"sub_chunk_encoded"`
}

// EventParams is the per-variant payload common to Store/Remove/Retrieve/
// Validate events (spec §3).
type EventParams struct {
	FileUUID        string         `json:"file_uuid"`
	MinersProcesses []MinerProcess `json:"miners_processes"`
	CreatedAt       *int64         `json:"created_at,omitempty"`
	ExpirationMs    *int64         `json:"expiration_ms,omitempty"`
	Chunks          []ChunkEvent   `json:"chunks,omitempty"`
}

// InputParams is the user-supplied payload signed by user_address for
// Store/Remove/Retrieve events.
type InputParams struct {
	FileUUID string `json:"file_uuid,omitempty"`
	Extra    string `json:"extra,omitempty"`
}

// Event is the common header plus tagged payload (spec §3). It is the
// unit carried by the mempool, gossiped over p2p, and sealed into blocks.
type Event struct {
	UUID             string      `json:"uuid"`
	Action           Action      `json:"action"`
	ValidatorAddress common.Address `json:"validator_address"`
	EventParams      EventParams `json:"event_params"`
	EventSignedParams string     `json:"event_signed_params"`

	// User-originated variants only (Store/Remove/Retrieve).
	UserAddress        common.Address `json:"user_address,omitempty"`
	InputParams        *InputParams   `json:"input_params,omitempty"`
	InputSignedParams  string         `json:"input_signed_params,omitempty"`
}

// IsUserOriginated reports whether this event carries a user signature
// that must independently verify (spec §3: Store/Remove/Retrieve).
func (e *Event) IsUserOriginated() bool {
	return e.Action == ActionStore || e.Action == ActionRemove || e.Action == ActionRetrieve
}

// CanonicalEventParams returns the canonical JSON bytes that
// EventSignedParams must be a signature over.
func (e *Event) CanonicalEventParams() ([]byte, error) {
	return common.CanonicalJSON(e.EventParams)
}

// CanonicalInputParams returns the canonical JSON bytes that
// InputSignedParams must be a signature over. Returns an error if this
// event carries no input params.
func (e *Event) CanonicalInputParams() ([]byte, error) {
	if e.InputParams == nil {
		return nil, errors.New("chain: event has no input_params")
	}
	return common.CanonicalJSON(*e.InputParams)
}

// NewEventUUID produces the "<seconds>_<uuidv4>" reference construction
// (spec §3). nowSeconds is passed in rather than read from time.Now so
// callers keep control of the clock (tests, replay).
func NewEventUUID(nowSeconds int64) string {
	return fmt.Sprintf("%d_%s", nowSeconds, uuid.NewString())
}

// Block is the signed, totally-ordered unit of ledger replication
// (spec §3).
type Block struct {
	BlockNumber       uint64  `json:"block_number"`
	Events            []Event `json:"events"`
	ProposerSignature string  `json:"proposer_signature"`
	ProposerAddress   common.Address `json:"proposer_address"`
}

// blockSigningPayload is the structure signed by the proposer: spec §3
// says the signature covers "{block_number, events-as-canonical-json}".
type blockSigningPayload struct {
	BlockNumber uint64  `json:"block_number"`
	Events      []Event `json:"events"`
}

// CanonicalSigningBytes returns the canonical JSON the proposer signature
// must cover.
func (b *Block) CanonicalSigningBytes() ([]byte, error) {
	return common.CanonicalJSON(blockSigningPayload{BlockNumber: b.BlockNumber, Events: b.Events})
}

// Clone deep-copies a Block via JSON round-trip, used when the same block
// is about to be mutated independently for multiple peers/tests.
func (b *Block) Clone() (*Block, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var out Block
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
