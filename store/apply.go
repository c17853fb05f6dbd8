package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
)

// ApplyEvent performs one event's side effects against s (spec §4.10
// step 4 / §4.10 ingest step 3): Store inserts ChunkRecords, Remove
// deletes the file's records, Validation schedules a pending probe.
// Retrieve has no persistent side effect; it only reads. now is passed
// in explicitly so callers (producer, ingestor, tests) control the clock.
func ApplyEvent(s Store, e chain.Event, now time.Time) error {
	switch e.Action {
	case chain.ActionStore:
		return applyStore(s, e, now)
	case chain.ActionRemove:
		return s.DeleteFile(e.EventParams.FileUUID)
	case chain.ActionRetrieve:
		return nil
	case chain.ActionValidation:
		return s.InsertValidationEvents([]chain.Event{e}, now.UnixMilli())
	default:
		return fmt.Errorf("store: unknown event action %q", e.Action)
	}
}

func applyStore(s Store, e chain.Event, now time.Time) error {
	if len(e.EventParams.Chunks) == 0 {
		return nil
	}
	createdAt := now.UnixMilli()
	if e.EventParams.CreatedAt != nil {
		createdAt = *e.EventParams.CreatedAt
	}
	if err := s.InsertFile(FileRecord{
		FileUUID:     e.EventParams.FileUUID,
		OwnerAddress: e.UserAddress,
		CreatedAtMs:  createdAt,
		ExpirationMs: e.EventParams.ExpirationMs,
	}); err != nil {
		return err
	}
	records := make([]ChunkRecord, 0, len(e.EventParams.Chunks))
	for _, ce := range e.EventParams.Chunks {
		if _, err := hex.DecodeString(ce.SubChunkEncoded); err != nil {
			return fmt.Errorf("store: chunk %s has invalid hex payload: %w", ce.UUID, err)
		}
		records = append(records, ChunkRecord{
			ChunkUUID:       ce.UUID,
			FileUUID:        e.EventParams.FileUUID,
			ChunkIndex:      ce.ChunkIndex,
			MinerAddress:    minerForChunk(e.EventParams.MinersProcesses, ce.UUID),
			SubChunkStart:   ce.SubChunkStart,
			SubChunkEnd:     ce.SubChunkEnd,
			SubChunkEncoded: ce.SubChunkEncoded,
		})
	}
	return s.InsertChunkRecords(records)
}

// minerForChunk finds which successful MinerProcess placed chunkUUID.
func minerForChunk(processes []chain.MinerProcess, chunkUUID string) common.Address {
	for _, p := range processes {
		if p.ChunkUUID == chunkUUID && p.Succeed {
			return p.MinerAddress
		}
	}
	return ""
}
