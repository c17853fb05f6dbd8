// Package memstore is an in-memory store.Store driver, used by unit
// tests and the --testnet ephemeral-node path. It mirrors the teacher's
// tosdb/memorydb companion to its leveldb driver: same contract, no
// disk I/O, single mutex.
package memstore

import (
	"sort"
	"sync"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	blocks map[uint64]*chain.Block
	last   uint64

	files  map[string]store.FileRecord
	chunks map[string][]store.ChunkRecord // keyed by file_uuid

	pending   []store.PendingValidation
	nextPvID  int64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		blocks: make(map[uint64]*chain.Block),
		files:  make(map[string]store.FileRecord),
		chunks: make(map[string][]store.ChunkRecord),
	}
}

func (s *Store) AppendBlock(b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.BlockNumber != s.last+1 {
		return store.ErrBlockNumberMismatch
	}
	clone, err := b.Clone()
	if err != nil {
		return err
	}
	s.blocks[b.BlockNumber] = clone
	s.last = b.BlockNumber
	return nil
}

func (s *Store) LastBlockNumber() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *Store) GetBlock(n uint64) (*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[n]
	if !ok {
		return nil, nil
	}
	return b.Clone()
}

func (s *Store) IterBlocks(from, to uint64) ([]*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chain.Block
	for n := from; n <= to; n++ {
		if b, ok := s.blocks[n]; ok {
			clone, err := b.Clone()
			if err != nil {
				return nil, err
			}
			out = append(out, clone)
		}
	}
	return out, nil
}

func (s *Store) InsertFile(f store.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.FileUUID] = f
	return nil
}

func (s *Store) InsertChunkRecords(records []store.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.chunks[r.FileUUID] = append(s.chunks[r.FileUUID], r)
	}
	return nil
}

func (s *Store) DeleteFile(fileUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileUUID)
	delete(s.chunks, fileUUID)
	return nil
}

func (s *Store) ListFilesOwnedBy(addr common.Address) ([]store.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.FileRecord
	for _, f := range s.files {
		if f.OwnerAddress == addr {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileUUID < out[j].FileUUID })
	return out, nil
}

func (s *Store) GetFile(fileUUID string) (*store.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileUUID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *Store) GetChunksForFile(fileUUID string) ([]store.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChunkRecord, len(s.chunks[fileUUID]))
	copy(out, s.chunks[fileUUID])
	return out, nil
}

func (s *Store) ExpiredFiles(nowMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uuid, f := range s.files {
		if f.ExpirationMs != nil && *f.ExpirationMs <= nowMs {
			out = append(out, uuid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) StoredBytesByMiner() (map[common.Address]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]int64)
	for _, records := range s.chunks {
		for _, r := range records {
			out[r.MinerAddress] += int64(r.SubChunkEnd - r.SubChunkStart)
		}
	}
	return out, nil
}

func (s *Store) InsertValidationEvents(events []chain.Event, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.nextPvID++
		s.pending = append(s.pending, store.PendingValidation{
			ID:        s.nextPvID,
			Event:     e,
			NextDueMs: nowMs,
		})
	}
	return nil
}

func (s *Store) PopDueValidations(nowMs int64, limit int) ([]store.PendingValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due, rest []store.PendingValidation
	for _, pv := range s.pending {
		if len(due) < limit && pv.NextDueMs <= nowMs {
			due = append(due, pv)
		} else {
			rest = append(rest, pv)
		}
	}
	s.pending = rest
	return due, nil
}

func (s *Store) Close() error { return nil }
