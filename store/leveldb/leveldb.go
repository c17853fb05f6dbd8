// Package leveldb is the durable store.Store driver, backed by
// github.com/syndtr/goleveldb, the same library the teacher's
// tosdb/leveldb driver wraps. Keys use byte-ordered prefixes so range
// scans (IterBlocks, PopDueValidations) are native LevelDB iterator
// walks rather than full-table scans.
package leveldb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/store"
)

const (
	prefixBlock   = "b/"
	prefixFile    = "f/"
	prefixChunk   = "c/" // c/<file_uuid>/<chunk_uuid>
	prefixPending = "pv/"
	keyLastBlock  = "meta/last_block"
)

// Store is a goleveldb-backed store.Store. All writes are serialized
// under one mutex so AppendBlock (and every other call) is atomic from
// the caller's point of view, per spec §4.2/§5.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB

	nextPvID int64
}

// Open opens (creating if absent) a LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store/leveldb: open %s: %w", path, err)
	}
	s := &Store{db: db}
	s.seedPendingIDCounter()
	return s, nil
}

func (s *Store) seedPendingIDCounter() {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixPending)), nil)
	defer iter.Release()
	var max int64
	for iter.Next() {
		var pv store.PendingValidation
		if json.Unmarshal(iter.Value(), &pv) == nil && pv.ID > max {
			max = pv.ID
		}
	}
	s.nextPvID = max
}

func blockKey(n uint64) []byte {
	b := make([]byte, len(prefixBlock)+8)
	copy(b, prefixBlock)
	binary.BigEndian.PutUint64(b[len(prefixBlock):], n)
	return b
}

func fileKey(uuid string) []byte { return []byte(prefixFile + uuid) }

func chunkPrefix(fileUUID string) []byte { return []byte(prefixChunk + fileUUID + "/") }

func chunkKey(fileUUID, chunkUUID string) []byte {
	return []byte(prefixChunk + fileUUID + "/" + chunkUUID)
}

func pendingKey(nextDueMs, id int64) []byte {
	b := make([]byte, len(prefixPending)+16)
	copy(b, prefixPending)
	binary.BigEndian.PutUint64(b[len(prefixPending):], uint64(nextDueMs))
	binary.BigEndian.PutUint64(b[len(prefixPending)+8:], uint64(id))
	return b
}

func (s *Store) AppendBlock(b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastBlockNumberLocked()
	if err != nil {
		return err
	}
	if b.BlockNumber != last+1 {
		return store.ErrBlockNumberMismatch
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.BlockNumber), raw)
	lastBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lastBuf, b.BlockNumber)
	batch.Put([]byte(keyLastBlock), lastBuf)
	return s.db.Write(batch, nil)
}

func (s *Store) lastBlockNumberLocked() (uint64, error) {
	raw, err := s.db.Get([]byte(keyLastBlock), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) LastBlockNumber() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBlockNumberLocked()
}

func (s *Store) GetBlock(n uint64) (*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(blockKey(n), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b chain.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) IterBlocks(from, to uint64) ([]*chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rng := &util.Range{Start: blockKey(from), Limit: blockKey(to + 1)}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()
	var out []*chain.Block
	for iter.Next() {
		var b chain.Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, iter.Error()
}

func (s *Store) InsertFile(f store.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.db.Put(fileKey(f.FileUUID), raw, nil)
}

func (s *Store) InsertChunkRecords(records []store.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		batch.Put(chunkKey(r.FileUUID, r.ChunkUUID), raw)
	}
	return s.db.Write(batch, nil)
}

func (s *Store) DeleteFile(fileUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete(fileKey(fileUUID))
	iter := s.db.NewIterator(util.BytesPrefix(chunkPrefix(fileUUID)), nil)
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *Store) ListFilesOwnedBy(addr common.Address) ([]store.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixFile)), nil)
	defer iter.Release()
	var out []store.FileRecord
	for iter.Next() {
		var f store.FileRecord
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, err
		}
		if f.OwnerAddress == addr {
			out = append(out, f)
		}
	}
	return out, iter.Error()
}

func (s *Store) GetFile(fileUUID string) (*store.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(fileKey(fileUUID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f store.FileRecord
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetChunksForFile(fileUUID string) ([]store.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix(chunkPrefix(fileUUID)), nil)
	defer iter.Release()
	var out []store.ChunkRecord
	for iter.Next() {
		var r store.ChunkRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *Store) ExpiredFiles(nowMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixFile)), nil)
	defer iter.Release()
	var out []string
	for iter.Next() {
		var f store.FileRecord
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, err
		}
		if f.ExpirationMs != nil && *f.ExpirationMs <= nowMs {
			out = append(out, f.FileUUID)
		}
	}
	return out, iter.Error()
}

func (s *Store) StoredBytesByMiner() (map[common.Address]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixChunk)), nil)
	defer iter.Release()
	out := make(map[common.Address]int64)
	for iter.Next() {
		var r store.ChunkRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		out[r.MinerAddress] += int64(r.SubChunkEnd - r.SubChunkStart)
	}
	return out, iter.Error()
}

func (s *Store) InsertValidationEvents(events []chain.Event, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, e := range events {
		s.nextPvID++
		pv := store.PendingValidation{ID: s.nextPvID, Event: e, NextDueMs: nowMs}
		raw, err := json.Marshal(pv)
		if err != nil {
			return err
		}
		batch.Put(pendingKey(pv.NextDueMs, pv.ID), raw)
	}
	return s.db.Write(batch, nil)
}

func (s *Store) PopDueValidations(nowMs int64, limit int) ([]store.PendingValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rng := util.BytesPrefix([]byte(prefixPending))
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	var out []store.PendingValidation
	for iter.Next() && len(out) < limit {
		var pv store.PendingValidation
		if err := json.Unmarshal(iter.Value(), &pv); err != nil {
			return nil, err
		}
		if pv.NextDueMs > nowMs {
			break // keys are ordered by due time, nothing further qualifies
		}
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
		out = append(out, pv)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
