// Package placement implements the shard/replicate/retrieve/remove
// engine (spec §4.8, component C8): how a file is split, fanned out to
// miners with replication, how partial failures are rolled back, and
// how results become events. Parallel fan-out uses goroutines joined
// via golang.org/x/sync/errgroup, already part of the teacher's stack.
package placement

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	cryptofacade "github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/params"
	"github.com/tos-network/smartdrive/store"
)

// ErrTooFewMiners is returned when fewer than params.MinMinersForFile
// candidates are offered to StoreNewFile.
var ErrTooFewMiners = errors.New("placement: fewer than MinMinersForFile candidate miners")

// ErrReplicationQuotaUnmet is returned when at least one shard could not
// reach params.MinReplicationForFile successful stores.
var ErrReplicationQuotaUnmet = errors.New("placement: replication quota unmet")

// ErrNoSurvivingReplica is returned by RetrieveFile when some chunk
// index has no reachable replica.
var ErrNoSurvivingReplica = errors.New("placement: no surviving replica for a chunk index")

// ErrNoValidatingSuccess is returned when validating-mode store fails to
// place even one replica.
var ErrNoValidatingSuccess = errors.New("placement: validating-mode store had zero successes")

// placedChunk is one shard's successful replica, pending assembly into
// a ChunkEvent once the whole operation is known to succeed.
type placedChunk struct {
	chunkUUID  string
	chunkIndex int
	miner      common.Address
	shard      []byte
}

// Engine ties a miner RPC client and a persistence Store together to
// implement store/retrieve/remove.
type Engine struct {
	miners minerRPC
	store  store.Store
	log    log.Logger
}

// minerRPC is the full surface the engine calls against a miner; an
// interface so tests can substitute a fake transport. minerclient.Client
// satisfies it via the adapter in adapter.go, since Go does not treat
// differently-named result structs as interchangeable return types.
type minerRPC interface {
	Store(ctx context.Context, conn common.Connection, folder common.Address, chunk []byte) (*storeResult, error)
	Remove(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) error
	Retrieve(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) ([]byte, error)
}

type storeResult struct{ ChunkUUID string }

// New returns an Engine. client must implement minerRPC (minerclient.Client
// does, via the adapter in adapter.go).
func New(client minerRPC, s store.Store) *Engine {
	return &Engine{miners: client, store: s, log: log.New("component", "placement")}
}

// StoreNewFile implements spec §4.8's store contract. In normal mode
// (validating=false) the file is sharded across miners with
// MinReplicationForFile replicas per shard; in validating mode the
// entire input is treated as one shard fanned out to every candidate,
// with one success sufficing (used by the validation engine to seed
// audit probes). inputParams/inputSignedParams are the caller's
// already-verified user endorsement (see the signedFields argument of
// api.Server.authenticate); both are
// nil/empty in validating mode, which never carries a user address.
func (e *Engine) StoreNewFile(
	ctx context.Context,
	fileBytes []byte,
	miners []chain.Module,
	validatorKey *cryptofacade.KeyPair,
	userAddress common.Address,
	inputParams *chain.InputParams,
	inputSignedParams string,
	validating bool,
	now time.Time,
) (*chain.Event, error) {
	if validating {
		return e.storeValidating(ctx, fileBytes, miners, validatorKey, now)
	}
	return e.storeNormal(ctx, fileBytes, miners, validatorKey, userAddress, inputParams, inputSignedParams, now)
}

func (e *Engine) storeNormal(
	ctx context.Context,
	fileBytes []byte,
	miners []chain.Module,
	validatorKey *cryptofacade.KeyPair,
	userAddress common.Address,
	inputParams *chain.InputParams,
	inputSignedParams string,
	now time.Time,
) (*chain.Event, error) {
	if len(miners) < params.MinMinersForFile {
		return nil, ErrTooFewMiners
	}
	numChunks := len(miners)
	if numChunks > params.MaxMinersForFile {
		numChunks = params.MaxMinersForFile
	}
	shards := splitShards(fileBytes, numChunks)

	var allPlaced []placedChunk
	var allProcesses []chain.MinerProcess

	rollback := func() {
		for _, pc := range allPlaced {
			var conn common.Connection
			for _, m := range miners {
				if m.Address == pc.miner {
					conn = m.Connection
				}
			}
			_ = e.miners.Remove(ctx, conn, userAddress, pc.chunkUUID)
		}
	}

	for idx, shard := range shards {
		placed, processes, err := e.replicateShard(ctx, idx, shard, miners, userAddress)
		allProcesses = append(allProcesses, processes...)
		if err != nil {
			allPlaced = append(allPlaced, placed...)
			rollback()
			return nil, fmt.Errorf("%w: shard %d: %v", ErrReplicationQuotaUnmet, idx, err)
		}
		allPlaced = append(allPlaced, placed...)
	}

	chunkEvents := make([]chain.ChunkEvent, 0, len(allPlaced))
	for _, pc := range allPlaced {
		start, end := sampleAuditWindow(len(pc.shard))
		chunkEvents = append(chunkEvents, chain.ChunkEvent{
			UUID:            pc.chunkUUID,
			ChunkIndex:      pc.chunkIndex,
			SubChunkStart:   start,
			SubChunkEnd:     end,
			SubChunkEncoded: hex.EncodeToString(pc.shard[start:end]),
		})
	}

	return e.buildStoreEvent(validatorKey, userAddress, inputParams, inputSignedParams, allProcesses, chunkEvents, nil, nil, now)
}

func (e *Engine) storeValidating(
	ctx context.Context,
	blob []byte,
	miners []chain.Module,
	validatorKey *cryptofacade.KeyPair,
	now time.Time,
) (*chain.Event, error) {
	selfAddr := validatorKey.Address()
	type result struct {
		proc  chain.MinerProcess
		shard []byte
	}
	results := make([]result, len(miners))
	var g errgroup.Group
	for i, m := range miners {
		i, m := i, m
		g.Go(func() error {
			started := time.Now()
			res, err := e.miners.Store(ctx, m.Connection, selfAddr, blob)
			elapsed := time.Since(started).Seconds()
			if err != nil {
				results[i] = result{proc: chain.MinerProcess{MinerAddress: m.Address, Succeed: false, ProcessingTime: elapsed}}
				return nil
			}
			results[i] = result{
				proc:  chain.MinerProcess{ChunkUUID: res.ChunkUUID, MinerAddress: m.Address, Succeed: true, ProcessingTime: elapsed},
				shard: blob,
			}
			return nil
		})
	}
	_ = g.Wait()

	var processes []chain.MinerProcess
	var chunkEvents []chain.ChunkEvent
	successes := 0
	for _, r := range results {
		processes = append(processes, r.proc)
		if r.proc.Succeed {
			successes++
			start, end := sampleAuditWindow(len(r.shard))
			chunkEvents = append(chunkEvents, chain.ChunkEvent{
				UUID:            r.proc.ChunkUUID,
				ChunkIndex:      0,
				SubChunkStart:   start,
				SubChunkEnd:     end,
				SubChunkEncoded: hex.EncodeToString(r.shard[start:end]),
			})
		}
	}
	if successes == 0 {
		return nil, ErrNoValidatingSuccess
	}
	createdAt := now.UnixMilli()
	expirationMs := now.Add(params.ProbeFileExpiration).UnixMilli()
	return e.buildStoreEvent(validatorKey, "", nil, "", processes, chunkEvents, &createdAt, &expirationMs, now)
}

func (e *Engine) buildStoreEvent(
	validatorKey *cryptofacade.KeyPair,
	userAddress common.Address,
	inputParams *chain.InputParams,
	inputSignedParams string,
	processes []chain.MinerProcess,
	chunkEvents []chain.ChunkEvent,
	createdAt, expirationMs *int64,
	now time.Time,
) (*chain.Event, error) {
	fileUUID := fmt.Sprintf("%d_%s", now.Unix(), uuid.NewString())
	ev := chain.Event{
		UUID:             chain.NewEventUUID(now.Unix()),
		Action:           chain.ActionStore,
		ValidatorAddress: validatorKey.Address(),
		EventParams: chain.EventParams{
			FileUUID:        fileUUID,
			MinersProcesses: processes,
			CreatedAt:       createdAt,
			ExpirationMs:    expirationMs,
			Chunks:          chunkEvents,
		},
	}
	if !userAddress.IsZero() {
		ev.UserAddress = userAddress
		ev.InputParams = inputParams
		ev.InputSignedParams = inputSignedParams
	}
	raw, err := ev.CanonicalEventParams()
	if err != nil {
		return nil, err
	}
	ev.EventSignedParams = cryptofacade.Sign(raw, validatorKey)
	return &ev, nil
}

// replicateShard samples miners without replacement and launches store
// RPCs in parallel, retrying only failing slots against untried miners
// until the replication quota is met or the candidate pool is exhausted
// (spec §4.8 step 4).
func (e *Engine) replicateShard(ctx context.Context, chunkIndex int, shard []byte, miners []chain.Module, folder common.Address) ([]placedChunk, []chain.MinerProcess, error) {
	order := shuffled(miners)
	var placed []placedChunk
	var processes []chain.MinerProcess
	tried := 0

	for len(placed) < params.MinReplicationForFile && tried < len(order) {
		need := params.MinReplicationForFile - len(placed)
		batch := order[tried:]
		if len(batch) > need {
			batch = batch[:need]
		}
		tried += len(batch)

		type attempt struct {
			proc  chain.MinerProcess
			chunk placedChunk
			ok    bool
		}
		results := make([]attempt, len(batch))
		var g errgroup.Group
		for i, m := range batch {
			i, m := i, m
			g.Go(func() error {
				started := time.Now()
				res, err := e.miners.Store(ctx, m.Connection, folder, shard)
				elapsed := time.Since(started).Seconds()
				if err != nil {
					results[i] = attempt{proc: chain.MinerProcess{MinerAddress: m.Address, Succeed: false, ProcessingTime: elapsed}}
					return nil
				}
				results[i] = attempt{
					proc: chain.MinerProcess{ChunkUUID: res.ChunkUUID, MinerAddress: m.Address, Succeed: true, ProcessingTime: elapsed},
					chunk: placedChunk{chunkUUID: res.ChunkUUID, chunkIndex: chunkIndex, miner: m.Address, shard: shard},
					ok:    true,
				}
				return nil
			})
		}
		_ = g.Wait()

		for _, a := range results {
			processes = append(processes, a.proc)
			if a.ok {
				placed = append(placed, a.chunk)
			}
		}
	}
	if len(placed) < params.MinReplicationForFile {
		return placed, processes, fmt.Errorf("placed %d/%d replicas", len(placed), params.MinReplicationForFile)
	}
	return placed, processes, nil
}

// splitShards divides data into n contiguous shards of floor(len/n)
// bytes each, appending the remainder to the last shard (spec §4.8
// step 3).
func splitShards(data []byte, n int) [][]byte {
	base := len(data) / n
	shards := make([][]byte, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i == n-1 {
			size = len(data) - offset
		}
		shards[i] = data[offset : offset+size]
		offset += size
	}
	return shards
}

// sampleAuditWindow picks a random start/end pair covering at most
// params.MaxSubChunkWindow bytes of a shard of length shardLen (spec
// §4.8 step 6).
func sampleAuditWindow(shardLen int) (start, end int) {
	maxStart := shardLen - params.MaxSubChunkWindow
	if maxStart < 0 {
		maxStart = 0
	}
	if maxStart == 0 {
		start = 0
	} else {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(maxStart+1)))
		start = int(n.Int64())
	}
	end = start + params.MaxSubChunkWindow
	if end > shardLen {
		end = shardLen
	}
	return start, end
}

// shuffled returns a copy of miners in a random order, the "local
// shuffle" spec §4.8 step 4 samples without replacement from.
func shuffled(miners []chain.Module) []chain.Module {
	out := make([]chain.Module, len(miners))
	copy(out, miners)
	for i := len(out) - 1; i > 0; i-- {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		j := int(n.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// RetrieveFile implements spec §4.8's retrieve sibling: group
// ChunkRecords by chunk_index, fetch any reachable replica per index,
// reassemble in order.
func (e *Engine) RetrieveFile(ctx context.Context, fileUUID string, folder common.Address, miners map[common.Address]common.Connection) ([]byte, error) {
	records, err := e.store.GetChunksForFile(fileUUID)
	if err != nil {
		return nil, err
	}
	byIndex := map[int][]store.ChunkRecord{}
	for _, r := range records {
		byIndex[r.ChunkIndex] = append(byIndex[r.ChunkIndex], r)
	}
	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	shards := make([][]byte, len(indices))
	for pos, idx := range indices {
		var found []byte
		for _, rec := range byIndex[idx] {
			conn, ok := miners[rec.MinerAddress]
			if !ok {
				continue
			}
			data, err := e.miners.Retrieve(ctx, conn, folder, rec.ChunkUUID)
			if err != nil {
				continue
			}
			found = data
			break
		}
		if found == nil {
			return nil, fmt.Errorf("%w: chunk_index %d", ErrNoSurvivingReplica, idx)
		}
		shards[pos] = found
	}
	return bytes.Join(shards, nil), nil
}

// RemoveFile implements spec §4.8's remove: fire Remove at every replica
// in parallel, then delete the file's records regardless of individual
// RPC outcome. The ledger is authoritative; miner acks are best-effort.
func (e *Engine) RemoveFile(ctx context.Context, fileUUID string, folder common.Address, miners map[common.Address]common.Connection) error {
	records, err := e.store.GetChunksForFile(fileUUID)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			conn, ok := miners[rec.MinerAddress]
			if !ok {
				return nil
			}
			if err := e.miners.Remove(ctx, conn, folder, rec.ChunkUUID); err != nil {
				e.log.Warn("remove RPC failed, continuing", "chunk", rec.ChunkUUID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return e.store.DeleteFile(fileUUID)
}
