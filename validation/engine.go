// Package validation implements the audit loop (spec §4.9, component
// C9): probe miners holding this validator's stored shards, synthesize
// fresh probes against miners with spare capacity, score every miner
// over the window, clean up expired files, and publish the score map.
// Grounded on the same log-and-continue idiom as package chain's
// producer/ingestor (one bad audit is data, not a fatal error for the
// round); unlike chain, this package defines no sentinel errors.
package validation

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
	"github.com/tos-network/smartdrive/placement"
	"github.com/tos-network/smartdrive/store"
)

// probeBlobSize is how large a synthetic audit blob the engine uploads
// when seeding a fresh probe against a miner with spare capacity.
const probeBlobSize = 256

// minerAuditor is the subset of minerclient.Client the engine calls;
// minerclient.Client satisfies it directly (no adapter needed, unlike
// package placement, since every parameter/return type here is already
// a plain type with no named-struct mismatch).
type minerAuditor interface {
	Validation(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string, start, end int) ([]byte, error)
}

// Broadcaster is the subset of p2p/pool.Pool the engine needs to gossip
// the events it originates (probe seeds, expiration RemoveEvents).
type Broadcaster interface {
	Broadcast(frame *p2p.Frame)
}

// SyncStatus reports whether the node has completed its initial block
// sync; score publication is gated on it per spec §4.9 step 6 ("once
// initial sync is complete").
type SyncStatus interface {
	Synced() bool
}

// minerScore accumulates one miner's observations over a window.
type minerScore struct {
	attempts     int
	successes    int
	totalLatency float64
}

// Engine runs the periodic audit loop against this validator's own
// oracle/store/miner-client/placement stack.
type Engine struct {
	oracle    chain.OracleView
	store     store.Store
	miners    minerAuditor
	placement *placement.Engine
	mempool   chain.MempoolView
	bcast     Broadcaster
	sync      SyncStatus
	key       *crypto.KeyPair
	self      common.Address
	netuid    int
	cfg       params.Config
	log       log.Logger
}

// New wires an audit Engine.
func New(oracle chain.OracleView, s store.Store, miners minerAuditor, placementEngine *placement.Engine, mp chain.MempoolView, bcast Broadcaster, sync SyncStatus, key *crypto.KeyPair, netuid int, cfg params.Config) *Engine {
	return &Engine{
		oracle: oracle, store: s, miners: miners, placement: placementEngine,
		mempool: mp, bcast: bcast, sync: sync, key: key, self: key.Address(),
		netuid: netuid, cfg: cfg.WithDefaults(),
		log: log.New("component", "validation"),
	}
}

// Run drives the 120s-interval audit loop until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce implements one pass of spec §4.9's six steps.
func (e *Engine) RunOnce(ctx context.Context) {
	now := time.Now()

	miners, err := e.oracle.GetModules(ctx, e.netuid, chain.ModuleMiner)
	if err != nil {
		e.log.Warn("skip round: get_modules failed", "err", err)
		return
	}
	miners = excludeSelf(miners, e.self)
	if len(miners) == 0 {
		e.log.Warn("no miners known this round, skipping probes/seeding")
	}
	minerByAddr := make(map[common.Address]chain.Module, len(miners))
	for _, m := range miners {
		minerByAddr[m.Address] = m
	}

	scores := e.runProbes(ctx, now, minerByAddr)
	e.seedFreshProbes(ctx, now, miners, scores)
	e.expireFiles(ctx, now)

	if e.sync.Synced() {
		e.publishScores(ctx, minerByAddr, scores)
	}
}

// runProbes drains due probes and issues a validation RPC for each,
// scoring the responding miner (spec §4.9 steps 1-2).
func (e *Engine) runProbes(ctx context.Context, now time.Time, minerByAddr map[common.Address]chain.Module) map[common.Address]*minerScore {
	scores := make(map[common.Address]*minerScore)
	due, err := e.store.PopDueValidations(now.UnixMilli(), 256)
	if err != nil {
		e.log.Error("pop_due_validations failed", "err", err)
		return scores
	}

	for _, pv := range due {
		chunks := pv.Event.EventParams.Chunks
		if len(chunks) != 1 {
			e.log.Warn("dropping malformed probe", "pending_id", pv.ID)
			continue
		}
		chunk := chunks[0]
		minerAddr := minerForChunk(pv.Event.EventParams.MinersProcesses, chunk.UUID)
		m, ok := minerByAddr[minerAddr]
		if !ok {
			continue // miner no longer registered; next window's fresh probes replace it
		}
		want, err := hex.DecodeString(chunk.SubChunkEncoded)
		if err != nil {
			e.log.Warn("probe has invalid recorded window", "pending_id", pv.ID, "err", err)
			continue
		}

		st := scoreFor(scores, minerAddr)
		started := time.Now()
		got, err := e.miners.Validation(ctx, m.Connection, e.self, chunk.UUID, chunk.SubChunkStart, chunk.SubChunkEnd)
		st.attempts++
		st.totalLatency += time.Since(started).Seconds()
		if err != nil || !bytes.Equal(got, want) {
			e.log.Warn("audit failed", "miner", minerAddr, "chunk", chunk.UUID, "err", err)
			continue
		}
		st.successes++
	}
	return scores
}

// seedFreshProbes uploads a small random blob to every honest miner
// that still has spare capacity, converting the successful placements
// into new pending ValidateEvents (spec §4.9 step 3).
func (e *Engine) seedFreshProbes(ctx context.Context, now time.Time, miners []chain.Module, scores map[common.Address]*minerScore) {
	stored, err := e.store.StoredBytesByMiner()
	if err != nil {
		e.log.Error("stored_bytes_by_miner failed", "err", err)
		return
	}

	var candidates []chain.Module
	for _, m := range miners {
		if st, audited := scores[m.Address]; audited && st.successes < st.attempts {
			continue // caught at least one bad audit this window, skip
		}
		capacity := params.StorageCapacityBytes(m.Stake)
		if capacity > 0 && stored[m.Address] < capacity {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return
	}

	blob := make([]byte, probeBlobSize)
	if _, err := cryptorand.Read(blob); err != nil {
		e.log.Error("generate probe blob failed", "err", err)
		return
	}
	ev, err := e.placement.StoreNewFile(ctx, blob, candidates, e.key, "", nil, "", true, now)
	if err != nil {
		e.log.Warn("seed probe store failed", "err", err)
		return
	}

	for _, ce := range ev.EventParams.Chunks {
		minerAddr := minerForChunk(ev.EventParams.MinersProcesses, ce.UUID)
		probe := chain.Event{
			UUID:             chain.NewEventUUID(now.Unix()),
			Action:           chain.ActionValidation,
			ValidatorAddress: e.self,
			EventParams: chain.EventParams{
				FileUUID:        ev.EventParams.FileUUID,
				MinersProcesses: []chain.MinerProcess{{ChunkUUID: ce.UUID, MinerAddress: minerAddr, Succeed: true}},
				Chunks:          []chain.ChunkEvent{ce},
			},
		}
		e.signAndSubmit(&probe)
	}
}

// expireFiles emits a RemoveEvent for every file past its expiration,
// routed through the block pipeline like any other event (spec §4.9
// step 5). The validator signs both the event and the input params
// itself, acting as the accountable caller for protocol-initiated
// cleanup (see DESIGN.md).
func (e *Engine) expireFiles(ctx context.Context, now time.Time) {
	expired, err := e.store.ExpiredFiles(now.UnixMilli())
	if err != nil {
		e.log.Error("expired_files failed", "err", err)
		return
	}
	for _, fileUUID := range expired {
		ev := chain.Event{
			UUID:             chain.NewEventUUID(now.Unix()),
			Action:           chain.ActionRemove,
			ValidatorAddress: e.self,
			EventParams:      chain.EventParams{FileUUID: fileUUID},
			UserAddress:      e.self,
			InputParams:      &chain.InputParams{FileUUID: fileUUID},
		}
		inputRaw, err := ev.CanonicalInputParams()
		if err != nil {
			e.log.Error("canonicalize expiration remove failed", "file", fileUUID, "err", err)
			continue
		}
		ev.InputSignedParams = crypto.Sign(inputRaw, e.key)
		e.signAndSubmit(&ev)
	}
}

// publishScores computes spec §4.9 step 4's score and posts it via
// set_weights, once sync has completed.
func (e *Engine) publishScores(ctx context.Context, minerByAddr map[common.Address]chain.Module, scores map[common.Address]*minerScore) {
	stored, err := e.store.StoredBytesByMiner()
	if err != nil {
		e.log.Error("stored_bytes_by_miner failed", "err", err)
		return
	}

	out := make(map[common.Address]int64, len(minerByAddr))
	for addr, m := range minerByAddr {
		out[addr] = score(scores[addr], stored[addr], m.Stake)
	}
	if err := e.oracle.SetWeights(ctx, out, e.netuid); err != nil {
		e.log.Warn("set_weights failed", "err", err)
	}
}

// score combines success rate, mean latency and utilization into a
// single non-negative integer. The three inputs are fixed by spec
// §4.9 step 4; the exact weighting is explicitly left as tunable policy.
func score(st *minerScore, storedBytes, stake int64) int64 {
	if st == nil || st.attempts == 0 || st.successes == 0 {
		return 0
	}
	successRate := float64(st.successes) / float64(st.attempts)
	meanLatency := st.totalLatency / float64(st.attempts)
	latencyFactor := 1.0 / (1.0 + meanLatency)

	utilization := 0.0
	if capacity := params.StorageCapacityBytes(stake); capacity > 0 {
		utilization = float64(storedBytes) / float64(capacity)
		if utilization > 1 {
			utilization = 1
		}
	}

	raw := successRate*600 + latencyFactor*300 + utilization*100
	return int64(raw)
}

func scoreFor(scores map[common.Address]*minerScore, addr common.Address) *minerScore {
	st, ok := scores[addr]
	if !ok {
		st = &minerScore{}
		scores[addr] = st
	}
	return st
}

func minerForChunk(processes []chain.MinerProcess, chunkUUID string) common.Address {
	for _, p := range processes {
		if p.ChunkUUID == chunkUUID && p.Succeed {
			return p.MinerAddress
		}
	}
	return ""
}

func excludeSelf(miners []chain.Module, self common.Address) []chain.Module {
	out := make([]chain.Module, 0, len(miners))
	for _, m := range miners {
		if m.Address != self {
			out = append(out, m)
		}
	}
	return out
}

// signAndSubmit signs ev's event_params with the engine's own key,
// inserts it into the mempool, and broadcasts it to peers exactly as
// an API-originated event would (spec §4.9 steps 3/5 route probe seeds
// and expiration cleanups "as ordinary events").
func (e *Engine) signAndSubmit(ev *chain.Event) {
	raw, err := ev.CanonicalEventParams()
	if err != nil {
		e.log.Error("canonicalize event failed", "uuid", ev.UUID, "err", err)
		return
	}
	ev.EventSignedParams = crypto.Sign(raw, e.key)

	if !e.mempool.Add(*ev) {
		return
	}
	eventRaw, err := json.Marshal(ev)
	if err != nil {
		e.log.Error("marshal event for broadcast failed", "uuid", ev.UUID, "err", err)
		return
	}
	data, err := json.Marshal(p2p.EventData{EventAction: string(ev.Action), Event: eventRaw})
	if err != nil {
		e.log.Error("marshal event body failed", "uuid", ev.UUID, "err", err)
		return
	}
	frame, err := p2p.BuildFrame(p2p.Body{Code: p2p.CodeEvent, Data: data}, e.key)
	if err != nil {
		e.log.Error("build event frame failed", "uuid", ev.UUID, "err", err)
		return
	}
	e.bcast.Broadcast(frame)
}
