package chain

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
)

// moduleCacheSize bounds the validator-set fallback cache to one entry
// per netuid this process ever produces for.
const moduleCacheSize = 8

// Syncer requests the block range [fromBlock, tip] from any reachable
// peer and applies it, used by Producer's first round as proposer
// (spec §4.10 step 2).
type Syncer interface {
	SyncFromPeers(ctx context.Context, fromBlock uint64) error
}

// SyncMarker is notified once, unconditionally, right after this node's
// first round as proposer — regardless of whether the sync attempt that
// round made actually succeeded. This mirrors the reference, which sets
// its initial-sync-completed flag unconditionally the first time a node
// computes itself as proposer, before attempting the sync and even when
// no other validator is known to sync from (see DESIGN.md).
type SyncMarker interface {
	MarkSynced()
}

// Producer drives the block loop (spec §4.10, component C10).
type Producer struct {
	oracle      OracleView
	ledger      Ledger
	mempool     MempoolView
	broadcaster Broadcaster
	syncer      Syncer
	syncMarker  SyncMarker
	apply       ApplyFunc
	key         *crypto.KeyPair
	self        common.Address
	netuid      int
	cfg         params.Config
	log         log.Logger

	firstRoundAsProposer bool
	moduleCache          *lru.Cache
}

// NewProducer wires a block producer. firstRoundAsProposer starts true:
// the first time this node computes itself as proposer it syncs instead
// of producing, per spec §4.10 step 2.
func NewProducer(oracle OracleView, ledger Ledger, mp MempoolView, b Broadcaster, s Syncer, apply ApplyFunc, key *crypto.KeyPair, netuid int, cfg params.Config) *Producer {
	cache, _ := lru.New(moduleCacheSize)
	return &Producer{
		oracle: oracle, ledger: ledger, mempool: mp, broadcaster: b, syncer: s,
		apply: apply, key: key, self: key.Address(), netuid: netuid, cfg: cfg.WithDefaults(),
		log:                  log.New("component", "chain/producer"),
		firstRoundAsProposer: true,
		moduleCache:          cache,
	}
}

// SetSyncMarker wires the callback notified once, unconditionally,
// after this producer's first round as proposer (spec §4.9 step 6).
func (p *Producer) SetSyncMarker(m SyncMarker) {
	p.syncMarker = m
}

// Run drives the block loop every cfg.BlockInterval until ctx is done.
// A slow round is never queued: the ticker simply skips a tick it could
// not keep up with (spec §5).
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Producer) tick(ctx context.Context) {
	modules, err := p.oracle.GetModules(ctx, p.netuid, ModuleValidator)
	if err != nil {
		cached, ok := p.cachedModules()
		if !ok {
			p.log.Warn("skip round: get_modules failed, no cached validator set", "err", err)
			return
		}
		p.log.Warn("get_modules failed, electing from last known validator set", "err", err)
		modules = cached
	} else if p.moduleCache != nil {
		p.moduleCache.Add(p.netuid, modules)
	}
	active := p.broadcaster.ActiveValidators()
	candidates := buildCandidateSet(modules, active, p.self)
	if len(candidates) == 0 {
		p.log.Warn("skip round: no proposer candidates")
		return
	}
	proposer := electProposer(candidates, modules, p.cfg.TruthfulStake)
	if proposer.Address != p.self {
		return
	}

	last, err := p.ledger.LastBlockNumber()
	if err != nil {
		p.log.Error("skip round: last_block_number failed", "err", err)
		return
	}

	if p.firstRoundAsProposer {
		p.firstRoundAsProposer = false
		if err := p.syncer.SyncFromPeers(ctx, last+1); err != nil {
			p.log.Warn("first-round sync failed, producing anyway next round", "err", err)
		}
		// Unconditional: this node has now reached the point where it
		// would produce blocks, whether or not a peer answered the sync
		// request (e.g. a solo validator with no other validator known).
		if p.syncMarker != nil {
			p.syncMarker.MarkSynced()
		}
		return
	}

	p.produceBlock(last + 1)
}

func (p *Producer) produceBlock(blockNumber uint64) {
	drained := p.mempool.Drain(params.MaxEventsPerBlock)
	now := time.Now()

	applied := make([]Event, 0, len(drained))
	var appliedUUIDs []string
	for _, ev := range drained {
		if err := p.apply(ev, now); err != nil {
			p.log.Error("dropping event that failed local apply", "uuid", ev.UUID, "err", err)
			continue
		}
		applied = append(applied, ev)
		appliedUUIDs = append(appliedUUIDs, ev.UUID)
	}

	block := &Block{BlockNumber: blockNumber, Events: applied, ProposerAddress: p.self}
	raw, err := block.CanonicalSigningBytes()
	if err != nil {
		p.log.Error("failed to canonicalize block for signing", "err", err)
		return
	}
	block.ProposerSignature = crypto.Sign(raw, p.key)

	if err := p.ledger.AppendBlock(block); err != nil {
		p.log.Error("failed to persist produced block", "block_number", blockNumber, "err", err)
		return
	}

	p.mempool.RemoveByUUIDs(appliedUUIDs)
	p.broadcastBlock(block)
}

func (p *Producer) broadcastBlock(block *Block) {
	eventsRaw, err := json.Marshal(block.Events)
	if err != nil {
		p.log.Error("failed to marshal events for broadcast", "err", err)
		return
	}
	data, err := json.Marshal(p2p.BlockData{
		BlockNumber:       block.BlockNumber,
		Events:            eventsRaw,
		ProposerSignature: block.ProposerSignature,
		ProposerAddress:   block.ProposerAddress,
	})
	if err != nil {
		p.log.Error("failed to marshal block body", "err", err)
		return
	}
	frame, err := p2p.BuildFrame(p2p.Body{Code: p2p.CodeBlock, Data: data}, p.key)
	if err != nil {
		p.log.Error("failed to build block frame", "err", err)
		return
	}
	p.broadcaster.Broadcast(frame)
}

// cachedModules returns the validator set from the last successful
// get_modules call for this netuid, if the cache holds one.
func (p *Producer) cachedModules() ([]Module, bool) {
	if p.moduleCache == nil {
		return nil, false
	}
	v, ok := p.moduleCache.Get(p.netuid)
	if !ok {
		return nil, false
	}
	modules, ok := v.([]Module)
	return modules, ok
}

// buildCandidateSet restricts oracle-enumerated validators to the
// locally observed live set T = active_validators ∪ {self} (spec §4.10).
func buildCandidateSet(modules []Module, active []common.Address, self common.Address) []Module {
	live := make(map[common.Address]struct{}, len(active)+1)
	for _, a := range active {
		live[a] = struct{}{}
	}
	live[self] = struct{}{}

	out := make([]Module, 0, len(modules))
	for _, m := range modules {
		if _, ok := live[m.Address]; ok {
			out = append(out, m)
		}
	}
	return out
}

// electProposer implements spec §4.10: stake-filter candidates (the
// locally live T = active∪{self} set) by TruthfulStakeAmount, falling
// back to the full oracle-enumerated validator set (not the
// locally-restricted candidates) if that empties it, then
// argmax(stake) with lexicographically smallest address breaking ties.
// The fallback must use the same input on every validator regardless
// of its local view of liveness, or two validators with divergent
// active sets could elect different proposers (spec §8 proposer
// determinism).
func electProposer(candidates, allModules []Module, truthfulStake int64) Module {
	truthful := make([]Module, 0, len(candidates))
	for _, m := range candidates {
		if m.Stake >= truthfulStake {
			truthful = append(truthful, m)
		}
	}
	pool := allModules
	if len(truthful) > 0 {
		pool = truthful
	}
	return argmaxStake(pool)
}

func argmaxStake(candidates []Module) Module {
	out := make([]Module, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stake != out[j].Stake {
			return out[i].Stake > out[j].Stake
		}
		return out[i].Address < out[j].Address
	})
	return out[0]
}
