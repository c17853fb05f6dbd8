package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
)

func TestElectProposerPicksHighestStake(t *testing.T) {
	candidates := []Module{
		{Address: "b", Stake: 50},
		{Address: "a", Stake: 100},
		{Address: "c", Stake: 10},
	}
	p := electProposer(candidates, candidates, 0)
	require.Equal(t, common.Address("a"), p.Address)
}

func TestElectProposerBreaksTiesLexicographically(t *testing.T) {
	candidates := []Module{
		{Address: "zzz", Stake: 100},
		{Address: "aaa", Stake: 100},
	}
	p := electProposer(candidates, candidates, 0)
	require.Equal(t, common.Address("aaa"), p.Address)
}

// TestElectProposerFallsBackToFullOracleSet exercises the truthful-set-
// empty fallback against the full oracle-enumerated set, not the
// locally-restricted candidates set, so two validators with divergent
// local liveness views still elect the same proposer (spec §8 proposer
// determinism).
func TestElectProposerFallsBackToFullOracleSet(t *testing.T) {
	candidates := []Module{
		{Address: "a", Stake: 5},
		{Address: "b", Stake: 3},
	}
	allModules := []Module{
		{Address: "a", Stake: 5},
		{Address: "b", Stake: 3},
		{Address: "c", Stake: 999}, // not locally live, still decides the fallback
	}
	p := electProposer(candidates, allModules, 100)
	require.Equal(t, common.Address("c"), p.Address)
}

func TestBuildCandidateSetExcludesUnknownAndIncludesSelf(t *testing.T) {
	modules := []Module{
		{Address: "self", Stake: 10},
		{Address: "peer1", Stake: 20},
		{Address: "offline", Stake: 999},
	}
	out := buildCandidateSet(modules, []common.Address{"peer1"}, "self")
	require.Len(t, out, 2)
}

// --- fakes for Producer integration tests ---

type errString string

func (e errString) Error() string { return string(e) }

const errBlockMismatch = errString("block_number mismatch")
const errNotFound = errString("not found")

type fakeLedger struct {
	mu     sync.Mutex
	blocks []*Block
}

func (f *fakeLedger) AppendBlock(b *Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.BlockNumber != uint64(len(f.blocks))+1 {
		return errBlockMismatch
	}
	f.blocks = append(f.blocks, b)
	return nil
}
func (f *fakeLedger) LastBlockNumber() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.blocks)), nil
}
func (f *fakeLedger) GetBlock(n uint64) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == 0 || n > uint64(len(f.blocks)) {
		return nil, errNotFound
	}
	return f.blocks[n-1], nil
}
func (f *fakeLedger) IterBlocks(from, to uint64) ([]*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Block
	for _, b := range f.blocks {
		if b.BlockNumber >= from && b.BlockNumber <= to {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeMempool struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeMempool) Add(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return true
}
func (f *fakeMempool) Drain(n int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.events) {
		n = len(f.events)
	}
	out := f.events[:n]
	f.events = f.events[n:]
	return out
}
func (f *fakeMempool) RemoveByUUIDs(uuids []string) {}

type fakeOracle struct {
	modules []Module
}

func (f *fakeOracle) GetModules(ctx context.Context, netuid int, typ ModuleType) ([]Module, error) {
	return f.modules, nil
}
func (f *fakeOracle) SetWeights(ctx context.Context, scores map[common.Address]int64, netuid int) error {
	return nil
}

type fakeBroadcaster struct {
	active     []common.Address
	broadcasts int
}

func (f *fakeBroadcaster) ActiveValidators() []common.Address { return f.active }
func (f *fakeBroadcaster) Broadcast(frame *p2p.Frame)          { f.broadcasts++ }

type noopSyncer struct{ called bool }

func (s *noopSyncer) SyncFromPeers(ctx context.Context, fromBlock uint64) error {
	s.called = true
	return nil
}

func TestProducerProducesBlockWhenSelfIsProposer(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	self := key.Address()

	ledger := &fakeLedger{}
	mp := &fakeMempool{}
	mp.Add(Event{UUID: NewEventUUID(1), Action: ActionRetrieve, ValidatorAddress: self})

	oracle := &fakeOracle{modules: []Module{{Address: self, Stake: 100}}}
	broadcaster := &fakeBroadcaster{}

	applied := 0
	apply := func(e Event, now time.Time) error { applied++; return nil }

	prod := NewProducer(oracle, ledger, mp, broadcaster, &noopSyncer{}, apply, key, 1, params.Config{})
	prod.firstRoundAsProposer = false
	prod.tick(context.Background())

	require.Len(t, ledger.blocks, 1)
	require.Equal(t, uint64(1), ledger.blocks[0].BlockNumber)
	require.Equal(t, 1, applied)
	require.Equal(t, 1, broadcaster.broadcasts)
}

func TestProducerSkipsRoundWhenNotProposer(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	self := key.Address()

	ledger := &fakeLedger{}
	mp := &fakeMempool{}
	oracle := &fakeOracle{modules: []Module{{Address: self, Stake: 1}, {Address: "other", Stake: 1000}}}
	broadcaster := &fakeBroadcaster{active: []common.Address{"other"}}

	prod := NewProducer(oracle, ledger, mp, broadcaster, &noopSyncer{}, nil, key, 1, params.Config{})
	prod.firstRoundAsProposer = false
	prod.tick(context.Background())

	require.Empty(t, ledger.blocks)
	require.Equal(t, 0, broadcaster.broadcasts)
}

func TestProducerSyncsOnFirstRoundAsProposer(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	self := key.Address()

	ledger := &fakeLedger{}
	mp := &fakeMempool{}
	oracle := &fakeOracle{modules: []Module{{Address: self, Stake: 100}}}
	broadcaster := &fakeBroadcaster{}
	syncer := &noopSyncer{}

	prod := NewProducer(oracle, ledger, mp, broadcaster, syncer, nil, key, 1, params.Config{})
	prod.tick(context.Background())

	require.True(t, syncer.called)
	require.Empty(t, ledger.blocks)
}

type fakeSyncer struct{ err error }

func (f *fakeSyncer) SyncFromPeers(ctx context.Context, fromBlock uint64) error { return f.err }

type fakeSyncMarker struct{ marked bool }

func (f *fakeSyncMarker) MarkSynced() { f.marked = true }

// TestProducerMarksSyncedUnconditionallyOnFirstRound covers the solo-
// validator case: even when SyncFromPeers fails because no other
// validator is known, the first round as proposer still marks the node
// synced, matching the reference's unconditional flag flip (spec §4.9
// step 6; see DESIGN.md).
func TestProducerMarksSyncedUnconditionallyOnFirstRound(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	self := key.Address()

	ledger := &fakeLedger{}
	mp := &fakeMempool{}
	oracle := &fakeOracle{modules: []Module{{Address: self, Stake: 100}}}
	broadcaster := &fakeBroadcaster{}
	syncer := &fakeSyncer{err: errString("no other validators known")}
	marker := &fakeSyncMarker{}

	prod := NewProducer(oracle, ledger, mp, broadcaster, syncer, nil, key, 1, params.Config{})
	prod.SetSyncMarker(marker)
	prod.tick(context.Background())

	require.True(t, marker.marked)
	require.Empty(t, ledger.blocks)
}
