package validation

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/mempool"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
	"github.com/tos-network/smartdrive/placement"
	"github.com/tos-network/smartdrive/store"
	"github.com/tos-network/smartdrive/store/memstore"
)

func TestScoreIsZeroWithoutSuccesses(t *testing.T) {
	require.Equal(t, int64(0), score(nil, 0, 100))
	require.Equal(t, int64(0), score(&minerScore{attempts: 3, successes: 0}, 0, 100))
}

func TestScoreRewardsSuccessLatencyAndUtilization(t *testing.T) {
	perfect := score(&minerScore{attempts: 10, successes: 10, totalLatency: 0}, params.StorageCapacityBytes(100), 100)
	worse := score(&minerScore{attempts: 10, successes: 5, totalLatency: 50}, 0, 100)
	require.Greater(t, perfect, worse)
}

func TestExcludeSelfRemovesOwnAddress(t *testing.T) {
	out := excludeSelf([]chain.Module{{Address: "a"}, {Address: "self"}, {Address: "b"}}, "self")
	require.Len(t, out, 2)
}

type fakeOracle struct {
	miners      []chain.Module
	published   map[common.Address]int64
	setWeightsN int
}

func (f *fakeOracle) GetModules(ctx context.Context, netuid int, typ chain.ModuleType) ([]chain.Module, error) {
	return f.miners, nil
}
func (f *fakeOracle) SetWeights(ctx context.Context, scores map[common.Address]int64, netuid int) error {
	f.published = scores
	f.setWeightsN++
	return nil
}

type fakeAuditor struct {
	respond func(conn common.Connection, chunkUUID string, start, end int) ([]byte, error)
}

func (f *fakeAuditor) Validation(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string, start, end int) ([]byte, error) {
	return f.respond(conn, chunkUUID, start, end)
}

type fakeBroadcaster struct{ broadcasts int }

func (f *fakeBroadcaster) Broadcast(frame *p2p.Frame) { f.broadcasts++ }

type fakeSyncStatus struct{ synced bool }

func (f *fakeSyncStatus) Synced() bool { return f.synced }

func newTestEngine(t *testing.T, oracle *fakeOracle, auditor minerAuditor, s store.Store, bcast *fakeBroadcaster, synced bool) (*Engine, *crypto.KeyPair) {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	mp := mempool.New()
	placementEngine := placement.New(nil, s) // Validation calls never touch Store() via placement in these tests unless seeding
	eng := New(oracle, s, auditor, placementEngine, mp, bcast, &fakeSyncStatus{synced: synced}, key, 1, params.Config{})
	return eng, key
}

func TestRunProbesRecordsSuccessAndFailure(t *testing.T) {
	s := memstore.New()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	minerGood := chain.Module{Address: "good", Connection: common.Connection{IP: "1.1.1.1", Port: 1}, Stake: 10}
	minerBad := chain.Module{Address: "bad", Connection: common.Connection{IP: "2.2.2.2", Port: 2}, Stake: 10}

	goodWindow := []byte("the-real-bytes")
	require.NoError(t, s.InsertValidationEvents([]chain.Event{
		{
			UUID:   chain.NewEventUUID(1),
			Action: chain.ActionValidation,
			EventParams: chain.EventParams{
				FileUUID:        "f1",
				MinersProcesses: []chain.MinerProcess{{ChunkUUID: "c-good", MinerAddress: "good", Succeed: true}},
				Chunks:          []chain.ChunkEvent{{UUID: "c-good", SubChunkStart: 0, SubChunkEnd: len(goodWindow), SubChunkEncoded: hex.EncodeToString(goodWindow)}},
			},
		},
		{
			UUID:   chain.NewEventUUID(2),
			Action: chain.ActionValidation,
			EventParams: chain.EventParams{
				FileUUID:        "f2",
				MinersProcesses: []chain.MinerProcess{{ChunkUUID: "c-bad", MinerAddress: "bad", Succeed: true}},
				Chunks:          []chain.ChunkEvent{{UUID: "c-bad", SubChunkStart: 0, SubChunkEnd: 4, SubChunkEncoded: hex.EncodeToString([]byte("abcd"))}},
			},
		},
	}, 0))

	auditor := &fakeAuditor{respond: func(conn common.Connection, chunkUUID string, start, end int) ([]byte, error) {
		if chunkUUID == "c-good" {
			return goodWindow, nil
		}
		return []byte("wrong"), nil
	}}

	eng, _ := newTestEngine(t, &fakeOracle{}, auditor, s, &fakeBroadcaster{}, false)
	_ = key

	minerByAddr := map[common.Address]chain.Module{"good": minerGood, "bad": minerBad}
	scores := eng.runProbes(context.Background(), time.Now(), minerByAddr)

	require.Equal(t, 1, scores["good"].attempts)
	require.Equal(t, 1, scores["good"].successes)
	require.Equal(t, 1, scores["bad"].attempts)
	require.Equal(t, 0, scores["bad"].successes)
}

func TestExpireFilesEmitsSelfSignedRemoveEvent(t *testing.T) {
	s := memstore.New()
	past := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.InsertFile(store.FileRecord{FileUUID: "expired-1", ExpirationMs: &past}))

	bcast := &fakeBroadcaster{}
	eng, key := newTestEngine(t, &fakeOracle{}, &fakeAuditor{respond: func(common.Connection, string, int, int) ([]byte, error) { return nil, nil }}, s, bcast, false)

	eng.expireFiles(context.Background(), time.Now())

	require.Equal(t, 1, bcast.broadcasts)
	drained := eng.mempool.Drain(10)
	require.Len(t, drained, 1)
	ev := drained[0]
	require.Equal(t, chain.ActionRemove, ev.Action)
	require.Equal(t, "expired-1", ev.EventParams.FileUUID)
	require.Equal(t, key.Address(), ev.UserAddress)
	require.True(t, ev.IsUserOriginated())

	raw, err := ev.CanonicalEventParams()
	require.NoError(t, err)
	ok, err := crypto.VerifyAddressSignature(ev.ValidatorAddress, raw, ev.EventSignedParams)
	require.NoError(t, err)
	require.True(t, ok)

	inputRaw, err := ev.CanonicalInputParams()
	require.NoError(t, err)
	ok, err = crypto.VerifyAddressSignature(ev.UserAddress, inputRaw, ev.InputSignedParams)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPublishScoresPostsPositiveScore(t *testing.T) {
	s := memstore.New()
	oracle := &fakeOracle{}
	eng, _ := newTestEngine(t, oracle, &fakeAuditor{respond: func(common.Connection, string, int, int) ([]byte, error) { return nil, nil }}, s, &fakeBroadcaster{}, false)

	minerByAddr := map[common.Address]chain.Module{"m1": {Address: "m1", Stake: 5}}
	scores := map[common.Address]*minerScore{"m1": {attempts: 2, successes: 2, totalLatency: 1}}
	eng.publishScores(context.Background(), minerByAddr, scores)
	require.Equal(t, 1, oracle.setWeightsN)
	require.Greater(t, oracle.published["m1"], int64(0))
}

func TestRunOnceSkipsPublishWhenNotSynced(t *testing.T) {
	s := memstore.New()
	// Stake 0 keeps StorageCapacityBytes at 0 so seedFreshProbes finds no
	// candidates and never touches the (nil-backed) placement engine.
	oracle := &fakeOracle{miners: []chain.Module{{Address: "m1", Connection: common.Connection{IP: "1.1.1.1", Port: 1}, Stake: 0}}}
	eng, _ := newTestEngine(t, oracle, &fakeAuditor{respond: func(common.Connection, string, int, int) ([]byte, error) { return nil, nil }}, s, &fakeBroadcaster{}, false)

	eng.RunOnce(context.Background())
	require.Equal(t, 0, oracle.setWeightsN)
}
