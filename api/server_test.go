package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/mempool"
	"github.com/tos-network/smartdrive/minerclient"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
	"github.com/tos-network/smartdrive/placement"
	"github.com/tos-network/smartdrive/store"
	"github.com/tos-network/smartdrive/store/memstore"
)

// fakeOracle stands in for chainclient.Client: GetModules/GetStakeTo
// answer from fixed, test-configured state rather than a live chain.
type fakeOracle struct {
	miners     []chain.Module
	validators []chain.Module
	stakeTo    map[common.Address]int64
}

func (f *fakeOracle) GetModules(ctx context.Context, netuid int, typ chain.ModuleType) ([]chain.Module, error) {
	if typ == chain.ModuleValidator {
		return f.validators, nil
	}
	return f.miners, nil
}

func (f *fakeOracle) SetWeights(ctx context.Context, scores map[common.Address]int64, netuid int) error {
	return nil
}

func (f *fakeOracle) GetStakeTo(ctx context.Context, addr common.Address, netuid int) (map[common.Address]int64, error) {
	return f.stakeTo, nil
}

type fakeBroadcaster struct{ broadcasts int }

func (f *fakeBroadcaster) Broadcast(frame *p2p.Frame) { f.broadcasts++ }

// minerModuleAt registers a miner.Module pointed at srv, so placement's
// real minerclient.Client can dial it over loopback HTTP.
func minerModuleAt(t *testing.T, srv *httptest.Server, addr common.Address) chain.Module {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return chain.Module{Address: addr, Connection: common.Connection{IP: host, Port: port}, Type: chain.ModuleMiner, Stake: 10}
}

// newMinerServer fakes the three miner RPC verbs placement calls: store
// always succeeds with chunkUUID, retrieve always returns data, remove
// always acks. None of the three inspect the request body, mirroring
// how little a real miner handler needs to satisfy minerclient's
// contract in these tests.
func newMinerServer(t *testing.T, chunkUUID string, data []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/method/store", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(chunkUUID))
	})
	mux.HandleFunc("/method/retrieve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/method/remove", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

type testHarness struct {
	srv    *Server
	store  *memstore.Store
	oracle *fakeOracle
	bcast  *fakeBroadcaster
	mp     *mempool.Mempool
	key    *crypto.KeyPair // validator identity
}

func newHarness(t *testing.T, miners []chain.Module, validators []chain.Module, stakeTo map[common.Address]int64) *testHarness {
	t.Helper()
	validatorKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	s := memstore.New()
	mc := minerclient.New(validatorKey, 5*time.Second)
	pe := placement.NewFromMinerClient(mc, s)
	oracle := &fakeOracle{miners: miners, validators: validators, stakeTo: stakeTo}
	bcast := &fakeBroadcaster{}
	mp := mempool.New()
	srv := New(oracle, pe, mp, bcast, s, validatorKey, 1)
	return &testHarness{srv: srv, store: s, oracle: oracle, bcast: bcast, mp: mp, key: validatorKey}
}

func callerWithStake(t *testing.T) *crypto.KeyPair {
	t.Helper()
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return k
}

// validatorFixture is a single validator delegated enough stake by the
// fixture's caller to pass the §4.11 gate.
type validatorFixture struct {
	validators []chain.Module
	stakeTo    map[common.Address]int64
}

func validatorWithStakeTo(t *testing.T) validatorFixture {
	t.Helper()
	validatorKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return validatorFixture{
		validators: []chain.Module{{Address: validatorKey.Address(), Type: chain.ModuleValidator}},
		stakeTo:    map[common.Address]int64{validatorKey.Address(): int64(2*params.MinimumStakeCOMAI) * params.BaseUnitsPerCOMAI},
	}
}

func TestPingRequiresNoAuth(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsMissingKey(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/retrieve?file_uuid=x", nil)
	_, err := h.srv.authenticate(context.Background(), req, queryFields(req))
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, err.status)
}

func TestAuthenticateRejectsInsufficientStake(t *testing.T) {
	caller := callerWithStake(t)
	validatorKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	h := newHarness(t, nil, []chain.Module{{Address: validatorKey.Address(), Type: chain.ModuleValidator}}, map[common.Address]int64{
		validatorKey.Address(): 0,
	})

	fields := map[string]string{"file_uuid": "x"}
	raw, err := common.CanonicalJSON(fields)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/retrieve?file_uuid=x", nil)
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", crypto.Sign(raw, caller))

	_, authErr := h.srv.authenticate(context.Background(), req, fields)
	require.Error(t, authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.status)
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, nil, fixture.validators, fixture.stakeTo)

	req := httptest.NewRequest(http.MethodGet, "/retrieve?file_uuid=x", nil)
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", "deadbeef")

	_, authErr := h.srv.authenticate(context.Background(), req, map[string]string{"file_uuid": "x"})
	require.Error(t, authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.status)
}

func TestAuthenticateAcceptsValidSignatureAndStake(t *testing.T) {
	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, nil, fixture.validators, fixture.stakeTo)

	fields := map[string]string{"file_uuid": "x"}
	raw, err := common.CanonicalJSON(fields)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/retrieve?file_uuid=x", nil)
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", crypto.Sign(raw, caller))

	addr, authErr := h.srv.authenticate(context.Background(), req, fields)
	require.Nil(t, authErr)
	require.Equal(t, caller.Address(), addr)
}

func TestHandleStoreHappyPath(t *testing.T) {
	srv1 := newMinerServer(t, "chunk-1", nil)
	srv2 := newMinerServer(t, "chunk-2", nil)
	defer srv1.Close()
	defer srv2.Close()

	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, []chain.Module{
		minerModuleAt(t, srv1, "m1"),
		minerModuleAt(t, srv2, "m2"),
	}, fixture.validators, fixture.stakeTo)

	fileBytes := []byte("hello smartdrive, this is a test file with enough bytes to shard")
	sum := sha256.Sum256(fileBytes)
	digest := hex.EncodeToString(sum[:])

	raw, err := common.CanonicalJSON(map[string]string{"extra": digest})
	require.NoError(t, err)
	sig := crypto.Sign(raw, caller)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("digest", digest))
	fw, err := w.CreateFormFile("file", "data.bin")
	require.NoError(t, err)
	_, err = fw.Write(fileBytes)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/store", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", sig)

	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["uuid"])
	require.Equal(t, 1, h.bcast.broadcasts)

	drained := h.mp.Drain(10)
	require.Len(t, drained, 1)
	require.Equal(t, chain.ActionStore, drained[0].Action)
	require.Equal(t, caller.Address(), drained[0].UserAddress)
}

func TestHandleStoreRejectsDigestMismatch(t *testing.T) {
	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, nil, fixture.validators, fixture.stakeTo)

	fileBytes := []byte("some content")
	zero := sha256.Sum256(nil)
	wrongDigest := hex.EncodeToString(zero[:])

	raw, err := common.CanonicalJSON(map[string]string{"extra": wrongDigest})
	require.NoError(t, err)
	sig := crypto.Sign(raw, caller)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("digest", wrongDigest))
	fw, err := w.CreateFormFile("file", "data.bin")
	require.NoError(t, err)
	_, _ = fw.Write(fileBytes)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/store", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", sig)

	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetrieveRoundTrip(t *testing.T) {
	fileUUID := "file-1"
	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, nil, fixture.validators, fixture.stakeTo)

	payload := []byte("retrieved bytes")
	srv := newMinerServer(t, "chunk-1", payload)
	defer srv.Close()
	miner := minerModuleAt(t, srv, "m1")
	h.oracle.miners = []chain.Module{miner}

	require.NoError(t, h.store.InsertFile(store.FileRecord{FileUUID: fileUUID, OwnerAddress: caller.Address()}))
	require.NoError(t, h.store.InsertChunkRecords([]store.ChunkRecord{
		{ChunkUUID: "chunk-1", FileUUID: fileUUID, ChunkIndex: 0, MinerAddress: miner.Address, SubChunkStart: 0, SubChunkEnd: len(payload)},
	}))

	fields := map[string]string{"file_uuid": fileUUID}
	raw, err := common.CanonicalJSON(fields)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/retrieve?file_uuid="+fileUUID, nil)
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", crypto.Sign(raw, caller))

	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestHandleRemoveDeletesFileAndEmitsEvent(t *testing.T) {
	fileUUID := "file-2"
	caller := callerWithStake(t)
	fixture := validatorWithStakeTo(t)
	h := newHarness(t, nil, fixture.validators, fixture.stakeTo)

	srv := newMinerServer(t, "chunk-2", nil)
	defer srv.Close()
	miner := minerModuleAt(t, srv, "m1")
	h.oracle.miners = []chain.Module{miner}

	require.NoError(t, h.store.InsertFile(store.FileRecord{FileUUID: fileUUID, OwnerAddress: caller.Address()}))
	require.NoError(t, h.store.InsertChunkRecords([]store.ChunkRecord{
		{ChunkUUID: "chunk-2", FileUUID: fileUUID, ChunkIndex: 0, MinerAddress: miner.Address, SubChunkStart: 0, SubChunkEnd: 4},
	}))

	fields := map[string]string{"file_uuid": fileUUID}
	raw, err := common.CanonicalJSON(fields)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/remove?file_uuid="+fileUUID, nil)
	req.Header.Set("X-Key", caller.PublicKeyHex())
	req.Header.Set("X-Signature", crypto.Sign(raw, caller))

	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f, err := h.store.GetFile(fileUUID)
	require.NoError(t, err)
	require.Nil(t, f)

	require.Equal(t, 1, h.bcast.broadcasts)
	drained := h.mp.Drain(10)
	require.Len(t, drained, 1)
	require.Equal(t, chain.ActionRemove, drained[0].Action)
	require.True(t, drained[0].IsUserOriginated())
}

func TestHandleGetBlockNotFound(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/block/7", nil)
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFileChunksNotFound(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/file/nope/chunks", nil)
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
