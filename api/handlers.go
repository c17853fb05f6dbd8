package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/placement"
)

const maxUploadBytes = 64 << 20 // 64 MiB, generous over MaxCapacityGiB/1 shard

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStore implements POST /store (spec §4.11/§6). The caller signs
// over {"extra": digest}, digest being the hex SHA-256 of the file
// about to be uploaded — the one field of the event's input_params a
// client can commit to before the server generates file_uuid (see
// DESIGN.md §7).
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, errStatus(http.StatusBadRequest, "could not parse multipart body"))
		return
	}
	digest := r.FormValue("digest")
	if digest == "" {
		writeError(w, errStatus(http.StatusBadRequest, "missing digest field"))
		return
	}
	addr, authErr := s.authenticate(r.Context(), r, map[string]string{"extra": digest})
	if authErr != nil {
		writeError(w, authErr)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, errStatus(http.StatusBadRequest, "missing file field"))
		return
	}
	defer file.Close()
	fileBytes, err := io.ReadAll(file)
	if err != nil {
		writeError(w, errStatus(http.StatusBadRequest, "could not read file"))
		return
	}
	sum := sha256.Sum256(fileBytes)
	if hex.EncodeToString(sum[:]) != digest {
		writeError(w, errStatus(http.StatusBadRequest, "digest does not match uploaded bytes"))
		return
	}

	miners, err := s.oracle.GetModules(r.Context(), s.netuid, chain.ModuleMiner)
	if err != nil {
		writeError(w, errStatus(http.StatusNotFound, "currently the network is unreachable"))
		return
	}
	if len(miners) == 0 {
		writeError(w, errStatus(http.StatusNotFound, "currently there are no miners"))
		return
	}

	inputParams := &chain.InputParams{Extra: digest}
	ev, err := s.placement.StoreNewFile(r.Context(), fileBytes, miners, s.key, addr, inputParams, r.Header.Get("X-Signature"), false, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, placement.ErrTooFewMiners):
			writeError(w, errStatus(http.StatusBadRequest, err.Error()))
		case errors.Is(err, placement.ErrReplicationQuotaUnmet):
			writeError(w, errStatus(http.StatusInternalServerError, err.Error()))
		default:
			writeError(w, errStatus(http.StatusNotFound, "no miner answered with a valid response"))
		}
		return
	}

	hasSuccess := false
	for _, p := range ev.EventParams.MinersProcesses {
		if p.Succeed {
			hasSuccess = true
			break
		}
	}
	if !hasSuccess {
		writeError(w, errStatus(http.StatusNotFound, "no miner answered with a valid response"))
		return
	}

	s.submitAlreadySignedEvent(ev)
	writeJSON(w, http.StatusOK, map[string]string{"uuid": ev.EventParams.FileUUID})
}

// handleRetrieve implements GET /retrieve?file_uuid=… (spec §4.11/§6).
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fileUUID := r.URL.Query().Get("file_uuid")
	if fileUUID == "" {
		writeError(w, errStatus(http.StatusBadRequest, "missing file_uuid"))
		return
	}
	if _, authErr := s.authenticate(r.Context(), r, queryFields(r)); authErr != nil {
		writeError(w, authErr)
		return
	}

	f, err := s.store.GetFile(fileUUID)
	if err != nil || f == nil {
		writeError(w, errStatus(http.StatusNotFound, "unknown file_uuid"))
		return
	}
	minerConns, err := s.minerConnections(r.Context())
	if err != nil {
		writeError(w, errStatus(http.StatusNotFound, "currently the network is unreachable"))
		return
	}
	data, err := s.placement.RetrieveFile(r.Context(), fileUUID, f.OwnerAddress, minerConns)
	if err != nil {
		writeError(w, errStatus(http.StatusNotFound, "file unknown or unrecoverable"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleRemove implements DELETE /remove?file_uuid=… (spec §4.11/§6): it
// tears down the miner-side chunks and local records synchronously, then
// emits a RemoveEvent to the mempool/gossip without waiting for block
// inclusion, per spec §4.11.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fileUUID := r.URL.Query().Get("file_uuid")
	if fileUUID == "" {
		writeError(w, errStatus(http.StatusBadRequest, "missing file_uuid"))
		return
	}
	addr, authErr := s.authenticate(r.Context(), r, queryFields(r))
	if authErr != nil {
		writeError(w, authErr)
		return
	}

	f, err := s.store.GetFile(fileUUID)
	if err != nil || f == nil {
		writeError(w, errStatus(http.StatusNotFound, "unknown file_uuid"))
		return
	}
	minerConns, err := s.minerConnections(r.Context())
	if err != nil {
		writeError(w, errStatus(http.StatusNotFound, "currently the network is unreachable"))
		return
	}
	if err := s.placement.RemoveFile(r.Context(), fileUUID, f.OwnerAddress, minerConns); err != nil {
		writeError(w, errStatus(http.StatusInternalServerError, "failed to remove file"))
		return
	}

	ev := &chain.Event{
		UUID:             chain.NewEventUUID(time.Now().Unix()),
		Action:           chain.ActionRemove,
		ValidatorAddress: s.key.Address(),
		EventParams:      chain.EventParams{FileUUID: fileUUID},
		UserAddress:      addr,
		InputParams:      &chain.InputParams{FileUUID: fileUUID},
		InputSignedParams: r.Header.Get("X-Signature"),
	}
	raw, err := ev.CanonicalEventParams()
	if err != nil {
		writeError(w, errStatus(http.StatusInternalServerError, "failed to sign remove event"))
		return
	}
	ev.EventSignedParams = crypto.Sign(raw, s.key)
	s.submitAlreadySignedEvent(ev)

	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

// minerConnections snapshots the currently registered miners into the
// address -> connection map placement.Engine's Retrieve/Remove take.
func (s *Server) minerConnections(ctx context.Context) (map[common.Address]common.Connection, error) {
	miners, err := s.oracle.GetModules(ctx, s.netuid, chain.ModuleMiner)
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]common.Connection, len(miners))
	for _, m := range miners {
		out[m.Address] = m.Connection
	}
	return out, nil
}

// submitAlreadySignedEvent inserts an event the caller has already fully
// signed into the mempool and gossips it, mirroring
// validation.Engine.signAndSubmit's broadcast half (this package builds
// its own signature, having a real user to sign against).
func (s *Server) submitAlreadySignedEvent(ev *chain.Event) {
	if !s.mempool.Add(*ev) {
		return
	}
	eventRaw, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("marshal event for broadcast failed", "uuid", ev.UUID, "err", err)
		return
	}
	data, err := json.Marshal(p2p.EventData{EventAction: string(ev.Action), Event: eventRaw})
	if err != nil {
		s.log.Error("marshal event body failed", "uuid", ev.UUID, "err", err)
		return
	}
	frame, err := p2p.BuildFrame(p2p.Body{Code: p2p.CodeEvent, Data: data}, s.key)
	if err != nil {
		s.log.Error("build event frame failed", "uuid", ev.UUID, "err", err)
		return
	}
	s.bcast.Broadcast(frame)
}
