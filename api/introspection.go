package api

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

// handleGetBlock implements the read-only GET /block/:number endpoint
// SPEC_FULL.md §4.11 adds: pure ledger introspection, unauthenticated
// since it discloses nothing a peer wouldn't already gossip.
func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	n, err := strconv.ParseUint(ps.ByName("number"), 10, 64)
	if err != nil {
		writeError(w, errStatus(http.StatusBadRequest, "block number must be a non-negative integer"))
		return
	}
	block, err := s.store.GetBlock(n)
	if err != nil {
		writeError(w, errStatus(http.StatusInternalServerError, "failed to read block"))
		return
	}
	if block == nil {
		writeError(w, errStatus(http.StatusNotFound, "no such block"))
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// handleFileChunks implements the read-only GET /file/:file_uuid/chunks
// endpoint SPEC_FULL.md §4.11 adds, for operator debugging of shard
// placement.
func (s *Server) handleFileChunks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fileUUID := ps.ByName("file_uuid")
	f, err := s.store.GetFile(fileUUID)
	if err != nil {
		writeError(w, errStatus(http.StatusInternalServerError, "failed to read file"))
		return
	}
	if f == nil {
		writeError(w, errStatus(http.StatusNotFound, "unknown file_uuid"))
		return
	}
	chunks, err := s.store.GetChunksForFile(fileUUID)
	if err != nil {
		writeError(w, errStatus(http.StatusInternalServerError, "failed to read chunks"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"file": f, "chunks": chunks})
}
