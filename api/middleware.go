package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/params"
)

// httpError is a handler-level failure carrying the status code to
// answer with, mirroring the teacher's pattern of sentinel errors that
// callers translate to a response rather than panicking.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errStatus(status int, format string, args ...interface{}) *httpError {
	return &httpError{status: status, msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *httpError) {
	writeJSON(w, err.status, map[string]string{"detail": err.msg})
}

// authenticate implements spec §4.11's four-step stake-gated check.
// signedFields is the exact set of fields the caller's X-Signature must
// cover; callers build it so that its canonical JSON is byte-identical
// to the chain.InputParams the resulting event will carry (see
// DESIGN.md's "one X-Signature header has to serve two jobs").
func (s *Server) authenticate(ctx context.Context, r *http.Request, signedFields map[string]string) (common.Address, *httpError) {
	pubKeyHex := r.Header.Get("X-Key")
	if pubKeyHex == "" {
		return "", errStatus(http.StatusUnauthorized, "valid X-Key not provided on headers")
	}
	addr, err := crypto.AddressFromPubKeyHex(pubKeyHex)
	if err != nil {
		return "", errStatus(http.StatusUnauthorized, "not a valid public key provided")
	}

	stakeTo, err := s.oracle.GetStakeTo(ctx, addr, s.netuid)
	if err != nil {
		return "", errStatus(http.StatusNotFound, "currently the network is unreachable")
	}
	validators, err := s.oracle.GetModules(ctx, s.netuid, chain.ModuleValidator)
	if err != nil {
		return "", errStatus(http.StatusNotFound, "currently the network is unreachable")
	}
	isValidator := make(map[common.Address]bool, len(validators))
	for _, v := range validators {
		isValidator[v.Address] = true
	}
	var totalStake int64
	for to, stake := range stakeTo {
		if to == addr || !isValidator[to] {
			continue // self-delegation does not count toward the gate
		}
		totalStake += stake
	}
	if totalStake < params.MinimumStakeCOMAI*params.BaseUnitsPerCOMAI {
		return "", errStatus(http.StatusUnauthorized, "you must stake at least %d COMAI in total to active validators", params.MinimumStakeCOMAI)
	}

	sigHex := r.Header.Get("X-Signature")
	if sigHex == "" {
		return "", errStatus(http.StatusUnauthorized, "valid X-Signature not provided on headers")
	}
	raw, err := common.CanonicalJSON(signedFields)
	if err != nil {
		return "", errStatus(http.StatusUnauthorized, "valid X-Signature not provided on headers")
	}
	ok, err := crypto.VerifyWithPubKey(raw, sigHex, pubKeyHex)
	if err != nil || !ok {
		return "", errStatus(http.StatusUnauthorized, "valid X-Signature not provided on headers")
	}
	return addr, nil
}

// queryFields flattens a GET/DELETE request's query string into the
// single-valued map signed fields are built from (spec §4.11: "over the
// query string for GET/DELETE requests").
func queryFields(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
