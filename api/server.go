// Package api implements the public-facing HTTP surface (spec §4.11,
// component C12): store/retrieve/remove/ping plus the read-only
// block/file introspection endpoints SPEC_FULL.md adds. Routing is
// github.com/julienschmidt/httprouter, already in the teacher's go.mod;
// handlers are thin — every real decision (replication, auth math,
// signature verification) lives in placement/chain/crypto, this package
// only translates HTTP in and out.
package api

import (
	"context"

	"github.com/julienschmidt/httprouter"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/placement"
	"github.com/tos-network/smartdrive/store"
)

// Broadcaster is the subset of p2p/pool.Pool the API needs to gossip a
// freshly submitted event (spec §4.10: every accepted event is both
// added to the local mempool and broadcast, independent of block
// inclusion).
type Broadcaster interface {
	Broadcast(frame *p2p.Frame)
}

// Oracle extends chain.OracleView with the stake-delegation lookup the
// stake-gate middleware needs (spec §4.11 step 3); chainclient.Client
// satisfies this structurally, same as chain.OracleView itself.
type Oracle interface {
	chain.OracleView
	GetStakeTo(ctx context.Context, addr common.Address, netuid int) (map[common.Address]int64, error)
}

// Server holds every dependency a handler needs; it carries no request
// state of its own.
type Server struct {
	oracle    Oracle
	placement *placement.Engine
	mempool   chain.MempoolView
	bcast     Broadcaster
	store     store.Store
	key       *crypto.KeyPair
	netuid    int
	log       log.Logger
}

// New wires a Server. key is the validator's own identity, used to sign
// the event_signed_params half of every event this node originates on
// a caller's behalf (store, remove).
func New(oracle Oracle, placementEngine *placement.Engine, mp chain.MempoolView, bcast Broadcaster, s store.Store, key *crypto.KeyPair, netuid int) *Server {
	return &Server{
		oracle:    oracle,
		placement: placementEngine,
		mempool:   mp,
		bcast:     bcast,
		store:     s,
		key:       key,
		netuid:    netuid,
		log:       log.New("component", "api"),
	}
}

// Router builds the httprouter.Router serving every endpoint in this
// package. The caller wraps it in an *http.Server.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/ping", s.handlePing)
	r.POST("/store", s.handleStore)
	r.GET("/retrieve", s.handleRetrieve)
	r.DELETE("/remove", s.handleRemove)
	r.GET("/block/:number", s.handleGetBlock)
	r.GET("/file/:file_uuid/chunks", s.handleFileChunks)
	return r
}
