// Package node assembles every component into one running validator
// process: it owns the store, the oracle/miner clients, the peer pool
// and listener, the mempool, the block producer/ingestor, the audit
// engine and the public API server, and drives their Start/Stop
// lifecycle. Grounded on the teacher's node package's role (the single
// place a gtos process wires its services together), reauthored here
// since the teacher's own node.go was not present in the retrieved
// pack beyond its tests.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tos-network/smartdrive/api"
	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/chainclient"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/mempool"
	"github.com/tos-network/smartdrive/minerclient"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/p2p/pool"
	"github.com/tos-network/smartdrive/params"
	"github.com/tos-network/smartdrive/placement"
	"github.com/tos-network/smartdrive/store"
	"github.com/tos-network/smartdrive/store/leveldb"
	"github.com/tos-network/smartdrive/store/memstore"
	"github.com/tos-network/smartdrive/validation"
)

// Config is everything needed to assemble a Node, the superset of the
// values cmd/smartdrive-validator derives from flags/config file.
type Config struct {
	Key          *crypto.KeyPair
	OracleURL    string
	DatabasePath string // empty selects the in-memory store (--testnet)
	ListenPort   int
	APIPort      int
	Params       params.Config
}

// syncStatus tracks whether the node has completed its first block
// sync, satisfying both validation.SyncStatus and chain.SyncMarker.
// MarkSynced is called unconditionally by chain.Producer right after
// this node's first round as proposer, whether or not that round's own
// sync attempt found a peer to sync from (spec §4.9 step 6; see
// DESIGN.md).
type syncStatus struct {
	mu     sync.RWMutex
	synced bool
}

func (s *syncStatus) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

func (s *syncStatus) MarkSynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = true
}

// Node owns every running component of one validator process.
type Node struct {
	cfg    Config
	store  store.Store
	oracle *chainclient.Client
	pool   *pool.Pool
	mp     *mempool.Mempool

	producer  *chain.Producer
	ingestor  *chain.Ingestor
	responder *chain.SyncResponder
	validator *validation.Engine
	apiServer *api.Server
	httpSrv   *http.Server
	status    *syncStatus

	listener net.Listener
	log      log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New assembles every component but starts nothing.
func New(cfg Config) (*Node, error) {
	var s store.Store
	if cfg.DatabasePath == "" {
		s = memstore.New()
	} else {
		db, err := leveldb.Open(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("node: open database: %w", err)
		}
		s = db
	}

	oracle := chainclient.New(cfg.OracleURL, 3)
	self := cfg.Key.Address()
	peerPool := pool.New(self, cfg.Key, cfg.Params.InactivityTimeout)
	mp := mempool.New()
	mc := minerclient.New(cfg.Key, cfg.Params.MinerRPCTimeout)
	placementEngine := placement.NewFromMinerClient(mc, s)

	status := &syncStatus{}
	applyFn := chain.ApplyFunc(func(e chain.Event, now time.Time) error {
		return store.ApplyEvent(s, e, now)
	})

	ingestor := chain.NewIngestor(s, mp, applyFn, nil) // syncer wired below, breaks the cycle
	netSyncer := chain.NewNetSyncer(oracle, ingestor, cfg.Key, cfg.Params.NetUID)
	ingestor = chain.NewIngestor(s, mp, applyFn, netSyncer)
	responder := chain.NewSyncResponder(s, cfg.Key)

	producer := chain.NewProducer(oracle, s, mp, peerPool, netSyncer, applyFn, cfg.Key, cfg.Params.NetUID, cfg.Params)
	producer.SetSyncMarker(status)

	validator := validation.New(oracle, s, mc, placementEngine, mp, peerPool, status, cfg.Key, cfg.Params.NetUID, cfg.Params)

	apiServer := api.New(oracle, placementEngine, mp, peerPool, s, cfg.Key, cfg.Params.NetUID)

	return &Node{
		cfg: cfg, store: s, oracle: oracle, pool: peerPool, mp: mp,
		producer: producer, ingestor: ingestor, responder: responder,
		validator: validator, apiServer: apiServer, status: status,
		log:  log.New("component", "node"),
		stop: make(chan struct{}),
	}, nil
}

// Start launches the peer listener, the peer-discovery loop, the ping
// loop, the block producer/audit loops and the public HTTP API. It
// returns once the peer listener is bound; every loop runs in its own
// goroutine until Stop is called.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", n.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	n.listener = ln

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.acceptLoop(ctx) }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.discoveryLoop(ctx) }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.pool.PingLoop(n.stop) }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.producer.Run(ctx) }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.validator.Run(ctx) }()

	n.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", n.cfg.APIPort), Handler: n.apiServer.Router()}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error("api server stopped", "err", err)
		}
	}()

	n.log.Info("node started", "peer_port", n.cfg.ListenPort, "api_port", n.cfg.APIPort)
	return nil
}

// Stop tears down every running loop and closes the store.
func (n *Node) Stop(ctx context.Context) error {
	close(n.stop)
	if n.listener != nil {
		_ = n.listener.Close()
	}
	if n.httpSrv != nil {
		_ = n.httpSrv.Shutdown(ctx)
	}
	n.wg.Wait()
	return n.store.Close()
}

// acceptLoop accepts inbound peer connections and hands each to its own
// goroutine (spec §5: one goroutine per peer connection).
func (n *Node) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				n.log.Warn("accept failed", "err", err)
				return
			}
		}
		n.wg.Add(1)
		go func() { defer n.wg.Done(); n.servePeer(ctx, conn, "") }()
	}
}

// servePeer reads frames off one connection until it errs or the node
// stops, dispatching each by code (spec §4.5/§4.6). known is the peer's
// address if the connection was dialed by us (already registered in the
// pool); for an accepted inbound connection known is empty and the
// address is only learned once its first frame's envelope is verified.
func (n *Node) servePeer(ctx context.Context, conn net.Conn, known common.Address) {
	defer conn.Close()
	peerAddr := known

	for {
		frame, err := p2p.ReadFrame(conn)
		if err != nil {
			if peerAddr != "" {
				n.pool.Remove(peerAddr)
			}
			return
		}
		addr, err := crypto.AddressFromPubKeyHex(frame.PublicKeyHex)
		if err != nil {
			return
		}
		if peerAddr == "" {
			peerAddr = addr
			n.pool.Add(peerAddr, conn)
		}

		switch frame.Body.Code {
		case p2p.CodePing:
			n.pool.MarkPong(peerAddr)
		case p2p.CodeEvent:
			n.handleEventFrame(frame)
		case p2p.CodeBlock:
			if err := n.ingestor.HandleBlock(ctx, frame); err != nil {
				n.log.Warn("dropped invalid block", "peer", peerAddr, "err", err)
			}
		case p2p.CodeSyncRequest:
			n.handleSyncRequest(conn, frame)
		default:
			n.log.Warn("unknown frame code from peer", "peer", peerAddr, "code", frame.Body.Code)
		}
	}
}

func (n *Node) handleEventFrame(frame *p2p.Frame) {
	var ed p2p.EventData
	if err := json.Unmarshal(frame.Body.Data, &ed); err != nil {
		n.log.Warn("malformed event frame", "err", err)
		return
	}
	var ev chain.Event
	if err := json.Unmarshal(ed.Event, &ev); err != nil {
		n.log.Warn("malformed event payload", "err", err)
		return
	}
	n.mp.Add(ev)
}

func (n *Node) handleSyncRequest(conn net.Conn, frame *p2p.Frame) {
	var req p2p.SyncRequestData
	if err := json.Unmarshal(frame.Body.Data, &req); err != nil {
		n.log.Warn("malformed sync_request", "err", err)
		return
	}
	resp, err := n.responder.Respond(req)
	if err != nil {
		n.log.Error("sync responder failed", "err", err)
		return
	}
	if err := p2p.WriteFrame(conn, resp); err != nil {
		n.log.Warn("failed to write sync_response", "err", err)
	}
}

// discoveryLoop dials every currently-enumerated validator not already
// in the pool, once per tick (spec §4.6: "dialing a newly observed
// validator is attempted once per discovery tick").
func (n *Node) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(params.PingInterval * 2)
	defer ticker.Stop()
	self := n.cfg.Key.Address()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stop:
			return
		case <-ticker.C:
			validators, err := n.oracle.GetModules(ctx, n.cfg.Params.NetUID, chain.ModuleValidator)
			if err != nil {
				n.log.Warn("discovery: get_modules failed", "err", err)
				continue
			}
			known := make(map[common.Address]bool)
			for _, a := range n.pool.ActiveValidators() {
				known[a] = true
			}
			for _, v := range validators {
				if v.Address == self || known[v.Address] {
					continue
				}
				dialAddr := fmt.Sprintf("%s:%d", v.Connection.IP, v.Connection.Port)
				conn, err := n.pool.DialAndAdd(v.Address, "tcp", dialAddr, 10*time.Second)
				if err != nil {
					n.log.Warn("discovery dial failed", "peer", v.Address, "err", err)
					continue
				}
				n.wg.Add(1)
				peerAddr := v.Address
				go func() { defer n.wg.Done(); n.servePeer(ctx, conn, peerAddr) }()
			}
		}
	}
}
