// Package pool implements the connection pool and active-validator
// tracker (spec §4.6, component C6): a process-wide registry of live
// peer connections, liveness pinged every 5s, stale entries evicted
// after InactivityTimeout. Grounded on the teacher's peer-registry-
// behind-a-mutex shape (tos/peerset.go).
package pool

import (
	"net"
	"sync"
	"time"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
	"github.com/tos-network/smartdrive/params"
)

// peerConn is one tracked connection.
type peerConn struct {
	addr         common.Address
	conn         net.Conn
	lastPong     time.Time
}

// Pool is the process-wide registry address -> {socket, last_pong}.
// It is read-mostly: iteration (ActiveValidators) takes a snapshot
// copy under RLock rather than holding the lock during network I/O.
type Pool struct {
	mu       sync.RWMutex
	peers    map[common.Address]*peerConn
	self     common.Address
	timeout  time.Duration
	key      *crypto.KeyPair
	log      log.Logger
}

// New returns an empty pool. self is excluded from ActiveValidators and
// is never dialed.
func New(self common.Address, key *crypto.KeyPair, timeout time.Duration) *Pool {
	if timeout == 0 {
		timeout = params.DefaultInactivityTimeout
	}
	return &Pool{
		peers:   make(map[common.Address]*peerConn),
		self:    self,
		timeout: timeout,
		key:     key,
		log:     log.New("component", "p2p/pool"),
	}
}

// Add registers an already-dialed/accepted connection for addr,
// replacing any prior entry (closing the old socket).
func (p *Pool) Add(addr common.Address, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.peers[addr]; ok {
		old.conn.Close()
	}
	p.peers[addr] = &peerConn{addr: addr, conn: conn, lastPong: time.Now()}
}

// Remove evicts addr's entry, closing its socket.
func (p *Pool) Remove(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.peers[addr]; ok {
		pc.conn.Close()
		delete(p.peers, addr)
	}
}

// MarkPong records a liveness response from addr.
func (p *Pool) MarkPong(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.peers[addr]; ok {
		pc.lastPong = time.Now()
	}
}

// ActiveValidators returns a snapshot of the current live set, excluding
// self (spec §4.6).
func (p *Pool) ActiveValidators() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.Address, 0, len(p.peers))
	for addr := range p.peers {
		if addr == p.self {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Broadcast sends frame to every currently tracked peer, concurrently
// (spec §5: broadcast of a sealed block must run truly in parallel).
// Peers whose send fails are evicted.
func (p *Pool) Broadcast(frame *p2p.Frame) {
	p.mu.RLock()
	conns := make(map[common.Address]*peerConn, len(p.peers))
	for addr, pc := range p.peers {
		if addr != p.self {
			conns[addr] = pc
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for addr, pc := range conns {
		wg.Add(1)
		go func(addr common.Address, pc *peerConn) {
			defer wg.Done()
			if err := p2p.WriteFrame(pc.conn, frame); err != nil {
				p.log.Warn("broadcast failed, evicting peer", "peer", addr, "err", err)
				p.Remove(addr)
			}
		}(addr, pc)
	}
	wg.Wait()
}

// PingLoop pings every tracked peer every params.PingInterval and evicts
// anyone whose last pong exceeds the pool's inactivity timeout, until
// stop is closed.
func (p *Pool) PingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(params.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.pingAndEvict()
		}
	}
}

func (p *Pool) pingAndEvict() {
	body := p2p.Body{Code: p2p.CodePing, Data: []byte(`{}`)}
	frame, err := p2p.BuildFrame(body, p.key)
	if err != nil {
		p.log.Error("build ping frame", "err", err)
		return
	}

	p.mu.RLock()
	snapshot := make(map[common.Address]*peerConn, len(p.peers))
	for addr, pc := range p.peers {
		snapshot[addr] = pc
	}
	p.mu.RUnlock()

	now := time.Now()
	for addr, pc := range snapshot {
		if now.Sub(pc.lastPong) > p.timeout {
			p.log.Info("evicting inactive peer", "peer", addr)
			p.Remove(addr)
			continue
		}
		go func(addr common.Address, pc *peerConn) {
			if err := p2p.WriteFrame(pc.conn, frame); err != nil {
				p.log.Warn("ping failed, evicting peer", "peer", addr, "err", err)
				p.Remove(addr)
			}
		}(addr, pc)
	}
}

// DialAndAdd dials addr's connection at most once and registers it in
// the pool; on failure it leaves no entry (spec §4.6). The dialed
// connection is returned so the caller can hand it to its own
// read/dispatch loop (one goroutine per peer connection, spec §5).
func (p *Pool) DialAndAdd(addr common.Address, network, address string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}
	p.Add(addr, conn)
	return conn, nil
}
