package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
)

// NetSyncer is the concrete Syncer: dial one reachable validator
// (any other than self), ask for the block range via SYNC_REQUEST, and
// replay the SYNC_RESPONSE through an Ingestor (spec §4.10 step 2 /
// ingest step 2: "the responder streams the gap in order and each one
// flows through this same ingest path").
type NetSyncer struct {
	oracle      OracleView
	ingestor    *Ingestor
	key         *crypto.KeyPair
	self        common.Address
	netuid      int
	dialTimeout time.Duration
	log         log.Logger
}

// NewNetSyncer wires a syncer against the given oracle and ingestor.
func NewNetSyncer(oracle OracleView, ingestor *Ingestor, key *crypto.KeyPair, netuid int) *NetSyncer {
	return &NetSyncer{
		oracle: oracle, ingestor: ingestor, key: key, self: key.Address(),
		netuid: netuid, dialTimeout: 10 * time.Second,
		log: log.New("component", "chain/sync"),
	}
}

// SyncFromPeers implements Syncer: it dials validators one at a time
// (skipping self) until one answers a SYNC_REQUEST starting at
// fromBlock, then replays every returned block.
func (s *NetSyncer) SyncFromPeers(ctx context.Context, fromBlock uint64) error {
	validators, err := s.oracle.GetModules(ctx, s.netuid, ModuleValidator)
	if err != nil {
		return fmt.Errorf("chain: sync: get_modules: %w", err)
	}

	var lastErr error
	for _, v := range validators {
		if v.Address == s.self {
			continue
		}
		if err := s.syncFromOne(v, fromBlock); err != nil {
			s.log.Warn("sync attempt failed, trying next peer", "peer", v.Address, "err", err)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("chain: sync: no peer answered: %w", lastErr)
	}
	return fmt.Errorf("chain: sync: no other validators known")
}

func (s *NetSyncer) syncFromOne(peer Module, fromBlock uint64) error {
	addr := fmt.Sprintf("%s:%d", peer.Connection.IP, peer.Connection.Port)
	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer.Address, err)
	}
	defer conn.Close()

	reqData, err := json.Marshal(p2p.SyncRequestData{Start: fromBlock})
	if err != nil {
		return err
	}
	frame, err := p2p.BuildFrame(p2p.Body{Code: p2p.CodeSyncRequest, Data: reqData}, s.key)
	if err != nil {
		return err
	}
	if err := p2p.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("write sync_request to %s: %w", peer.Address, err)
	}

	resp, err := p2p.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read sync_response from %s: %w", peer.Address, err)
	}
	if resp.Body.Code != p2p.CodeSyncResponse {
		return fmt.Errorf("peer %s replied with unexpected code %q", peer.Address, resp.Body.Code)
	}
	var sr p2p.SyncResponseData
	if err := json.Unmarshal(resp.Body.Data, &sr); err != nil {
		return fmt.Errorf("decode sync_response: %w", err)
	}
	var blocks []*Block
	if err := json.Unmarshal(sr.Blocks, &blocks); err != nil {
		return fmt.Errorf("decode synced blocks: %w", err)
	}

	return s.ingestor.ReplaySyncedBlocks(blocks)
}

// SyncResponder answers another validator's SYNC_REQUEST with every
// block it holds from start to its own tip (spec §4.10 ingest step 2).
type SyncResponder struct {
	ledger Ledger
	key    *crypto.KeyPair
}

// NewSyncResponder wires a responder over ledger, signing its reply
// envelope with key.
func NewSyncResponder(ledger Ledger, key *crypto.KeyPair) *SyncResponder {
	return &SyncResponder{ledger: ledger, key: key}
}

// Respond builds the SYNC_RESPONSE frame for a received SyncRequestData.
func (r *SyncResponder) Respond(req p2p.SyncRequestData) (*p2p.Frame, error) {
	last, err := r.ledger.LastBlockNumber()
	if err != nil {
		return nil, fmt.Errorf("chain: sync responder: last_block_number: %w", err)
	}
	end := last
	if req.End != nil && *req.End < end {
		end = *req.End
	}
	var blocks []*Block
	if req.Start <= end {
		blocks, err = r.ledger.IterBlocks(req.Start, end)
		if err != nil {
			return nil, fmt.Errorf("chain: sync responder: iter_blocks: %w", err)
		}
	}
	blocksRaw, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p2p.SyncResponseData{Blocks: blocksRaw})
	if err != nil {
		return nil, err
	}
	return p2p.BuildFrame(p2p.Body{Code: p2p.CodeSyncResponse, Data: data}, r.key)
}
