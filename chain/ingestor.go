package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/p2p"
)

// ErrBlockEnvelopeInvalid is returned when a received BLOCK frame's
// envelope or proposer signature does not verify; the whole block is
// discarded (spec §4.10 ingest step 1).
var ErrBlockEnvelopeInvalid = errors.New("chain: block envelope or proposer signature invalid")

// Ingestor applies blocks received from the network on non-proposer
// rounds (spec §4.10, component C11).
type Ingestor struct {
	ledger  Ledger
	mempool MempoolView
	apply   ApplyFunc
	syncer  Syncer
	log     log.Logger
}

// NewIngestor wires a block ingestor.
func NewIngestor(ledger Ledger, mp MempoolView, apply ApplyFunc, syncer Syncer) *Ingestor {
	return &Ingestor{ledger: ledger, mempool: mp, apply: apply, syncer: syncer, log: log.New("component", "chain/ingestor")}
}

// HandleBlock implements spec §4.10's ingest path for one received BLOCK
// frame: verify envelope, proposer signature, every event's validator
// signature and every user event's user signature; a failure at the
// envelope/proposer level discards the whole block, but a bad event
// (unknown action, a bad validator signature, or a user-originated
// event missing a valid user signature) only has its local side effects
// skipped: the block is still persisted with every event the proposer
// signed, and its other events are applied (see applyAndPersist)
// (spec §4.10: "non-proposer ingest is lenient within a block but
// strict on the block envelope").
func (in *Ingestor) HandleBlock(ctx context.Context, frame *p2p.Frame) error {
	if frame.Body.Code != p2p.CodeBlock {
		return fmt.Errorf("chain: HandleBlock called with code %q", frame.Body.Code)
	}
	if err := frame.Verify(); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrBlockEnvelopeInvalid, err)
	}

	var bd p2p.BlockData
	if err := json.Unmarshal(frame.Body.Data, &bd); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrBlockEnvelopeInvalid, err)
	}
	var events []Event
	if err := json.Unmarshal(bd.Events, &events); err != nil {
		return fmt.Errorf("%w: decode events: %v", ErrBlockEnvelopeInvalid, err)
	}
	block := &Block{
		BlockNumber:       bd.BlockNumber,
		Events:            events,
		ProposerSignature: bd.ProposerSignature,
		ProposerAddress:   bd.ProposerAddress,
	}

	if !crypto.VerifyAddressMatchesPubKey(block.ProposerAddress, frame.PublicKeyHex) {
		return fmt.Errorf("%w: envelope signer is not the block's proposer", ErrBlockEnvelopeInvalid)
	}
	if err := verifyProposerSignature(block); err != nil {
		return err
	}

	last, err := in.ledger.LastBlockNumber()
	if err != nil {
		return fmt.Errorf("chain: last_block_number: %w", err)
	}
	if block.BlockNumber != last+1 {
		in.log.Warn("block gap detected, requesting sync", "have", last, "got", block.BlockNumber)
		if syncErr := in.syncer.SyncFromPeers(ctx, last+1); syncErr != nil {
			in.log.Error("sync after gap failed", "err", syncErr)
		}
		return nil
	}

	return in.applyAndPersist(block)
}

// ReplaySyncedBlocks verifies and applies a contiguous run of blocks
// received as a SYNC_RESPONSE, in order, stopping at the first failure
// (spec §4.10 step 2 / §4.10 ingest: "the responder streams the gap in
// order and each one flows through this same ingest path").
func (in *Ingestor) ReplaySyncedBlocks(blocks []*Block) error {
	for _, b := range blocks {
		if err := verifyProposerSignature(b); err != nil {
			return err
		}
		last, err := in.ledger.LastBlockNumber()
		if err != nil {
			return err
		}
		if b.BlockNumber != last+1 {
			return fmt.Errorf("chain: synced block %d is not last+1 (%d)", b.BlockNumber, last+1)
		}
		if err := in.applyAndPersist(b); err != nil {
			return err
		}
	}
	return nil
}

// verifyProposerSignature checks a block's signature against its own
// proposer_address, recovering the signer's pubkey from the address
// itself (spec §3's addresses embed the pubkey, so no separate pubkey
// lookup is needed to verify a historical block replayed via sync).
func verifyProposerSignature(block *Block) error {
	raw, err := block.CanonicalSigningBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockEnvelopeInvalid, err)
	}
	ok, err := crypto.VerifyAddressSignature(block.ProposerAddress, raw, block.ProposerSignature)
	if err != nil || !ok {
		return fmt.Errorf("%w: proposer signature", ErrBlockEnvelopeInvalid)
	}
	return nil
}

// applyAndPersist verifies every event's signature(s), applies the side
// effects of the ones that verify (an event failing verification or
// carrying an unknown action is skipped for local application only),
// persists the block exactly as the proposer signed it, and prunes the
// mempool of the applied uuids (spec §4.10 ingest step 3).
//
// The persisted/broadcast block's Events must equal what
// ProposerSignature was computed over (Block.CanonicalSigningBytes
// hashes BlockNumber+Events): trimming rejected events out of the
// persisted copy would leave it carrying a signature that no longer
// verifies against its own canonical bytes, and any peer syncing past
// it via ReplaySyncedBlocks would reject it and get stuck.
func (in *Ingestor) applyAndPersist(block *Block) error {
	now := time.Now()
	var appliedUUIDs []string

	for _, ev := range block.Events {
		if !isKnownAction(ev.Action) {
			in.log.Warn("skipping local apply: unknown action", "uuid", ev.UUID, "action", ev.Action)
			continue
		}
		raw, err := ev.CanonicalEventParams()
		if err != nil {
			in.log.Warn("skipping local apply: cannot canonicalize params", "uuid", ev.UUID, "err", err)
			continue
		}
		ok, err := crypto.VerifyAddressSignature(ev.ValidatorAddress, raw, ev.EventSignedParams)
		if err != nil || !ok {
			in.log.Warn("skipping local apply: bad validator signature", "uuid", ev.UUID)
			continue
		}
		if ev.IsUserOriginated() {
			inputRaw, err := ev.CanonicalInputParams()
			if err != nil {
				in.log.Warn("skipping local apply: user-originated event missing input_params", "uuid", ev.UUID)
				continue
			}
			ok, err := crypto.VerifyAddressSignature(ev.UserAddress, inputRaw, ev.InputSignedParams)
			if err != nil || !ok {
				in.log.Warn("skipping local apply: bad user signature", "uuid", ev.UUID)
				continue
			}
		}

		if err := in.apply(ev, now); err != nil {
			in.log.Error("skipping local apply: failed", "uuid", ev.UUID, "err", err)
			continue
		}
		appliedUUIDs = append(appliedUUIDs, ev.UUID)
	}

	if err := in.ledger.AppendBlock(block); err != nil {
		return fmt.Errorf("chain: append_block: %w", err)
	}
	in.mempool.RemoveByUUIDs(appliedUUIDs)
	return nil
}

func isKnownAction(a Action) bool {
	switch a {
	case ActionStore, ActionRemove, ActionRetrieve, ActionValidation:
		return true
	default:
		return false
	}
}
