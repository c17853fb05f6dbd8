// Package p2p implements the length-prefixed, signed message framing
// between validators (spec §4.5, component C5). The frame codec is
// authored fresh as two plain functions, WriteFrame and ReadFrame,
// since the teacher's own p2p/server.go and p2p/peer.go were not
// present in the retrieved reference pack; the length-prefix-then-JSON-payload shape
// mirrors the devp2p framing the rest of that package implements.
package p2p

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/params"
)

// Code enumerates the small set of peer message kinds (spec §4.5).
type Code string

const (
	CodePing          Code = "PING"
	CodeEvent         Code = "EVENT"
	CodeBlock         Code = "BLOCK"
	CodeSyncRequest   Code = "SYNC_REQUEST"
	CodeSyncResponse  Code = "SYNC_RESPONSE"
)

var (
	// ErrFrameTooLarge is returned when an incoming frame exceeds params.MaxFrameSize.
	ErrFrameTooLarge = errors.New("p2p: frame exceeds max size")
	// ErrBadSignature is returned when a frame's envelope signature does not verify.
	ErrBadSignature = errors.New("p2p: bad envelope signature")
	// ErrUnknownCode is returned when a frame's body.code is not recognized.
	ErrUnknownCode = errors.New("p2p: unknown message code")
	// ErrMalformedFrame is returned for any frame that fails to decode.
	ErrMalformedFrame = errors.New("p2p: malformed frame")
)

// Body is the signed payload of a frame.
type Body struct {
	Code Code            `json:"code"`
	Data json.RawMessage `json:"data"`
}

// Frame is the full wire envelope: {body, signature_hex, public_key_hex}.
type Frame struct {
	Body         Body   `json:"body"`
	SignatureHex string `json:"signature_hex"`
	PublicKeyHex string `json:"public_key_hex"`
}

// EventData is body.data for CodeEvent.
type EventData struct {
	EventAction string          `json:"event_action"`
	Event       json.RawMessage `json:"event"`
}

// BlockData is body.data for CodeBlock.
type BlockData struct {
	BlockNumber       uint64          `json:"block_number"`
	Events            json.RawMessage `json:"events"`
	ProposerSignature string          `json:"proposer_signature"`
	ProposerAddress   common.Address  `json:"proposer_address"`
}

// SyncRequestData is body.data for CodeSyncRequest.
type SyncRequestData struct {
	Start uint64  `json:"start"`
	End   *uint64 `json:"end,omitempty"`
}

// SyncResponseData is body.data for CodeSyncResponse.
type SyncResponseData struct {
	Blocks json.RawMessage `json:"blocks"`
}

// BuildFrame signs body's canonical JSON with k and assembles the envelope.
func BuildFrame(body Body, k *crypto.KeyPair) (*Frame, error) {
	raw, err := common.CanonicalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: canonicalize body: %w", err)
	}
	return &Frame{
		Body:         body,
		SignatureHex: crypto.Sign(raw, k),
		PublicKeyHex: k.PublicKeyHex(),
	}, nil
}

// Verify checks the frame's envelope signature over its own body.
func (f *Frame) Verify() error {
	raw, err := common.CanonicalJSON(f.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	ok, err := crypto.VerifyWithPubKey(raw, f.SignatureHex, f.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !ok {
		return ErrBadSignature
	}
	switch f.Body.Code {
	case CodePing, CodeEvent, CodeBlock, CodeSyncRequest, CodeSyncResponse:
		return nil
	default:
		return ErrUnknownCode
	}
}

// WriteFrame writes a uint32-BE length prefix followed by the frame's
// JSON encoding.
func WriteFrame(w io.Writer, f *Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("p2p: marshal frame: %w", err)
	}
	if len(raw) > params.MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFrame reads and verifies one frame from r. r is read with exact
// byte counts (no internal buffering) so it is safe to call repeatedly
// on the same connection to read a stream of frames without losing
// read-ahead state between calls. Any malformed frame, bad signature,
// or unknown code returns a typed error; the caller (node's per-peer
// read loop, or chain.NetSyncer) closes the connection on any such
// failure (spec §4.5/§7).
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > params.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Verify(); err != nil {
		return nil, err
	}
	return &f, nil
}
