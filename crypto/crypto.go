// Package crypto is the SmartDrive facade over signing, verification and
// address derivation (spec §4.1, component C1). Nothing about the
// underlying scheme (Ed25519 keys, SS58-style addresses) is visible
// outside this package: every other package only ever sees common.Address
// and hex-encoded signatures/pubkeys, mirroring how the teacher's
// accountsigner package isolates multiple signer algorithms behind one
// facade.
package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/tos-network/smartdrive/common"
)

// ss58Prefix is an arbitrary single-byte network prefix distinguishing
// SmartDrive addresses from other SS58-family chains.
const ss58Prefix = 0x2A

var (
	// ErrInvalidPubKey is returned when a hex pubkey cannot be decoded or
	// is the wrong length for the scheme.
	ErrInvalidPubKey = errors.New("crypto: invalid public key")
	// ErrInvalidSignature is returned when a hex signature cannot be decoded.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrInvalidAddress is returned when an address fails SS58 decoding/checksum.
	ErrInvalidAddress = errors.New("crypto: invalid address")
)

// KeyPair is a validator or user's Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeedHex reconstructs a keypair from a hex-encoded 32-byte
// Ed25519 seed, the format --key points at on disk.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidPubKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKeyHex returns the hex-encoded public key, the form exchanged on
// the wire in peer frames and miner RPC envelopes.
func (k *KeyPair) PublicKeyHex() string { return hex.EncodeToString(k.Public) }

// Address derives this keypair's SmartDrive address.
func (k *KeyPair) Address() common.Address {
	addr, _ := AddressFromPubKeyHex(k.PublicKeyHex())
	return addr
}

// Sign signs raw bytes (the caller is responsible for having already
// canonicalized them via common.CanonicalJSON) and returns a hex signature.
func Sign(msg []byte, k *KeyPair) string {
	sig := ed25519.Sign(k.Private, msg)
	return hex.EncodeToString(sig)
}

// VerifyWithPubKey checks a hex signature over raw bytes against a
// hex-encoded public key. It involves no address; callers that only
// have an address use VerifyAddressSignature, and callers holding both
// confirm the pubkey derives the address with VerifyAddressMatchesPubKey.
func VerifyWithPubKey(msg []byte, sigHex, pubKeyHex string) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, ErrInvalidPubKey
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

// AddressFromPubKeyHex derives an address from a hex-encoded Ed25519
// public key: base58(prefix || pubkey || checksum[:2]), the same
// construction SS58 uses, per spec §3's description of addresses as
// "opaque 48-character SS58 strings".
func AddressFromPubKeyHex(pubKeyHex string) (common.Address, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidPubKey
	}
	payload := append([]byte{ss58Prefix}, pub...)
	checksum := ss58Checksum(payload)
	full := append(payload, checksum[:2]...)
	return common.Address(base58.Encode(full)), nil
}

// VerifyAddressMatchesPubKey confirms that pubKeyHex genuinely derives addr,
// the check chain.Ingestor performs to confirm a BLOCK frame's envelope
// signer is the block's proposer.
func VerifyAddressMatchesPubKey(addr common.Address, pubKeyHex string) bool {
	derived, err := AddressFromPubKeyHex(pubKeyHex)
	if err != nil {
		return false
	}
	return derived == addr
}

// VerifyAddressSignature verifies a hex signature over msg against an
// address alone, recovering the signer's pubkey from the address's
// embedded payload. Used wherever only an address (not a pubkey) is
// on hand, such as verifying an Event's validator/user signature.
func VerifyAddressSignature(addr common.Address, msg []byte, sigHex string) (bool, error) {
	pub, err := DecodeAddress(addr)
	if err != nil {
		return false, err
	}
	return VerifyWithPubKey(msg, sigHex, hex.EncodeToString(pub))
}

func ss58Checksum(payload []byte) []byte {
	h := blake2b.Sum512(append([]byte("SS58PRE"), payload...))
	return h[:]
}

// DecodeAddress validates an address's base58/checksum structure and
// returns its raw public key bytes.
func DecodeAddress(addr common.Address) ([]byte, error) {
	raw, err := base58.Decode(string(addr))
	if err != nil || len(raw) != 1+ed25519.PublicKeySize+2 {
		return nil, ErrInvalidAddress
	}
	payload, checksum := raw[:1+ed25519.PublicKeySize], raw[1+ed25519.PublicKeySize:]
	want := ss58Checksum(payload)
	if want[0] != checksum[0] || want[1] != checksum[1] {
		return nil, ErrInvalidAddress
	}
	return payload[1:], nil
}
