// Package common holds the small set of types and codecs shared by
// every smartdrive package: the opaque Address type and the canonical
// JSON encoder that is the one interop contract between validators
// (spec §4.1).
package common

// Address is an opaque SS58-style string uniquely identifying a key.
// It is never decoded or manipulated outside package crypto; every
// other package treats it as a comparable, JSON-marshalable string.
type Address string

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Connection is a module's network address, as observed on-chain.
type Connection struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}
