package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with older hashes.
const (
	DomainState    = "rewind/state/v1"
	DomainSnapshot = "rewind/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash returns the hash of the canonical encoding of state.
// Two replays of the same events produce the same hash.
func StateHash(state Object) (string, error) {
	canonical, err := MarshalCanonical(stateOrEmpty(state))
	if err != nil {
		return "", fmt.Errorf("state hash: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// MustStateHash is like StateHash but panics on error.
func MustStateHash(state Object) string {
	h, err := StateHash(state)
	if err != nil {
		panic(err)
	}
	return h
}

// SnapshotChecksum hashes already-canonical snapshot bytes.
func SnapshotChecksum(canonical []byte) string {
	return hashWithDomain(DomainSnapshot, canonical)
}

func stateOrEmpty(state Object) Object {
	if state == nil {
		return Object{}
	}
	return state
}
