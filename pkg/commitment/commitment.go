// Package commitment implements the binding and hiding commitment scheme used
// by group members: a commitment is the keccak256 hash of a 32-byte secret.
package commitment

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is the fixed-size value type of commitments, secrets and outputs.
type Hash = common.Hash

// Commit returns the commitment to secret.
func Commit(secret Hash) Hash {
	return crypto.Keccak256Hash(secret[:])
}

// Verify reports whether secret opens commitment.
func Verify(commitment, secret Hash) bool {
	return Commit(secret) == commitment
}

// NewSecret draws a fresh secret from the system CSPRNG.
func NewSecret() (Hash, error) {
	var s Hash
	if _, err := rand.Read(s[:]); err != nil {
		return Hash{}, fmt.Errorf("read random secret: %w", err)
	}
	return s, nil
}
