package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "PerpCore:genesis:v1"

// StateHasher chains a digest over every committed action:
// hash[n] = SHA-256(hash[n-1] || sequence || digest). Two engines fed
// the same action stream converge on the same chain tip, which is how
// replicas detect divergence.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// ComputeHash advances the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// Tip returns the current chain tip.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// SetTip seeds the chain during snapshot restore.
func (h *StateHasher) SetTip(tip [32]byte) {
	h.prevHash = tip
}
