package core

import (
	"fmt"

	"PerpCore/internal/errs"
)

// NonceValidator orders actions per owner. Every submitted action
// carries the owner's next nonce; a replayed nonce is only acceptable
// when the action ID is a known duplicate. Price feeds are validated
// separately because slot gaps are normal there.
// Not safe for concurrent use; only the engine loop touches it.
type NonceValidator struct {
	nextNonce map[string]uint64 // owner -> next expected nonce
	feedSlot  map[string]uint64 // token -> highest accepted slot

	gaps       map[string]int64
	replays    map[string]int64
	staleFeeds map[string]int64
}

func NewNonceValidator() *NonceValidator {
	return &NonceValidator{
		nextNonce:  make(map[string]uint64),
		feedSlot:   make(map[string]uint64),
		gaps:       make(map[string]int64),
		replays:    make(map[string]int64),
		staleFeeds: make(map[string]int64),
	}
}

// ValidateNonce checks the owner's nonce and advances it on success.
func (v *NonceValidator) ValidateNonce(owner string, nonce uint64, isDuplicate bool) error {
	expected := v.nextNonce[owner]

	if nonce < expected {
		if isDuplicate {
			return nil
		}
		v.replays[owner]++
		return fmt.Errorf("nonce replay for %s: expected %d, got %d: %w",
			owner, expected, nonce, errs.ErrInvalidArgument)
	}

	if nonce > expected {
		v.gaps[owner]++
		return fmt.Errorf("nonce gap for %s: expected %d, got %d: %w",
			owner, expected, nonce, errs.ErrInvalidArgument)
	}

	v.nextNonce[owner] = expected + 1
	return nil
}

// AcceptFeed reports whether a feed at slot supersedes the cached one.
// Stale slots are dropped silently; gaps are tolerated.
func (v *NonceValidator) AcceptFeed(token string, slot uint64) bool {
	if highest, ok := v.feedSlot[token]; ok && slot <= highest {
		v.staleFeeds[token]++
		return false
	}
	v.feedSlot[token] = slot
	return true
}

// NextNonce returns the owner's next expected nonce.
func (v *NonceValidator) NextNonce(owner string) uint64 {
	return v.nextNonce[owner]
}

// RestoreNonce seeds an owner's nonce during snapshot restore.
func (v *NonceValidator) RestoreNonce(owner string, next uint64) {
	v.nextNonce[owner] = next
}

// Nonces returns a copy of all owner nonces for snapshotting.
func (v *NonceValidator) Nonces() map[string]uint64 {
	out := make(map[string]uint64, len(v.nextNonce))
	for owner, next := range v.nextNonce {
		out[owner] = next
	}
	return out
}
