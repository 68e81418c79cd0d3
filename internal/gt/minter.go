// Package gt mints the protocol reward token for traded volume. The
// minter runs as an execution hook after order commits; it never
// touches market state, and a failure here is logged by the executor
// without reverting the trade.
package gt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpCore/internal/exec"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/store"
)

const bpsDivisor = 10_000

// Tier grants a minting bonus once an account's cumulative USD volume
// reaches MinVolume. Tiers must be ordered by ascending MinVolume.
type Tier struct {
	MinVolume *uint256.Int
	BonusBps  uint64
}

// Minter accrues reward tokens per account. Rate is tokens (1e18)
// minted per whole USD of order size; minting stops at MaxSupply.
type Minter struct {
	mu sync.Mutex

	rate      *uint256.Int
	maxSupply *uint256.Int
	supply    *uint256.Int

	balances  map[string]*uint256.Int
	volume    map[string]*uint256.Int
	referrers map[string]string

	tiers       []Tier
	referralBps uint64

	log zerolog.Logger
}

func NewMinter(rate, maxSupply *uint256.Int, tiers []Tier, referralBps uint64, log zerolog.Logger) *Minter {
	return &Minter{
		rate:        rate.Clone(),
		maxSupply:   maxSupply.Clone(),
		supply:      new(uint256.Int),
		balances:    make(map[string]*uint256.Int),
		volume:      make(map[string]*uint256.Int),
		referrers:   make(map[string]string),
		tiers:       tiers,
		referralBps: referralBps,
		log:         log.With().Str("component", "gt_minter").Logger(),
	}
}

// SetReferrer binds an account to its referrer. A later call replaces
// the binding; self-referral is rejected.
func (m *Minter) SetReferrer(account, referrer string) error {
	if account == referrer {
		return fmt.Errorf("account %s cannot refer itself", account)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrers[account] = referrer
	return nil
}

// AfterExecution mints for completed orders proportionally to their
// size delta. Other action kinds and cancelled orders mint nothing.
func (m *Minter) AfterExecution(rec *store.ActionRecord, out *exec.TransferOut) error {
	if rec.Kind != market.ActionOrder || rec.State != int32(exec.ActionCompleted) {
		return nil
	}
	var payload struct {
		SizeDeltaUsd *uint256.Int
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	if payload.SizeDeltaUsd == nil || payload.SizeDeltaUsd.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	volume := m.accrueVolume(rec.Account, payload.SizeDeltaUsd)

	base, err := fixedpoint.MulDiv(payload.SizeDeltaUsd, m.rate, fixedpoint.UsdUnit())
	if err != nil {
		return fmt.Errorf("mint for %s: %w", rec.Account, err)
	}
	if bonus := m.tierBonusBps(volume); bonus > 0 {
		extra := new(uint256.Int).Mul(base, uint256.NewInt(bonus))
		extra.Div(extra, uint256.NewInt(bpsDivisor))
		base = new(uint256.Int).Add(base, extra)
	}

	minted := m.mint(rec.Account, base)
	if referrer, ok := m.referrers[rec.Account]; ok && m.referralBps > 0 {
		rebate := new(uint256.Int).Mul(minted, uint256.NewInt(m.referralBps))
		rebate.Div(rebate, uint256.NewInt(bpsDivisor))
		m.mint(referrer, rebate)
	}
	return nil
}

// accrueVolume adds to an account's cumulative volume and returns the
// new total. Overflow saturates; volume only gates tier selection.
func (m *Minter) accrueVolume(account string, size *uint256.Int) *uint256.Int {
	total, ok := m.volume[account]
	if !ok {
		total = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(total, size)
	if overflow {
		next = new(uint256.Int).SetAllOne()
	}
	m.volume[account] = next
	return next
}

func (m *Minter) tierBonusBps(volume *uint256.Int) uint64 {
	bonus := uint64(0)
	for _, tier := range m.tiers {
		if volume.Cmp(tier.MinVolume) >= 0 {
			bonus = tier.BonusBps
		}
	}
	return bonus
}

// mint credits an account, clamping to the remaining supply. Returns
// the amount actually minted.
func (m *Minter) mint(account string, amount *uint256.Int) *uint256.Int {
	remaining := new(uint256.Int).Sub(m.maxSupply, m.supply)
	if m.supply.Cmp(m.maxSupply) >= 0 {
		return new(uint256.Int)
	}
	if amount.Cmp(remaining) > 0 {
		amount = remaining
		m.log.Warn().Str("account", account).Msg("reward supply exhausted, minting clamped")
	}
	if amount.IsZero() {
		return new(uint256.Int)
	}

	balance, ok := m.balances[account]
	if !ok {
		balance = new(uint256.Int)
	}
	m.balances[account] = new(uint256.Int).Add(balance, amount)
	m.supply = new(uint256.Int).Add(m.supply, amount)
	return amount
}

// Balance returns an account's accrued reward balance.
func (m *Minter) Balance(account string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Volume returns an account's cumulative order volume in USD units.
func (m *Minter) Volume(account string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.volume[account]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Supply returns the total minted so far.
func (m *Minter) Supply() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply.Clone()
}
