// Package vault holds participant stakes in escrow between placement and
// settlement.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/metrics"
)

var (
	ErrInsufficientEscrow = errors.New("vault: release exceeds escrowed amount")
	ErrZeroAmount         = errors.New("vault: zero amount")
)

// Vault escrows native stake. Release transfers value out of the engine and
// is the only external interaction a settlement performs.
type Vault interface {
	Escrow(ctx context.Context, user common.Address, amount uint64) error
	Release(ctx context.Context, user common.Address, amount uint64) error
	Held(ctx context.Context) (uint64, error)
}

// PayoutFunc is invoked for every release, after the escrow ledger has been
// debited. It models the recipient receiving value and may call back into
// the engine.
type PayoutFunc func(ctx context.Context, user common.Address, amount uint64) error

// MemoryVault is an in-process escrow ledger.
type MemoryVault struct {
	mu      sync.Mutex
	held    map[common.Address]uint64
	total   uint64
	paid    map[common.Address]uint64
	payouts []PayoutFunc
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		held: make(map[common.Address]uint64),
		paid: make(map[common.Address]uint64),
	}
}

// OnPayout registers fn to be called on each release.
func (v *MemoryVault) OnPayout(fn PayoutFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payouts = append(v.payouts, fn)
}

func (v *MemoryVault) Escrow(_ context.Context, user common.Address, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.total+amount < v.total {
		return fmt.Errorf("vault: escrow total overflows")
	}
	v.held[user] += amount
	v.total += amount
	metrics.StakeHeld.Set(float64(v.total))
	return nil
}

// Release debits the escrow and then runs the payout hooks outside the lock.
// If a hook fails the debit is reverted and the error returned.
func (v *MemoryVault) Release(ctx context.Context, user common.Address, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	v.mu.Lock()
	if v.held[user] < amount {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d, releasing %d", ErrInsufficientEscrow, user.Hex(), v.held[user], amount)
	}
	v.held[user] -= amount
	v.total -= amount
	v.paid[user] += amount
	hooks := append([]PayoutFunc(nil), v.payouts...)
	metrics.StakeHeld.Set(float64(v.total))
	v.mu.Unlock()

	for _, fn := range hooks {
		if err := fn(ctx, user, amount); err != nil {
			v.mu.Lock()
			v.held[user] += amount
			v.total += amount
			v.paid[user] -= amount
			metrics.StakeHeld.Set(float64(v.total))
			v.mu.Unlock()
			return fmt.Errorf("vault: payout to %s: %w", user.Hex(), err)
		}
	}
	return nil
}

// Restore replaces the escrow balances with held, typically the outstanding
// stakes recorded by the store when the process restarts. Payout history is
// not restored.
func (v *MemoryVault) Restore(held map[common.Address]uint64) error {
	balances := make(map[common.Address]uint64, len(held))
	var total uint64
	for user, amount := range held {
		if total+amount < total {
			return fmt.Errorf("vault: restored total overflows")
		}
		total += amount
		balances[user] = amount
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.held = balances
	v.total = total
	metrics.StakeHeld.Set(float64(v.total))
	return nil
}

// Held returns the total escrowed across all users.
func (v *MemoryVault) Held(_ context.Context) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total, nil
}

// HeldBy returns the amount escrowed for user.
func (v *MemoryVault) HeldBy(user common.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held[user]
}

// PaidTo returns the cumulative amount released to user.
func (v *MemoryVault) PaidTo(user common.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paid[user]
}

var _ Vault = (*MemoryVault)(nil)
