package ledger

import (
	"context"
	"sync"
)

// Vault is an in-process Transferer over plain account balances. It stands in
// for the external value source in tests and single-node deployments.
type Vault struct {
	mu       sync.Mutex
	balances map[string]uint64
	// beforeTransfer, when set, runs ahead of every transfer; a non-nil error
	// fails the transfer.
	beforeTransfer func(ctx context.Context, from, to string, amount uint64) error
}

func NewVault() *Vault {
	return &Vault{balances: make(map[string]uint64)}
}

func (v *Vault) Credit(_ context.Context, account string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, ok := addChecked(v.balances[account], amount)
	if !ok {
		return 0, reject(ErrOverflow, "credit %s", account)
	}
	v.balances[account] = next
	return next, nil
}

func (v *Vault) Balance(_ context.Context, account string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account], nil
}

func (v *Vault) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if hook := v.beforeTransfer; hook != nil {
		if err := hook(ctx, from, to, amount); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[from] < amount {
		return reject(ErrInsufficientFunds, "%s has %d, needs %d", from, v.balances[from], amount)
	}
	next, ok := addChecked(v.balances[to], amount)
	if !ok {
		return reject(ErrOverflow, "credit %s", to)
	}
	v.balances[from] -= amount
	v.balances[to] = next
	return nil
}
