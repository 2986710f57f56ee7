package mocks

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"btc-bridge/pkg/bridge/types"
)

// ErrCreditFailed is returned by MemoryLedger when a failure was injected.
var ErrCreditFailed = errors.New("simulated credit failure")

// MemoryLedger is a NativeLedger keeping balances in memory. Credits since the
// last BeginBlock are journaled so an aborted block can be reverted.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[types.Address]btcutil.Amount
	journal  []credit
	credits  int
	failNext bool
}

type credit struct {
	to     types.Address
	amount btcutil.Amount
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[types.Address]btcutil.Amount)}
}

// Credit adds amount to the account unless a failure was injected.
func (l *MemoryLedger) Credit(to types.Address, amount btcutil.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failNext {
		l.failNext = false
		return ErrCreditFailed
	}
	l.balances[to] += amount
	l.credits++
	l.journal = append(l.journal, credit{to: to, amount: amount})
	return nil
}

// BeginBlock starts a new journal of credits.
func (l *MemoryLedger) BeginBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = l.journal[:0]
}

// RevertBlock undoes the credits made since BeginBlock.
func (l *MemoryLedger) RevertBlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.journal) - 1; i >= 0; i-- {
		c := l.journal[i]
		l.balances[c.to] -= c.amount
		if l.balances[c.to] == 0 {
			delete(l.balances, c.to)
		}
		l.credits--
	}
	l.journal = l.journal[:0]
	return nil
}

// FailNextCredit makes the next Credit call fail without side effects.
func (l *MemoryLedger) FailNextCredit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = true
}

// Balance returns the account balance.
func (l *MemoryLedger) Balance(addr types.Address) btcutil.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// Credits returns the number of successful credits.
func (l *MemoryLedger) Credits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.credits
}
