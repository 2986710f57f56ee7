package main

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/types"
)

// journalLedger is the native ledger of a replay: it keeps the credited balances
// for the run and logs every credit. Credits of an aborted block are reverted.
type journalLedger struct {
	mu       sync.Mutex
	balances map[types.Address]btcutil.Amount
	pending  []balance
	log      *logger.Logger
}

func newJournalLedger(log *logger.Logger) *journalLedger {
	return &journalLedger{balances: make(map[types.Address]btcutil.Amount), log: log.Component("ledger")}
}

// Credit implements types.NativeLedger.
func (l *journalLedger) Credit(to types.Address, amount btcutil.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] += amount
	l.pending = append(l.pending, balance{Address: to, Amount: amount})
	l.log.Info("native credit", "to", to.Hex(), "amount", int64(amount))
	return nil
}

// BeginBlock implements node.Ledger.
func (l *journalLedger) BeginBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = l.pending[:0]
}

// RevertBlock implements node.Ledger.
func (l *journalLedger) RevertBlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.pending {
		l.balances[c.Address] -= c.Amount
		if l.balances[c.Address] == 0 {
			delete(l.balances, c.Address)
		}
		l.log.Warn("native credit reverted", "to", c.Address.Hex(), "amount", int64(c.Amount))
	}
	l.pending = l.pending[:0]
	return nil
}

type balance struct {
	Address types.Address
	Amount  btcutil.Amount
}

func (l *journalLedger) Balances() []balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]balance, 0, len(l.balances))
	for addr, amount := range l.balances {
		out = append(out, balance{Address: addr, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out
}
