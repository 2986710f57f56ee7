// Package node drives a bridge from native block processing: it executes the bridge
// calls of each block in order, runs the collection tick and persists the state
// after every block so a reorganization can restore it.
package node

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btc-bridge/internal/logger"
	"btc-bridge/internal/storage"
	"btc-bridge/pkg/bridge/contract"
	"btc-bridge/pkg/bridge/engine"
	"btc-bridge/pkg/bridge/events"
	"btc-bridge/pkg/bridge/types"
)

// NodeConfig contains the configuration for creating a bridge node
type NodeConfig struct {
	Bridge      *engine.Config
	EventTracer events.EventTracer
	Metrics     *engine.Metrics
	Logger      *logger.Logger
	// RetainStates is how many past block states stay in the store; 0 keeps all
	RetainStates uint64
}

// DefaultNodeConfig creates a node configuration with sensible defaults
func DefaultNodeConfig(bridgeConfig *engine.Config) *NodeConfig {
	return &NodeConfig{
		Bridge:       bridgeConfig,
		EventTracer:  &events.NoOpEventTracer{},
		Logger:       logger.Nop(),
		RetainStates: 1000,
	}
}

// Ledger is the native ledger driven by a node. Credits made since BeginBlock are
// undone by RevertBlock when the block is aborted.
type Ledger interface {
	types.NativeLedger
	BeginBlock()
	RevertBlock() error
}

// Tx is a native transaction calling the bridge.
type Tx struct {
	Hash   chainhash.Hash
	Caller types.Address
	Value  btcutil.Amount
	Data   []byte
}

// Block is the bridge-relevant content of a native block.
type Block struct {
	Number    uint64
	Timestamp int64
	Txs       []Tx
}

// Receipt is the outcome of one bridge call.
type Receipt struct {
	Tx     chainhash.Hash
	Result []byte
	Err    error
}

// Node executes native blocks against a bridge and persists its state.
type Node struct {
	mu       sync.Mutex
	bridge   *engine.Bridge
	contract *contract.Contract
	ledger   Ledger
	store    storage.StateStore
	retain   uint64
	log      *logger.Logger

	height    uint64
	hasHeight bool
}

// NewNode creates a node. The bridge starts from the latest stored state, or from
// genesis when the store is empty.
func NewNode(config *NodeConfig, ledger Ledger, store storage.StateStore) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("node configuration cannot be nil")
	}
	if err := validateNodeConfig(config); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}
	if ledger == nil {
		return nil, fmt.Errorf("native ledger cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}

	log := config.Logger
	if log == nil {
		log = logger.Nop()
	}
	bridge, err := engine.NewBridge(config.Bridge, &engine.Options{
		Ledger:      ledger,
		EventTracer: config.EventTracer,
		Metrics:     config.Metrics,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	c, err := contract.New(bridge, log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		bridge:   bridge,
		contract: c,
		ledger:   ledger,
		store:    store,
		retain:   config.RetainStates,
		log:      log.Component("node"),
	}

	height, state, err := store.LoadLatest()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		n.log.Info("starting from genesis state")
	case err != nil:
		return nil, fmt.Errorf("failed to load latest state: %w", err)
	default:
		if err := bridge.Restore(state); err != nil {
			return nil, fmt.Errorf("failed to restore state at height %d: %w", height, err)
		}
		n.height, n.hasHeight = height, true
		n.log.Info("state loaded", "height", height)
	}
	return n, nil
}

// Bridge returns the bridge driven by this node.
func (n *Node) Bridge() *engine.Bridge {
	return n.bridge
}

// Contract returns the call dispatcher.
func (n *Node) Contract() *contract.Contract {
	return n.contract
}

// Height returns the last processed block number and whether any block was
// processed.
func (n *Node) Height() (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height, n.hasHeight
}

// ProcessBlock executes the bridge calls of block in order, runs the collection
// tick and stores the resulting state. Call failures are reported in the receipts.
// A fatal bridge error aborts the block, restores the state it started from and
// reverts the ledger credits the block made.
func (n *Node) ProcessBlock(block Block) ([]Receipt, *engine.TickResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasHeight && block.Number <= n.height {
		return nil, nil, fmt.Errorf("block %d does not follow processed height %d", block.Number, n.height)
	}

	before, err := n.bridge.Snapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	n.ledger.BeginBlock()
	abort := func(cause error) error {
		if err := n.bridge.Restore(before); err != nil {
			n.log.Error("failed to restore state after aborted block", "block", block.Number, "error", err)
		}
		if err := n.ledger.RevertBlock(); err != nil {
			n.log.Error("failed to revert ledger credits of aborted block", "block", block.Number, "error", err)
		}
		return cause
	}

	blockCtx := types.BlockContext{Number: block.Number, Timestamp: block.Timestamp}
	receipts := make([]Receipt, len(block.Txs))
	for i, tx := range block.Txs {
		ctx := types.CallContext{Caller: tx.Caller, Value: tx.Value, TxHash: tx.Hash, Block: blockCtx}
		result, err := n.contract.Call(ctx, tx.Data)
		receipts[i] = Receipt{Tx: tx.Hash, Result: result, Err: err}
		if types.IsFatal(err) {
			n.log.Error("fatal bridge error, block aborted", "block", block.Number, "tx", tx.Hash.String(), "error", err)
			return nil, nil, abort(fmt.Errorf("tx %s: %w", tx.Hash, err))
		}
	}

	tick, err := n.bridge.UpdateCollections(types.CallContext{Block: blockCtx})
	if err != nil {
		return nil, nil, abort(fmt.Errorf("collection tick failed: %w", err))
	}

	state, err := n.bridge.Snapshot()
	if err != nil {
		return nil, nil, abort(fmt.Errorf("failed to snapshot state: %w", err))
	}
	if err := n.store.SaveState(block.Number, state); err != nil {
		return nil, nil, abort(fmt.Errorf("failed to persist state: %w", err))
	}
	n.height, n.hasHeight = block.Number, true

	if n.retain > 0 && block.Number >= n.retain {
		if _, err := n.store.Prune(block.Number - n.retain + 1); err != nil {
			n.log.Warn("failed to prune stored states", "block", block.Number, "error", err)
		}
	}

	n.log.Debug("block processed", "block", block.Number, "txs", len(block.Txs), "releases", len(tick.Releases))
	return receipts, tick, nil
}

// Rollback restores the state stored after block height. Blocks above height must
// be processed again.
func (n *Node) Rollback(height uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state, err := n.store.LoadAt(height)
	if err != nil {
		return fmt.Errorf("failed to load state at height %d: %w", height, err)
	}
	if err := n.bridge.Restore(state); err != nil {
		return fmt.Errorf("failed to restore state at height %d: %w", height, err)
	}
	if err := n.store.SaveState(height, state); err != nil {
		return fmt.Errorf("failed to reset stored states to height %d: %w", height, err)
	}
	n.log.Warn("bridge rolled back", "from", n.height, "to", height)
	n.height, n.hasHeight = height, true
	return nil
}

// Close closes the state store.
func (n *Node) Close() error {
	return n.store.Close()
}

// validateNodeConfig checks if the node configuration is valid
func validateNodeConfig(c *NodeConfig) error {
	if c.Bridge == nil {
		return fmt.Errorf("bridge configuration cannot be nil")
	}
	if c.EventTracer == nil {
		return fmt.Errorf("event tracer cannot be nil")
	}
	return nil
}
