package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"gopkg.in/yaml.v3"

	"btc-bridge/pkg/bridge/node"
	"btc-bridge/pkg/bridge/types"
)

// blockFile is the YAML layout of recorded native blocks.
type blockFile struct {
	Blocks []blockSpec `yaml:"blocks"`
}

type blockSpec struct {
	Number    uint64   `yaml:"number"`
	Timestamp int64    `yaml:"timestamp"`
	Txs       []txSpec `yaml:"txs"`
}

type txSpec struct {
	// Hash is optional; a hash is derived from the block number, position and data
	Hash   string `yaml:"hash"`
	Caller string `yaml:"caller"`
	Value  int64  `yaml:"value"`
	// Data is the hex call data: selector followed by the argument tuple
	Data string `yaml:"data"`
}

func loadBlocks(path string) ([]node.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks file %s: %w", path, err)
	}
	return parseBlocks(raw)
}

func parseBlocks(raw []byte) ([]node.Block, error) {
	var file blockFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse blocks YAML: %w", err)
	}

	blocks := make([]node.Block, 0, len(file.Blocks))
	for i, spec := range file.Blocks {
		if i > 0 && spec.Number <= file.Blocks[i-1].Number {
			return nil, fmt.Errorf("block %d: number %d does not increase", i, spec.Number)
		}
		b := node.Block{Number: spec.Number, Timestamp: spec.Timestamp}
		for j, ts := range spec.Txs {
			tx, err := ts.toTx(spec.Number, j)
			if err != nil {
				return nil, fmt.Errorf("block %d tx %d: %w", spec.Number, j, err)
			}
			b.Txs = append(b.Txs, tx)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (ts txSpec) toTx(number uint64, index int) (node.Tx, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(ts.Data, "0x"))
	if err != nil {
		return node.Tx{}, fmt.Errorf("data must be hex: %w", err)
	}
	if ts.Value < 0 {
		return node.Tx{}, fmt.Errorf("value cannot be negative")
	}

	var caller types.Address
	if ts.Caller != "" {
		if caller, err = types.AddressFromHex(ts.Caller); err != nil {
			return node.Tx{}, fmt.Errorf("caller: %w", err)
		}
	}

	var hash chainhash.Hash
	if ts.Hash != "" {
		h, err := chainhash.NewHashFromStr(strings.TrimPrefix(ts.Hash, "0x"))
		if err != nil {
			return node.Tx{}, fmt.Errorf("hash: %w", err)
		}
		hash = *h
	} else {
		seed := make([]byte, 12, 12+len(data))
		binary.BigEndian.PutUint64(seed, number)
		binary.BigEndian.PutUint32(seed[8:], uint32(index))
		hash = chainhash.DoubleHashH(append(seed, data...))
	}

	return node.Tx{Hash: hash, Caller: caller, Value: btcutil.Amount(ts.Value), Data: data}, nil
}
