package engine

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"btc-bridge/internal/config"
	"btc-bridge/internal/keys"
	cfgtypes "btc-bridge/internal/types"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/types"
)

// Config contains the bridge constants and the genesis federation.
type Config struct {
	Params        *chaincfg.Params
	Checkpoint    headers.Checkpoint
	MaxReorgDepth uint32

	MinConfirmations  uint32
	HandoverDelay     uint64
	DustFloor         btcutil.Amount
	MinimumPeginValue btcutil.Amount

	MaxReleaseOutputs  int
	MaxMigrationInputs int

	InitialFeePerKb      btcutil.Amount
	MaxFeePerKb          btcutil.Amount
	InitialLockingCap    btcutil.Amount
	LockingCapMultiplier int64

	GenesisMembers      []*btcec.PublicKey
	GenesisCreationTime int64

	FederationVoters []types.Address
	FeeVoters        []types.Address
	LockingCapVoters []types.Address
}

// Validate checks that the configuration can build a bridge.
func (c *Config) Validate() error {
	if c.Params == nil {
		return fmt.Errorf("network params must be set")
	}
	if c.MinConfirmations == 0 {
		return fmt.Errorf("min confirmations must be at least 1")
	}
	if c.HandoverDelay == 0 {
		return fmt.Errorf("handover delay must be at least 1")
	}
	if c.MaxReorgDepth == 0 {
		return fmt.Errorf("max reorg depth must be at least 1")
	}
	if c.DustFloor <= 0 {
		return fmt.Errorf("dust floor must be positive")
	}
	if c.MinimumPeginValue < 0 {
		return fmt.Errorf("minimum peg-in value cannot be negative")
	}
	if c.MaxReleaseOutputs < 1 || c.MaxMigrationInputs < 1 {
		return fmt.Errorf("max release outputs and max migration inputs must be at least 1")
	}
	if c.InitialFeePerKb <= 0 || c.InitialFeePerKb > c.MaxFeePerKb {
		return fmt.Errorf("initial fee per kb %d outside (0, %d]", c.InitialFeePerKb, c.MaxFeePerKb)
	}
	if c.InitialLockingCap <= 0 {
		return fmt.Errorf("initial locking cap must be positive")
	}
	if c.LockingCapMultiplier < 1 {
		return fmt.Errorf("locking cap multiplier must be at least 1")
	}
	if len(c.GenesisMembers) == 0 || len(c.GenesisMembers) > federation.MaxMembers {
		return fmt.Errorf("genesis federation must have between 1 and %d members, got %d",
			federation.MaxMembers, len(c.GenesisMembers))
	}
	return nil
}

// NewConfig builds the bridge configuration from the node configuration. An empty
// member list makes this node's signing key the only genesis federator.
func NewConfig(cfg *cfgtypes.Config) (*Config, error) {
	params, err := config.NetworkParams(cfg.Network.Name)
	if err != nil {
		return nil, err
	}

	km := keys.NewKeyManager()
	var members []*btcec.PublicKey
	for i, hexKey := range cfg.Federation.Members {
		pub, err := km.ParsePublicKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("federation member %d: %w", i, err)
		}
		members = append(members, pub)
	}
	if len(members) == 0 {
		priv, err := km.ParsePrivateKey(cfg.Node.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		members = append(members, priv.PubKey())
	}

	fedVoters, err := config.ParseAddresses(cfg.Authorizers.Federation)
	if err != nil {
		return nil, fmt.Errorf("federation authorizers: %w", err)
	}
	feeVoters, err := config.ParseAddresses(cfg.Authorizers.FeePerKb)
	if err != nil {
		return nil, fmt.Errorf("fee authorizers: %w", err)
	}
	capVoters, err := config.ParseAddresses(cfg.Authorizers.LockingCap)
	if err != nil {
		return nil, fmt.Errorf("locking cap authorizers: %w", err)
	}

	b := cfg.Bridge
	out := &Config{
		Params:               params,
		Checkpoint:           headers.GenesisCheckpoint(params),
		MaxReorgDepth:        b.MaxReorgDepth,
		MinConfirmations:     b.MinConfirmations,
		HandoverDelay:        b.HandoverDelay,
		DustFloor:            btcutil.Amount(b.DustFloor),
		MinimumPeginValue:    btcutil.Amount(b.MinimumPeginValue),
		MaxReleaseOutputs:    b.MaxReleaseOutputs,
		MaxMigrationInputs:   b.MaxMigrationInputs,
		InitialFeePerKb:      btcutil.Amount(b.InitialFeePerKb),
		MaxFeePerKb:          btcutil.Amount(b.MaxFeePerKb),
		InitialLockingCap:    btcutil.Amount(b.InitialLockingCap),
		LockingCapMultiplier: b.LockingCapMultiplier,
		GenesisMembers:       members,
		GenesisCreationTime:  cfg.Federation.CreationTime,
		FederationVoters:     fedVoters,
		FeeVoters:            feeVoters,
		LockingCapVoters:     capVoters,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
