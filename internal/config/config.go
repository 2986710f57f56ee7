package config

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"

	"btc-bridge/internal/keys"
	"btc-bridge/internal/logger"
	"btc-bridge/internal/types"
	bridgetypes "btc-bridge/pkg/bridge/types"
)

// MaxFederationSize mirrors the largest multisig the redeem script template allows.
const MaxFederationSize = 15

// Manager handles configuration loading, validation, and management
type Manager struct {
	keyManager *keys.KeyManager
}

// NewManager creates a new configuration manager with dependencies
func NewManager(keyManager *keys.KeyManager) *Manager {
	return &Manager{
		keyManager: keyManager,
	}
}

// LoadConfig loads configuration from the specified file path
func (m *Manager) LoadConfig(filePath string) (*types.Config, error) {
	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		// Create default config file
		cfg := types.DefaultConfig()
		if err := m.CreateConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		logger.Info("Created default configuration file", "path", filePath)
	}

	// Read configuration file
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	// Parse YAML
	var cfg types.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Generate signing key if empty
	if cfg.Node.SigningKey == "" {
		signingKey, err := m.keyManager.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		cfg.Node.SigningKey = signingKey

		// Save updated config with generated key
		if err := m.SaveConfig(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to save config with generated signing key: %w", err)
		}
		logger.Warn("Generated new federator signing key", "path", filePath)
	}

	// Validate configuration
	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// CreateConfigFile creates a new configuration file with the given config
func (m *Manager) CreateConfigFile(filePath string, cfg *types.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveConfig saves the configuration to the specified file
func (m *Manager) SaveConfig(filePath string, cfg *types.Config) error {
	return m.CreateConfigFile(filePath, cfg)
}

// ValidateConfig validates the configuration structure and values
func (m *Manager) ValidateConfig(cfg *types.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := m.keyManager.ValidatePrivateKey(cfg.Node.SigningKey); err != nil {
		return fmt.Errorf("node config validation failed: %w", err)
	}

	if _, err := NetworkParams(cfg.Network.Name); err != nil {
		return fmt.Errorf("network config validation failed: %w", err)
	}

	if err := validateBridgeConfig(&cfg.Bridge); err != nil {
		return fmt.Errorf("bridge config validation failed: %w", err)
	}

	if err := m.validateFederationConfig(&cfg.Federation); err != nil {
		return fmt.Errorf("federation config validation failed: %w", err)
	}

	if err := validateAuthorizersConfig(&cfg.Authorizers); err != nil {
		return fmt.Errorf("authorizers config validation failed: %w", err)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage config validation failed: storage.path cannot be empty")
	}

	if err := ValidateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics config validation failed: metrics.listen_address required when enabled")
	}

	return nil
}

func validateBridgeConfig(cfg *types.BridgeConfig) error {
	if cfg.MinConfirmations == 0 {
		return fmt.Errorf("bridge.min_confirmations must be at least 1")
	}
	if cfg.HandoverDelay == 0 {
		return fmt.Errorf("bridge.handover_delay must be at least 1")
	}
	if cfg.DustFloor <= 0 {
		return fmt.Errorf("bridge.dust_floor must be positive")
	}
	if cfg.MinimumPeginValue < 0 {
		return fmt.Errorf("bridge.minimum_pegin_value cannot be negative")
	}
	if cfg.MaxReleaseOutputs < 1 {
		return fmt.Errorf("bridge.max_release_outputs must be at least 1")
	}
	if cfg.MaxMigrationInputs < 1 {
		return fmt.Errorf("bridge.max_migration_inputs must be at least 1")
	}
	if cfg.MaxReorgDepth == 0 {
		return fmt.Errorf("bridge.max_reorg_depth must be at least 1")
	}
	if cfg.InitialFeePerKb <= 0 || cfg.InitialFeePerKb > cfg.MaxFeePerKb {
		return fmt.Errorf("bridge.initial_fee_per_kb must be positive and at most max_fee_per_kb")
	}
	if cfg.InitialLockingCap <= 0 {
		return fmt.Errorf("bridge.initial_locking_cap must be positive")
	}
	if cfg.LockingCapMultiplier < 1 {
		return fmt.Errorf("bridge.locking_cap_multiplier must be at least 1")
	}
	return nil
}

func (m *Manager) validateFederationConfig(cfg *types.FederationConfig) error {
	if len(cfg.Members) > MaxFederationSize {
		return fmt.Errorf("federation.members has %d keys, at most %d allowed", len(cfg.Members), MaxFederationSize)
	}

	seen := make(map[string]bool, len(cfg.Members))
	for i, member := range cfg.Members {
		pub, err := m.keyManager.ParsePublicKey(member)
		if err != nil {
			return fmt.Errorf("invalid member at index %d: %w", i, err)
		}
		key := string(pub.SerializeCompressed())
		if seen[key] {
			return fmt.Errorf("duplicate member at index %d", i)
		}
		seen[key] = true
	}
	return nil
}

func validateAuthorizersConfig(cfg *types.AuthorizersConfig) error {
	for name, list := range map[string][]string{
		"federation":  cfg.Federation,
		"fee_per_kb":  cfg.FeePerKb,
		"locking_cap": cfg.LockingCap,
	} {
		if _, err := ParseAddresses(list); err != nil {
			return fmt.Errorf("authorizers.%s: %w", name, err)
		}
	}
	return nil
}

// ValidateLoggingConfig checks the logging level and format
func ValidateLoggingConfig(cfg *types.LoggingConfig) error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[cfg.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// NetworkParams maps a network name to its chain parameters
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q, expected mainnet, testnet3, regtest or signet", name)
	}
}

// ParseAddresses decodes a list of hex native addresses
func ParseAddresses(list []string) ([]bridgetypes.Address, error) {
	out := make([]bridgetypes.Address, 0, len(list))
	for i, s := range list {
		addr, err := bridgetypes.AddressFromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address at index %d: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// LoggerConfig converts the logging section to the logger's configuration
func LoggerConfig(cfg *types.LoggingConfig) logger.Config {
	return logger.Config{
		ConsoleOutput: true,
		ConsoleColor:  cfg.Format == "text",
		FileOutput:    cfg.File != "",
		FileName:      cfg.File,
		FileMaxSize:   cfg.FileMaxSize,
		Level:         cfg.Level,
	}
}

// LoadConfig is a convenience function that creates a manager and loads config
func LoadConfig(filePath string) (*types.Config, error) {
	keyManager := keys.NewKeyManager()
	configManager := NewManager(keyManager)
	return configManager.LoadConfig(filePath)
}
