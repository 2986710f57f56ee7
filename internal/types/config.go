package types

// Config represents the complete application configuration
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Network     NetworkConfig     `yaml:"network"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Federation  FederationConfig  `yaml:"federation"`
	Authorizers AuthorizersConfig `yaml:"authorizers"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	// SigningKey is this federator's hex secp256k1 private key
	SigningKey string `yaml:"signing_key"`
}

// NetworkConfig selects the external chain network
type NetworkConfig struct {
	Name string `yaml:"name"`
}

// BridgeConfig contains the bridge constants. Amounts are in satoshis.
type BridgeConfig struct {
	MinConfirmations     uint32 `yaml:"min_confirmations"`
	HandoverDelay        uint64 `yaml:"handover_delay"`
	DustFloor            int64  `yaml:"dust_floor"`
	MinimumPeginValue    int64  `yaml:"minimum_pegin_value"`
	MaxReleaseOutputs    int    `yaml:"max_release_outputs"`
	MaxMigrationInputs   int    `yaml:"max_migration_inputs"`
	MaxReorgDepth        uint32 `yaml:"max_reorg_depth"`
	InitialFeePerKb      int64  `yaml:"initial_fee_per_kb"`
	MaxFeePerKb          int64  `yaml:"max_fee_per_kb"`
	InitialLockingCap    int64  `yaml:"initial_locking_cap"`
	LockingCapMultiplier int64  `yaml:"locking_cap_multiplier"`
}

// FederationConfig describes the genesis federation
type FederationConfig struct {
	// Members are hex compressed public keys; empty means this node alone
	Members      []string `yaml:"members"`
	CreationTime int64    `yaml:"creation_time"`
}

// AuthorizersConfig lists the native addresses allowed to vote, as hex
type AuthorizersConfig struct {
	Federation []string `yaml:"federation"`
	FeePerKb   []string `yaml:"fee_per_kb"`
	LockingCap []string `yaml:"locking_cap"`
}

// StorageConfig contains state persistence configuration
type StorageConfig struct {
	Path         string `yaml:"path"`
	SnapshotFile string `yaml:"snapshot_file"`
	// KeepStates is how many per-height states are retained; 0 keeps all
	KeepStates uint64 `yaml:"keep_states"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	File        string `yaml:"file"`
	FileMaxSize string `yaml:"file_max_size"`
}

// MetricsConfig contains the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			SigningKey: "", // Will be generated if empty
		},
		Network: NetworkConfig{
			Name: "regtest",
		},
		Bridge: BridgeConfig{
			MinConfirmations:     6,
			HandoverDelay:        2000,
			DustFloor:            2730,
			MinimumPeginValue:    500_000,
			MaxReleaseOutputs:    50,
			MaxMigrationInputs:   50,
			MaxReorgDepth:        144,
			InitialFeePerKb:      50_000,
			MaxFeePerKb:          5_000_000,
			InitialLockingCap:    100_000_000_000,
			LockingCapMultiplier: 2,
		},
		Storage: StorageConfig{
			Path:         "data/state",
			SnapshotFile: "data/state.snapshot",
			KeepStates:   1000,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			FileMaxSize: "100MB",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9464",
		},
	}
}
