package config

import (
	"time"

	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Chain    ChainConfig        `yaml:"chain"`
	Sync     SyncConfig         `yaml:"sync"`
}

// ServerConfig holds HTTP and gRPC server settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds settings for the synced chain.
type ChainConfig struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Providers      []ProviderConfig `yaml:"providers"`
	From           uint64           `yaml:"from"`
	To             *uint64          `yaml:"to"`              // inclusive, nil = follow the tip
	FinalityBlocks uint64           `yaml:"finality_blocks"` // 0 = node "finalized" tag
	RPCTimeout     time.Duration    `yaml:"rpc_timeout"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SyncConfig tunes ingestion and continuity checks.
type SyncConfig struct {
	WindowSize          int           `yaml:"window_size"`
	Stride              uint64        `yaml:"stride"`
	Concurrency         int           `yaml:"concurrency"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxGapDepth         int           `yaml:"max_gap_depth"`
	ForkProbeDepth      int           `yaml:"fork_probe_depth"`
	ConsistencyAttempts int           `yaml:"consistency_attempts"`
	ConsistencyDelay    time.Duration `yaml:"consistency_delay"`
}
