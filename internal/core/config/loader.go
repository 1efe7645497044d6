package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. Variables from a .env file in
// the working directory are loaded first and ${VAR} references expanded.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.Redis.HeadChannel == "" && c.Chain.Name != "" {
		c.Redis.HeadChannel = "heads:" + c.Chain.Name
	}
	if c.Chain.RPCTimeout == 0 {
		c.Chain.RPCTimeout = 30 * time.Second
	}

	s := &c.Sync
	if s.WindowSize == 0 {
		s.WindowSize = 1000
	}
	if s.Stride == 0 {
		s.Stride = 100
	}
	if s.Concurrency == 0 {
		s.Concurrency = 5
	}
	if s.PollInterval == 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 30 * time.Second
	}
	if s.MaxGapDepth == 0 {
		s.MaxGapDepth = 10
	}
	if s.ForkProbeDepth == 0 {
		s.ForkProbeDepth = 10
	}
	if s.ConsistencyAttempts == 0 {
		s.ConsistencyAttempts = 5
	}
	if s.ConsistencyDelay == 0 {
		s.ConsistencyDelay = 50 * time.Millisecond
	}
}

// Validate checks settings that have no sensible default.
func (c *AppConfig) Validate() error {
	if c.Chain.Name == "" {
		return errors.New("chain.name is required")
	}
	if len(c.Chain.Providers) == 0 {
		return errors.New("chain.providers must list at least one provider")
	}
	for i, p := range c.Chain.Providers {
		if p.URL == "" {
			return fmt.Errorf("chain.providers[%d] (%s) has no url", i, p.Name)
		}
	}
	if c.Chain.To != nil && *c.Chain.To < c.Chain.From {
		return fmt.Errorf("chain.to %d is below chain.from %d", *c.Chain.To, c.Chain.From)
	}
	return nil
}
