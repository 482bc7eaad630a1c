package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and validates the configuration at the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Path = path
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":9966"
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = defaultDatabasePath(c.Path)
	}
	if c.WireTransferDelay.Duration <= 0 {
		c.WireTransferDelay.Duration = 2 * time.Hour
	}
	if c.DefaultPayDeadline.Duration <= 0 {
		c.DefaultPayDeadline.Duration = 2 * time.Hour
	}
	if c.DefaultWireFeeAmortization == 0 {
		c.DefaultWireFeeAmortization = 1
	}
	if c.TipExpiration.Duration <= 0 {
		c.TipExpiration.Duration = 24 * time.Hour
	}
	if c.DefaultMaxWireFee.Currency == "" {
		c.DefaultMaxWireFee.Amount = zeroAmount(c.Currency)
	}
	if c.DefaultMaxDepositFee.Currency == "" {
		c.DefaultMaxDepositFee.Amount = zeroAmount(c.Currency)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 50
	}
	for id, inst := range c.Instances {
		if strings.TrimSpace(inst.Keyfile) == "" {
			inst.Keyfile = defaultKeyfilePath(c.Path, id)
		}
		if inst.TipExchange != "" && strings.TrimSpace(inst.TipReserveKeyfile) == "" {
			inst.TipReserveKeyfile = defaultKeyfilePath(c.Path, id+"-tip")
		}
		c.Instances[id] = inst
	}
}

func defaultDatabasePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "merchant.db")
}

func defaultKeyfilePath(configPath, id string) string {
	return filepath.Join(filepath.Dir(configPath), id+".key")
}
