package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateConfig checks the market file is internally consistent.
func ValidateConfig(c *Config) error {
	engineCfg, err := c.EngineConfig()
	if err != nil {
		return err
	}
	if err := engineCfg.Validate(); err != nil {
		return err
	}
	for _, name := range c.Paused {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(name)), "lending") {
			return fmt.Errorf("Paused: %q is not a lending switch", name)
		}
	}
	seen := make(map[common.Address]struct{}, len(c.Pools))
	for i, pool := range c.Pools {
		asset, _, err := pool.Addresses()
		if err != nil {
			return fmt.Errorf("Pools[%d]: %w", i, err)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("Pools[%d]: duplicate asset %s", i, asset.Hex())
		}
		seen[asset] = struct{}{}
		if _, err := pool.RiskParams(); err != nil {
			return fmt.Errorf("Pools[%d]: %w", i, err)
		}
		if _, err := pool.PoolStatus(); err != nil {
			return fmt.Errorf("Pools[%d]: %w", i, err)
		}
	}
	return nil
}
