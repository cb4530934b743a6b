package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/native/lending"
)

// Config is the market genesis: engine-wide parameters and the pools created
// at first start. Fractions are decimal strings such as "0.75".
type Config struct {
	Admin          string       `toml:"Admin"`
	CloseFactor    string       `toml:"CloseFactor"`
	SecondsPerYear uint64       `toml:"SecondsPerYear"`
	Compounding    string       `toml:"Compounding"`
	Paused         []string     `toml:"Paused"`
	Pools          []PoolConfig `toml:"Pools"`
}

// PoolConfig describes one genesis pool.
type PoolConfig struct {
	Asset                string `toml:"Asset"`
	PriceFeed            string `toml:"PriceFeed"`
	Status               string `toml:"Status"`
	BaseRate             string `toml:"BaseRate"`
	Slope1               string `toml:"Slope1"`
	Slope2               string `toml:"Slope2"`
	OptimalUtilization   string `toml:"OptimalUtilization"`
	LiquidationThreshold string `toml:"LiquidationThreshold"`
	LiquidationBonus     string `toml:"LiquidationBonus"`
}

// Load reads and validates the market file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load markets %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("markets file %s: unknown key %s", path, undecoded[0])
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("markets file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.CloseFactor) == "" {
		c.CloseFactor = "0.5"
	}
	if c.SecondsPerYear == 0 {
		c.SecondsPerYear = lending.SecondsPerYear
	}
	if strings.TrimSpace(c.Compounding) == "" {
		c.Compounding = lending.AccrualLinear.String()
	}
	if c.Paused == nil {
		c.Paused = []string{}
	}
	defaults := lending.DefaultRiskParams()
	for i := range c.Pools {
		p := &c.Pools[i]
		fill := func(field *string, v string) {
			if strings.TrimSpace(*field) == "" {
				*field = v
			}
		}
		fill(&p.Status, lending.PoolActivated.String())
		fill(&p.BaseRate, lending.FormatWad(defaults.Rates.BaseRate))
		fill(&p.Slope1, lending.FormatWad(defaults.Rates.Slope1))
		fill(&p.Slope2, lending.FormatWad(defaults.Rates.Slope2))
		fill(&p.OptimalUtilization, lending.FormatWad(defaults.Rates.OptimalUtilization))
		fill(&p.LiquidationThreshold, lending.FormatWad(defaults.LiquidationThreshold))
		fill(&p.LiquidationBonus, lending.FormatWad(defaults.LiquidationBonus))
	}
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// EngineConfig converts the engine-wide section.
func (c *Config) EngineConfig() (lending.Config, error) {
	admin, err := parseAddress("Admin", c.Admin)
	if err != nil {
		return lending.Config{}, err
	}
	closeFactor, err := lending.ParseWad(c.CloseFactor)
	if err != nil {
		return lending.Config{}, fmt.Errorf("CloseFactor: %w", err)
	}
	mode, err := lending.ParseAccrualMode(c.Compounding)
	if err != nil {
		return lending.Config{}, fmt.Errorf("Compounding: %w", err)
	}
	return lending.Config{
		Admin:          admin,
		CloseFactor:    closeFactor,
		SecondsPerYear: c.SecondsPerYear,
		Compounding:    mode,
	}, nil
}

// Addresses returns the parsed asset and price feed.
func (p PoolConfig) Addresses() (asset, feed common.Address, err error) {
	if asset, err = parseAddress("Asset", p.Asset); err != nil {
		return
	}
	feed, err = parseAddress("PriceFeed", p.PriceFeed)
	return
}

// RiskParams converts the pool's decimal parameters.
func (p PoolConfig) RiskParams() (lending.RiskParams, error) {
	var out lending.RiskParams
	var err error
	parse := func(name, value string) *uint256.Int {
		if err != nil {
			return nil
		}
		v, perr := lending.ParseWad(value)
		if perr != nil {
			err = fmt.Errorf("%s: %w", name, perr)
			return nil
		}
		return v
	}
	out.Rates.BaseRate = parse("BaseRate", p.BaseRate)
	out.Rates.Slope1 = parse("Slope1", p.Slope1)
	out.Rates.Slope2 = parse("Slope2", p.Slope2)
	out.Rates.OptimalUtilization = parse("OptimalUtilization", p.OptimalUtilization)
	out.LiquidationThreshold = parse("LiquidationThreshold", p.LiquidationThreshold)
	out.LiquidationBonus = parse("LiquidationBonus", p.LiquidationBonus)
	if err != nil {
		return lending.RiskParams{}, err
	}
	return out, out.Validate()
}

// PoolStatus parses the configured initial status.
func (p PoolConfig) PoolStatus() (lending.PoolStatus, error) {
	return lending.ParsePoolStatus(p.Status)
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, value)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}
