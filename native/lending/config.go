package lending

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config captures the engine-wide parameters. Per-pool parameters travel with
// InitPool.
type Config struct {
	// Admin is the only identity allowed to create pools and change their
	// status.
	Admin common.Address
	// CloseFactor bounds a single liquidation as a WAD fraction of the
	// borrower's debt. Defaults to 0.5.
	CloseFactor *uint256.Int
	// SecondsPerYear annualises borrow rates. Defaults to 365 days.
	SecondsPerYear uint64
	// Compounding selects the accrual multiplier.
	Compounding AccrualMode
}

// DefaultConfig returns the engine defaults with no admin set.
func DefaultConfig() Config {
	return Config{
		CloseFactor:    defaultCloseFactor.Clone(),
		SecondsPerYear: SecondsPerYear,
		Compounding:    AccrualLinear,
	}
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c.CloseFactor == nil {
		c.CloseFactor = defaultCloseFactor.Clone()
	}
	if c.SecondsPerYear == 0 {
		c.SecondsPerYear = SecondsPerYear
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Admin == (common.Address{}) {
		return fmt.Errorf("lending config: admin address required")
	}
	if c.CloseFactor == nil || c.CloseFactor.IsZero() || c.CloseFactor.Gt(wad) {
		return fmt.Errorf("lending config: close factor must be in (0, 1]")
	}
	if c.SecondsPerYear == 0 {
		return fmt.Errorf("lending config: seconds per year must be positive")
	}
	return nil
}

// Clock supplies the current time in seconds. Readings must never go
// backwards.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() uint64

// Now implements Clock.
func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }
