package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const wadDecimals = 18

var (
	wad     = uint256.NewInt(1_000_000_000_000_000_000)
	maxU256 = new(uint256.Int).SetAllOne()
)

// Wad returns 1.0 expressed in 18-decimal fixed point.
func Wad() *uint256.Int { return wad.Clone() }

// MaxAmount returns the sentinel used to request an entire balance on
// withdraw and repay.
func MaxAmount() *uint256.Int { return maxU256.Clone() }

// IsMaxAmount reports whether v is the entire-balance sentinel.
func IsMaxAmount(v *uint256.Int) bool { return v != nil && v.Eq(maxU256) }

func zero() *uint256.Int { return new(uint256.Int) }

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }

// MulWad returns a*b/1e18 rounded down.
func MulWad(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, wad), nil
}

// MulWadUp returns a*b/1e18 rounded up.
func MulWadUp(a, b *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return divRoundUp(product, wad), nil
}

// DivWad returns a*1e18/b rounded down.
func DivWad(a, b *uint256.Int) (*uint256.Int, error) {
	if isZero(b) {
		return nil, ErrDivisionByZero
	}
	scaled, overflow := new(uint256.Int).MulOverflow(a, wad)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return scaled.Div(scaled, b), nil
}

// DivWadUp returns a*1e18/b rounded up.
func DivWadUp(a, b *uint256.Int) (*uint256.Int, error) {
	if isZero(b) {
		return nil, ErrDivisionByZero
	}
	scaled, overflow := new(uint256.Int).MulOverflow(a, wad)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return divRoundUp(scaled, b), nil
}

func divRoundUp(x, y *uint256.Int) *uint256.Int {
	rem := new(uint256.Int)
	quo, _ := new(uint256.Int).DivMod(x, y, rem)
	if !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	return quo
}

// PowWad raises a WAD-scaled base to an integer power by repeated squaring.
// Every intermediate product rounds down.
func PowWad(base *uint256.Int, n uint64) (*uint256.Int, error) {
	result := wad.Clone()
	x := base.Clone()
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = MulWad(result, x); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if x, err = MulWad(x, x); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func addChecked(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// subChecked treats underflow as overflow. Callers compare balances first when
// a shortfall deserves a more specific error.
func subChecked(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return diff, nil
}

func minU256(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// ParseWad converts a decimal string such as "0.75" or "12" into its WAD
// representation. At most 18 fractional digits are accepted.
func ParseWad(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("parse wad: empty value")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > wadDecimals {
		return nil, fmt.Errorf("parse wad %q: more than %d decimals", value, wadDecimals)
	}
	intPart, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("parse wad %q: %w", value, err)
	}
	fracPart := zero()
	if frac != "" {
		digits := strings.TrimLeft(frac+strings.Repeat("0", wadDecimals-len(frac)), "0")
		if digits != "" {
			if fracPart, err = uint256.FromDecimal(digits); err != nil {
				return nil, fmt.Errorf("parse wad %q: %w", value, err)
			}
		}
	}
	scaled, overflow := new(uint256.Int).MulOverflow(intPart, wad)
	if overflow {
		return nil, fmt.Errorf("parse wad %q: %w", value, ErrArithmeticOverflow)
	}
	return addChecked(scaled, fracPart)
}

// MustParseWad is ParseWad for constants; it panics on malformed input.
func MustParseWad(value string) *uint256.Int {
	v, err := ParseWad(value)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatWad renders a WAD value as a decimal string without trailing zeros.
func FormatWad(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	rem := new(uint256.Int)
	quo, _ := new(uint256.Int).DivMod(v, wad, rem)
	if rem.IsZero() {
		return quo.Dec()
	}
	frac := rem.Dec()
	frac = strings.Repeat("0", wadDecimals-len(frac)) + frac
	return quo.Dec() + "." + strings.TrimRight(frac, "0")
}
