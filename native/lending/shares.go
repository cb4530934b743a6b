package lending

import "github.com/holiman/uint256"

// ToShares converts a deposited amount into shares at index, rounding down.
func ToShares(amount, index *uint256.Int) (*uint256.Int, error) {
	return DivWad(amount, index)
}

// ToSharesUp converts an amount into shares at index, rounding up. It is used
// wherever shares are burned for a payout or minted as debt so the rounding
// error lands on the pool's side.
func ToSharesUp(amount, index *uint256.Int) (*uint256.Int, error) {
	return DivWadUp(amount, index)
}

// ToAmount converts shares into the underlying amount at index, rounding down.
func ToAmount(shares, index *uint256.Int) (*uint256.Int, error) {
	return MulWad(shares, index)
}

// ToAmountUp converts debt shares into the owed amount, rounding up.
func ToAmountUp(shares, index *uint256.Int) (*uint256.Int, error) {
	return MulWadUp(shares, index)
}
