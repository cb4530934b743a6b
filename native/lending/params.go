package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// defaultCloseFactor caps a single liquidation at half of the debt.
var defaultCloseFactor = MustParseWad("0.5")

// DefaultRiskParams returns a conservative stablecoin profile: 2% base rate,
// 2%/4% slopes kinked at 80% utilisation, 75% liquidation threshold and a 5%
// liquidation bonus.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		Rates: RateParams{
			BaseRate:           MustParseWad("0.02"),
			Slope1:             MustParseWad("0.02"),
			Slope2:             MustParseWad("0.04"),
			OptimalUtilization: MustParseWad("0.8"),
		},
		LiquidationThreshold: MustParseWad("0.75"),
		LiquidationBonus:     MustParseWad("0.05"),
	}
}

type poolConfigDigest struct {
	Asset                common.Address
	PriceFeed            common.Address
	BaseRate             *uint256.Int
	Slope1               *uint256.Int
	Slope2               *uint256.Int
	OptimalUtilization   *uint256.Int
	LiquidationThreshold *uint256.Int
	LiquidationBonus     *uint256.Int
}

// ConfigRef fingerprints a pool configuration. It is published with the
// InitPool event so observers can verify the parameters a pool was created
// with.
func ConfigRef(asset, feed common.Address, params RiskParams) (common.Hash, error) {
	p := params.Clone()
	encoded, err := rlp.EncodeToBytes(&poolConfigDigest{
		Asset:                asset,
		PriceFeed:            feed,
		BaseRate:             p.Rates.BaseRate,
		Slope1:               p.Rates.Slope1,
		Slope2:               p.Rates.Slope2,
		OptimalUtilization:   p.Rates.OptimalUtilization,
		LiquidationThreshold: p.LiquidationThreshold,
		LiquidationBonus:     p.LiquidationBonus,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}
