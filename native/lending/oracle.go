package lending

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceFeed is the external price collaborator. GetPrice returns the latest
// WAD-scaled USD price per unit of the asset and whether the reading is
// currently valid.
type PriceFeed interface {
	GetPrice(ctx context.Context, feed common.Address) (*uint256.Int, bool, error)
}

// PriceFeedFunc adapts a function to the PriceFeed interface.
type PriceFeedFunc func(ctx context.Context, feed common.Address) (*uint256.Int, bool, error)

// GetPrice implements PriceFeed.
func (f PriceFeedFunc) GetPrice(ctx context.Context, feed common.Address) (*uint256.Int, bool, error) {
	return f(ctx, feed)
}

// GetPrice reads and validates a single feed. Unavailable or invalid readings
// map to ErrStalePrice; zero prices and zero feed references map to
// ErrInvalidFeed.
func GetPrice(ctx context.Context, feed PriceFeed, ref common.Address) (*uint256.Int, error) {
	if ref == (common.Address{}) {
		return nil, ErrInvalidFeed
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: no price feed configured", ErrStalePrice)
	}
	price, valid, err := feed.GetPrice(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: feed %s: %v", ErrStalePrice, ref.Hex(), err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: feed %s", ErrStalePrice, ref.Hex())
	}
	if isZero(price) {
		return nil, fmt.Errorf("%w: feed %s reported zero", ErrInvalidFeed, ref.Hex())
	}
	return price.Clone(), nil
}

// GetUSDValue converts amount into USD using the latest price of ref.
func GetUSDValue(ctx context.Context, feed PriceFeed, ref common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := GetPrice(ctx, feed, ref)
	if err != nil {
		return nil, err
	}
	return MulWad(amount, price)
}

// priceBook memoises feed reads for the duration of one operation so every
// health check inside it sees the same prices.
type priceBook struct {
	ctx    context.Context
	feed   PriceFeed
	prices map[common.Address]*uint256.Int
}

func newPriceBook(ctx context.Context, feed PriceFeed) *priceBook {
	return &priceBook{ctx: ctx, feed: feed, prices: make(map[common.Address]*uint256.Int)}
}

func (b *priceBook) price(ref common.Address) (*uint256.Int, error) {
	if cached, ok := b.prices[ref]; ok {
		return cached, nil
	}
	price, err := GetPrice(b.ctx, b.feed, ref)
	if err != nil {
		return nil, err
	}
	b.prices[ref] = price
	return price, nil
}

func (b *priceBook) usdValue(ref common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if isZero(amount) {
		return zero(), nil
	}
	price, err := b.price(ref)
	if err != nil {
		return nil, err
	}
	return MulWad(amount, price)
}
