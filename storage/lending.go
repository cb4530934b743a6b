package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendpool/native/lending"
)

var (
	poolPrefix     = []byte("lending/pool/")
	positionPrefix = []byte("lending/position/")
)

func poolKey(asset common.Address) []byte {
	return append(append([]byte{}, poolPrefix...), asset.Bytes()...)
}

func positionKey(key lending.PositionKey) []byte {
	out := append([]byte{}, positionPrefix...)
	out = append(out, key.User.Bytes()...)
	return append(out, key.Asset.Bytes()...)
}

type poolRecord struct {
	Asset                common.Address
	Status               uint8
	TotalSupplyShares    *uint256.Int
	TotalBorrowShares    *uint256.Int
	SupplyIndex          *uint256.Int
	BorrowIndex          *uint256.Int
	LastAccrualTimestamp uint64
	BaseRate             *uint256.Int
	Slope1               *uint256.Int
	Slope2               *uint256.Int
	OptimalUtilization   *uint256.Int
	LiquidationThreshold *uint256.Int
	LiquidationBonus     *uint256.Int
	PriceFeed            common.Address
}

type positionRecord struct {
	SupplyShares *uint256.Int
	BorrowShares *uint256.Int
	IsCollateral bool
}

func encodePool(p *lending.Pool) ([]byte, error) {
	c := p.Clone()
	return rlp.EncodeToBytes(&poolRecord{
		Asset:                c.Asset,
		Status:               uint8(c.Status),
		TotalSupplyShares:    c.TotalSupplyShares,
		TotalBorrowShares:    c.TotalBorrowShares,
		SupplyIndex:          c.SupplyIndex,
		BorrowIndex:          c.BorrowIndex,
		LastAccrualTimestamp: c.LastAccrualTimestamp,
		BaseRate:             c.Risk.Rates.BaseRate,
		Slope1:               c.Risk.Rates.Slope1,
		Slope2:               c.Risk.Rates.Slope2,
		OptimalUtilization:   c.Risk.Rates.OptimalUtilization,
		LiquidationThreshold: c.Risk.LiquidationThreshold,
		LiquidationBonus:     c.Risk.LiquidationBonus,
		PriceFeed:            c.PriceFeed,
	})
}

func decodePool(raw []byte) (*lending.Pool, error) {
	var rec poolRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, err
	}
	status := lending.PoolStatus(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("pool %s: invalid status %d", rec.Asset.Hex(), rec.Status)
	}
	pool := &lending.Pool{
		Asset:                rec.Asset,
		Status:               status,
		TotalSupplyShares:    rec.TotalSupplyShares,
		TotalBorrowShares:    rec.TotalBorrowShares,
		SupplyIndex:          rec.SupplyIndex,
		BorrowIndex:          rec.BorrowIndex,
		LastAccrualTimestamp: rec.LastAccrualTimestamp,
		Risk: lending.RiskParams{
			Rates: lending.RateParams{
				BaseRate:           rec.BaseRate,
				Slope1:             rec.Slope1,
				Slope2:             rec.Slope2,
				OptimalUtilization: rec.OptimalUtilization,
			},
			LiquidationThreshold: rec.LiquidationThreshold,
			LiquidationBonus:     rec.LiquidationBonus,
		},
		PriceFeed: rec.PriceFeed,
	}
	// Clone normalises any nil fields to zero.
	return pool.Clone(), nil
}

// LendingStore persists lending pools and positions as RLP records.
type LendingStore struct {
	db Database
}

// NewLendingStore wraps db.
func NewLendingStore(db Database) *LendingStore {
	return &LendingStore{db: db}
}

// SaveChanges writes one committed operation in a single batch. Empty
// positions are deleted.
func (s *LendingStore) SaveChanges(cs *lending.ChangeSet) error {
	if cs == nil {
		return nil
	}
	batch := s.db.NewBatch()
	for _, pool := range cs.Pools {
		raw, err := encodePool(pool)
		if err != nil {
			return fmt.Errorf("encode pool %s: %w", pool.Asset.Hex(), err)
		}
		batch.Put(poolKey(pool.Asset), raw)
	}
	for _, change := range cs.Positions {
		key := positionKey(change.Key)
		if change.Position.IsEmpty() {
			batch.Delete(key)
			continue
		}
		raw, err := rlp.EncodeToBytes(&positionRecord{
			SupplyShares: change.Position.SupplyShares,
			BorrowShares: change.Position.BorrowShares,
			IsCollateral: change.Position.IsCollateral,
		})
		if err != nil {
			return fmt.Errorf("encode position: %w", err)
		}
		batch.Put(key, raw)
	}
	return batch.Write()
}

// Load reads every persisted record back into a state container.
func (s *LendingStore) Load() (*lending.State, error) {
	var pools []*lending.Pool
	err := s.db.Iterate(poolPrefix, func(_, value []byte) error {
		pool, err := decodePool(value)
		if err != nil {
			return err
		}
		pools = append(pools, pool)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}

	positions := make(map[lending.PositionKey]*lending.UserPosition)
	err = s.db.Iterate(positionPrefix, func(key, value []byte) error {
		suffix := key[len(positionPrefix):]
		if len(suffix) != 2*common.AddressLength {
			return fmt.Errorf("malformed position key %x", key)
		}
		var rec positionRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return err
		}
		pk := lending.PositionKey{
			User:  common.BytesToAddress(suffix[:common.AddressLength]),
			Asset: common.BytesToAddress(suffix[common.AddressLength:]),
		}
		positions[pk] = (&lending.UserPosition{
			SupplyShares: rec.SupplyShares,
			BorrowShares: rec.BorrowShares,
			IsCollateral: rec.IsCollateral,
		}).Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	return lending.RestoreState(pools, positions), nil
}
