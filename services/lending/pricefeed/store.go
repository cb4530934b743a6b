package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"

	"lendpool/native/lending"
)

var (
	bucketPrices = []byte("prices")

	// ErrUnknownFeed is returned when no price was ever pushed for a feed.
	ErrUnknownFeed = errors.New("pricefeed: unknown feed")
	// ErrInvalidPrice rejects nil or zero prices and the zero feed address.
	ErrInvalidPrice = errors.New("pricefeed: invalid price")
)

// Quote is the latest price of a feed and when it was pushed.
type Quote struct {
	Price     *uint256.Int
	UpdatedAt time.Time
}

type quoteRecord struct {
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store keeps the latest pushed price per feed and reports readings older
// than maxAge as invalid. With a Bolt handle every update is persisted and
// reloaded on open.
type Store struct {
	db     *bolt.DB
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[common.Address]Quote
}

var _ lending.PriceFeed = (*Store)(nil)

// NewMemory returns a store without persistence. A zero maxAge disables the
// staleness check.
func NewMemory(maxAge time.Duration) *Store {
	return &Store{maxAge: maxAge, now: time.Now, quotes: make(map[common.Address]Quote)}
}

// Open initialises (and migrates) the BoltDB-backed store at path and loads
// the persisted quotes.
func Open(path string, maxAge time.Duration, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	s := NewMemory(maxAge)
	s.db = db
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketPrices)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec quoteRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode quote %x: %w", k, err)
			}
			price, err := uint256.FromDecimal(rec.Price)
			if err != nil {
				return fmt.Errorf("decode quote %x: %w", k, err)
			}
			s.quotes[common.BytesToAddress(k)] = Quote{Price: price, UpdatedAt: rec.UpdatedAt}
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock overrides the wall clock used for timestamps and staleness.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetPrice records price as the latest reading for feed.
func (s *Store) SetPrice(feed common.Address, price *uint256.Int) (Quote, error) {
	if feed == (common.Address{}) || price == nil || price.IsZero() {
		return Quote{}, ErrInvalidPrice
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := Quote{Price: price.Clone(), UpdatedAt: s.now().UTC()}
	if s.db != nil {
		raw, err := json.Marshal(quoteRecord{Price: q.Price.Dec(), UpdatedAt: q.UpdatedAt})
		if err != nil {
			return Quote{}, err
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPrices).Put(feed.Bytes(), raw)
		}); err != nil {
			return Quote{}, fmt.Errorf("persist price: %w", err)
		}
	}
	s.quotes[feed] = q
	return Quote{Price: q.Price.Clone(), UpdatedAt: q.UpdatedAt}, nil
}

// Quote returns the latest reading for feed.
func (s *Store) Quote(feed common.Address) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[feed]
	if !ok {
		return Quote{}, false
	}
	return Quote{Price: q.Price.Clone(), UpdatedAt: q.UpdatedAt}, true
}

// GetPrice implements lending.PriceFeed. A reading older than maxAge is
// returned with valid=false.
func (s *Store) GetPrice(ctx context.Context, feed common.Address) (*uint256.Int, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[feed]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	fresh := s.maxAge <= 0 || s.now().Sub(q.UpdatedAt) <= s.maxAge
	return q.Price.Clone(), fresh, nil
}
