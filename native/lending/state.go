package lending

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// State owns every pool and position. Only the engine mutates it, and only by
// committing a txn.
type State struct {
	pools     map[common.Address]*Pool
	positions map[PositionKey]*UserPosition
}

// NewState returns an empty state container.
func NewState() *State {
	return &State{
		pools:     make(map[common.Address]*Pool),
		positions: make(map[PositionKey]*UserPosition),
	}
}

// RestoreState rebuilds a state container from persisted records. Records are
// copied; empty positions are dropped.
func RestoreState(pools []*Pool, positions map[PositionKey]*UserPosition) *State {
	s := NewState()
	for _, pool := range pools {
		if pool == nil {
			continue
		}
		s.pools[pool.Asset] = pool.Clone()
	}
	for key, pos := range positions {
		if pos.IsEmpty() {
			continue
		}
		s.positions[key] = pos.Clone()
	}
	return s
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := NewState()
	for asset, pool := range s.pools {
		out.pools[asset] = pool.Clone()
	}
	for key, pos := range s.positions {
		out.positions[key] = pos.Clone()
	}
	return out
}

func (s *State) pool(asset common.Address) *Pool { return s.pools[asset] }

func (s *State) position(user, asset common.Address) *UserPosition {
	return s.positions[PositionKey{User: user, Asset: asset}]
}

func (s *State) assets() []common.Address {
	out := make([]common.Address, 0, len(s.pools))
	for asset := range s.pools {
		out = append(out, asset)
	}
	sortAddresses(out)
	return out
}

// view is the read side shared by the committed state and an in-flight txn.
// Returned records must not be mutated.
type view interface {
	pool(asset common.Address) *Pool
	position(user, asset common.Address) *UserPosition
	assets() []common.Address
}

// txn is a copy-on-write overlay over State. Records are cloned the first
// time they are opened for update and folded back only on commit, so a
// failed operation leaves the committed state untouched.
type txn struct {
	base      *State
	pools     map[common.Address]*Pool
	positions map[PositionKey]*UserPosition
}

func newTxn(base *State) *txn {
	return &txn{
		base:      base,
		pools:     make(map[common.Address]*Pool),
		positions: make(map[PositionKey]*UserPosition),
	}
}

func (t *txn) pool(asset common.Address) *Pool {
	if p, ok := t.pools[asset]; ok {
		return p
	}
	return t.base.pool(asset)
}

func (t *txn) position(user, asset common.Address) *UserPosition {
	key := PositionKey{User: user, Asset: asset}
	if p, ok := t.positions[key]; ok {
		return p
	}
	return t.base.positions[key]
}

func (t *txn) assets() []common.Address {
	out := t.base.assets()
	for asset := range t.pools {
		if t.base.pool(asset) == nil {
			out = append(out, asset)
		}
	}
	sortAddresses(out)
	return out
}

// poolForUpdate returns a private copy of the pool, or nil if it does not
// exist.
func (t *txn) poolForUpdate(asset common.Address) *Pool {
	if p, ok := t.pools[asset]; ok {
		return p
	}
	base := t.base.pool(asset)
	if base == nil {
		return nil
	}
	p := base.Clone()
	t.pools[asset] = p
	return p
}

func (t *txn) createPool(pool *Pool) { t.pools[pool.Asset] = pool }

// positionForUpdate returns a private copy of the position, creating an empty
// one on first touch.
func (t *txn) positionForUpdate(user, asset common.Address) *UserPosition {
	key := PositionKey{User: user, Asset: asset}
	if p, ok := t.positions[key]; ok {
		return p
	}
	var p *UserPosition
	if base := t.base.positions[key]; base != nil {
		p = base.Clone()
	} else {
		p = newPosition()
	}
	t.positions[key] = p
	return p
}

// changes lists every record the txn touched in a stable order.
func (t *txn) changes() *ChangeSet {
	cs := &ChangeSet{}
	assets := make([]common.Address, 0, len(t.pools))
	for asset := range t.pools {
		assets = append(assets, asset)
	}
	sortAddresses(assets)
	for _, asset := range assets {
		cs.Pools = append(cs.Pools, t.pools[asset].Clone())
	}
	keys := make([]PositionKey, 0, len(t.positions))
	for key := range t.positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].User.Bytes(), keys[j].User.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(keys[i].Asset.Bytes(), keys[j].Asset.Bytes()) < 0
	})
	for _, key := range keys {
		cs.Positions = append(cs.Positions, PositionChange{Key: key, Position: t.positions[key].Clone()})
	}
	return cs
}

func (t *txn) commit() {
	for asset, pool := range t.pools {
		t.base.pools[asset] = pool
	}
	for key, pos := range t.positions {
		if pos.IsEmpty() {
			delete(t.base.positions, key)
			continue
		}
		t.base.positions[key] = pos
	}
}

// ChangeSet is the set of records written by one committed operation.
type ChangeSet struct {
	Pools     []*Pool
	Positions []PositionChange
}

// PositionChange pairs a position with its key. An empty position means the
// record can be deleted.
type PositionChange struct {
	Key      PositionKey
	Position *UserPosition
}

// Store persists committed changes. SaveChanges must apply the set atomically;
// an error aborts the operation before it becomes visible.
type Store interface {
	SaveChanges(cs *ChangeSet) error
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
}
