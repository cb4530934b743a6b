package lending

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	TypeDeposit           = "lending.deposit"
	TypeWithdraw          = "lending.withdraw"
	TypeBorrow            = "lending.borrow"
	TypeRepay             = "lending.repay"
	TypeLiquidation       = "lending.liquidation"
	TypeInitPool          = "lending.init_pool"
	TypePoolStatusChanged = "lending.pool_status"
	TypeCollateralToggled = "lending.collateral"
)

// Event is a structured state change emitted after an operation commits.
type Event interface {
	EventType() string
	Record() *Record
}

// Record is the flat wire form of an event, consumed by indexers and stream
// subscribers.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives committed events in commit order. Implementations must not
// block for long; the engine holds its lock while emitting.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Deposit is emitted by supply.
type Deposit struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (Deposit) EventType() string { return TypeDeposit }

func (e Deposit) Record() *Record { return flowRecord(TypeDeposit, e.User, e.Asset, e.Amount) }

// Withdraw is emitted by withdraw with the amount actually paid out.
type Withdraw struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (Withdraw) EventType() string { return TypeWithdraw }

func (e Withdraw) Record() *Record { return flowRecord(TypeWithdraw, e.User, e.Asset, e.Amount) }

// Borrow is emitted by borrow.
type Borrow struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (Borrow) EventType() string { return TypeBorrow }

func (e Borrow) Record() *Record { return flowRecord(TypeBorrow, e.User, e.Asset, e.Amount) }

// Repay is emitted by repay with the amount actually applied to the debt.
type Repay struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (Repay) EventType() string { return TypeRepay }

func (e Repay) Record() *Record { return flowRecord(TypeRepay, e.User, e.Asset, e.Amount) }

// Liquidation is emitted when a liquidator repays part of a borrower's debt
// and takes over collateral.
type Liquidation struct {
	Borrower         common.Address
	Liquidator       common.Address
	DebtAsset        common.Address
	CollateralAsset  common.Address
	PurchaseAmount   *uint256.Int
	CollateralSeized *uint256.Int
}

func (Liquidation) EventType() string { return TypeLiquidation }

func (e Liquidation) Record() *Record {
	return &Record{Type: TypeLiquidation, Attributes: map[string]string{
		"borrower":         e.Borrower.Hex(),
		"liquidator":       e.Liquidator.Hex(),
		"debtAsset":        e.DebtAsset.Hex(),
		"collateralAsset":  e.CollateralAsset.Hex(),
		"purchaseAmount":   amountString(e.PurchaseAmount),
		"collateralSeized": amountString(e.CollateralSeized),
	}}
}

// InitPool is emitted when a pool is created. ConfigRef fingerprints its
// parameters.
type InitPool struct {
	Asset     common.Address
	ConfigRef common.Hash
}

func (InitPool) EventType() string { return TypeInitPool }

func (e InitPool) Record() *Record {
	return &Record{Type: TypeInitPool, Attributes: map[string]string{
		"asset":     e.Asset.Hex(),
		"configRef": e.ConfigRef.Hex(),
	}}
}

// PoolStatusChanged is emitted by setPoolStatus.
type PoolStatusChanged struct {
	Asset  common.Address
	Status PoolStatus
}

func (PoolStatusChanged) EventType() string { return TypePoolStatusChanged }

func (e PoolStatusChanged) Record() *Record {
	return &Record{Type: TypePoolStatusChanged, Attributes: map[string]string{
		"asset":  e.Asset.Hex(),
		"status": e.Status.String(),
	}}
}

// CollateralToggled is emitted by setCollateral.
type CollateralToggled struct {
	User    common.Address
	Asset   common.Address
	Enabled bool
}

func (CollateralToggled) EventType() string { return TypeCollateralToggled }

func (e CollateralToggled) Record() *Record {
	return &Record{Type: TypeCollateralToggled, Attributes: map[string]string{
		"user":    e.User.Hex(),
		"asset":   e.Asset.Hex(),
		"enabled": strconv.FormatBool(e.Enabled),
	}}
}

func flowRecord(kind string, user, asset common.Address, amount *uint256.Int) *Record {
	return &Record{Type: kind, Attributes: map[string]string{
		"user":   user.Hex(),
		"asset":  asset.Hex(),
		"amount": amountString(amount),
	}}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
