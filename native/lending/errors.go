package lending

import (
	"errors"
	"fmt"

	nativecommon "lendpool/native/common"
)

var (
	ErrInvalidAsset           = errors.New("lending: invalid asset")
	ErrPoolNotActivated       = errors.New("lending: pool not activated")
	ErrZeroAmount             = errors.New("lending: amount must be positive")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrInsufficientShares     = errors.New("lending: insufficient shares")
	ErrUnhealthyPosition      = errors.New("lending: health factor below 1")
	ErrNotCollateral          = errors.New("lending: asset not enabled as collateral")
	ErrNoDebt                 = errors.New("lending: no outstanding debt")
	ErrHealthyAccount         = errors.New("lending: account is healthy")
	ErrExceedsCloseFactor     = errors.New("lending: purchase amount exceeds close factor")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral to seize")
	ErrArithmeticOverflow     = errors.New("lending: arithmetic overflow")
	ErrDivisionByZero         = errors.New("lending: division by zero")
	ErrStalePrice             = errors.New("lending: stale price")
	ErrInvalidFeed            = errors.New("lending: invalid price feed")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrAlreadyInitialized     = errors.New("lending: pool already initialized")
	ErrInvalidParams          = errors.New("lending: invalid pool parameters")
)

// ErrUnknownPool is returned for assets without a pool. It matches
// ErrInvalidAsset under errors.Is.
var ErrUnknownPool = fmt.Errorf("%w: pool not found", ErrInvalidAsset)

// ErrModulePaused is returned when a pause switch blocks the operation.
var ErrModulePaused = nativecommon.ErrModulePaused
