package engine

import (
	"context"
	"errors"

	"lendpool/native/lending"
)

var (
	ErrNotFound               = errors.New("lending: not found")
	ErrInvalidArgument        = errors.New("lending: invalid argument")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrConflict               = errors.New("lending: conflict")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrUnavailable            = errors.New("lending: unavailable")
	ErrInternal               = errors.New("lending: internal error")
)

// Error pairs a service sentinel with the engine error that produced it so
// callers can match either with errors.Is.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// Translate classifies an engine error into one of the service sentinels.
// Context cancellation passes through untouched.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var svc *Error
	if errors.As(err, &svc) {
		return err
	}
	return &Error{Kind: classify(err), Err: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, lending.ErrUnknownPool):
		return ErrNotFound
	case errors.Is(err, lending.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, lending.ErrUnhealthyPosition),
		errors.Is(err, lending.ErrInsufficientCollateral):
		return ErrInsufficientCollateral
	case errors.Is(err, lending.ErrStalePrice),
		errors.Is(err, lending.ErrInvalidFeed),
		errors.Is(err, lending.ErrModulePaused):
		return ErrUnavailable
	case errors.Is(err, lending.ErrPoolNotActivated),
		errors.Is(err, lending.ErrAlreadyInitialized),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrNotCollateral),
		errors.Is(err, lending.ErrNoDebt),
		errors.Is(err, lending.ErrHealthyAccount),
		errors.Is(err, lending.ErrExceedsCloseFactor):
		return ErrConflict
	case errors.Is(err, lending.ErrInvalidAsset),
		errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, lending.ErrInvalidParams),
		errors.Is(err, lending.ErrArithmeticOverflow):
		return ErrInvalidArgument
	default:
		return ErrInternal
	}
}
