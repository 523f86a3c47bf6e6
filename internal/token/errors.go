package token

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("token: invalid input")
	ErrNotFound         = errors.New("token: not found")
	ErrUnknownAction    = errors.New("token: unknown action type")
	ErrActionDisabled   = errors.New("token: action is disabled")
	ErrNoAllocation     = errors.New("token: no token allocation")
	ErrNotMember        = errors.New("token: user is not a member of the organization")
	ErrPermissionDenied = errors.New("token: admin role required")
	ErrWalletNotFound   = errors.New("token: organization wallet not found")
	ErrConflict         = errors.New("token: resource conflict")

	// ErrInsufficientBalance and ErrInsufficientOrgPool are the errors.Is
	// targets for their structured counterparts below.
	ErrInsufficientBalance = errors.New("token: insufficient token balance")
	ErrInsufficientOrgPool = errors.New("token: insufficient organization tokens")
)

// InsufficientBalanceError reports a failed debit with the amounts the caller
// needs to render a precise message. No mutation happened.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("token: insufficient token balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// InsufficientOrgPoolError reports a grant exceeding the unallocated pool.
type InsufficientOrgPoolError struct {
	Available int64
	Requested int64
}

func (e *InsufficientOrgPoolError) Error() string {
	return fmt.Sprintf("token: insufficient organization tokens: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientOrgPoolError) Is(target error) bool {
	return target == ErrInsufficientOrgPool
}
