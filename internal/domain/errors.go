package domain

import (
	"errors"
	"fmt"
)

// Sale and ledger rejections. All of them are caller-recoverable: the request
// can be resubmitted with different input and nothing was committed.
var (
	ErrUnknownProduct           = errors.New("unknown product")
	ErrUnknownDenomination      = errors.New("unknown denomination")
	ErrInsufficientPayment      = errors.New("insufficient cash paid")
	ErrInsufficientChangeStock  = errors.New("insufficient denominations in register to provide exact change")
	ErrInsufficientDenomination = errors.New("insufficient denomination stock in register")
	ErrInvalidSale              = errors.New("invalid sale request")
)

// Catalogue errors.
var (
	ErrInvalidProduct = errors.New("invalid product")
	ErrProductExists  = errors.New("product already exists")
)

// ChangeShortfallError reports the part of the change that the register
// could not cover with the notes it holds.
type ChangeShortfallError struct {
	Remainder int64
}

func (e *ChangeShortfallError) Error() string {
	return fmt.Sprintf("%s: remaining shortfall %d", ErrInsufficientChangeStock.Error(), e.Remainder)
}

func (e *ChangeShortfallError) Is(target error) bool {
	return target == ErrInsufficientChangeStock
}

// DenominationError names the face value a ledger operation failed on.
type DenominationError struct {
	Value int64
	Err   error
}

func (e *DenominationError) Error() string {
	return fmt.Sprintf("%s: %d", e.Err.Error(), e.Value)
}

func (e *DenominationError) Unwrap() error {
	return e.Err
}

// ProductError names the product a sale line failed on.
type ProductError struct {
	ProductID string
	Err       error
}

func (e *ProductError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.ProductID)
}

func (e *ProductError) Unwrap() error {
	return e.Err
}

// InvalidSalef wraps ErrInvalidSale with a reason.
func InvalidSalef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSale, fmt.Sprintf(format, args...))
}

// InvalidProductf wraps ErrInvalidProduct with a reason.
func InvalidProductf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProduct, fmt.Sprintf(format, args...))
}
