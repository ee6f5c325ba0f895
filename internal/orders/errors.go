package orders

import (
	"errors"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
)

var (
	ErrInsufficientStock = inventory.ErrInsufficientStock
	ErrProductNotFound   = inventory.ErrProductNotFound

	ErrNotFound                = errors.New("order not found")
	ErrConflict                = errors.New("order was modified concurrently")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrAmountMismatch          = errors.New("payment amount does not match order total")
	ErrInvalidSignature        = errors.New("invalid payment callback signature")
	ErrPaymentFailed           = errors.New("payment could not be verified")
	ErrAlreadyPaidCannotCancel = errors.New("order is already paid and cannot be cancelled")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrForbidden               = errors.New("forbidden")
	ErrNotCOD                  = errors.New("order is not cash on delivery")
	ErrUnknownGateway          = errors.New("unknown payment gateway")
	ErrInvalidDiscount         = errors.New("invalid discount code")

	// ErrIgnoredCallback marks an authentic callback that reports no payment
	// outcome, e.g. an unrelated webhook event type.
	ErrIgnoredCallback = errors.New("callback carries no payment outcome")
)
