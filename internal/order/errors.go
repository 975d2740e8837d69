package order

import (
	"errors"

	"github.com/safar/go-shop-payments/internal/database"
)

var (
	ErrInvalidShippingAddress   = errors.New("shipping address must be between 1 and 500 characters")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrEmptyCart                = errors.New("cart is empty")
	ErrInvalidQuantity          = errors.New("quantity must be positive")
	ErrProductUnavailable       = errors.New("product is no longer available")
	ErrInvalidPrice             = errors.New("product price is invalid")
	ErrOrderNotFound            = database.ErrOrderNotFound
	ErrInvalidOrderID           = errors.New("order id must be a UUID")
	ErrForbidden                = errors.New("order belongs to another user")
	ErrOrderNotCancellable      = errors.New("order can no longer be cancelled")
	ErrOrderNotPayable          = errors.New("order is not awaiting payment")
	ErrPaymentMethodMismatch    = errors.New("payment method does not match order")
	ErrInvalidTransition        = errors.New("invalid order status transition")
	ErrInvalidExpiry            = errors.New("expire minutes out of range")
	ErrInvalidCursor            = errors.New("invalid cursor")
)
