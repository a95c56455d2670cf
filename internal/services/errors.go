package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for references the caller got wrong.
var (
	ErrAddressNotFound = errors.New("shipping address not found")
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// OutOfStockError names the product whose requested quantity exceeds stock.
type OutOfStockError struct {
	ProductName string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("%s is out of stock", e.ProductName)
}

// GatewayError wraps a payment-provider failure. The provider message is
// surfaced to the client verbatim.
type GatewayError struct {
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SignatureError reports a failed webhook authentication.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return e.Reason
}
