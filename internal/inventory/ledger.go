// Package inventory owns product stock mutation. Every write to a stock
// counter goes through a Ledger, whose operations are single atomic steps
// in the backing store.
package inventory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
)

// InsufficientStockError names the product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Ledger is the single point of truth for stock.
//
// Reserve checks stock >= qty and decrements in one step and returns the
// product's pricing as seen by that step. A stock value read earlier by the
// caller means nothing. Release increments and has no upper bound; callers
// guarantee it runs once per reserved line.
type Ledger interface {
	Reserve(ctx context.Context, productID string, qty int) (Product, error)
	Release(ctx context.Context, productID string, qty int) error
}

// Catalog lists products for the storefront read path.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
}
