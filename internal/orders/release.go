package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
)

// LineReleaser is implemented by stores that hold the stock ledger in the
// same database and can claim a line and credit its stock atomically.
type LineReleaser interface {
	ReleaseLine(ctx context.Context, orderID string, line int) (bool, error)
}

// ReleaseLines returns the stock of every unreleased line of a cancelled
// order. Each line is claimed in the store before the ledger is credited,
// so concurrent callers never release the same line twice. A failed ledger
// call gives the claim back for a later retry. It reports the units
// released and the joined failures; o's Released flags are updated. When
// store is a LineReleaser the claim and the credit commit together.
func ReleaseLines(ctx context.Context, store Store, ledger inventory.Ledger, o *Order) (int, error) {
	var (
		units int
		errs  []error
	)
	lr, inTx := store.(LineReleaser)
	for i := range o.Items {
		li := &o.Items[i]
		if li.Released {
			continue
		}
		if inTx {
			won, err := lr.ReleaseLine(ctx, o.ID, li.Line)
			if err != nil {
				errs = append(errs, fmt.Errorf("release line %d: %w", li.Line, err))
				continue
			}
			li.Released = true
			if won {
				units += li.Quantity
			}
			continue
		}
		won, err := store.ClaimRelease(ctx, o.ID, li.Line)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim line %d: %w", li.Line, err))
			continue
		}
		if !won {
			li.Released = true
			continue
		}
		if err := ledger.Release(ctx, li.ProductID, li.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", li.ProductID, li.Quantity, err))
			if uerr := store.UnclaimRelease(context.WithoutCancel(ctx), o.ID, li.Line); uerr != nil {
				errs = append(errs, fmt.Errorf("unclaim line %d: %w", li.Line, uerr))
			}
			continue
		}
		li.Released = true
		units += li.Quantity
	}
	return units, errors.Join(errs...)
}
