package inventory

import (
	"context"
	"errors"
	"fmt"
)

type held struct {
	productID string
	qty       int
}

// Hold tracks the reservations made by one checkout so they can be undone
// together. It is not safe for concurrent use.
type Hold struct {
	ledger Ledger
	lines  []held
}

func NewHold(l Ledger) *Hold { return &Hold{ledger: l} }

func (h *Hold) Reserve(ctx context.Context, productID string, qty int) (Product, error) {
	p, err := h.ledger.Reserve(ctx, productID, qty)
	if err != nil {
		return Product{}, err
	}
	h.lines = append(h.lines, held{productID: productID, qty: qty})
	return p, nil
}

// Len reports how many reservations are currently held.
func (h *Hold) Len() int { return len(h.lines) }

// Rollback releases everything reserved so far, newest first. It runs on a
// context detached from ctx's cancellation so an aborted request still
// returns its stock. Failed releases are joined into the returned error.
func (h *Hold) Rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(h.lines) - 1; i >= 0; i-- {
		ln := h.lines[i]
		if err := h.ledger.Release(ctx, ln.productID, ln.qty); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", ln.productID, ln.qty, err))
		}
	}
	h.lines = nil
	return errors.Join(errs...)
}

// Commit forgets the held lines; ownership of the stock passes to the
// persisted order.
func (h *Hold) Commit() { h.lines = nil }
