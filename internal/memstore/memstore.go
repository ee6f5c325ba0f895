// Package memstore is an in-process implementation of the inventory ledger,
// the order store and discount lookup. It backs local runs with STORE=memory
// and the package tests; every operation holds one mutex, which gives the
// same per-product and per-order linearizability the postgres store gets
// from single-statement updates.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/money"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/shopspring/decimal"
)

// Discount is a percentage code with an optional cap.
type Discount struct {
	Rate      decimal.Decimal
	MaxAmount int64 // 0 = uncapped
}

type Store struct {
	mu        sync.Mutex
	products  map[string]*inventory.Product
	orders    map[string]*orders.Order
	discounts map[string]Discount
	now       func() time.Time
}

func New() *Store {
	return &Store{
		products:  map[string]*inventory.Product{},
		orders:    map[string]*orders.Order{},
		discounts: map[string]Discount{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = inventory.StatusFor(p.Stock)
	s.products[p.ID] = &p
}

func (s *Store) PutDiscount(code string, d Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[strings.ToUpper(code)] = d
}

// Stock reports a product's current stock, -1 if unknown.
func (s *Store) Stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return -1
	}
	return p.Stock
}

func (s *Store) Reserve(ctx context.Context, id string, qty int) (inventory.Product, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	if qty <= 0 || p.Stock < qty {
		return inventory.Product{}, &inventory.InsufficientStockError{ProductID: id, Requested: qty}
	}
	p.Stock -= qty
	p.Status = inventory.StatusFor(p.Stock)
	return *p, nil
}

func (s *Store) Release(ctx context.Context, id string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return inventory.ErrProductNotFound
	}
	p.Stock += qty
	p.Status = inventory.StatusFor(p.Stock)
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Lookup(ctx context.Context, code string, subTotal int64) (int64, error) {
	s.mu.Lock()
	d, ok := s.discounts[strings.ToUpper(code)]
	s.mu.Unlock()
	if !ok {
		return 0, orders.ErrInvalidDiscount
	}
	off := money.PercentOff(subTotal, d.Rate)
	if d.MaxAmount > 0 && off > d.MaxAmount {
		off = d.MaxAmount
	}
	return off, nil
}

func clone(o *orders.Order) *orders.Order {
	c := *o
	c.Items = append([]orders.LineItem(nil), o.Items...)
	if o.Buyer.Guest != nil {
		g := *o.Buyer.Guest
		c.Buyer.Guest = &g
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.ReservationExpiresAt != nil {
		t := *o.ReservationExpiresAt
		c.ReservationExpiresAt = &t
	}
	return &c
}

func (s *Store) Create(ctx context.Context, o *orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[o.ID]; dup {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) List(ctx context.Context, f orders.ListFilter) ([]*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orders.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.Buyer.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to orders.Status, u orders.Update) (*orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u = u.Normalize(to)
	if err := orders.CheckTransition(from, to, u); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if o.Status != from || (u.RequireUnpaid && o.IsPaid) {
		return nil, orders.ErrConflict
	}
	u.Apply(o, to, s.now())
	return clone(o), nil
}

// snapshot collects matching orders under the lock and yields copies
// without holding it, so callers may write back while iterating.
func (s *Store) snapshot(match func(*orders.Order) bool) iter.Seq2[*orders.Order, error] {
	return func(yield func(*orders.Order, error) bool) {
		s.mu.Lock()
		var hits []*orders.Order
		for _, o := range s.orders {
			if match(o) {
				hits = append(hits, clone(o))
			}
		}
		s.mu.Unlock()
		sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
		for _, o := range hits {
			if !yield(o, nil) {
				return
			}
		}
	}
}

func (s *Store) FindExpiredUnpaid(ctx context.Context, now time.Time) iter.Seq2[*orders.Order, error] {
	return s.snapshot(func(o *orders.Order) bool {
		return (o.Status == orders.StatusPending || o.Status == orders.StatusProcessing) && o.Expired(now)
	})
}

func (s *Store) FindUnreleased(ctx context.Context) iter.Seq2[*orders.Order, error] {
	return s.snapshot(func(o *orders.Order) bool {
		return o.Status == orders.StatusCancelled && len(o.Unreleased()) > 0
	})
}

func (s *Store) line(orderID string, line int) (*orders.LineItem, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if o.Status != orders.StatusCancelled {
		return nil, fmt.Errorf("%w: order is %s", orders.ErrConflict, o.Status)
	}
	for i := range o.Items {
		if o.Items[i].Line == line {
			return &o.Items[i], nil
		}
	}
	return nil, fmt.Errorf("order %s has no line %d", orderID, line)
}

func (s *Store) ClaimRelease(ctx context.Context, orderID string, line int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	li, err := s.line(orderID, line)
	if err != nil {
		return false, err
	}
	if li.Released {
		return false, nil
	}
	li.Released = true
	return true, nil
}

func (s *Store) UnclaimRelease(ctx context.Context, orderID string, line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, err := s.line(orderID, line)
	if err != nil {
		return err
	}
	li.Released = false
	return nil
}
