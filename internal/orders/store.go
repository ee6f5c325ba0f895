package orders

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// Update carries the fields a guarded transition writes together with the
// new status.
type Update struct {
	MarkPaidAt    *time.Time
	PaymentRef    string
	ClearExpiry   bool
	AppendNote    string
	RequireUnpaid bool
}

// Normalize applies the rules every store enforces: paying or cancelling an
// order always clears its reservation expiry, and marking paid only applies
// to unpaid orders.
func (u Update) Normalize(to Status) Update {
	if u.MarkPaidAt != nil {
		u.ClearExpiry = true
		u.RequireUnpaid = true
	}
	if to == StatusCancelled {
		u.ClearExpiry = true
	}
	return u
}

// CheckTransition validates from -> to against the state machine. The
// processing -> processing self transition is only valid as a payment
// confirmation.
func CheckTransition(from, to Status, u Update) error {
	if from == to && from == StatusProcessing && u.MarkPaidAt != nil {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Apply writes u onto o as a store does after the guard has passed.
func (u Update) Apply(o *Order, to Status, now time.Time) {
	o.Status = to
	if u.MarkPaidAt != nil {
		o.IsPaid = true
		t := *u.MarkPaidAt
		o.PaidAt = &t
	}
	if u.PaymentRef != "" {
		o.PaymentRef = u.PaymentRef
	}
	if u.ClearExpiry {
		o.ReservationExpiresAt = nil
	}
	o.Note = AppendNote(o.Note, u.AppendNote)
	o.Version++
	o.UpdatedAt = now
}

type ListFilter struct {
	UserID string
	Status Status
	Limit  int
}

// Store persists orders.
//
// Transition is a compare-and-swap: it applies only if the stored status
// still equals from (and the order is unpaid when RequireUnpaid is set),
// otherwise it returns ErrConflict and writes nothing.
//
// FindExpiredUnpaid and FindUnreleased are finite and restartable; every
// call queries the store again.
//
// ClaimRelease flips a cancelled order line's released flag from false to
// true and reports whether this caller won it. UnclaimRelease undoes a
// claim whose ledger release failed.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f ListFilter) ([]*Order, error)
	Transition(ctx context.Context, id string, from, to Status, u Update) (*Order, error)
	FindExpiredUnpaid(ctx context.Context, now time.Time) iter.Seq2[*Order, error]
	FindUnreleased(ctx context.Context) iter.Seq2[*Order, error]
	ClaimRelease(ctx context.Context, orderID string, line int) (bool, error)
	UnclaimRelease(ctx context.Context, orderID string, line int) error
}

// DiscountLookup resolves a discount code against a subtotal. It returns a
// non-negative amount and has no side effects.
type DiscountLookup interface {
	Lookup(ctx context.Context, code string, subTotal int64) (int64, error)
}

// StatusCache is told when an order changed so cached reads can be dropped.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string)
}
