// Package reaper cancels reservations whose payment window lapsed and
// returns their stock.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"go.uber.org/zap"
)

const (
	DefaultInterval = time.Minute
	ExpiredNote     = "auto-cancelled: reservation expired"
	lockKey         = "reaper:sweep"
)

// Locker keeps two reaper instances from sweeping at the same time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type Stats struct {
	Cancelled     int
	Conflicts     int
	UnitsReleased int
	Failures      int
}

type Reaper struct {
	Store    orders.Store
	Ledger   inventory.Ledger
	Locker   Locker
	Events   orders.Emitter
	Cache    orders.StatusCache
	Logger   *zap.Logger
	Interval time.Duration
	Now      func() time.Time
}

func (r *Reaper) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return DefaultInterval
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reaper) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	r.log().Info("reservation reaper started", zap.Duration("interval", r.interval()))
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log().Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log().Info("reservation reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass: first it retries stock releases left over from
// earlier cancellations, then cancels every expired unpaid reservation.
// A reservation is released only by the caller whose transition to
// cancelled committed, so a payment racing the sweep wins or loses as a
// whole.
func (r *Reaper) Sweep(ctx context.Context) (Stats, error) {
	var st Stats
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	if r.Locker != nil {
		unlock, ok, err := r.Locker.TryLock(ctx, lockKey, r.interval())
		if err != nil {
			return st, err
		}
		if !ok {
			metrics.SweepSkipped.Inc()
			r.log().Debug("sweep skipped, lock held elsewhere")
			return st, nil
		}
		defer unlock()
	}

	for o, err := range r.Store.FindUnreleased(ctx) {
		if err != nil {
			return st, err
		}
		r.release(ctx, o, &st)
	}

	now := r.now()
	for o, err := range r.Store.FindExpiredUnpaid(ctx, now) {
		if err != nil {
			return st, err
		}
		c, err := r.Store.Transition(ctx, o.ID, o.Status, orders.StatusCancelled, orders.Update{
			RequireUnpaid: true,
			AppendNote:    ExpiredNote,
		})
		if errors.Is(err, orders.ErrConflict) {
			// Paid or cancelled by someone else since the query.
			st.Conflicts++
			continue
		}
		if err != nil {
			st.Failures++
			r.log().Error("expire order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		st.Cancelled++
		metrics.Cancellations.WithLabelValues("reaper").Inc()
		r.release(ctx, c, &st)
		if r.Events != nil {
			r.Events.Emit(ctx, orders.EventOrderCancelled, c.ID, orders.OrderCancelledPayload{
				OrderID: c.ID,
				Reason:  ExpiredNote,
				Items:   cancelledItems(c),
			})
		}
		r.log().Info("reservation expired",
			zap.String("order_id", c.ID),
			zap.Timep("expired_at", o.ReservationExpiresAt))
	}

	if st.Cancelled > 0 || st.Failures > 0 {
		r.log().Info("sweep done",
			zap.Int("cancelled", st.Cancelled),
			zap.Int("conflicts", st.Conflicts),
			zap.Int("units_released", st.UnitsReleased),
			zap.Int("failures", st.Failures))
	}
	return st, nil
}

func (r *Reaper) release(ctx context.Context, o *orders.Order, st *Stats) {
	units, err := orders.ReleaseLines(ctx, r.Store, r.Ledger, o)
	if r.Cache != nil {
		r.Cache.Invalidate(ctx, o.ID)
	}
	st.UnitsReleased += units
	metrics.StockReleased.Add(float64(units))
	if err != nil {
		st.Failures++
		metrics.ReleaseFailures.Inc()
		r.log().Warn("stock release incomplete, retrying next sweep", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func cancelledItems(o *orders.Order) []orders.ItemQty {
	out := make([]orders.ItemQty, 0, len(o.Items))
	for _, li := range o.Items {
		out = append(out, orders.ItemQty{ProductID: li.ProductID, Qty: li.Quantity})
	}
	return out
}
