package reaper_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/reaper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakyLedger struct {
	inventory.Ledger
	mu       sync.Mutex
	fail     map[string]bool
	released map[string]int
}

func (f *flakyLedger) Release(ctx context.Context, id string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return errors.New("connection reset")
	}
	f.released[id] += qty
	return f.Ledger.Release(ctx, id, qty)
}

type env struct {
	store  *memstore.Store
	ledger *flakyLedger
	svc    *orders.Service
	reaper *reaper.Reaper
	now    time.Time
}

func newEnv(t *testing.T) *env {
	st := memstore.New()
	st.PutProduct(inventory.Product{ID: "p1", Name: "Áo dài", Stock: 3, Price: 250000})
	st.PutProduct(inventory.Product{ID: "p2", Name: "Nón lá", Stock: 2, Price: 100000})
	e := &env{
		store:  st,
		ledger: &flakyLedger{Ledger: st, fail: map[string]bool{}, released: map[string]int{}},
		now:    time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	log := zaptest.NewLogger(t)
	e.svc = &orders.Service{Ledger: e.ledger, Store: st, Logger: log, Now: clock}
	e.reaper = &reaper.Reaper{Store: st, Ledger: e.ledger, Logger: log, Now: clock}
	return e
}

func (e *env) checkout(t *testing.T) *orders.Order {
	o, err := e.svc.Checkout(context.Background(), orders.CheckoutRequest{
		Buyer:         orders.Buyer{UserID: "u1"},
		Items:         []orders.ItemRequest{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
		PaymentMethod: orders.MethodVNPay,
	})
	require.NoError(t, err)
	require.Equal(t, int64(600000), o.FinalTotal)
	return o
}

func TestSweepCancelsExpiredReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.checkout(t)
	assert.Equal(t, 1, e.store.Stock("p1"))

	e.now = e.now.Add(14 * time.Minute)
	st, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Cancelled, "still inside the window")

	e.now = e.now.Add(2 * time.Minute)
	st, err = e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 3, st.UnitsReleased)

	cur, err := e.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cur.Status)
	assert.Contains(t, cur.Note, "auto-cancelled")
	assert.Nil(t, cur.ReservationExpiresAt)
	assert.Equal(t, 3, e.store.Stock("p1"))
	assert.Equal(t, 2, e.store.Stock("p2"))

	st, err = e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, reaper.Stats{}, st)
	assert.Equal(t, map[string]int{"p1": 2, "p2": 1}, e.ledger.released)
}

func TestSweepSkipsPaidOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.checkout(t)
	_, err := e.svc.ConfirmPayment(ctx, orders.PaymentResult{OrderID: o.ID, Amount: o.FinalTotal, Success: true})
	require.NoError(t, err)

	e.now = e.now.Add(time.Hour)
	st, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Cancelled)
	assert.Equal(t, 1, e.store.Stock("p1"))
}

type recordingCache struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingCache) Invalidate(_ context.Context, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, orderID)
}

func TestSweepRetriesFailedReleaseWithoutRetransition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.checkout(t)
	e.ledger.fail["p1"] = true
	cache := &recordingCache{}
	e.reaper.Cache = cache

	e.now = e.now.Add(16 * time.Minute)
	st, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 1, e.store.Stock("p1"))
	assert.Equal(t, 2, e.store.Stock("p2"))
	assert.Equal(t, []string{o.ID}, cache.ids)

	e.ledger.fail["p1"] = false
	st, err = e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Cancelled, "order is not transitioned again")
	assert.Equal(t, 2, st.UnitsReleased)
	assert.Equal(t, 3, e.store.Stock("p1"))

	cur, _ := e.store.Get(ctx, o.ID)
	assert.Empty(t, cur.Unreleased())
	assert.Equal(t, 1, strings.Count(cur.Note, reaper.ExpiredNote))
	assert.Equal(t, []string{o.ID, o.ID}, cache.ids, "retried release drops the cached copy")
	assert.Equal(t, map[string]int{"p1": 2, "p2": 1}, e.ledger.released)
}

func TestPaymentRacingSweepCommitsOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := newEnv(t)
		ctx := context.Background()
		o := e.checkout(t)
		e.now = e.now.Add(16 * time.Minute)

		var (
			wg     sync.WaitGroup
			payErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, payErr = e.svc.ConfirmPayment(ctx, orders.PaymentResult{OrderID: o.ID, Amount: o.FinalTotal, Success: true})
		}()
		go func() {
			defer wg.Done()
			_, err := e.reaper.Sweep(ctx)
			assert.NoError(t, err)
		}()
		wg.Wait()

		cur, err := e.store.Get(ctx, o.ID)
		require.NoError(t, err)
		switch cur.Status {
		case orders.StatusProcessing:
			assert.NoError(t, payErr)
			assert.True(t, cur.IsPaid)
			assert.Nil(t, cur.ReservationExpiresAt)
			assert.Empty(t, e.ledger.released)
			assert.Equal(t, 1, e.store.Stock("p1"))
		case orders.StatusCancelled:
			assert.ErrorIs(t, payErr, orders.ErrConflict)
			assert.False(t, cur.IsPaid)
			assert.Equal(t, map[string]int{"p1": 2, "p2": 1}, e.ledger.released)
			assert.Equal(t, 3, e.store.Stock("p1"))
		default:
			t.Fatalf("unexpected status %s", cur.Status)
		}
	}
}

type stubLocker struct{ held bool }

func (l *stubLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() { l.held = false }, true, nil
}

func TestSweepSkipsWhenLocked(t *testing.T) {
	e := newEnv(t)
	e.checkout(t)
	e.now = e.now.Add(time.Hour)
	lk := &stubLocker{held: true}
	e.reaper.Locker = lk

	st, err := e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Cancelled)

	lk.held = false
	st, err = e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cancelled)
	assert.False(t, lk.held, "lock released after sweep")
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.checkout(t)
	e.now = e.now.Add(time.Hour)
	e.reaper.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.reaper.Run(ctx) }()

	require.Eventually(t, func() bool { return e.store.Stock("p1") == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
