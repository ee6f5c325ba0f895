package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/money"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultReservationWindow = 15 * time.Minute

type ItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type CheckoutRequest struct {
	Buyer           Buyer         `json:"buyer"`
	Items           []ItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress Address       `json:"shipping_address"`
	PaymentMethod   PaymentMethod `json:"payment_method" validate:"required"`
	DiscountCode    string        `json:"discount_code,omitempty"`
}

func (r CheckoutRequest) check() error {
	if r.Buyer.UserID == "" && (r.Buyer.Guest == nil || r.Buyer.Guest.Email == "") {
		return fmt.Errorf("%w: buyer or guest contact is required", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for _, it := range r.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: invalid line %q x%d", ErrInvalidRequest, it.ProductID, it.Quantity)
		}
	}
	if !r.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, r.PaymentMethod)
	}
	return nil
}

// Actor is the authenticated caller of a buyer or admin operation.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) label() string {
	if a.Admin {
		return "admin"
	}
	return "buyer"
}

// Service runs the order lifecycle. It keeps no mutable state of its own;
// all coordination goes through the Ledger and the Store.
type Service struct {
	Ledger    inventory.Ledger
	Store     Store
	Discounts DiscountLookup
	Gateways  map[PaymentMethod]Gateway
	Events    Emitter
	Cache     StatusCache
	Logger    *zap.Logger

	ReservationWindow time.Duration
	ShippingFee       int64
	FreeShippingOver  int64 // 0 disables free shipping

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) window() time.Duration {
	if s.ReservationWindow > 0 {
		return s.ReservationWindow
	}
	return DefaultReservationWindow
}

func (s *Service) emit(ctx context.Context, eventType, orderID string, payload any) {
	if s.Events != nil {
		s.Events.Emit(ctx, eventType, orderID, payload)
	}
}

func (s *Service) changed(ctx context.Context, orderID string) {
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, orderID)
	}
}

// Checkout reserves stock for every requested line and persists a pending
// order holding it. It is all-or-nothing: any failure after the first
// reservation releases everything reserved in this call.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	if err := req.check(); err != nil {
		metrics.Checkouts.WithLabelValues("invalid").Inc()
		return nil, err
	}
	now := s.now()
	hold := inventory.NewHold(s.Ledger)

	items := make([]LineItem, 0, len(req.Items))
	var subTotal int64
	for i, it := range req.Items {
		p, err := hold.Reserve(ctx, it.ProductID, it.Quantity)
		if err != nil {
			s.rollback(ctx, hold)
			result := "error"
			if errors.Is(err, ErrInsufficientStock) {
				result = "out_of_stock"
			}
			metrics.Checkouts.WithLabelValues(result).Inc()
			return nil, fmt.Errorf("reserve %s: %w", it.ProductID, err)
		}
		unit := p.UnitPrice(now)
		li := LineItem{
			Line:         i + 1,
			ProductID:    it.ProductID,
			Name:         p.Name,
			Quantity:     it.Quantity,
			UnitPrice:    p.Price,
			LineDiscount: (p.Price - unit) * int64(it.Quantity),
		}
		subTotal += li.Total()
		items = append(items, li)
	}

	var discount int64
	if req.DiscountCode != "" {
		if s.Discounts == nil {
			s.rollback(ctx, hold)
			metrics.Checkouts.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidDiscount
		}
		d, err := s.Discounts.Lookup(ctx, req.DiscountCode, subTotal)
		if err != nil {
			s.rollback(ctx, hold)
			metrics.Checkouts.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("discount %q: %w", req.DiscountCode, err)
		}
		discount = money.Clamp(d, 0, subTotal)
	}

	fee := s.ShippingFee
	if s.FreeShippingOver > 0 && subTotal-discount >= s.FreeShippingOver {
		fee = 0
	}

	expires := now.Add(s.window())
	o := &Order{
		ID:                   uuid.NewString(),
		Buyer:                req.Buyer,
		Items:                items,
		ShippingAddress:      req.ShippingAddress,
		Status:               StatusPending,
		PaymentMethod:        req.PaymentMethod,
		ReservationExpiresAt: &expires,
		DiscountCode:         req.DiscountCode,
		SubTotal:             subTotal,
		DiscountAmount:       discount,
		ShippingFee:          fee,
		FinalTotal:           subTotal - discount + fee,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.Store.Create(ctx, o); err != nil {
		s.rollback(ctx, hold)
		metrics.Checkouts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create order: %w", err)
	}
	hold.Commit()
	metrics.Checkouts.WithLabelValues("ok").Inc()

	s.log().Info("order reserved",
		zap.String("order_id", o.ID),
		zap.Int("lines", len(items)),
		zap.Int64("final_total", o.FinalTotal),
		zap.Time("expires_at", expires))
	s.emit(ctx, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:              o.ID,
		UserID:               o.Buyer.UserID,
		Items:                itemQtys(items),
		FinalTotal:           o.FinalTotal,
		PaymentMethod:        o.PaymentMethod,
		ReservationExpiresAt: o.ReservationExpiresAt,
	})
	return o, nil
}

func (s *Service) rollback(ctx context.Context, hold *inventory.Hold) {
	if hold.Len() == 0 {
		return
	}
	if err := hold.Rollback(ctx); err != nil {
		s.log().Error("checkout rollback incomplete, stock not returned", zap.Error(err))
	}
}

// BeginPayment asks the order's gateway where the buyer should pay.
func (s *Service) BeginPayment(ctx context.Context, o *Order, rc ReturnContext) (Instruction, error) {
	if o.PaymentMethod == MethodCOD {
		return Instruction{Method: MethodCOD}, nil
	}
	gw, ok := s.Gateways[o.PaymentMethod]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s", ErrUnknownGateway, o.PaymentMethod)
	}
	ins, err := gw.Initiate(ctx, o.ID, o.FinalTotal, rc)
	if err != nil {
		return Instruction{}, fmt.Errorf("initiate %s payment: %w", o.PaymentMethod, err)
	}
	return ins, nil
}

// HandleCallback authenticates a raw gateway callback and confirms the
// payment it reports.
func (s *Service) HandleCallback(ctx context.Context, method PaymentMethod, cb Callback) (*Order, error) {
	gw, ok := s.Gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, method)
	}
	res, err := gw.VerifyCallback(ctx, cb)
	if errors.Is(err, ErrIgnoredCallback) {
		metrics.Payments.WithLabelValues(string(method), "ignored").Inc()
		return nil, err
	}
	if err != nil {
		metrics.Payments.WithLabelValues(string(method), "invalid_signature").Inc()
		s.log().Warn("payment callback rejected",
			zap.Bool("security", true),
			zap.String("method", string(method)),
			zap.Error(err))
		if !errors.Is(err, ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, err
	}
	if res.Method == "" {
		res.Method = method
	}
	return s.ConfirmPayment(ctx, res)
}

// ConfirmPayment applies a verified gateway result. Replays of an already
// applied result return the stored order and no error.
func (s *Service) ConfirmPayment(ctx context.Context, res PaymentResult) (*Order, error) {
	log := s.log().With(zap.String("order_id", res.OrderID), zap.String("method", string(res.Method)))
	o, err := s.Store.Get(ctx, res.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		metrics.Payments.WithLabelValues(string(res.Method), "duplicate").Inc()
		log.Info("payment already applied")
		return o, nil
	}
	if !res.Success {
		metrics.Payments.WithLabelValues(string(res.Method), "failed").Inc()
		log.Info("gateway reported failed payment")
		return nil, ErrPaymentFailed
	}
	if res.Method != "" && res.Method != o.PaymentMethod {
		metrics.Payments.WithLabelValues(string(res.Method), "failed").Inc()
		log.Warn("payment method does not match order", zap.String("order_method", string(o.PaymentMethod)))
		return nil, ErrPaymentFailed
	}
	if res.Amount != o.FinalTotal {
		metrics.Payments.WithLabelValues(string(res.Method), "amount_mismatch").Inc()
		log.Warn("payment amount mismatch", zap.Int64("amount", res.Amount), zap.Int64("final_total", o.FinalTotal))
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, res.Amount, o.FinalTotal)
	}
	paid, err := s.markPaid(ctx, o, res.Reference, fmt.Sprintf("paid via %s", o.PaymentMethod))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.Payments.WithLabelValues(string(res.Method), "conflict").Inc()
			log.Warn("payment arrived after the order was resolved; refund required", zap.Error(err))
		}
		return nil, err
	}
	metrics.Payments.WithLabelValues(string(res.Method), "ok").Inc()
	log.Info("payment confirmed", zap.Int64("amount", res.Amount))
	return paid, nil
}

// PayCOD confirms a cash-on-delivery order. Repeated calls are no-ops.
func (s *Service) PayCOD(ctx context.Context, id string) (*Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != MethodCOD {
		return nil, ErrNotCOD
	}
	if o.IsPaid {
		return o, nil
	}
	paid, err := s.markPaid(ctx, o, "", "cash on delivery confirmed")
	if err != nil {
		return nil, err
	}
	metrics.Payments.WithLabelValues(string(MethodCOD), "ok").Inc()
	return paid, nil
}

func (s *Service) markPaid(ctx context.Context, o *Order, ref, note string) (*Order, error) {
	if o.Status != StatusPending && o.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: order is %s", ErrConflict, o.Status)
	}
	now := s.now()
	paid, err := s.Store.Transition(ctx, o.ID, o.Status, StatusProcessing, Update{
		MarkPaidAt: &now,
		PaymentRef: ref,
		AppendNote: note,
	})
	if errors.Is(err, ErrConflict) {
		// Another confirmation may have won the race; that is still success.
		cur, gerr := s.Store.Get(ctx, o.ID)
		if gerr == nil && cur.IsPaid {
			return cur, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.changed(ctx, paid.ID)
	s.emit(ctx, EventOrderPaid, paid.ID, OrderPaidPayload{
		OrderID:    paid.ID,
		Method:     paid.PaymentMethod,
		PaymentRef: paid.PaymentRef,
		Amount:     paid.FinalTotal,
	})
	return paid, nil
}

// Cancel cancels an order and returns its stock exactly once. Buyers may
// only cancel their own pending orders; admins any non-terminal one. Paid
// orders are refused here, refunds go through a separate path.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !o.OwnedBy(actor.UserID) {
		return nil, ErrForbidden
	}
	if o.IsPaid {
		return nil, ErrAlreadyPaidCannotCancel
	}
	if !actor.Admin && o.Status != StatusPending {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}

	note := "cancelled by " + actor.label()
	if reason != "" {
		note += ": " + reason
	}
	c, err := s.Store.Transition(ctx, id, o.Status, StatusCancelled, Update{
		RequireUnpaid: true,
		AppendNote:    note,
	})
	if errors.Is(err, ErrConflict) {
		if cur, gerr := s.Store.Get(ctx, id); gerr == nil && cur.IsPaid {
			return nil, ErrAlreadyPaidCannotCancel
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	metrics.Cancellations.WithLabelValues(actor.label()).Inc()

	units, rerr := ReleaseLines(ctx, s.Store, s.Ledger, c)
	metrics.StockReleased.Add(float64(units))
	if rerr != nil {
		// The order stays cancelled; the reaper retries unreleased lines.
		metrics.ReleaseFailures.Inc()
		s.log().Error("stock release incomplete", zap.String("order_id", id), zap.Error(rerr))
	}
	s.changed(ctx, id)
	s.emit(ctx, EventOrderCancelled, id, OrderCancelledPayload{OrderID: id, Reason: note, Items: itemQtys(c.Items)})
	s.log().Info("order cancelled", zap.String("order_id", id), zap.String("actor", actor.label()), zap.Int("units_released", units))
	return c, nil
}

// Ship moves a processing order to shipped.
func (s *Service) Ship(ctx context.Context, id string) (*Order, error) {
	return s.advance(ctx, id, StatusProcessing, StatusShipped, "shipped")
}

// Deliver moves a shipped order to delivered.
func (s *Service) Deliver(ctx context.Context, id string) (*Order, error) {
	return s.advance(ctx, id, StatusShipped, StatusDelivered, "delivered")
}

func (s *Service) advance(ctx context.Context, id string, from, to Status, note string) (*Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
	}
	out, err := s.Store.Transition(ctx, id, from, to, Update{AppendNote: note})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, id)
	return out, nil
}

// Get returns an order visible to actor.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Order, error) {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !o.OwnedBy(actor.UserID) {
		return nil, ErrForbidden
	}
	return o, nil
}

// List returns the actor's orders; admins may list across buyers.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]*Order, error) {
	if !actor.Admin {
		if actor.UserID == "" {
			return nil, ErrForbidden
		}
		f.UserID = actor.UserID
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return s.Store.List(ctx, f)
}
