package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"

	maxCallbackBytes = int64(65536)
)

// OrderCache is the read-through cache behind GET /orders/{id}. A miss
// returns a lease; Put drops the copy if the order changed since then.
type OrderCache interface {
	Get(ctx context.Context, orderID string) (o *orders.Order, lease int64, ok bool)
	Put(ctx context.Context, o *orders.Order, lease int64) bool
}

// OrdersHandler adapts authenticated HTTP callers to the order service.
// Identity comes from headers set by the gateway in front of this service.
type OrdersHandler struct {
	Service  *orders.Service
	Catalog  inventory.Catalog
	Cache    OrderCache // optional
	Validate *validator.Validate
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewOrdersHandler(svc *orders.Service, catalog inventory.Catalog, cache OrderCache, logger *zap.Logger) *OrdersHandler {
	return &OrdersHandler{
		Service:  svc,
		Catalog:  catalog,
		Cache:    cache,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/checkout", h.checkout)

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/pay", h.pay)
	r.Post("/orders/{id}/cancel", h.cancel)

	r.Route("/admin/orders/{id}", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Post("/cancel", h.cancel)
		r.Post("/ship", h.ship)
		r.Post("/deliver", h.deliver)
		r.Post("/cod", h.payCOD)
	})

	r.Post("/payments/{method}/callback", h.callback)
	r.Get("/payments/{method}/callback", h.callback)
}

func actorFrom(r *http.Request) orders.Actor {
	return orders.Actor{
		UserID: r.Header.Get(headerUserID),
		Admin:  strings.EqualFold(r.Header.Get(headerRole), "admin"),
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r).Admin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type productView struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Stock     int                   `json:"stock"`
	Status    inventory.StockStatus `json:"stock_status"`
	Price     int64                 `json:"price"`
	UnitPrice int64                 `json:"unit_price"`
	FlashSale bool                  `json:"flash_sale"`
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Now()
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, productView{
			ID:        p.ID,
			Name:      p.Name,
			Stock:     p.Stock,
			Status:    p.Status,
			Price:     p.Price,
			UnitPrice: p.UnitPrice(now),
			FlashSale: p.FlashSale.Active(now),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type checkoutReq struct {
	orders.CheckoutRequest
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
	Locale    string `json:"locale"`
}

type checkoutResp struct {
	Order   *orders.Order       `json:"order"`
	Payment *orders.Instruction `json:"payment,omitempty"`
	Warning string              `json:"warning,omitempty"`
}

func (h *OrdersHandler) returnContext(r *http.Request, req checkoutReq) orders.ReturnContext {
	return orders.ReturnContext{
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
		ClientIP:  clientIP(r),
		Locale:    req.Locale,
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	if uid := r.Header.Get(headerUserID); uid != "" {
		req.Buyer = orders.Buyer{UserID: uid}
	} else {
		req.Buyer.UserID = ""
	}
	req.PaymentMethod = orders.PaymentMethod(strings.ToUpper(string(req.PaymentMethod)))
	if err := h.Validate.Struct(req.CheckoutRequest); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.Checkout(ctx, req.CheckoutRequest)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := checkoutResp{Order: o}
	ins, err := h.Service.BeginPayment(ctx, o, h.returnContext(r, req))
	if err != nil {
		// The reservation stands; the buyer can retry via /orders/{id}/pay
		// until it expires.
		h.Logger.Warn("payment initiation failed", zap.String("order_id", o.ID), zap.Error(err))
		resp.Warning = "payment could not be started, please retry"
	} else {
		resp.Payment = &ins
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.Get(ctx, chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if o.IsPaid || o.Status != orders.StatusPending {
		writeJSON(w, http.StatusConflict, errorBody{Error: "order is not awaiting payment"})
		return
	}
	ins, err := h.Service.BeginPayment(ctx, o, h.returnContext(r, req))
	if err != nil {
		h.Logger.Warn("payment initiation failed", zap.String("order_id", o.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "payment could not be started, please retry"})
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	f := orders.ListFilter{Status: orders.Status(r.URL.Query().Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status"})
		return
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	actor := actorFrom(r)
	if actor.Admin {
		f.UserID = r.URL.Query().Get("user_id")
	}
	out, err := h.Service.List(ctx, actor, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	actor := actorFrom(r)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	var lease int64
	if h.Cache != nil {
		o, l, ok := h.Cache.Get(ctx, orderID)
		if ok && (actor.Admin || o.OwnedBy(actor.UserID)) {
			writeJSON(w, http.StatusOK, o)
			return
		}
		lease = l
	}

	// 2) store
	o, err := h.Service.Get(ctx, orderID, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Put(ctx, o, lease)
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	actor := actorFrom(r)
	if !strings.HasPrefix(r.URL.Path, "/admin/") {
		// Buyer route: admin rights only apply on the admin surface.
		actor.Admin = false
	}
	o, err := h.Service.Cancel(ctx, chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) ship(w http.ResponseWriter, r *http.Request) {
	h.adminStep(w, r, h.Service.Ship)
}

func (h *OrdersHandler) deliver(w http.ResponseWriter, r *http.Request) {
	h.adminStep(w, r, h.Service.Deliver)
}

func (h *OrdersHandler) payCOD(w http.ResponseWriter, r *http.Request) {
	h.adminStep(w, r, h.Service.PayCOD)
}

func (h *OrdersHandler) adminStep(w http.ResponseWriter, r *http.Request, step func(context.Context, string) (*orders.Order, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	o, err := step(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type callbackResp struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// callback is the gateway webhook. Anything the gateway should not retry
// is answered 2xx; only an unauthenticated payload gets 400.
func (h *OrdersHandler) callback(w http.ResponseWriter, r *http.Request) {
	method := orders.PaymentMethod(strings.ToUpper(chi.URLParam(r, "method")))

	var cb orders.Callback
	if r.Method == http.MethodGet {
		cb.Body = []byte(r.URL.RawQuery)
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
			return
		}
		cb.Body = body
	}
	cb.Signature = r.Header.Get("Stripe-Signature")
	if cb.Signature == "" {
		cb.Signature = r.Header.Get("X-Signature")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Service.HandleCallback(ctx, method, cb)
	if acker, ok := h.Service.Gateways[method].(orders.CallbackAcker); ok {
		if err != nil && !settledCallback(err) {
			h.Logger.Error("payment callback failed", zap.String("method", string(method)), zap.Error(err))
		}
		status, body := acker.AckCallback(err)
		writeJSON(w, status, body)
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, callbackResp{Status: "ok", OrderID: o.ID})
	case errors.Is(err, orders.ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: paymentFailedMessage})
	case errors.Is(err, orders.ErrUnknownGateway):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, orders.ErrIgnoredCallback):
		writeJSON(w, http.StatusOK, callbackResp{Status: "ignored"})
	case errors.Is(err, orders.ErrAmountMismatch), errors.Is(err, orders.ErrPaymentFailed),
		errors.Is(err, orders.ErrConflict), errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusOK, callbackResp{Status: "rejected", Message: paymentFailedMessage})
	default:
		h.fail(w, r, err)
	}
}

// settledCallback reports whether err is a final answer for the gateway
// rather than a failure worth retrying.
func settledCallback(err error) bool {
	for _, target := range []error{
		orders.ErrInvalidSignature, orders.ErrIgnoredCallback, orders.ErrAmountMismatch,
		orders.ErrPaymentFailed, orders.ErrConflict, orders.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
