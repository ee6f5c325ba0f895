package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	tmnCode    = "SHOP01"
	hashSecret = "s3cret"
)

type testServer struct {
	store *memstore.Store
	svc   *orders.Service
	mux   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, nil, nil)
}

// newTestServerWith optionally wraps the order store and puts a redis cache
// in front of GET /orders/{id}.
func newTestServerWith(t *testing.T, wrap func(orders.Store) orders.Store, cache *redisx.StatusCache) *testServer {
	st := memstore.New()
	st.PutProduct(inventory.Product{ID: "p1", Name: "Áo dài", Stock: 5, Price: 250000})
	st.PutProduct(inventory.Product{ID: "p2", Name: "Nón lá", Stock: 1, Price: 100000})

	var store orders.Store = st
	if wrap != nil {
		store = wrap(st)
	}
	log := zaptest.NewLogger(t)
	svc := &orders.Service{
		Ledger:    st,
		Store:     store,
		Discounts: st,
		Gateways: map[orders.PaymentMethod]orders.Gateway{
			orders.MethodVNPay: &payment.Redirect{TmnCode: tmnCode, HashSecret: hashSecret, PayURL: "https://pay.example/vpcpay.html"},
		},
		Logger:      log,
		ShippingFee: 30000,
	}
	var oc OrderCache
	if cache != nil {
		svc.Cache = cache
		oc = cache
	}
	r := NewRouter(log)
	NewOrdersHandler(svc, st, oc, log).Register(r)
	return &testServer{store: st, svc: svc, mux: r}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	switch user {
	case "":
	case "admin":
		req.Header.Set(headerUserID, "ops")
		req.Header.Set(headerRole, "admin")
	default:
		req.Header.Set(headerUserID, user)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func checkoutBody(items ...orders.ItemRequest) map[string]any {
	return map[string]any{
		"items":          items,
		"payment_method": "vnpay",
		"return_url":     "https://shop.example/return",
		"shipping_address": orders.Address{
			FullName: "Nguyen Van A", Phone: "0900000000", Line1: "1 Le Loi", City: "HCMC",
		},
	}
}

func (s *testServer) checkout(t *testing.T, user string) checkoutResp {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/checkout", user, checkoutBody(orders.ItemRequest{ProductID: "p1", Quantity: 2}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp checkoutResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func vnpayCallback(orderID string, amount int64, code string) string {
	v := url.Values{}
	v.Set("vnp_TmnCode", tmnCode)
	v.Set("vnp_TxnRef", orderID)
	v.Set("vnp_Amount", strconv.FormatInt(amount*100, 10))
	v.Set("vnp_ResponseCode", code)
	v.Set("vnp_TransactionNo", "14012345")
	q := v.Encode()
	mac := hmac.New(sha512.New, []byte(hashSecret))
	mac.Write([]byte(q))
	return q + "&vnp_SecureHash=" + hex.EncodeToString(mac.Sum(nil))
}

// ipn delivers a signed gateway callback and decodes the acknowledgement.
func (s *testServer) ipn(t *testing.T, query string) payment.IPNAck {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/payments/vnpay/callback?"+query, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack payment.IPNAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	return ack
}

func TestCheckoutReservesAndRedirects(t *testing.T) {
	s := newTestServer(t)
	resp := s.checkout(t, "u1")

	require.NotNil(t, resp.Order)
	assert.Equal(t, orders.StatusPending, resp.Order.Status)
	assert.Equal(t, "u1", resp.Order.Buyer.UserID)
	assert.Equal(t, int64(530000), resp.Order.FinalTotal)
	require.NotNil(t, resp.Payment)
	assert.Contains(t, resp.Payment.RedirectURL, "vnp_TxnRef="+resp.Order.ID)
	assert.Equal(t, 3, s.store.Stock("p1"))
}

func TestCheckoutOutOfStockNamesProduct(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/checkout", "u1", checkoutBody(
		orders.ItemRequest{ProductID: "p1", Quantity: 1},
		orders.ItemRequest{ProductID: "p2", Quantity: 2},
	))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "p2", body.ProductID)
	assert.Equal(t, 5, s.store.Stock("p1"), "partial reservation rolled back")
}

func TestCheckoutValidation(t *testing.T) {
	s := newTestServer(t)
	body := checkoutBody(orders.ItemRequest{ProductID: "p1", Quantity: 1})
	delete(body, "shipping_address")
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/checkout", "u1", body).Code)

	body = checkoutBody(orders.ItemRequest{ProductID: "p1", Quantity: 0})
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/checkout", "u1", body).Code)

	body = checkoutBody(orders.ItemRequest{ProductID: "p1", Quantity: 1})
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/checkout", "", body).Code, "anonymous checkout needs guest contact")

	body["buyer"] = orders.Buyer{Guest: &orders.Guest{Name: "Lan", Email: "lan@example.com"}}
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/checkout", "", body).Code)
}

func TestWebhookConfirmsOnceAndRejectsForgeries(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, "u1").Order
	good := vnpayCallback(o.ID, o.FinalTotal, "00")

	for i := 0; i < 2; i++ {
		assert.Equal(t, payment.IPNAck{RspCode: "00", Message: "Confirm Success"}, s.ipn(t, good))
	}

	rec := s.do(t, http.MethodGet, "/orders/"+o.ID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.IsPaid)
	assert.Equal(t, orders.StatusProcessing, got.Status)
	assert.Nil(t, got.ReservationExpiresAt)

	forged := vnpayCallback(o.ID, 1, "00") + "x"
	assert.Equal(t, "97", s.ipn(t, forged).RspCode)
	assert.Equal(t, "01", s.ipn(t, vnpayCallback("missing", 1, "00")).RspCode)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/payments/paypal/callback?"+good, "", nil).Code)
}

func TestWebhookAmountMismatchIsAcknowledged(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, "u1").Order

	assert.Equal(t, "04", s.ipn(t, vnpayCallback(o.ID, o.FinalTotal-1, "00")).RspCode)

	rec := s.do(t, http.MethodGet, "/orders/"+o.ID, "u1", nil)
	var got orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.IsPaid)
	assert.Equal(t, orders.StatusPending, got.Status)
}

func TestCancelRoundTripAndPaidRefusal(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, "u1").Order

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/orders/"+o.ID+"/cancel", "u2", nil).Code)
	rec := s.do(t, http.MethodPost, "/orders/"+o.ID+"/cancel", "u1", cancelReq{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, s.store.Stock("p1"))

	paid := s.checkout(t, "u1").Order
	s.do(t, http.MethodGet, "/payments/vnpay/callback?"+vnpayCallback(paid.ID, paid.FinalTotal, "00"), "", nil)
	rec = s.do(t, http.MethodPost, "/orders/"+paid.ID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already paid")
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	o := s.checkout(t, "u1").Order
	s.do(t, http.MethodGet, "/payments/vnpay/callback?"+vnpayCallback(o.ID, o.FinalTotal, "00"), "", nil)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/ship", "u1", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/ship", "admin", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/ship", "admin", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/deliver", "admin", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/cod", "admin", nil).Code)
}

func TestListAndProducts(t *testing.T) {
	s := newTestServer(t)
	s.checkout(t, "u1")
	s.checkout(t, "u2")

	rec := s.do(t, http.MethodGet, "/orders", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "u1", mine[0].Buyer.UserID)

	rec = s.do(t, http.MethodGet, "/orders", "admin", nil)
	var all []orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/orders", "", nil).Code)

	rec = s.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps []productView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ps))
	require.Len(t, ps, 2)
	assert.Equal(t, "p1", ps[0].ID)
	assert.Equal(t, 1, ps[0].Stock)
	assert.Equal(t, int64(250000), ps[0].UnitPrice)
	assert.Equal(t, inventory.InStock, ps[0].Status)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

// payingStore commits a write right after the next order read, before the
// reader gets to cache what it saw.
type payingStore struct {
	orders.Store
	afterGet func()
}

func (s *payingStore) Get(ctx context.Context, id string) (*orders.Order, error) {
	o, err := s.Store.Get(ctx, id)
	if f := s.afterGet; f != nil {
		s.afterGet = nil
		f()
	}
	return o, err
}

func TestOrderCacheDropsCopyReadBeforePayment(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ps := &payingStore{}
	s := newTestServerWith(t, func(st orders.Store) orders.Store {
		ps.Store = st
		return ps
	}, &redisx.StatusCache{Redis: rdb})

	body := checkoutBody(orders.ItemRequest{ProductID: "p1", Quantity: 1})
	body["payment_method"] = "cod"
	rec := s.do(t, http.MethodPost, "/checkout", "u1", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp checkoutResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp.Order.ID

	ps.afterGet = func() {
		_, err := s.svc.PayCOD(context.Background(), id)
		require.NoError(t, err)
	}
	get := func() orders.Order {
		rec := s.do(t, http.MethodGet, "/orders/"+id, "u1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var o orders.Order
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
		return o
	}

	first := get()
	assert.Equal(t, orders.StatusPending, first.Status, "read committed before the payment")
	assert.False(t, mr.Exists("order_status:"+id), "pre-payment copy must not be cached")

	for i := 0; i < 2; i++ {
		o := get()
		assert.Equal(t, orders.StatusProcessing, o.Status)
		assert.True(t, o.IsPaid)
		assert.Nil(t, o.ReservationExpiresAt)
	}
	assert.True(t, mr.Exists("order_status:"+id))
}
