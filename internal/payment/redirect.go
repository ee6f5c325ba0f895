package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

const redirectVersion = "2.1.0"

var vnTime = time.FixedZone("ICT", 7*60*60)

// Redirect is a VNPay-style gateway: the buyer is sent to PayURL with a
// signed query string and the result comes back the same way, signed with
// HMAC-SHA512 over the sorted parameters.
type Redirect struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	Now        func() time.Time
}

func (r *Redirect) Method() orders.PaymentMethod { return orders.MethodVNPay }

func (r *Redirect) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// canonical encodes every vnp_ parameter except the hash fields, sorted by
// key.
func canonical(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v.Get(k)))
	}
	return strings.Join(parts, "&")
}

func (r *Redirect) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(r.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Redirect) Initiate(ctx context.Context, orderID string, amount int64, rc orders.ReturnContext) (orders.Instruction, error) {
	locale := rc.Locale
	if locale == "" {
		locale = "vn"
	}
	now := r.now().In(vnTime)
	v := url.Values{}
	v.Set("vnp_Version", redirectVersion)
	v.Set("vnp_Command", "pay")
	v.Set("vnp_TmnCode", r.TmnCode)
	v.Set("vnp_Amount", strconv.FormatInt(amount*100, 10))
	v.Set("vnp_CurrCode", "VND")
	v.Set("vnp_TxnRef", orderID)
	v.Set("vnp_OrderInfo", "Thanh toan don hang "+orderID)
	v.Set("vnp_OrderType", "other")
	v.Set("vnp_Locale", locale)
	v.Set("vnp_ReturnUrl", rc.ReturnURL)
	v.Set("vnp_IpAddr", rc.ClientIP)
	v.Set("vnp_CreateDate", now.Format("20060102150405"))
	v.Set("vnp_ExpireDate", now.Add(orders.DefaultReservationWindow).Format("20060102150405"))

	query := canonical(v)
	return orders.Instruction{
		Method:      orders.MethodVNPay,
		RedirectURL: r.PayURL + "?" + query + "&vnp_SecureHash=" + r.sign(query),
		Reference:   orderID,
	}, nil
}

// VerifyCallback takes the raw query string of the return or IPN call. The
// signature travels inside it as vnp_SecureHash.
func (r *Redirect) VerifyCallback(ctx context.Context, cb orders.Callback) (orders.PaymentResult, error) {
	res := orders.PaymentResult{Method: orders.MethodVNPay}
	v, err := url.ParseQuery(strings.TrimPrefix(string(cb.Body), "?"))
	if err != nil {
		return res, fmt.Errorf("%w: %v", orders.ErrInvalidSignature, err)
	}
	got := v.Get("vnp_SecureHash")
	if got == "" {
		got = cb.Signature
	}
	want := r.sign(canonical(v))
	if got == "" || !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return res, orders.ErrInvalidSignature
	}
	if v.Get("vnp_TmnCode") != r.TmnCode {
		return res, fmt.Errorf("%w: terminal %q", orders.ErrInvalidSignature, v.Get("vnp_TmnCode"))
	}

	amount, err := strconv.ParseInt(v.Get("vnp_Amount"), 10, 64)
	if err != nil {
		return res, fmt.Errorf("%w: amount %q", orders.ErrInvalidSignature, v.Get("vnp_Amount"))
	}
	res.OrderID = v.Get("vnp_TxnRef")
	res.Amount = amount / 100
	res.Reference = v.Get("vnp_TransactionNo")
	res.Success = v.Get("vnp_ResponseCode") == "00" &&
		(v.Get("vnp_TransactionStatus") == "" || v.Get("vnp_TransactionStatus") == "00")
	return res, nil
}

// IPNAck is the reply body the gateway reads from its IPN call.
type IPNAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// AckCallback maps a callback outcome to the gateway's IPN response codes.
// A declined payment was still recorded, so it is confirmed with 00.
func (r *Redirect) AckCallback(err error) (int, any) {
	switch {
	case err == nil, errors.Is(err, orders.ErrPaymentFailed), errors.Is(err, orders.ErrIgnoredCallback):
		return http.StatusOK, IPNAck{RspCode: "00", Message: "Confirm Success"}
	case errors.Is(err, orders.ErrInvalidSignature):
		return http.StatusOK, IPNAck{RspCode: "97", Message: "Invalid signature"}
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusOK, IPNAck{RspCode: "01", Message: "Order not found"}
	case errors.Is(err, orders.ErrConflict):
		return http.StatusOK, IPNAck{RspCode: "02", Message: "Order already confirmed"}
	case errors.Is(err, orders.ErrAmountMismatch):
		return http.StatusOK, IPNAck{RspCode: "04", Message: "Invalid amount"}
	default:
		return http.StatusOK, IPNAck{RspCode: "99", Message: "Unknown error"}
	}
}
