package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const whsec = "whsec_test_secret"

func signed(t *testing.T, eventType, object string) orders.Callback {
	body := fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2024-06-20","type":%q,"data":{"object":%s}}`, eventType, object)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    whsec,
		Timestamp: time.Now(),
	})
	return orders.Callback{Body: sp.Payload, Signature: sp.Header}
}

func TestStripeCheckoutCompleted(t *testing.T) {
	s := &Stripe{WebhookSecret: whsec}
	cb := signed(t, "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","client_reference_id":"o1","amount_total":600000,"payment_status":"paid","payment_intent":"pi_1"}`)

	res, err := s.VerifyCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentResult{
		Method:    orders.MethodStripe,
		OrderID:   "o1",
		Amount:    600000,
		Success:   true,
		Reference: "pi_1",
	}, res)
}

func TestStripePaymentIntentFailed(t *testing.T) {
	s := &Stripe{WebhookSecret: whsec}
	cb := signed(t, "payment_intent.payment_failed",
		`{"id":"pi_2","object":"payment_intent","amount":5000,"amount_received":0,"metadata":{"order_id":"o2"}}`)

	res, err := s.VerifyCallback(context.Background(), cb)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "o2", res.OrderID)
	assert.Equal(t, int64(5000), res.Amount)
}

func TestStripeRejectsBadSignature(t *testing.T) {
	s := &Stripe{WebhookSecret: whsec}
	cb := signed(t, "checkout.session.completed", `{"id":"cs_1","object":"checkout.session"}`)
	cb.Body = append([]byte(nil), cb.Body...)
	cb.Body[len(cb.Body)-2] = ' '

	_, err := s.VerifyCallback(context.Background(), cb)
	assert.ErrorIs(t, err, orders.ErrInvalidSignature)

	_, err = (&Stripe{WebhookSecret: "whsec_other"}).VerifyCallback(context.Background(), signed(t, "checkout.session.completed", `{}`))
	assert.ErrorIs(t, err, orders.ErrInvalidSignature)
}

func TestStripeIgnoresUnrelatedEvents(t *testing.T) {
	s := &Stripe{WebhookSecret: whsec}
	_, err := s.VerifyCallback(context.Background(), signed(t, "customer.created", `{"id":"cus_1","object":"customer"}`))
	assert.ErrorIs(t, err, orders.ErrIgnoredCallback)
}

func TestStripeInitiate(t *testing.T) {
	var got *stripe.CheckoutSessionParams
	s := &Stripe{NewSession: func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = p
		return &stripe.CheckoutSession{ID: "cs_9", URL: "https://checkout.stripe.com/c/cs_9"}, nil
	}}

	ins, err := s.Initiate(context.Background(), "o9", 123000, orders.ReturnContext{ReturnURL: "https://shop/ok", CancelURL: "https://shop/no"})
	require.NoError(t, err)
	assert.Equal(t, orders.Instruction{Method: orders.MethodStripe, RedirectURL: "https://checkout.stripe.com/c/cs_9", Reference: "cs_9"}, ins)

	require.NotNil(t, got)
	assert.Equal(t, "o9", *got.ClientReferenceID)
	assert.Equal(t, "o9", got.Metadata["order_id"])
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(123000), *got.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "vnd", *got.LineItems[0].PriceData.Currency)
}
