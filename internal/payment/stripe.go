// Package payment holds the gateway adapters the order service confirms
// payments through.
package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe pays orders through a hosted Checkout Session and learns the
// outcome from signed webhooks.
type Stripe struct {
	WebhookSecret string
	Currency      string // defaults to vnd

	// NewSession creates the checkout session; tests swap it out.
	NewSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewStripe(secretKey, webhookSecret, currency string) *Stripe {
	sc := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
	return &Stripe{
		WebhookSecret: webhookSecret,
		Currency:      currency,
		NewSession:    sc.New,
	}
}

func (s *Stripe) Method() orders.PaymentMethod { return orders.MethodStripe }

func (s *Stripe) currency() string {
	if s.Currency == "" {
		return string(stripe.CurrencyVND)
	}
	return s.Currency
}

func (s *Stripe) Initiate(ctx context.Context, orderID string, amount int64, rc orders.ReturnContext) (orders.Instruction, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(orderID),
		SuccessURL:        stripe.String(rc.ReturnURL),
		CancelURL:         stripe.String(rc.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency()),
				UnitAmount: stripe.Int64(amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + orderID),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"order_id": orderID},
		},
	}
	if rc.Locale != "" {
		params.Locale = stripe.String(rc.Locale)
	}
	params.AddMetadata("order_id", orderID)
	params.Context = ctx

	sess, err := s.NewSession(params)
	if err != nil {
		return orders.Instruction{}, fmt.Errorf("create checkout session: %w", err)
	}
	return orders.Instruction{Method: orders.MethodStripe, RedirectURL: sess.URL, Reference: sess.ID}, nil
}

// VerifyCallback checks the Stripe-Signature header against the raw body
// and maps the checkout and payment intent events onto a payment result.
func (s *Stripe) VerifyCallback(ctx context.Context, cb orders.Callback) (orders.PaymentResult, error) {
	ev, err := webhook.ConstructEventWithOptions(cb.Body, cb.Signature, s.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return orders.PaymentResult{}, fmt.Errorf("%w: %v", orders.ErrInvalidSignature, err)
	}

	res := orders.PaymentResult{Method: orders.MethodStripe}
	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return res, fmt.Errorf("decode checkout session: %w", err)
		}
		res.OrderID = cs.ClientReferenceID
		if res.OrderID == "" {
			res.OrderID = cs.Metadata["order_id"]
		}
		res.Amount = cs.AmountTotal
		res.Success = ev.Type != "checkout.session.async_payment_failed" &&
			ev.Type != "checkout.session.expired" &&
			cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		res.Reference = cs.ID
		if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
			res.Reference = cs.PaymentIntent.ID
		}
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return res, fmt.Errorf("decode payment intent: %w", err)
		}
		res.OrderID = pi.Metadata["order_id"]
		res.Amount = pi.AmountReceived
		if ev.Type == "payment_intent.payment_failed" {
			res.Amount = pi.Amount
		}
		res.Success = ev.Type == "payment_intent.succeeded"
		res.Reference = pi.ID
	default:
		return res, fmt.Errorf("%w: stripe event %s", orders.ErrIgnoredCallback, ev.Type)
	}
	if res.OrderID == "" {
		return res, fmt.Errorf("%w: stripe event %s has no order_id", orders.ErrIgnoredCallback, ev.ID)
	}
	return res, nil
}
