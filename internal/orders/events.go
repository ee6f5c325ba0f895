package orders

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventOrderCreated    = "OrderCreated"
	EventOrderPaid       = "OrderPaid"
	EventOrderCancelled  = "OrderCancelled"
	EventPaymentCallback = "PaymentCallback"
)

const (
	TopicOrderCreated    = "order.created"
	TopicOrderPaid       = "order.paid"
	TopicOrderCancelled  = "order.cancelled"
	TopicPaymentCallback = "payment.callback"
)

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderPaid:
		return TopicOrderPaid
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventPaymentCallback:
		return TopicPaymentCallback
	}
	return ""
}

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// Emitter publishes order lifecycle events. Delivery is best effort; the
// store stays the source of truth.
type Emitter interface {
	Emit(ctx context.Context, eventType, orderID string, payload any)
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID              string        `json:"order_id"`
	UserID               string        `json:"user_id,omitempty"`
	Items                []ItemQty     `json:"items"`
	FinalTotal           int64         `json:"final_total"`
	PaymentMethod        PaymentMethod `json:"payment_method"`
	ReservationExpiresAt *time.Time    `json:"reservation_expires_at,omitempty"`
}

type OrderPaidPayload struct {
	OrderID    string        `json:"order_id"`
	Method     PaymentMethod `json:"method"`
	PaymentRef string        `json:"payment_ref,omitempty"`
	Amount     int64         `json:"amount"`
}

type OrderCancelledPayload struct {
	OrderID string    `json:"order_id"`
	Reason  string    `json:"reason"`
	Items   []ItemQty `json:"items"`
}

// PaymentCallbackPayload is a gateway callback relayed through Kafka by an
// edge service. Body and Signature are passed to the gateway untouched.
type PaymentCallbackPayload struct {
	Method    PaymentMethod `json:"method"`
	Body      []byte        `json:"body"`
	Signature string        `json:"signature,omitempty"`
}

func itemQtys(items []LineItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, li := range items {
		out = append(out, ItemQty{ProductID: li.ProductID, Qty: li.Quantity})
	}
	return out
}
