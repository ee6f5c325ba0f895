package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafka.Header)
}

// Emitter wraps order events in the v1 envelope and routes them to the
// producer of their topic.
type Emitter struct {
	Service    string
	Publishers map[string]Publisher // by topic
	Logger     *zap.Logger
}

const envelopeVersion = 1

func (e *Emitter) Emit(ctx context.Context, eventType, orderID string, payload any) {
	topic := orders.TopicFor(eventType)
	p, ok := e.Publishers[topic]
	if !ok {
		e.Logger.Warn("no publisher for event", zap.String("event_type", eventType))
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.Logger.Error("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		TraceID:       middleware.GetReqID(ctx),
		CorrelationID: orderID,
		Payload:       body,
	}
	p.Publish(ctx, orders.PartitionKey(orderID), MustMarshal(env),
		kafka.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(envelopeVersion))},
	)
}
