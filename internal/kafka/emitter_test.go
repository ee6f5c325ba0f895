package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type captured struct {
	key, value []byte
	headers    []kafka.Header
}

type fakePublisher struct{ msgs []captured }

func (f *fakePublisher) Publish(_ context.Context, key, value []byte, headers ...kafka.Header) {
	f.msgs = append(f.msgs, captured{key: key, value: value, headers: headers})
}

func TestEmitterWrapsEnvelope(t *testing.T) {
	paid := &fakePublisher{}
	e := &Emitter{
		Service:    "order-api",
		Publishers: map[string]Publisher{orders.TopicOrderPaid: paid},
		Logger:     zaptest.NewLogger(t),
	}

	e.Emit(context.Background(), orders.EventOrderPaid, "o-1", orders.OrderPaidPayload{OrderID: "o-1", Amount: 500000})
	e.Emit(context.Background(), orders.EventOrderCreated, "o-1", orders.OrderCreatedPayload{OrderID: "o-1"})

	require.Len(t, paid.msgs, 1)
	m := paid.msgs[0]
	assert.Equal(t, []byte("o-1"), m.key)
	assert.Equal(t, "x-event-type", m.headers[0].Key)
	assert.Equal(t, orders.EventOrderPaid, string(m.headers[0].Value))

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(m.value, &env))
	assert.Equal(t, orders.EventOrderPaid, env.EventType)
	assert.Equal(t, "order-api", env.Producer)
	assert.Equal(t, "o-1", env.CorrelationID)
	assert.NotEmpty(t, env.EventID)

	p, err := UnwrapPayload[orders.OrderPaidPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), p.Amount)
}
