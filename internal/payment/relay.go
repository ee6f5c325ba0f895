package payment

import (
	"context"
	"errors"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CallbackHandler is the part of the order service the relay drives.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, method orders.PaymentMethod, cb orders.Callback) (*orders.Order, error)
}

// Relay consumes gateway callbacks an edge service published on
// payment.callback and applies them. Redis dedups on event_id; the guarded
// payment transition keeps replays harmless even without it.
type Relay struct {
	Payments CallbackHandler
	Redis    redis.Cmdable // optional
	Logger   *zap.Logger
}

// settled reports whether err is a final answer for the callback, one that
// a redelivery would only repeat.
func settled(err error) bool {
	for _, target := range []error{
		orders.ErrInvalidSignature,
		orders.ErrAmountMismatch,
		orders.ErrPaymentFailed,
		orders.ErrConflict,
		orders.ErrNotFound,
		orders.ErrIgnoredCallback,
		orders.ErrUnknownGateway,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handle is a kafka.Handler. It returns an error only for failures worth
// redelivering.
func (r *Relay) Handle(ctx context.Context, m kafka.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		r.Logger.Warn("drop malformed callback envelope", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentCallback {
		return nil
	}
	log := r.Logger.With(zap.String("event_id", env.EventID), zap.String("trace_id", env.TraceID))

	dedupKey := fmt.Sprintf(redisx.KeyDedup, "payments", env.EventID)
	if r.Redis != nil && env.EventID != "" {
		seen, err := redisx.Exists(ctx, r.Redis, dedupKey)
		if err != nil {
			return err
		}
		if seen {
			log.Debug("callback already handled")
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentCallbackPayload](env.Payload)
	if err != nil {
		log.Warn("drop malformed callback payload", zap.Error(err))
		return nil
	}

	o, err := r.Payments.HandleCallback(ctx, p.Method, orders.Callback{Body: p.Body, Signature: p.Signature})
	switch {
	case err == nil:
		log.Info("relayed payment applied", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
	case settled(err):
		log.Info("relayed payment not applied", zap.String("method", string(p.Method)), zap.Error(err))
	default:
		return err
	}

	if r.Redis != nil && env.EventID != "" {
		if _, err := redisx.MarkOnce(ctx, r.Redis, dedupKey, redisx.TTLDedup); err != nil {
			log.Warn("mark callback handled", zap.Error(err))
		}
	}
	return nil
}
