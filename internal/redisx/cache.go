package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NoLease is returned when the cache could not be read; Put ignores it.
const NoLease int64 = -1

// A copy is stored only if no invalidation happened since the reader took
// its lease.
var putScript = redis.NewScript(`
local gen = redis.call('get', KEYS[2]) or '0'
if gen ~= ARGV[1] then
    return 0
end
redis.call('set', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var invalidateScript = redis.NewScript(`
redis.call('incr', KEYS[2])
redis.call('pexpire', KEYS[2], ARGV[1])
return redis.call('del', KEYS[1])
`)

// StatusCache keeps read-through copies of orders for GET /orders/{id}.
// The database stays the source of truth; writers call Invalidate after
// every committed change. Each Invalidate bumps a per-order generation, and
// Put only writes when the generation still matches the lease returned by
// the reader's Get, so a copy read before a write is never stored after it.
type StatusCache struct {
	Redis  redis.Cmdable
	Logger *zap.Logger
}

func cacheKeys(orderID string) []string {
	return []string{fmt.Sprintf(KeyOrderStatus, orderID), fmt.Sprintf(KeyOrderGen, orderID)}
}

// Get returns the cached order, or on a miss the lease to pass to Put.
func (c *StatusCache) Get(ctx context.Context, orderID string) (*orders.Order, int64, bool) {
	keys := cacheKeys(orderID)
	vals, err := c.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		c.warn("order cache read", orderID, err)
		return nil, NoLease, false
	}
	lease := int64(0)
	if g, ok := vals[1].(string); ok {
		if lease, err = strconv.ParseInt(g, 10, 64); err != nil {
			return nil, NoLease, false
		}
	}
	s, ok := vals[0].(string)
	if !ok {
		return nil, lease, false
	}
	var o orders.Order
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, lease, false
	}
	return &o, lease, true
}

// Put stores o unless the order was invalidated after lease was taken.
func (c *StatusCache) Put(ctx context.Context, o *orders.Order, lease int64) bool {
	if lease == NoLease {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	n, err := putScript.Run(ctx, c.Redis, cacheKeys(o.ID),
		strconv.FormatInt(lease, 10), b, TTLStatusCache.Milliseconds()).Int()
	if err != nil {
		c.warn("order cache write", o.ID, err)
		return false
	}
	return n == 1
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) {
	err := invalidateScript.Run(ctx, c.Redis, cacheKeys(orderID), TTLCacheGen.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.warn("order cache invalidate", orderID, err)
	}
}

func (c *StatusCache) warn(msg, orderID string, err error) {
	if c.Logger != nil && !errors.Is(err, redis.Nil) {
		c.Logger.Warn(msg, zap.String("order_id", orderID), zap.Error(err))
	}
}
