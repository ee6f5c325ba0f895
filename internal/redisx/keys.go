package redisx

import "time"

const (
	// Cached order view: order_status:{order_id} -> order JSON
	KeyOrderStatus = "order_status:%s"
	// Invalidation generation of the cached view: order_status_gen:{order_id}
	KeyOrderGen = "order_status_gen:%s"

	// Dedup of relayed payment callbacks: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cross-instance locks: lock:{name}
	KeyLock = "lock:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	// Outlives any in-flight read so a stale lease cannot match a reset counter.
	TTLCacheGen = 2 * TTLStatusCache
	TTLDedup       = 48 * time.Hour
)
