package barstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/epic1st/sigflow/internal/engtypes"
)

// mirrorTTL bounds how long a symbol's mirrored list survives once the
// engine stops writing to it.
const mirrorTTL = 24 * time.Hour

// RedisMirror is a best-effort, write-only copy of each symbol's recent
// bars in a capped Redis list, so operators can inspect the live windows
// out-of-process. The engine never reads it back; losing writes is
// acceptable.
type RedisMirror struct {
	client   *redis.Client
	capacity int64
}

// NewRedisMirror creates a mirror that keeps up to capacity bars per
// symbol.
func NewRedisMirror(client *redis.Client, capacity int) *RedisMirror {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisMirror{client: client, capacity: int64(capacity)}
}

// Append implements Mirror. Errors are swallowed: the in-memory window is
// the authoritative store and a Redis outage must not stall finalization.
func (m *RedisMirror) Append(ctx context.Context, bar engtypes.Bar) {
	data, err := json.Marshal(bar)
	if err != nil {
		return
	}

	key := fmt.Sprintf("bars:%s", bar.Symbol)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -m.capacity, -1)
	pipe.Expire(ctx, key, mirrorTTL)
	_, _ = pipe.Exec(ctx)
}
