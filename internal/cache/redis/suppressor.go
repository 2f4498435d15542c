package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// WarnSuppressor implements domain.WarnSuppressor using SETNX with a TTL.
// The first Suppress call for a key within the window wins; later calls see
// the key and are suppressed until it expires.
type WarnSuppressor struct {
	rdb *redis.Client
}

// NewWarnSuppressor creates a WarnSuppressor backed by the given Client.
func NewWarnSuppressor(c *Client) *WarnSuppressor {
	return &WarnSuppressor{rdb: c.Underlying()}
}

func warnKey(key string) string {
	return "warn:" + key
}

// Suppress reports whether this is the first occurrence of key within the
// window.
func (ws *WarnSuppressor) Suppress(ctx context.Context, key string, window time.Duration) (bool, error) {
	first, err := ws.rdb.SetNX(ctx, warnKey(key), time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: suppress %s: %w", key, err)
	}
	return first, nil
}

// Compile-time interface check.
var _ domain.WarnSuppressor = (*WarnSuppressor)(nil)
