package domain

import (
	"context"
	"time"
)

// PriceCache stores the latest USD price per collateral token symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no price has been cached for the
	// symbol.
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// LockManager provides distributed locks keyed by string. Acquire returns an
// unlock function on success and ErrLockHeld when another party holds the
// lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// WarnSuppressor deduplicates user warnings. Suppress returns true the first
// time a key is seen within the window and false while the window is open.
type WarnSuppressor interface {
	Suppress(ctx context.Context, key string, window time.Duration) (first bool, err error)
}
