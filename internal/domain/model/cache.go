package model

import "time"

type Freshness string

const (
	FreshnessCurrent Freshness = "current"
	FreshnessStale   Freshness = "stale"
)

// CacheEntry wraps a cached value with the as-of date of the data it holds and
// a freshness tag derived from the fetch cursor at insertion time.
type CacheEntry[T any] struct {
	Value     T         `json:"value"`
	AsOf      time.Time `json:"as_of"`
	Freshness Freshness `json:"freshness"`
	CachedAt  time.Time `json:"cached_at"`
}
