// Package cache provides exact-match response caching for completed requests.
//
// Keys are content-addressed fingerprints (see Fingerprint); values are
// Entry envelopes carrying the serialized response plus the token usage and
// cost needed to account for a hit without re-pricing it.
//
// Two interchangeable backends: RedisCache for shared multi-replica setups
// and MemoryCache for single-instance or test runs. Both degrade gracefully,
// a broken cache turns into a 100% miss rate, never into request failures.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// keyPrefix namespaces every cache key, so shared backends can be counted and
// flushed without touching other keyspaces (rate-limit windows, sessions).
const keyPrefix = "cache:"

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Entries counts stored entries, including expired ones not yet evicted.
	Entries(ctx context.Context) (int, error)

	// Flush drops every entry and reports how many were removed.
	Flush(ctx context.Context) (int, error)
}

// Entry is the stored envelope for one cached response.
type Entry struct {
	Payload      json.RawMessage `json:"payload"` // client-facing response body
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"` // cost of the original request
	Deployment   string          `json:"deployment"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EncodeEntry serializes an entry for storage.
func EncodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return data, nil
}

// DecodeEntry deserializes a stored entry. A decode failure means the stored
// bytes are from an incompatible version; callers treat it as a miss.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: decode entry: %w", err)
	}
	return &e, nil
}
