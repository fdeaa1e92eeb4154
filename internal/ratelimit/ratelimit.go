// Package ratelimit admits requests against fixed-window ceilings.
//
// A bucket names one counter (e.g. "rpm:key:<id>" or "tpm:key:<id>"); units
// is how much the request consumes from it (1 for request counting, the token
// estimate for token counting). Windows reset fully at their boundary, and a
// denied request learns how long until that boundary via RetryAfter.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int           // units left in the current window
	RetryAfter time.Duration // time to the window boundary, set when denied
}

// Limiter admits units against a bucket's fixed window. A limit <= 0 means
// the bucket is unlimited.
//
// Refund returns units consumed by an earlier Admit in the same window. A
// caller that passes several buckets in sequence uses it to back out the
// earlier ones when a later bucket denies, so a denial on one ceiling does
// not burn quota on another.
type Limiter interface {
	Admit(ctx context.Context, bucket string, limit, units int, window time.Duration) (Decision, error)
	Refund(ctx context.Context, bucket string, units int) error
}
