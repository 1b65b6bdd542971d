// Package retry classifies upstream RPC errors as retriable or not and
// drives a bounded, fixed-interval retry loop (spec.md §4.3).
package retry

import (
	"context"
	"strings"
	"time"
)

// nonRetriable tokens win over retriable ones when both match, since
// they are checked first.
var nonRetriable = []string{
	"invalid_path",
	"invalid path",
	"unauthorized",
	"forbidden",
	"bad request",
	"not found",
	"参数错误",
	"invalid",
}

var retriable = []string{
	"websocket not open",
	"no reverse ws client connected",
	"closed",
	"timeout",
	"timed out",
	"econnrefused",
	"econnreset",
	"failed to fetch",
	"network",
	"temporarily",
}

// IsRetriable classifies an error message by lowercased substring
// match. Non-retriable tokens are checked first; anything matching
// neither list defaults to retriable (spec.md §4.3).
func IsRetriable(message string) bool {
	lower := strings.ToLower(message)

	for _, token := range nonRetriable {
		if strings.Contains(lower, token) {
			return false
		}
	}
	for _, token := range retriable {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return true
}

// Do runs fn up to maxAttempts times, sleeping interval between
// attempts. It aborts early if the most recent error classifies as
// non-retriable, and surfaces the original error from the final
// attempt otherwise.
func Do(ctx context.Context, maxAttempts int, interval time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetriable(lastErr.Error()) {
			return lastErr
		}
		if attempt == maxAttempts {
			return lastErr
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
