package servermanager

import (
	"context"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
)

// retryBackoff is the fixed schedule for transient ContainerClient errors
// (spec.md §4.7: "default 3 attempts, 200 ms, 1 s, 5 s").
var retryBackoff = []time.Duration{200 * time.Millisecond, time.Second, 5 * time.Second}

// isTransient reports whether err is the kind of failure worth retrying:
// the runtime or the call simply didn't answer in time, not a structural
// problem like an occupied port or invalid config.
func isTransient(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindRuntimeUnavailable, apperr.KindTimeout:
		return true
	default:
		return false
	}
}

// withRetry runs fn, retrying on a transient failure per retryBackoff until
// it succeeds, a non-transient error surfaces, or ctx is done.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= len(retryBackoff) {
			return err
		}
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return err
		}
	}
}
