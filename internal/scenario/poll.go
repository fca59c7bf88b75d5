package scenario

import (
	"context"
	"time"
)

// Poll runs fn once per interval, up to attempts times, until it reports
// done. It waits the interval before the first try, matching how a caller
// gives the subject a moment to make progress. The returned tries count is
// how many invocations happened; err is the last error fn returned, or the
// context error on cancellation.
func Poll(ctx context.Context, interval time.Duration, attempts int, fn func() (bool, error)) (done bool, tries int, err error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false, tries, ctx.Err()
		case <-ticker.C:
		}
		tries++
		done, err = fn()
		if done {
			return true, tries, err
		}
	}
	return false, tries, err
}
