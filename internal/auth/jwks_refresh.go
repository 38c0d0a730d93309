package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// jwksRefresher runs a background goroutine that periodically refreshes a
// jwksCache, independent of the on-demand refresh triggered by an unknown
// kid (spec.md §4.4: "cached with TTL and background refresh"). The
// ticker-plus-cancel/done-channel shape is adapted from the teacher's
// internal/scheduler/scheduler.go, repurposed here for key-rotation polling
// rather than pipeline-run scheduling; cron.Schedule (via cron.Every) is
// kept from the teacher's use of github.com/robfig/cron/v3 rather than a
// bare time.Ticker, so refresh timing follows the same cron abstraction the
// rest of the codebase uses for periodic work.
type jwksRefresher struct {
	cache    *jwksCache
	schedule cron.Schedule
	cancel   context.CancelFunc
	done     chan struct{}
}

// newJWKSRefresher constructs a refresher that fires every interval.
func newJWKSRefresher(cache *jwksCache, interval time.Duration) *jwksRefresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &jwksRefresher{
		cache:    cache,
		schedule: cron.Every(interval),
	}
}

// Start begins the background refresh loop.
func (r *jwksRefresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		next := r.schedule.Next(time.Now())

		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := r.cache.refresh(false); err != nil {
					slog.Warn("auth: background jwks refresh failed", "error", err)
				}
				next = r.schedule.Next(time.Now())
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *jwksRefresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}
