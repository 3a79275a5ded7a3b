// Package reaper implements Zaku's periodic claim-expiry sweep: a
// ticker-driven background loop that iterates every known queue's claim
// set via the store package's atomic ReapExpired, reverting any claim past
// its deadline back to pending.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/geyang/zaku/pkg/metrics"
	"github.com/geyang/zaku/pkg/store"
)

// Reaper owns the background sweep goroutine.
type Reaper struct {
	store    store.Store
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Registry
}

// New constructs a Reaper. interval is the sweep period; callers should
// pass min(configured interval, smallest active ttl/4) for tight
// reclaim latency, though a fixed interval (config.DefaultReapInterval) is
// an acceptable simplification when ttls are not tracked centrally.
func New(st store.Store, interval time.Duration, log zerolog.Logger, reg *metrics.Registry) *Reaper {
	return &Reaper{store: st, interval: interval, log: log, metrics: reg}
}

// Run ticks until ctx is cancelled, sweeping every known queue on each
// tick. It is meant to run as a single background goroutine for the
// lifetime of the server process.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	queues, err := r.store.QueueNames(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: listing queue names failed")
		return
	}

	now := time.Now()
	for _, q := range queues {
		reaped, err := r.store.ReapExpired(ctx, q, now)
		if err != nil {
			r.log.Error().Err(err).Str("queue", q).Msg("reaper: sweep failed")
			continue
		}
		if len(reaped) > 0 {
			if r.metrics != nil {
				r.metrics.ReapedTotal.WithLabelValues(q).Add(float64(len(reaped)))
			}
			r.log.Debug().Str("queue", q).Int("count", len(reaped)).Msg("reaper: reclaimed expired claims")
		}

		if r.metrics != nil {
			if pending, claimed, derr := r.store.Depths(ctx, q); derr == nil {
				r.metrics.QueueDepth.WithLabelValues(q).Set(float64(pending))
				r.metrics.ClaimedDepth.WithLabelValues(q).Set(float64(claimed))
			}
		}
	}
}
