package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Aggregator drives periodic aggregation cycles and answers on-demand
// freshness requests from the scrape path. Concurrent freshness requests
// against one stale snapshot collapse into a single cycle.
type Aggregator struct {
	reg       *Registry
	interval  time.Duration
	staleness time.Duration
	logger    zerolog.Logger
	group     singleflight.Group
}

// NewAggregator wires an aggregator to a registry. interval is the periodic
// cycle length; staleness is how old a snapshot may be before a scrape
// triggers a synchronous cycle.
func NewAggregator(reg *Registry, interval, staleness time.Duration, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		reg:       reg,
		interval:  interval,
		staleness: staleness,
		logger:    logger.With().Str("component", "metrics-aggregator").Logger(),
	}
}

// Run executes aggregation cycles on a timer until ctx is cancelled. An
// in-flight cycle at shutdown completes; the previously published snapshot
// stays valid throughout.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.Info().Dur("interval", a.interval).Msg("Aggregation loop started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Aggregation loop stopped")
			return
		case <-ticker.C:
			a.aggregateOnce()
		}
	}
}

// Snapshot returns the last published snapshot, possibly nil.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.reg.Snapshot()
}

// Fresh returns a snapshot no older than the staleness threshold, running at
// most one aggregation cycle regardless of how many callers arrive at once.
func (a *Aggregator) Fresh(ctx context.Context) *Snapshot {
	if sn := a.reg.Snapshot(); sn != nil && time.Since(sn.TakenAt) <= a.staleness {
		return sn
	}
	ch := a.group.DoChan("aggregate", func() (interface{}, error) {
		return a.aggregateOnce(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(*Snapshot)
	case <-ctx.Done():
		// The caller went away; the cycle finishes on its own and the old
		// snapshot, if any, is still the best answer.
		return a.reg.Snapshot()
	}
}

func (a *Aggregator) aggregateOnce() *Snapshot {
	defer func() {
		// A panic inside aggregation must not take the process down or
		// corrupt the published snapshot; the previous one stays servable.
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Aggregation cycle panicked")
		}
	}()
	return a.reg.Aggregate()
}
