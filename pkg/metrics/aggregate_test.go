package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four workers each incrementing by one, a thousand times: the aggregate
// must be the exact sum.
func TestConcurrentCountersExact(t *testing.T) {
	g := NewRegistry(Options{})
	const workers = 4
	const increments = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := g.Recorder()
			c, err := rec.Counter("work_total", Labels{"queue": "default"})
			assert.NoError(t, err)
			for j := 0; j < increments; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	sn := g.Aggregate()
	keys := sn.Keys("work_total")
	require.Len(t, keys, 1)
	assert.Equal(t, uint64(workers*increments), sn.Counters[keys[0]])
}

func TestAggregateWhileRecording(t *testing.T) {
	g := NewRegistry(Options{})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := g.Recorder()
			c, _ := rec.Counter("busy_total", nil)
			h, _ := rec.Histogram("busy_seconds", nil)
			for {
				select {
				case <-stop:
					return
				default:
					c.Inc()
					h.Observe(0.01)
				}
			}
		}()
	}

	// Counters must be monotonic across consecutive cycles even under
	// concurrent writes.
	var lastCount, lastHist uint64
	for i := 0; i < 50; i++ {
		sn := g.Aggregate()
		k := Key{Name: "busy_total"}
		if sn.Counters[k] < lastCount {
			t.Fatalf("counter went backwards: %d -> %d", lastCount, sn.Counters[k])
		}
		lastCount = sn.Counters[k]
		if h := sn.Histograms[Key{Name: "busy_seconds"}]; h != nil {
			if h.Count() < lastHist {
				t.Fatalf("histogram count went backwards: %d -> %d", lastHist, h.Count())
			}
			lastHist = h.Count()
		}
	}
	close(stop)
	wg.Wait()
}

// A worker records ten samples and exits; the next cycle still reflects all
// ten, and so does every cycle after it.
func TestWorkerExitDurability(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	h, err := rec.Histogram("task_seconds", nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		h.Observe(float64(i) + 0.5)
	}
	c, err := rec.Counter("tasks_total", nil)
	require.NoError(t, err)
	c.Add(10)
	rec.Close()

	for cycle := 0; cycle < 3; cycle++ {
		sn := g.Aggregate()
		require.NotNil(t, sn.Histograms[Key{Name: "task_seconds"}], "cycle %d", cycle)
		assert.Equal(t, uint64(10), sn.Histograms[Key{Name: "task_seconds"}].Count(), "cycle %d", cycle)
		assert.Equal(t, uint64(10), sn.Counters[Key{Name: "tasks_total"}], "cycle %d", cycle)
	}
}

func TestGaugePolicies(t *testing.T) {
	cases := []struct {
		policy GaugePolicy
		want   float64
	}{
		{GaugeSum, 30},
		{GaugeMax, 20},
	}
	for _, tc := range cases {
		g := NewRegistry(Options{GaugePolicy: tc.policy})
		r1 := g.Recorder()
		r2 := g.Recorder()
		r1.SetGauge("depth", nil, 10)
		r2.SetGauge("depth", nil, 20)

		sn := g.Aggregate()
		assert.Equal(t, tc.want, sn.Gauges[Key{Name: "depth"}], "policy %d", tc.policy)
	}
}

func TestGaugeLastWriteWinsPerWorker(t *testing.T) {
	g := NewRegistry(Options{GaugePolicy: GaugeLast})
	rec := g.Recorder()
	gauge, err := rec.Gauge("depth", nil)
	require.NoError(t, err)
	gauge.Set(1)
	gauge.Set(2)
	gauge.Set(3)

	sn := g.Aggregate()
	assert.Equal(t, float64(3), sn.Gauges[Key{Name: "depth"}])
}

func TestHistogramMergeAcrossWorkers(t *testing.T) {
	g := NewRegistry(Options{Alpha: 0.01})
	r1 := g.Recorder()
	r2 := g.Recorder()
	h1, _ := r1.Histogram("latency_seconds", nil)
	h2, _ := r2.Histogram("latency_seconds", nil)
	for i := 1; i <= 500; i++ {
		h1.Observe(float64(i))
		h2.Observe(float64(i) * 2)
	}

	sn := g.Aggregate()
	merged := sn.Histograms[Key{Name: "latency_seconds"}]
	require.NotNil(t, merged)
	assert.Equal(t, uint64(1000), merged.Count())

	q, err := merged.Quantile(1)
	require.NoError(t, err)
	assert.InDelta(t, 1000, q, 11) // alpha-bounded
}

func TestEmptyRegistryAggregates(t *testing.T) {
	g := NewRegistry(Options{})
	sn := g.Aggregate()
	require.NotNil(t, sn)
	// Only the built-in rejected counter is present.
	assert.Len(t, sn.Pairs, 1)
	assert.True(t, sn.Consistent())
}

func TestSnapshotGenerationsIncrease(t *testing.T) {
	g := NewRegistry(Options{})
	a := g.Aggregate()
	b := g.Aggregate()
	assert.Greater(t, b.Generation, a.Generation)
	assert.Equal(t, uint64(2), g.Cycles())
}

func TestAggregatorRunStops(t *testing.T) {
	defer leaktest.Check(t)()

	g := NewRegistry(Options{})
	rec := g.Recorder()
	c, _ := rec.Counter("ticks_total", nil)
	c.Inc()

	agg := NewAggregator(g, 5*time.Millisecond, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agg.Run(ctx)
	}()

	require.Eventually(t, func() bool { return agg.Snapshot() != nil }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestAggregatorFreshUsesRecentSnapshot(t *testing.T) {
	g := NewRegistry(Options{})
	agg := NewAggregator(g, time.Hour, time.Hour, zerolog.Nop())

	first := agg.Fresh(context.Background())
	require.NotNil(t, first)
	// Fresh again well within the staleness window: no new cycle.
	second := agg.Fresh(context.Background())
	assert.Equal(t, first.Generation, second.Generation)
	assert.Equal(t, uint64(1), g.Cycles())
}

func TestAggregatorFreshStaleTriggersOneCycle(t *testing.T) {
	g := NewRegistry(Options{})
	agg := NewAggregator(g, time.Hour, time.Nanosecond, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, agg.Fresh(context.Background()))
		}()
	}
	wg.Wait()
	// Concurrent stale scrapes collapse into very few cycles; with a single
	// flight in progress they cannot approach one per caller.
	assert.LessOrEqual(t, g.Cycles(), uint64(3))
}
