package metrics

import (
	"math"
	"sync/atomic"

	"telemetry-go/pkg/sketch"
)

// cell is the per-(worker, key) storage slot. All writes come from the
// owning worker; the aggregator reads concurrently with atomic loads, and
// histogram state is safe for single-writer/concurrent-reader access by
// construction of the sketch.
type cell struct {
	kind  Kind
	pairs []LabelPair
	bits  uint64 // counter value, or gauge float64 bits; atomic
	hist  *sketch.Sketch
}

func newCell(kind Kind, pairs []LabelPair, alpha float64) *cell {
	c := &cell{kind: kind, pairs: pairs}
	if kind == KindHistogram {
		c.hist = sketch.MustNew(alpha)
	}
	return c
}

func (c *cell) addCounter(delta uint64) {
	atomic.AddUint64(&c.bits, delta)
}

func (c *cell) counterValue() uint64 {
	return atomic.LoadUint64(&c.bits)
}

func (c *cell) setGauge(v float64) {
	atomic.StoreUint64(&c.bits, math.Float64bits(v))
}

func (c *cell) addGauge(delta float64) {
	for {
		old := atomic.LoadUint64(&c.bits)
		cur := math.Float64frombits(old)
		if atomic.CompareAndSwapUint64(&c.bits, old, math.Float64bits(cur+delta)) {
			return
		}
	}
}

func (c *cell) gaugeValue() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.bits))
}

func (c *cell) observe(v float64) {
	c.hist.Record(v)
}

// Counter is a zero-allocation handle to one counter series owned by a
// single worker.
type Counter struct{ c *cell }

// Inc increments the counter by 1.
func (h Counter) Inc() { h.c.addCounter(1) }

// Add increments the counter by delta.
func (h Counter) Add(delta uint64) { h.c.addCounter(delta) }

// Gauge is a zero-allocation handle to one gauge series owned by a single
// worker. The last write wins within the worker.
type Gauge struct{ c *cell }

// Set overwrites the gauge value.
func (h Gauge) Set(v float64) { h.c.setGauge(v) }

// Add shifts the gauge by delta (which may be negative).
func (h Gauge) Add(delta float64) { h.c.addGauge(delta) }

// Histogram is a zero-allocation handle to one histogram series owned by a
// single worker.
type Histogram struct{ c *cell }

// Observe records one sample. NaN and infinite values are dropped.
func (h Histogram) Observe(v float64) { h.c.observe(v) }
