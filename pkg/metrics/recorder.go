package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// LocalRecorder is the per-worker recording table. Each worker (actor
// executor, goroutine pool member, ...) obtains its own recorder from the
// registry and is the only writer to it; the aggregator reads it
// concurrently. The hot path for an existing series takes no lock: the
// series table is a sync.Map keyed by the metric Key, so lookups are
// lock-free and creation happens once per series.
//
// For the truly allocation-free hot path, resolve a typed handle (Counter,
// Gauge, Histogram) once and record through it.
type LocalRecorder struct {
	reg    *Registry
	cells  sync.Map // Key -> *cell
	closed atomic.Bool
}

var _ Recorder = (*LocalRecorder)(nil)

// Close marks the recorder as retired, typically when its worker exits.
// Samples already recorded are not lost: the next aggregation cycle folds
// the table into the registry's retained state before dropping it.
func (r *LocalRecorder) Close() {
	r.closed.Store(true)
}

// Counter resolves a handle to the counter series for name and labels,
// creating the series on first use. The name must not already be registered
// with a different kind.
func (r *LocalRecorder) Counter(name string, labels Labels) (Counter, error) {
	c, err := r.cellChecked(name, labels, KindCounter)
	if err != nil {
		return Counter{}, err
	}
	return Counter{c: c}, nil
}

// Gauge resolves a handle to the gauge series for name and labels.
func (r *LocalRecorder) Gauge(name string, labels Labels) (Gauge, error) {
	c, err := r.cellChecked(name, labels, KindGauge)
	if err != nil {
		return Gauge{}, err
	}
	return Gauge{c: c}, nil
}

// Histogram resolves a handle to the histogram series for name and labels.
func (r *LocalRecorder) Histogram(name string, labels Labels) (Histogram, error) {
	c, err := r.cellChecked(name, labels, KindHistogram)
	if err != nil {
		return Histogram{}, err
	}
	return Histogram{c: c}, nil
}

// IncCounter increments a counter by 1.
func (r *LocalRecorder) IncCounter(name string, labels Labels) {
	r.AddToCounter(name, labels, 1)
}

// AddToCounter adds delta to a counter. Mismatched kinds drop the sample and
// bump the registry's rejected-samples counter; the caller is never failed.
func (r *LocalRecorder) AddToCounter(name string, labels Labels, delta uint64) {
	if c := r.cellLenient(name, labels, KindCounter); c != nil {
		c.addCounter(delta)
	}
}

// SetGauge sets the value of a gauge.
func (r *LocalRecorder) SetGauge(name string, labels Labels, value float64) {
	if c := r.cellLenient(name, labels, KindGauge); c != nil {
		c.setGauge(value)
	}
}

// IncGauge increments a gauge by 1.
func (r *LocalRecorder) IncGauge(name string, labels Labels) {
	if c := r.cellLenient(name, labels, KindGauge); c != nil {
		c.addGauge(1)
	}
}

// DecGauge decrements a gauge by 1.
func (r *LocalRecorder) DecGauge(name string, labels Labels) {
	if c := r.cellLenient(name, labels, KindGauge); c != nil {
		c.addGauge(-1)
	}
}

// ObserveHistogram records a new observation for a histogram.
func (r *LocalRecorder) ObserveHistogram(name string, labels Labels, value float64) {
	if c := r.cellLenient(name, labels, KindHistogram); c != nil {
		c.observe(value)
	}
}

// cellChecked returns the series cell, creating it if needed, and reports
// kind conflicts as errors.
func (r *LocalRecorder) cellChecked(name string, labels Labels, kind Kind) (*cell, error) {
	pairs, canon := canonicalize(labels)
	key := Key{Name: name, Labels: canon}
	if v, ok := r.cells.Load(key); ok {
		c := v.(*cell)
		if c.kind != kind {
			return nil, fmt.Errorf("metrics: %q already recorded as %s, not %s", name, c.kind, kind)
		}
		return c, nil
	}
	if err := r.reg.ensure(name, kind); err != nil {
		return nil, err
	}
	c := newCell(kind, pairs, r.reg.alpha)
	actual, _ := r.cells.LoadOrStore(key, c)
	return actual.(*cell), nil
}

// cellLenient is cellChecked for the Recorder interface: misuse is dropped
// and counted instead of returned.
func (r *LocalRecorder) cellLenient(name string, labels Labels, kind Kind) *cell {
	c, err := r.cellChecked(name, labels, kind)
	if err != nil {
		r.reg.reject(name, err)
		return nil
	}
	return c
}
