// Package metrics implements the recording and aggregation core: typed
// metric descriptors, per-worker lock-free recording tables, and a registry
// that periodically merges all tables into an immutable snapshot published
// through a sequence lock.
package metrics

import "fmt"

// Kind identifies the type of a metric. A name's kind is fixed on first
// registration and never changes.
type Kind uint8

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Descriptor is the immutable identity of a metric name.
type Descriptor struct {
	Name string
	Kind Kind
	Help string
	Unit string
}

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// GaugePolicy selects how gauge values written under the same key by
// different workers are combined during aggregation.
type GaugePolicy uint8

const (
	// GaugeSum adds the per-worker values. This is the default and the
	// right choice for gauges used as rates or occupancy counts.
	GaugeSum GaugePolicy = iota
	// GaugeLast keeps one worker's value: the last write within a worker
	// wins, and across workers the most recently registered worker wins.
	GaugeLast
	// GaugeMax keeps the largest per-worker value.
	GaugeMax
)

// ParseGaugePolicy maps a configuration string to a policy.
func ParseGaugePolicy(s string) (GaugePolicy, error) {
	switch s {
	case "", "sum":
		return GaugeSum, nil
	case "last":
		return GaugeLast, nil
	case "max":
		return GaugeMax, nil
	default:
		return GaugeSum, fmt.Errorf("metrics: unknown gauge policy %q", s)
	}
}

// Recorder defines the standard interface for recording application metrics.
// Implementations never fail the caller: malformed samples are dropped and
// counted, not propagated.
type Recorder interface {
	// IncCounter increments a counter by 1.
	IncCounter(name string, labels Labels)

	// AddToCounter adds delta to a counter.
	AddToCounter(name string, labels Labels, delta uint64)

	// SetGauge sets the value of a gauge.
	SetGauge(name string, labels Labels, value float64)

	// IncGauge increments a gauge by 1.
	IncGauge(name string, labels Labels)

	// DecGauge decrements a gauge by 1.
	DecGauge(name string, labels Labels)

	// ObserveHistogram records a new observation for a histogram.
	ObserveHistogram(name string, labels Labels, value float64)
}

// noopRecorder is an implementation of Recorder that does nothing.
// It is used when telemetry is disabled to avoid nil checks.
type noopRecorder struct{}

// NewNoopRecorder returns a new no-op recorder.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

func (r *noopRecorder) IncCounter(name string, labels Labels)                      {}
func (r *noopRecorder) AddToCounter(name string, labels Labels, delta uint64)      {}
func (r *noopRecorder) SetGauge(name string, labels Labels, value float64)         {}
func (r *noopRecorder) IncGauge(name string, labels Labels)                        {}
func (r *noopRecorder) DecGauge(name string, labels Labels)                        {}
func (r *noopRecorder) ObserveHistogram(name string, labels Labels, value float64) {}
