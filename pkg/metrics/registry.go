package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"telemetry-go/pkg/sketch"
)

// RejectedSamplesMetric counts samples dropped for data-quality or kind
// mismatch reasons. It is maintained internally and present in every
// snapshot.
const RejectedSamplesMetric = "telemetry_rejected_samples_total"

// DefaultAlpha is the default relative accuracy for histogram sketches.
const DefaultAlpha = 0.01

// Options configures a Registry.
type Options struct {
	// Alpha is the relative accuracy of histogram sketches. Defaults to
	// DefaultAlpha.
	Alpha float64
	// GaugePolicy selects cross-worker gauge aggregation. Defaults to
	// GaugeSum.
	GaugePolicy GaugePolicy
	Logger      zerolog.Logger
}

// Registry owns the metric descriptors and the set of live per-worker
// recording tables, and produces aggregated snapshots. It is an explicit
// handle, not process-global state: tests and embedding runtimes may hold
// several independent registries.
//
// The registry's mutex covers only descriptor registration and the
// recorder-table list; it is taken once per worker lifetime and once per
// aggregation cycle, never on the sample recording path.
type Registry struct {
	logger zerolog.Logger
	alpha  float64
	policy GaugePolicy

	mu          sync.Mutex
	descriptors map[string]Descriptor
	order       []string
	recorders   []*LocalRecorder

	// aggMu serializes aggregation cycles and guards retained.
	aggMu    sync.Mutex
	retained map[Key]*cell

	rejected   uint64 // atomic
	cycles     uint64 // atomic
	generation uint64 // aggMu

	slot snapshotSlot
}

// NewRegistry creates a registry. The registry lives for the lifetime of the
// process (or test) and is never torn down.
func NewRegistry(opts Options) *Registry {
	alpha := opts.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	g := &Registry{
		logger:      opts.Logger.With().Str("component", "metrics-registry").Logger(),
		alpha:       alpha,
		policy:      opts.GaugePolicy,
		descriptors: make(map[string]Descriptor),
		retained:    make(map[Key]*cell),
	}
	// The rejected-samples counter is always present.
	g.descriptors[RejectedSamplesMetric] = Descriptor{
		Name: RejectedSamplesMetric,
		Kind: KindCounter,
		Help: "Samples dropped due to invalid values or metric kind mismatch.",
	}
	g.order = append(g.order, RejectedSamplesMetric)
	return g
}

// Alpha returns the sketch accuracy used for histograms.
func (g *Registry) Alpha() float64 { return g.alpha }

// Register declares a metric name before first use. Re-registering an
// existing name with the same kind is a no-op that may fill in help/unit;
// a conflicting kind is a configuration error.
func (g *Registry) Register(name string, kind Kind, help, unit string) error {
	if name == "" {
		return fmt.Errorf("metrics: empty metric name")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.descriptors[name]; ok {
		if d.Kind != kind {
			return fmt.Errorf("metrics: %q already registered as %s, cannot re-register as %s", name, d.Kind, kind)
		}
		if d.Help == "" && help != "" {
			d.Help = help
			d.Unit = unit
			g.descriptors[name] = d
		}
		return nil
	}
	g.descriptors[name] = Descriptor{Name: name, Kind: kind, Help: help, Unit: unit}
	g.order = append(g.order, name)
	return nil
}

// MustRegister is Register for statically known metrics.
func (g *Registry) MustRegister(name string, kind Kind, help, unit string) {
	if err := g.Register(name, kind, help, unit); err != nil {
		panic(err)
	}
}

// ensure registers name implicitly with the observed kind, or verifies the
// existing registration.
func (g *Registry) ensure(name string, kind Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.descriptors[name]; ok {
		if d.Kind != kind {
			return fmt.Errorf("metrics: %q is a %s, recorded as %s", name, d.Kind, kind)
		}
		return nil
	}
	g.descriptors[name] = Descriptor{Name: name, Kind: kind}
	g.order = append(g.order, name)
	return nil
}

// Recorder creates and registers a new per-worker recording table. The lock
// is held once per worker lifetime, not per sample.
func (g *Registry) Recorder() *LocalRecorder {
	r := &LocalRecorder{reg: g}
	g.mu.Lock()
	g.recorders = append(g.recorders, r)
	g.mu.Unlock()
	return r
}

func (g *Registry) reject(name string, err error) {
	atomic.AddUint64(&g.rejected, 1)
	g.logger.Debug().Err(err).Str("metric", name).Msg("Dropped sample")
}

// Rejected returns the number of dropped samples so far, excluding NaN/Inf
// drops counted inside histogram sketches.
func (g *Registry) Rejected() uint64 { return atomic.LoadUint64(&g.rejected) }

// Cycles returns the number of completed aggregation cycles.
func (g *Registry) Cycles() uint64 { return atomic.LoadUint64(&g.cycles) }

// Snapshot returns the last published snapshot, or nil before the first
// aggregation cycle. It never blocks the aggregator.
func (g *Registry) Snapshot() *Snapshot {
	return g.slot.load()
}

// Aggregate runs one aggregation cycle: it folds retired recorder tables
// into retained state, merges all live tables into a fresh snapshot, and
// publishes it through the sequence lock. Aggregation never fails; with no
// recorders the snapshot is simply empty.
func (g *Registry) Aggregate() *Snapshot {
	g.aggMu.Lock()
	defer g.aggMu.Unlock()
	start := time.Now()

	g.mu.Lock()
	live := g.recorders[:0:0]
	var retired []*LocalRecorder
	for _, r := range g.recorders {
		if r.closed.Load() {
			retired = append(retired, r)
		} else {
			live = append(live, r)
		}
	}
	g.recorders = live
	names := append([]string(nil), g.order...)
	descs := make(map[string]Descriptor, len(g.descriptors))
	for k, v := range g.descriptors {
		descs[k] = v
	}
	g.mu.Unlock()

	// Retired tables are read, not moved: their final values survive in the
	// retained state so worker exit loses no samples.
	for _, r := range retired {
		r.cells.Range(func(k, v any) bool {
			g.foldRetained(k.(Key), v.(*cell))
			return true
		})
	}

	g.generation++
	sn := &Snapshot{
		TakenAt:     start,
		Generation:  g.generation,
		Names:       names,
		Descriptors: descs,
		Counters:    make(map[Key]uint64),
		Gauges:      make(map[Key]float64),
		Histograms:  make(map[Key]*sketch.Sketch),
		Pairs:       make(map[Key][]LabelPair),
	}

	for k, c := range g.retained {
		g.mergeInto(sn, k, c)
	}
	for _, r := range live {
		r.cells.Range(func(k, v any) bool {
			g.mergeInto(sn, k.(Key), v.(*cell))
			return true
		})
	}

	rej := atomic.LoadUint64(&g.rejected)
	for _, sk := range sn.Histograms {
		rej += sk.Rejected()
	}
	rk := Key{Name: RejectedSamplesMetric}
	sn.Counters[rk] += rej
	if _, ok := sn.Pairs[rk]; !ok {
		sn.Pairs[rk] = nil
	}

	sn.seal()
	g.slot.publish(sn)
	atomic.AddUint64(&g.cycles, 1)
	g.logger.Debug().
		Dur("elapsed", time.Since(start)).
		Int("series", len(sn.Pairs)).
		Uint64("generation", sn.Generation).
		Msg("Aggregation cycle complete")
	return sn
}

// foldRetained merges one retired cell into the registry-retained state.
func (g *Registry) foldRetained(k Key, c *cell) {
	dst, ok := g.retained[k]
	if !ok {
		dst = newCell(c.kind, c.pairs, g.alpha)
		g.retained[k] = dst
	}
	switch c.kind {
	case KindCounter:
		dst.addCounter(c.counterValue())
	case KindGauge:
		v := c.gaugeValue()
		switch g.policy {
		case GaugeSum:
			dst.addGauge(v)
		case GaugeLast:
			dst.setGauge(v)
		case GaugeMax:
			if !ok || v > dst.gaugeValue() {
				dst.setGauge(v)
			}
		}
	case KindHistogram:
		if err := dst.hist.Merge(c.hist); err != nil {
			g.logger.Error().Err(err).Str("metric", k.Name).Msg("Failed to fold retired histogram")
		}
	}
}

// mergeInto accumulates one cell into the snapshot being built.
func (g *Registry) mergeInto(sn *Snapshot, k Key, c *cell) {
	_, seen := sn.Pairs[k]
	if !seen {
		sn.Pairs[k] = c.pairs
	}
	switch c.kind {
	case KindCounter:
		sn.Counters[k] += c.counterValue()
	case KindGauge:
		v := c.gaugeValue()
		switch g.policy {
		case GaugeSum:
			sn.Gauges[k] += v
		case GaugeLast:
			sn.Gauges[k] = v
		case GaugeMax:
			if !seen || v > sn.Gauges[k] {
				sn.Gauges[k] = v
			}
		}
	case KindHistogram:
		agg, ok := sn.Histograms[k]
		if !ok {
			agg = sketch.MustNew(g.alpha)
			sn.Histograms[k] = agg
		}
		if err := agg.Merge(c.hist); err != nil {
			g.logger.Error().Err(err).Str("metric", k.Name).Msg("Failed to merge histogram")
		}
	}
}
