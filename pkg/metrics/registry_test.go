package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterConflictingKind(t *testing.T) {
	g := NewRegistry(Options{})
	require.NoError(t, g.Register("requests_total", KindCounter, "Requests.", ""))
	assert.NoError(t, g.Register("requests_total", KindCounter, "", ""))
	assert.Error(t, g.Register("requests_total", KindGauge, "", ""))
}

func TestRegisterEmptyName(t *testing.T) {
	g := NewRegistry(Options{})
	assert.Error(t, g.Register("", KindCounter, "", ""))
}

func TestImplicitRegistration(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	rec.IncCounter("spontaneous_total", nil)

	sn := g.Aggregate()
	v, ok := sn.Counters[Key{Name: "spontaneous_total"}]
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, KindCounter, sn.Descriptors["spontaneous_total"].Kind)
}

func TestKindMismatchDropsSample(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	rec.IncCounter("mixed", nil)
	rec.SetGauge("mixed", nil, 3.5) // wrong kind: dropped, counted

	assert.Equal(t, uint64(1), g.Rejected())
	sn := g.Aggregate()
	assert.Equal(t, uint64(1), sn.Counters[Key{Name: "mixed"}])
	_, ok := sn.Gauges[Key{Name: "mixed"}]
	assert.False(t, ok)
}

func TestKindMismatchHandleError(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	_, err := rec.Counter("latency", nil)
	require.NoError(t, err)
	_, err = rec.Histogram("latency", nil)
	assert.Error(t, err)
}

func TestRejectedSamplesExposed(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	rec.IncCounter("c", nil)
	rec.ObserveHistogram("c", nil, 1) // kind mismatch

	sn := g.Aggregate()
	assert.Equal(t, uint64(1), sn.Counters[Key{Name: RejectedSamplesMetric}])
	// The rejected counter registers first so it renders first.
	assert.Equal(t, RejectedSamplesMetric, sn.Names[0])
}

func TestHelpBackfill(t *testing.T) {
	g := NewRegistry(Options{})
	rec := g.Recorder()
	rec.IncCounter("c_total", nil) // implicit, no help
	require.NoError(t, g.Register("c_total", KindCounter, "A counter.", ""))

	sn := g.Aggregate()
	assert.Equal(t, "A counter.", sn.Descriptors["c_total"].Help)
}

func TestParseGaugePolicy(t *testing.T) {
	for in, want := range map[string]GaugePolicy{"": GaugeSum, "sum": GaugeSum, "last": GaugeLast, "max": GaugeMax} {
		got, err := ParseGaugePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}
	_, err := ParseGaugePolicy("median")
	assert.Error(t, err)
}

func TestNoopRecorder(t *testing.T) {
	rec := NewNoopRecorder()
	rec.IncCounter("x", nil)
	rec.AddToCounter("x", nil, 5)
	rec.SetGauge("y", Labels{"a": "b"}, 1)
	rec.IncGauge("y", nil)
	rec.DecGauge("y", nil)
	rec.ObserveHistogram("z", nil, 0.5)
}
