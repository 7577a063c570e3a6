package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.AggregationInterval)
	assert.Equal(t, 10*time.Second, cfg.StalenessThreshold)
	assert.Equal(t, 0.01, cfg.SketchAccuracy)
	assert.Equal(t, "sum", cfg.GaugePolicy)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: ":8099"
aggregation_interval: 2s
staleness_threshold: 4s
sketch_accuracy: 0.02
gauge_policy: max
compression: true
bucket_bounds: [0.1, 0.5, 1]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8099", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.AggregationInterval)
	assert.Equal(t, 4*time.Second, cfg.StalenessThreshold)
	assert.Equal(t, 0.02, cfg.SketchAccuracy)
	assert.Equal(t, "max", cfg.GaugePolicy)
	assert.True(t, cfg.Compression)
	assert.Equal(t, []float64{0.1, 0.5, 1}, cfg.BucketBounds)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TELEMETRY_LISTEN", ":7070")
	t.Setenv("TELEMETRY_GAUGE_POLICY", "last")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "last", cfg.GaugePolicy)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"accuracy too large": func(c *Config) { c.SketchAccuracy = 1.5 },
		"accuracy negative":  func(c *Config) { c.SketchAccuracy = -0.1 },
		"unknown policy":     func(c *Config) { c.GaugePolicy = "median" },
		"unsorted bounds":    func(c *Config) { c.BucketBounds = []float64{1, 0.5} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

type fakeComponent struct {
	got  *Config
	fail bool
}

func (f *fakeComponent) Reconfigure(c *Config) error {
	if f.fail {
		return assert.AnError
	}
	f.got = c
	return nil
}

func TestReloaderAppliesNewConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":1234\"\n"), 0o644))

	r := NewReloader(path, zerolog.Nop())
	good := &fakeComponent{}
	bad := &fakeComponent{fail: true}
	r.Register(good)
	r.Register(bad)

	r.PerformReload()
	require.NotNil(t, good.got)
	assert.Equal(t, ":1234", good.got.Listen)
	assert.Nil(t, bad.got)
}

func TestReloaderKeepsConfigOnLoadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [broken"), 0o644))

	r := NewReloader(path, zerolog.Nop())
	c := &fakeComponent{}
	r.Register(c)
	r.PerformReload()
	assert.Nil(t, c.got)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
