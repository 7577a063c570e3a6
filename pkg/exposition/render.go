// Package exposition renders aggregated snapshots into the text exposition
// format and serves them over the scrape endpoint.
package exposition

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"telemetry-go/pkg/metrics"
)

// ContentType is the exposition format version served on scrapes.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// DefaultBucketBounds are the cumulative histogram bounds rendered when the
// configuration does not override them. They cover typical request latencies
// in seconds.
var DefaultBucketBounds = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Renderer serializes snapshots deterministically: metrics in registration
// order, series in lexicographic label order, so rendering the same snapshot
// twice yields byte-identical output.
type Renderer struct {
	bounds []float64
}

// NewRenderer creates a renderer with the given histogram bucket bounds,
// falling back to DefaultBucketBounds when none are given.
func NewRenderer(bounds []float64) *Renderer {
	if len(bounds) == 0 {
		bounds = DefaultBucketBounds
	}
	return &Renderer{bounds: append([]float64(nil), bounds...)}
}

// Render produces the full exposition payload for a snapshot.
func (r *Renderer) Render(sn *metrics.Snapshot) []byte {
	var b bytes.Buffer
	for _, name := range sn.Names {
		desc, ok := sn.Descriptors[name]
		if !ok {
			continue
		}
		keys := sn.Keys(name)
		if len(keys) == 0 {
			continue
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Labels < keys[j].Labels })

		writeHeader(&b, desc)
		for _, k := range keys {
			pairs := sn.Pairs[k]
			switch desc.Kind {
			case metrics.KindCounter:
				v, ok := sn.Counters[k]
				if !ok {
					continue
				}
				writeSample(&b, name, pairs, "", strconv.FormatUint(v, 10))
			case metrics.KindGauge:
				v, ok := sn.Gauges[k]
				if !ok {
					continue
				}
				writeSample(&b, name, pairs, "", formatFloat(v))
			case metrics.KindHistogram:
				sk, ok := sn.Histograms[k]
				if !ok {
					continue
				}
				for _, le := range r.bounds {
					cum := sk.CumulativeCount(le)
					writeSample(&b, name+"_bucket", pairs, formatFloat(le), strconv.FormatUint(cum, 10))
				}
				writeSample(&b, name+"_bucket", pairs, "+Inf", strconv.FormatUint(sk.Count(), 10))
				writeSample(&b, name+"_sum", pairs, "", formatFloat(sk.Sum()))
				writeSample(&b, name+"_count", pairs, "", strconv.FormatUint(sk.Count(), 10))
			}
		}
	}
	return b.Bytes()
}

// RenderGzip renders and compresses the payload. Callers fall back to the
// uncompressed form on error.
func (r *Renderer) RenderGzip(sn *metrics.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(r.Render(sn)); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(b *bytes.Buffer, desc metrics.Descriptor) {
	if help := helpText(desc); help != "" {
		b.WriteString("# HELP ")
		b.WriteString(desc.Name)
		b.WriteByte(' ')
		b.WriteString(escapeHelp(help))
		b.WriteByte('\n')
	}
	b.WriteString("# TYPE ")
	b.WriteString(desc.Name)
	b.WriteByte(' ')
	b.WriteString(desc.Kind.String())
	b.WriteByte('\n')
}

func helpText(desc metrics.Descriptor) string {
	if desc.Unit == "" {
		return desc.Help
	}
	if desc.Help == "" {
		return "Unit: " + desc.Unit + "."
	}
	return desc.Help + " Unit: " + desc.Unit + "."
}

// writeSample emits one exposition line. le, when non-empty, is appended as
// the trailing bucket-bound label.
func writeSample(b *bytes.Buffer, name string, pairs []metrics.LabelPair, le, value string) {
	b.WriteString(name)
	if len(pairs) > 0 || le != "" {
		b.WriteByte('{')
		for i, p := range pairs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(p.Name)
			b.WriteString(`="`)
			b.WriteString(escapeLabelValue(p.Value))
			b.WriteByte('"')
		}
		if le != "" {
			if len(pairs) > 0 {
				b.WriteByte(',')
			}
			b.WriteString(`le="`)
			b.WriteString(le)
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(v string) string {
	return helpEscaper.Replace(v)
}
