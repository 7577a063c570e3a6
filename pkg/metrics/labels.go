package metrics

import (
	"sort"
	"strings"
)

// LabelPair is one name=value label, held sorted by name inside a series.
type LabelPair struct {
	Name  string
	Value string
}

// Key joins a metric name with its canonical label encoding. It is the join
// key across per-worker tables and the aggregated snapshot. Two label sets
// with the same pairs produce the same Key regardless of insertion order.
type Key struct {
	Name   string
	Labels string
}

// canonicalSep separates encoded label pairs. It cannot occur in valid UTF-8
// label names or values, so the encoding is unambiguous.
const canonicalSep = "\xff"

// canonicalize sorts the label set by name and returns both the sorted pairs
// and the canonical string encoding used in Keys.
func canonicalize(labels Labels) ([]LabelPair, string) {
	if len(labels) == 0 {
		return nil, ""
	}
	pairs := make([]LabelPair, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, LabelPair{Name: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(canonicalSep)
		}
		b.WriteString(p.Name)
		b.WriteString(canonicalSep)
		b.WriteString(p.Value)
	}
	return pairs, b.String()
}
