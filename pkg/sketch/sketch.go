// Package sketch implements a mergeable log-bucket quantile sketch with
// bounded relative error. A sketch is written by a single owner and may be
// read concurrently by an aggregator; bucket counts are updated with plain
// atomic adds and the bucket store grows copy-on-write so readers never see
// torn state.
package sketch

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

var (
	// ErrEmpty is returned when a quantile is requested from a sketch
	// holding no samples.
	ErrEmpty = errors.New("sketch: empty")

	// ErrInvalidQuantile is returned for quantile arguments outside [0, 1].
	ErrInvalidQuantile = errors.New("sketch: quantile out of range")
)

// minIndexable is the magnitude below which values are folded into the zero
// bucket. Quantile estimates below this threshold carry absolute rather than
// relative error.
const minIndexable = 1e-9

// store is a dense run of bucket counters. bins[i] counts samples whose
// bucket index is offset+i. The owning writer replaces the store pointer on
// growth; counters inside a published store are only ever incremented.
type store struct {
	offset int
	bins   []uint64
}

func (s *store) add(idx int) bool {
	i := idx - s.offset
	if i < 0 || i >= len(s.bins) {
		return false
	}
	atomic.AddUint64(&s.bins[i], 1)
	return true
}

func (s *store) get(idx int) uint64 {
	i := idx - s.offset
	if i < 0 || i >= len(s.bins) {
		return 0
	}
	return atomic.LoadUint64(&s.bins[i])
}

// grown returns a copy of s widened to cover idx, with headroom so growth
// stays rare.
func (s *store) grown(idx int) *store {
	const headroom = 16
	lo, hi := s.offset, s.offset+len(s.bins)
	if len(s.bins) == 0 {
		lo, hi = idx, idx+1
	}
	if idx < lo {
		lo = idx - headroom
	}
	if idx >= hi {
		hi = idx + 1 + headroom
	}
	ns := &store{offset: lo, bins: make([]uint64, hi-lo)}
	for i := range s.bins {
		ns.bins[i+s.offset-lo] = atomic.LoadUint64(&s.bins[i])
	}
	return ns
}

// Sketch approximates the distribution of observed values. Positive and
// negative values go into mirrored logarithmic bucket sets; values whose
// magnitude is below minIndexable go into a dedicated zero bucket.
type Sketch struct {
	alpha    float64
	invLogG  float64 // 1 / log(1+alpha)
	pos      atomic.Pointer[store]
	neg      atomic.Pointer[store]
	zero     uint64
	count    uint64
	sumBits  uint64
	minBits  uint64
	maxBits  uint64
	rejected uint64
}

// New returns an empty sketch with the given relative accuracy. alpha must
// be in (0, 1); typical values are 0.01 to 0.05.
func New(alpha float64) (*Sketch, error) {
	if alpha <= 0 || alpha >= 1 || math.IsNaN(alpha) {
		return nil, fmt.Errorf("sketch: relative accuracy %v out of (0, 1)", alpha)
	}
	s := &Sketch{
		alpha:   alpha,
		invLogG: 1 / math.Log1p(alpha),
		minBits: math.Float64bits(math.Inf(1)),
		maxBits: math.Float64bits(math.Inf(-1)),
	}
	s.pos.Store(&store{})
	s.neg.Store(&store{})
	return s, nil
}

// MustNew is New for statically known accuracies.
func MustNew(alpha float64) *Sketch {
	s, err := New(alpha)
	if err != nil {
		panic(err)
	}
	return s
}

// Alpha returns the sketch's relative accuracy.
func (s *Sketch) Alpha() float64 { return s.alpha }

// index maps a magnitude (>= minIndexable) to its bucket index
// ceil(log(v) / log(1+alpha)). Bucket idx covers ((1+a)^(idx-1), (1+a)^idx].
func (s *Sketch) index(v float64) int {
	return int(math.Ceil(math.Log(v) * s.invLogG))
}

// bucketValue estimates a representative value for bucket idx. The midpoint
// of the bucket keeps the worst-case relative error within alpha.
func (s *Sketch) bucketValue(idx int) float64 {
	upper := math.Pow(1+s.alpha, float64(idx))
	return upper * 2 / (2 + s.alpha)
}

// bucketUpperBound returns the inclusive upper bound of bucket idx.
func (s *Sketch) bucketUpperBound(idx int) float64 {
	return math.Pow(1+s.alpha, float64(idx))
}

// Record inserts one sample. NaN and infinite values are dropped and counted
// as rejected; they never corrupt bucket state. Record must be called by a
// single writer at a time.
func (s *Sketch) Record(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		atomic.AddUint64(&s.rejected, 1)
		return
	}
	switch {
	case v > minIndexable:
		s.recordInto(&s.pos, s.index(v))
	case v < -minIndexable:
		s.recordInto(&s.neg, s.index(-v))
	default:
		atomic.AddUint64(&s.zero, 1)
	}
	atomic.AddUint64(&s.count, 1)
	addFloat(&s.sumBits, v)
	casMin(&s.minBits, v)
	casMax(&s.maxBits, v)
}

func (s *Sketch) recordInto(p *atomic.Pointer[store], idx int) {
	st := p.Load()
	if st.add(idx) {
		return
	}
	ns := st.grown(idx)
	ns.bins[idx-ns.offset]++
	p.Store(ns)
}

// Count returns the total number of accepted samples.
func (s *Sketch) Count() uint64 { return atomic.LoadUint64(&s.count) }

// Sum returns the exact running sum of accepted samples.
func (s *Sketch) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&s.sumBits)) }

// Min returns the smallest accepted sample, or +Inf if none were recorded.
func (s *Sketch) Min() float64 { return math.Float64frombits(atomic.LoadUint64(&s.minBits)) }

// Max returns the largest accepted sample, or -Inf if none were recorded.
func (s *Sketch) Max() float64 { return math.Float64frombits(atomic.LoadUint64(&s.maxBits)) }

// Rejected returns the number of NaN/Inf samples dropped by Record.
func (s *Sketch) Rejected() uint64 { return atomic.LoadUint64(&s.rejected) }

// Quantile estimates the q-quantile of the recorded samples. The estimate's
// relative error is bounded by the sketch's accuracy, except near zero where
// absolute error applies.
func (s *Sketch) Quantile(q float64) (float64, error) {
	if math.IsNaN(q) || q < 0 || q > 1 {
		return 0, ErrInvalidQuantile
	}
	total := s.Count()
	if total == 0 {
		return 0, ErrEmpty
	}
	rank := uint64(q * float64(total-1))

	// Walk buckets in ascending value order: most negative first, then the
	// zero bucket, then positives.
	neg := s.neg.Load()
	var seen uint64
	for i := len(neg.bins) - 1; i >= 0; i-- {
		c := atomic.LoadUint64(&neg.bins[i])
		if c == 0 {
			continue
		}
		seen += c
		if seen > rank {
			return clamp(-s.bucketValue(neg.offset+i), s.Min(), s.Max()), nil
		}
	}
	seen += atomic.LoadUint64(&s.zero)
	if seen > rank {
		return 0, nil
	}
	pos := s.pos.Load()
	for i := 0; i < len(pos.bins); i++ {
		c := atomic.LoadUint64(&pos.bins[i])
		if c == 0 {
			continue
		}
		seen += c
		if seen > rank {
			return clamp(s.bucketValue(pos.offset+i), s.Min(), s.Max()), nil
		}
	}
	return s.Max(), nil
}

// CumulativeCount returns the approximate number of samples less than or
// equal to le. It is exact at bucket boundaries and used by the exposition
// renderer to derive cumulative histogram buckets.
func (s *Sketch) CumulativeCount(le float64) uint64 {
	var n uint64
	neg := s.neg.Load()
	pos := s.pos.Load()
	switch {
	case le >= minIndexable:
		for i := range neg.bins {
			n += atomic.LoadUint64(&neg.bins[i])
		}
		n += atomic.LoadUint64(&s.zero)
		limit := s.index(le)
		for i := range pos.bins {
			if pos.offset+i <= limit {
				n += atomic.LoadUint64(&pos.bins[i])
			}
		}
	case le <= -minIndexable:
		// Negative bucket idx holds values in [-(1+a)^idx, -(1+a)^(idx-1));
		// it is fully <= le when its most positive member is <= le.
		for i := range neg.bins {
			if -s.bucketUpperBound(neg.offset+i-1) <= le {
				n += atomic.LoadUint64(&neg.bins[i])
			}
		}
	default:
		for i := range neg.bins {
			n += atomic.LoadUint64(&neg.bins[i])
		}
		n += atomic.LoadUint64(&s.zero)
	}
	return n
}

// Merge folds other into s. Both sketches must share the same accuracy;
// merging preserves the accuracy bound. other may be concurrently written by
// its owner, in which case the merge reflects a point-in-time view of it.
func (s *Sketch) Merge(other *Sketch) error {
	if other == nil {
		return nil
	}
	if other.alpha != s.alpha {
		return fmt.Errorf("sketch: accuracy mismatch %v vs %v", s.alpha, other.alpha)
	}
	s.mergeStore(&s.pos, other.pos.Load())
	s.mergeStore(&s.neg, other.neg.Load())
	atomic.AddUint64(&s.zero, atomic.LoadUint64(&other.zero))
	atomic.AddUint64(&s.count, atomic.LoadUint64(&other.count))
	atomic.AddUint64(&s.rejected, atomic.LoadUint64(&other.rejected))
	addFloat(&s.sumBits, other.Sum())
	casMin(&s.minBits, other.Min())
	casMax(&s.maxBits, other.Max())
	return nil
}

func (s *Sketch) mergeStore(dst *atomic.Pointer[store], src *store) {
	if len(src.bins) == 0 {
		return
	}
	d := dst.Load()
	lo, hi := src.offset, src.offset+len(src.bins)
	if len(d.bins) > 0 {
		if d.offset < lo {
			lo = d.offset
		}
		if d.offset+len(d.bins) > hi {
			hi = d.offset + len(d.bins)
		}
	}
	nd := &store{offset: lo, bins: make([]uint64, hi-lo)}
	for i := range d.bins {
		nd.bins[i+d.offset-lo] = atomic.LoadUint64(&d.bins[i])
	}
	for i := range src.bins {
		nd.bins[i+src.offset-lo] += atomic.LoadUint64(&src.bins[i])
	}
	dst.Store(nd)
}

// Clone returns an independent point-in-time copy of s.
func (s *Sketch) Clone() *Sketch {
	c := MustNew(s.alpha)
	// Merge handles the atomic reads.
	_ = c.Merge(s)
	return c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// addFloat atomically adds delta to the float64 stored as bits in addr.
// Contention is writer-vs-merger only, so the CAS loop stays short.
func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		cur := math.Float64frombits(old)
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(cur+delta)) {
			return
		}
	}
}

func casMin(addr *uint64, v float64) {
	for {
		old := atomic.LoadUint64(addr)
		if math.Float64frombits(old) <= v {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(v)) {
			return
		}
	}
}

func casMax(addr *uint64, v float64) {
	for {
		old := atomic.LoadUint64(addr)
		if math.Float64frombits(old) >= v {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(v)) {
			return
		}
	}
}
