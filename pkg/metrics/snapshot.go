package metrics

import (
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"

	"telemetry-go/pkg/sketch"
)

// Snapshot is the immutable result of one aggregation cycle. A new snapshot
// fully replaces the previous one; readers obtained it through the sequence
// lock and may keep using it after newer snapshots are published.
type Snapshot struct {
	TakenAt    time.Time
	Generation uint64

	// Names preserves descriptor registration order for deterministic
	// rendering.
	Names       []string
	Descriptors map[string]Descriptor

	Counters   map[Key]uint64
	Gauges     map[Key]float64
	Histograms map[Key]*sketch.Sketch

	// Pairs carries the sorted label pairs for every key present in any of
	// the value maps.
	Pairs map[Key][]LabelPair

	checksum uint64
}

// Keys returns every series key under name, unordered.
func (s *Snapshot) Keys(name string) []Key {
	var keys []Key
	for k := range s.Pairs {
		if k.Name == name {
			keys = append(keys, k)
		}
	}
	return keys
}

// seal computes the internal consistency checksum. Called exactly once,
// before publication.
func (s *Snapshot) seal() {
	s.checksum = s.fingerprint()
}

// Consistent reports whether the snapshot still matches its build-time
// checksum, i.e. that a reader did not observe a partially built value.
func (s *Snapshot) Consistent() bool {
	return s.checksum == s.fingerprint()
}

func (s *Snapshot) fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	sum := func(v uint64) {
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	sum(s.Generation)
	sum(uint64(len(s.Counters)))
	sum(uint64(len(s.Gauges)))
	sum(uint64(len(s.Histograms)))
	var acc uint64
	for _, v := range s.Counters {
		acc += v
	}
	for _, v := range s.Gauges {
		acc += math.Float64bits(v)
	}
	for _, sk := range s.Histograms {
		acc += sk.Count()
	}
	sum(acc)
	return h.Sum64()
}

// snapshotSlot publishes snapshots through a sequence lock. The writer holds
// the odd state only for the pointer swap; the snapshot itself is built off
// to the side. Readers never block the writer and retry on a torn read.
type snapshotSlot struct {
	seq uint64 // atomic; odd while a store is in flight
	ptr atomic.Pointer[Snapshot]
}

func (s *snapshotSlot) publish(sn *Snapshot) {
	atomic.AddUint64(&s.seq, 1)
	s.ptr.Store(sn)
	atomic.AddUint64(&s.seq, 1)
}

func (s *snapshotSlot) load() *Snapshot {
	for {
		s1 := atomic.LoadUint64(&s.seq)
		p := s.ptr.Load()
		s2 := atomic.LoadUint64(&s.seq)
		if s1 == s2 && s1&1 == 0 {
			return p
		}
	}
}
