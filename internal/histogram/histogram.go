// Package histogram provides a fixed-size frame-time histogram with
// approximate percentile queries. Memory use is constant regardless of
// run length, which keeps multi-minute benchmark runs allocation-free.
package histogram

import "math"

const (
	// DomainFloorMs is the lowest frame time the bucket array covers.
	DomainFloorMs = 1.0
	// DomainCeilMs is the highest frame time the bucket array covers.
	DomainCeilMs = 200.0
	// BucketWidthMs is the resolution of a single bucket.
	BucketWidthMs = 0.5

	bucketCount = int((DomainCeilMs - DomainFloorMs) / BucketWidthMs)

	// UnderflowEstimateMs is returned when a percentile target falls
	// below the domain floor.
	UnderflowEstimateMs = DomainFloorMs / 2
	// OverflowEstimateMs is returned when a percentile target falls
	// above the domain ceiling.
	OverflowEstimateMs = DomainCeilMs * 1.5
)

// FrameTimeHistogram buckets frame times between 1 ms and 200 ms at
// 0.5 ms resolution. Values outside the domain are counted in dedicated
// underflow/overflow counters and still contribute to the total, so the
// percentile walk never loses samples. Not safe for concurrent use; the
// orchestrator owns it exclusively.
type FrameTimeHistogram struct {
	buckets   [bucketCount]uint64
	underflow uint64
	overflow  uint64
	total     uint64
}

// New returns an empty histogram.
func New() *FrameTimeHistogram {
	return &FrameTimeHistogram{}
}

// Add records a single frame time in milliseconds.
func (h *FrameTimeHistogram) Add(ms float64) {
	h.AddN(ms, 1)
}

// AddN records a pre-aggregated batch of n identical frame times.
func (h *FrameTimeHistogram) AddN(ms float64, n uint64) {
	if n == 0 {
		return
	}
	switch {
	case ms < DomainFloorMs:
		h.underflow += n
	case ms >= DomainCeilMs:
		h.overflow += n
	default:
		idx := int((ms - DomainFloorMs) / BucketWidthMs)
		if idx >= bucketCount {
			idx = bucketCount - 1
		}
		h.buckets[idx] += n
	}
	h.total += n
}

// Percentile returns the approximate frame time at percentile p in
// [0, 100]. The result has bucket-midpoint resolution. Targets landing
// in the underflow region return half the domain floor; targets in the
// overflow region return 1.5x the domain ceiling. Returns false when the
// histogram is empty.
func (h *FrameTimeHistogram) Percentile(p float64) (float64, bool) {
	if h.total == 0 {
		return 0, false
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}

	rank := uint64(math.Ceil(float64(h.total) * p / 100))
	if rank >= h.total {
		rank = h.total - 1
	}

	var cumulative uint64

	cumulative += h.underflow
	if rank < cumulative {
		return UnderflowEstimateMs, true
	}

	for i := 0; i < bucketCount; i++ {
		cumulative += h.buckets[i]
		if rank < cumulative {
			midpoint := DomainFloorMs + (float64(i)+0.5)*BucketWidthMs
			return midpoint, true
		}
	}

	return OverflowEstimateMs, true
}

// TailAverage returns the mean frame time of the slowest percent of
// recorded samples, at bucket-midpoint resolution. Out-of-domain
// samples contribute their estimate values. Returns false when the
// histogram is empty.
func (h *FrameTimeHistogram) TailAverage(percent float64) (float64, bool) {
	if h.total == 0 {
		return 0, false
	}
	if percent <= 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	want := uint64(math.Ceil(float64(h.total) * percent / 100))
	if want == 0 {
		want = 1
	}

	var counted uint64
	var weighted float64

	take := h.overflow
	if take > want {
		take = want
	}
	weighted += float64(take) * OverflowEstimateMs
	counted += take

	for i := bucketCount - 1; i >= 0 && counted < want; i-- {
		take := h.buckets[i]
		if take > want-counted {
			take = want - counted
		}
		midpoint := DomainFloorMs + (float64(i)+0.5)*BucketWidthMs
		weighted += float64(take) * midpoint
		counted += take
	}

	if counted < want {
		take := h.underflow
		if take > want-counted {
			take = want - counted
		}
		weighted += float64(take) * UnderflowEstimateMs
		counted += take
	}

	if counted == 0 {
		return 0, false
	}
	return weighted / float64(counted), true
}

// Total returns the number of recorded samples, including out-of-domain ones.
func (h *FrameTimeHistogram) Total() uint64 {
	return h.total
}

// Underflow returns the count of samples below the domain floor.
func (h *FrameTimeHistogram) Underflow() uint64 {
	return h.underflow
}

// Overflow returns the count of samples at or above the domain ceiling.
func (h *FrameTimeHistogram) Overflow() uint64 {
	return h.overflow
}

// Reset clears all buckets and counters.
func (h *FrameTimeHistogram) Reset() {
	*h = FrameTimeHistogram{}
}
