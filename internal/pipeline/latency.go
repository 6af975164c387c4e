package pipeline

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// latencyAccuracy is the relative accuracy of the latency sketches.
const latencyAccuracy = 0.01

// Latency keeps running receive-to-stored statistics for one channel
// group. Values are nanoseconds.
type Latency struct {
	mu sync.Mutex

	accuracy float64
	count    int64
	sum      float64
	min      float64
	max      float64

	// nil when the sketch could not be created
	sketch *ddsketch.DDSketch
}

// LatencySummary is a point-in-time view of a Latency.
type LatencySummary struct {
	Count int64
	Mean  float64
	Min   float64
	Max   float64
	P50   float64
	P99   float64
	P999  float64
}

// NewLatency creates a Latency with the given relative accuracy.
func NewLatency(accuracy float64) *Latency {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = latencyAccuracy
	}
	l := &Latency{accuracy: accuracy}
	l.reset()
	return l
}

func (l *Latency) reset() {
	l.count = 0
	l.sum = 0
	l.min = math.MaxFloat64
	l.max = -math.MaxFloat64

	// DDSketch has no Clear, so a fresh one is created.
	sketch, err := ddsketch.NewDefaultDDSketch(l.accuracy)
	if err == nil {
		l.sketch = sketch
	}
}

// Add records one latency. Negative values, which a clock correction can
// produce, are clamped to zero.
func (l *Latency) Add(ns int64) {
	v := float64(ns)
	if v < 0 {
		v = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += v
	if v < l.min {
		l.min = v
	}
	if v > l.max {
		l.max = v
	}
	if l.sketch != nil {
		l.sketch.Add(v)
	}
}

// Summary returns the current statistics.
func (l *Latency) Summary() LatencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencySummary{Count: l.count}
	if l.count == 0 {
		return s
	}
	s.Mean = l.sum / float64(l.count)
	s.Min = l.min
	s.Max = l.max

	if l.sketch != nil {
		s.P50, _ = l.sketch.GetValueAtQuantile(0.50)
		s.P99, _ = l.sketch.GetValueAtQuantile(0.99)
		s.P999, _ = l.sketch.GetValueAtQuantile(0.999)
	}
	return s
}

// Merge adds other's observations to l.
func (l *Latency) Merge(other *Latency) {
	if other == nil || other == l {
		return
	}

	other.mu.Lock()
	count, sum, lo, hi := other.count, other.sum, other.min, other.max
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	if count == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count += count
	l.sum += sum
	if lo < l.min {
		l.min = lo
	}
	if hi > l.max {
		l.max = hi
	}
	if l.sketch != nil && sketch != nil {
		l.sketch.MergeWith(sketch)
	}
}

// Reset clears every observation.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}
