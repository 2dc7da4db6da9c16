package adaptation

import (
	"time"
)

// DefaultTrendBucket is the width of a BufferTrend bucket.
const DefaultTrendBucket = 2 * time.Second

type trendSample struct {
	bucket int64
	level  time.Duration
}

// BufferTrend is a discretized time series of buffer levels. Time is split
// into fixed buckets and each bucket keeps its last observation.
type BufferTrend struct {
	width time.Duration
	now   func() time.Time

	start   time.Time
	samples []trendSample
}

// NewBufferTrend creates a trend with the given bucket width. now defaults
// to time.Now.
func NewBufferTrend(width time.Duration, now func() time.Time) *BufferTrend {
	if width <= 0 {
		width = DefaultTrendBucket
	}
	if now == nil {
		now = time.Now
	}
	return &BufferTrend{width: width, now: now}
}

func (t *BufferTrend) bucket() int64 {
	return int64(t.now().Sub(t.start) / t.width)
}

// Observe records the current buffer level.
func (t *BufferTrend) Observe(level time.Duration) {
	if t.start.IsZero() {
		t.start = t.now()
	}
	b := t.bucket()
	if n := len(t.samples); n > 0 && t.samples[n-1].bucket == b {
		t.samples[n-1].level = level
		return
	}
	t.samples = append(t.samples, trendSample{bucket: b, level: level})
	// Only the open bucket and the two complete ones before it are read.
	if len(t.samples) > 3 {
		t.samples = t.samples[len(t.samples)-3:]
	}
}

// Growing reports whether the buffer level rose between the last two
// complete buckets. It reports true until two complete buckets exist.
func (t *BufferTrend) Growing() bool {
	if t.start.IsZero() {
		return true
	}
	current := t.bucket()
	var complete []trendSample
	for _, s := range t.samples {
		if s.bucket < current {
			complete = append(complete, s)
		}
	}
	if len(complete) < 2 {
		return true
	}
	last, prev := complete[len(complete)-1], complete[len(complete)-2]
	return last.level > prev.level
}
