package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBandwidthWindowSize is the default number of samples to keep for rolling average.
	DefaultBandwidthWindowSize = 30

	// DefaultBandwidthSamplePeriod is the default sampling period.
	DefaultBandwidthSamplePeriod = time.Second
)

// bandwidthSample represents a single bandwidth measurement.
type bandwidthSample struct {
	bytes     uint64
	timestamp time.Time
}

// BandwidthTracker tracks bytes transferred and calculates rolling bandwidth.
// It maintains a sliding window of samples for real-time rate calculation.
type BandwidthTracker struct {
	totalBytes atomic.Uint64

	mu           sync.RWMutex
	samples      []bandwidthSample
	windowSize   int
	samplePeriod time.Duration
	lastBytes    uint64
}

// NewBandwidthTracker creates a new bandwidth tracker with default settings.
func NewBandwidthTracker() *BandwidthTracker {
	return NewBandwidthTrackerWithConfig(DefaultBandwidthWindowSize, DefaultBandwidthSamplePeriod)
}

// NewBandwidthTrackerWithConfig creates a new bandwidth tracker with custom settings.
func NewBandwidthTrackerWithConfig(windowSize int, samplePeriod time.Duration) *BandwidthTracker {
	if windowSize <= 0 {
		windowSize = DefaultBandwidthWindowSize
	}
	if samplePeriod <= 0 {
		samplePeriod = DefaultBandwidthSamplePeriod
	}
	return &BandwidthTracker{
		samples:      make([]bandwidthSample, 0, windowSize),
		windowSize:   windowSize,
		samplePeriod: samplePeriod,
	}
}

// Add records bytes transferred.
func (t *BandwidthTracker) Add(bytes uint64) {
	t.totalBytes.Add(bytes)
}

// TotalBytes returns the cumulative bytes transferred.
func (t *BandwidthTracker) TotalBytes() uint64 {
	return t.totalBytes.Load()
}

// Sample records the bytes added since the previous sample.
// It should be called once per sample period.
func (t *BandwidthTracker) Sample() {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentBytes := t.totalBytes.Load()
	t.samples = append(t.samples, bandwidthSample{
		bytes:     currentBytes - t.lastBytes,
		timestamp: time.Now(),
	})
	if len(t.samples) > t.windowSize {
		t.samples = t.samples[len(t.samples)-t.windowSize:]
	}
	t.lastBytes = currentBytes
}

// CurrentBps returns the rolling average bandwidth in bytes per second.
func (t *BandwidthTracker) CurrentBps() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return 0
	}

	var totalBytes uint64
	for _, s := range t.samples {
		totalBytes += s.bytes
	}

	duration := time.Duration(len(t.samples)) * t.samplePeriod
	return uint64(float64(totalBytes) / duration.Seconds())
}

// History returns the bytes per second of each sample in the window,
// oldest first.
func (t *BandwidthTracker) History() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return nil
	}

	history := make([]uint64, len(t.samples))
	for i, s := range t.samples {
		history[i] = uint64(float64(s.bytes) / t.samplePeriod.Seconds())
	}
	return history
}

// SampleCount returns the current number of samples in the window.
func (t *BandwidthTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}

// Reset clears all tracking data.
func (t *BandwidthTracker) Reset() {
	t.totalBytes.Store(0)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = t.samples[:0]
	t.lastBytes = 0
}

// BandwidthInfo is the JSON form of one tracker.
type BandwidthInfo struct {
	TotalBytes uint64   `json:"total_bytes"`
	CurrentBps uint64   `json:"current_bps"`
	History    []uint64 `json:"history,omitempty"`
}

// Info returns a snapshot of the tracker.
func (t *BandwidthTracker) Info() BandwidthInfo {
	return BandwidthInfo{
		TotalBytes: t.TotalBytes(),
		CurrentBps: t.CurrentBps(),
		History:    t.History(),
	}
}

// ConnectionTrackers holds one download tracker per connection.
type ConnectionTrackers struct {
	mu       sync.RWMutex
	trackers map[int64]*BandwidthTracker
}

// NewConnectionTrackers creates an empty set.
func NewConnectionTrackers() *ConnectionTrackers {
	return &ConnectionTrackers{trackers: make(map[int64]*BandwidthTracker)}
}

// GetOrCreate returns the tracker for a connection, creating it if needed.
func (c *ConnectionTrackers) GetOrCreate(connID int64) *BandwidthTracker {
	c.mu.RLock()
	tracker, ok := c.trackers[connID]
	c.mu.RUnlock()
	if ok {
		return tracker
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tracker, ok := c.trackers[connID]; ok {
		return tracker
	}
	tracker = NewBandwidthTracker()
	c.trackers[connID] = tracker
	return tracker
}

// Remove drops the tracker of a closed connection.
func (c *ConnectionTrackers) Remove(connID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trackers, connID)
}

// SampleAll samples every tracker.
func (c *ConnectionTrackers) SampleAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tracker := range c.trackers {
		tracker.Sample()
	}
}

// Stats returns a snapshot of every tracker keyed by connection id.
func (c *ConnectionTrackers) Stats() map[int64]BandwidthInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.trackers) == 0 {
		return nil
	}
	out := make(map[int64]BandwidthInfo, len(c.trackers))
	for id, tracker := range c.trackers {
		out[id] = tracker.Info()
	}
	return out
}
