// Package stats collects completed requests, estimates throughput for rate
// adaptation and tracks transfer rates for the status API.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/konstantinmiller/dashp2p/internal/models"
	"github.com/konstantinmiller/dashp2p/internal/pipelining"
)

// Default configuration values.
const (
	DefaultWindow      = 10 * time.Second
	DefaultHistorySize = 256
	DefaultRecordQueue = 1024
)

// minTransferTime keeps single-chunk responses from producing unbounded
// throughput values.
const minTransferTime = time.Millisecond

// Recorder persists completed requests.
type Recorder interface {
	Record(ctx context.Context, rec *models.RequestRecord) error
}

// Config holds the collector configuration.
type Config struct {
	// Window is the averaging window of the recent throughput.
	Window time.Duration
	// HistorySize caps the number of completed requests kept in memory.
	HistorySize int
	// RecordQueue is the capacity of the persistence queue.
	RecordQueue int
	// SamplePeriod is the bandwidth tracker sampling period.
	SamplePeriod time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type transfer struct {
	bytes int64
	start time.Time
	end   time.Time
}

func (t transfer) duration() time.Duration {
	return max(t.end.Sub(t.start), minTransferTime)
}

// bitsPerSecond returns the throughput of a transfer.
func (t transfer) bitsPerSecond() float64 {
	return float64(t.bytes*8) / t.duration().Seconds()
}

// Collector takes ownership of completed requests.
type Collector struct {
	cfg       Config
	sessionID string
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.RWMutex
	transfers []transfer
	connLast  map[int64]time.Time
	completed int
	redirects int
	bytes     int64

	download *BandwidthTracker
	played   *BandwidthTracker
	conns    *ConnectionTrackers

	records chan *models.RequestRecord
	dropped atomic.Int64
}

// NewCollector creates a collector. recorder may be nil.
func NewCollector(cfg Config, sessionID string, recorder Recorder, logger *slog.Logger) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.RecordQueue <= 0 {
		cfg.RecordQueue = DefaultRecordQueue
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = DefaultBandwidthSamplePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		cfg:       cfg,
		sessionID: sessionID,
		recorder:  recorder,
		logger:    logger,
		connLast:  make(map[int64]time.Time),
		download:  NewBandwidthTrackerWithConfig(DefaultBandwidthWindowSize, cfg.SamplePeriod),
		played:    NewBandwidthTrackerWithConfig(DefaultBandwidthWindowSize, cfg.SamplePeriod),
		conns:     NewConnectionTrackers(),
	}
	if recorder != nil {
		c.records = make(chan *models.RequestRecord, cfg.RecordQueue)
	}
	return c
}

// SessionID returns the playback session the collector belongs to.
func (c *Collector) SessionID() string {
	return c.sessionID
}

// AddData accounts payload bytes received on a connection.
func (c *Collector) AddData(connID int64, n int) {
	if n <= 0 {
		return
	}
	c.download.Add(uint64(n))
	c.conns.GetOrCreate(connID).Add(uint64(n))
}

// AddPlayed accounts bytes handed to the playback consumer.
func (c *Collector) AddPlayed(n int) {
	if n > 0 {
		c.played.Add(uint64(n))
	}
}

// RemoveConnection forgets a closed connection.
func (c *Collector) RemoveConnection(connID int64) {
	c.conns.Remove(connID)
	c.mu.Lock()
	delete(c.connLast, connID)
	c.mu.Unlock()
}

// Add takes ownership of a completed request.
func (c *Collector) Add(req *pipelining.Request) {
	c.mu.Lock()
	// On a pipelined connection the server starts on a response once the
	// previous one is out, so the transfer starts at the later of the two.
	start := req.SentAt
	if last, ok := c.connLast[req.ConnID]; ok && last.After(start) {
		start = last
	}
	c.connLast[req.ConnID] = req.LastByteAt

	if req.Redirected() {
		c.redirects++
	}
	n := req.Received()
	if req.Method == models.MethodGet && !req.Redirected() {
		c.completed++
		c.bytes += n
		if n > 0 {
			c.transfers = append(c.transfers, transfer{bytes: n, start: start, end: req.LastByteAt})
			if len(c.transfers) > c.cfg.HistorySize {
				c.transfers = c.transfers[len(c.transfers)-c.cfg.HistorySize:]
			}
		}
	}
	c.mu.Unlock()

	if c.records == nil {
		return
	}
	rec := &models.RequestRecord{
		SessionID:     c.sessionID,
		RequestID:     req.ID,
		ConnectionID:  req.ConnID,
		Method:        string(req.Method),
		URL:           req.URL.String(),
		Period:        req.Target.Period,
		AdaptationSet: req.Target.AdaptationSet,
		Tier:          req.Target.Tier,
		Number:        req.Target.Number,
		Status:        req.Status,
		Bytes:         n,
		SentAt:        req.SentAt,
		FirstByteAt:   req.FirstByteAt,
		LastByteAt:    req.LastByteAt,
	}
	select {
	case c.records <- rec:
	default:
		c.dropped.Add(1)
		c.logger.Debug("request record dropped, queue full", slog.Int64("request_id", req.ID))
	}
}

// Completed returns the number of completed segment downloads.
func (c *Collector) Completed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// Recent returns the throughput in bit/s over the transfers that ended
// within the averaging window. Without such transfers it falls back to the
// last transfer, and to 0 before the first one.
func (c *Collector) Recent() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.transfers) == 0 {
		return 0
	}
	cutoff := c.cfg.Clock().Add(-c.cfg.Window)

	var bytes int64
	var busy time.Duration
	for i := len(c.transfers) - 1; i >= 0; i-- {
		t := c.transfers[i]
		if t.end.Before(cutoff) {
			break
		}
		bytes += t.bytes
		busy += t.duration()
	}
	if busy == 0 {
		return c.transfers[len(c.transfers)-1].bitsPerSecond()
	}
	return float64(bytes*8) / busy.Seconds()
}

// LastRequest returns the throughput in bit/s of the last transfer.
func (c *Collector) LastRequest() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.transfers) == 0 {
		return 0
	}
	return c.transfers[len(c.transfers)-1].bitsPerSecond()
}

// Snapshot is the collector state reported by the status API.
type Snapshot struct {
	SessionID      string                  `json:"session_id"`
	Completed      int                     `json:"completed_requests"`
	Redirects      int                     `json:"redirects"`
	Bytes          int64                   `json:"bytes"`
	BytesHuman     string                  `json:"bytes_human"`
	RecentBps      float64                 `json:"throughput_recent_bps"`
	LastRequestBps float64                 `json:"throughput_last_request_bps"`
	Download       BandwidthInfo           `json:"download"`
	Playback       BandwidthInfo           `json:"playback"`
	Connections    map[int64]BandwidthInfo `json:"connections,omitempty"`
	DroppedRecords int64                   `json:"dropped_records"`
}

// Snapshot returns the current statistics.
func (c *Collector) Snapshot() Snapshot {
	recent := c.Recent()
	last := c.LastRequest()

	c.mu.RLock()
	s := Snapshot{
		SessionID:      c.sessionID,
		Completed:      c.completed,
		Redirects:      c.redirects,
		Bytes:          c.bytes,
		BytesHuman:     humanize.IBytes(uint64(c.bytes)),
		RecentBps:      recent,
		LastRequestBps: last,
	}
	c.mu.RUnlock()

	s.Download = c.download.Info()
	s.Playback = c.played.Info()
	s.Connections = c.conns.Stats()
	s.DroppedRecords = c.dropped.Load()
	return s
}

// Run samples the bandwidth trackers and persists records until ctx is
// cancelled. Queued records are flushed before it returns.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return nil
		case <-ticker.C:
			c.download.Sample()
			c.played.Sample()
			c.conns.SampleAll()
		case rec := <-c.records:
			c.persist(ctx, rec)
		}
	}
}

func (c *Collector) flush() {
	if c.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-c.records:
			c.persist(ctx, rec)
		default:
			return
		}
	}
}

func (c *Collector) persist(ctx context.Context, rec *models.RequestRecord) {
	if err := c.recorder.Record(ctx, rec); err != nil {
		c.logger.Warn("persisting request record failed",
			slog.Int64("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
	}
}
