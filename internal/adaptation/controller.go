package adaptation

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/control"
	"github.com/konstantinmiller/dashp2p/internal/manifest"
	"github.com/konstantinmiller/dashp2p/internal/models"
	"github.com/konstantinmiller/dashp2p/internal/pipelining"
)

// DefaultPipelineDepth is the number of segment requests kept outstanding.
const DefaultPipelineDepth = 2

// Controller errors. They indicate a coordination bug.
var (
	ErrAlreadyHeld    = errors.New("a delayed request is already held")
	ErrNotStarted     = errors.New("playback not started")
	ErrUnknownRequest = errors.New("queued request not found in registry")
	ErrNoSegments     = errors.New("adaptation set has no segments")
)

// Throughput is the estimator the controller reads before each decision.
type Throughput interface {
	Recent() float64
	LastRequest() float64
	Completed() int
}

// RequestLookup resolves request ids reported by a Disconnect.
type RequestLookup interface {
	Lookup(id int64) (pipelining.RequestInfo, bool)
}

// Config holds the controller configuration.
type Config struct {
	Params Params
	// Period and AdaptationSet select the played stream.
	Period        int
	AdaptationSet int
	// PipelineDepth is the number of segment requests kept outstanding.
	PipelineDepth int
	// Reconnect resubmits the requests of a lost connection on a new one.
	Reconnect   bool
	TrendBucket time.Duration
	Clock       func() time.Time
}

type connState struct {
	host    string
	closing bool
}

type heldRequest struct {
	items     []control.DownloadItem
	threshold time.Duration
}

// Controller turns events into actions. It owns the scheduling state: the
// next segment, the outstanding requests, the open connections and the
// single held request. It is not safe for concurrent use; the coordinator
// loop is its only caller.
type Controller struct {
	cfg        Config
	manifest   manifest.Manifest
	engine     *Engine
	trend      *BufferTrend
	throughput Throughput
	requests   RequestLookup
	logger     *slog.Logger

	segments int
	hasInit  bool

	started      bool
	finished     bool
	starved      bool
	nextNumber   int
	tier         int
	initIssued   map[int]bool
	urls         map[models.SegmentID]*url.URL
	outstanding  int
	held         *heldRequest
	availability models.Availability
	lastDecision Decision

	conns      map[int64]*connState
	active     int64
	nextConnID int64
}

// NewController creates a controller for one adaptation set of m.
func NewController(cfg Config, m manifest.Manifest, tp Throughput, requests RequestLookup, logger *slog.Logger) (*Controller, error) {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = DefaultPipelineDepth
	}
	if logger == nil {
		logger = slog.Default()
	}

	engine, err := NewEngine(cfg.Params, m.BitrateLadder(cfg.Period, cfg.AdaptationSet))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	segments := m.SegmentCount(cfg.Period, cfg.AdaptationSet)
	if segments == 0 {
		return nil, ErrNoSegments
	}

	return &Controller{
		cfg:        cfg,
		manifest:   m,
		engine:     engine,
		trend:      NewBufferTrend(cfg.TrendBucket, cfg.Clock),
		throughput: tp,
		requests:   requests,
		logger:     logger,
		segments:   segments,
		hasInit:    m.HasInitSegment(cfg.Period, cfg.AdaptationSet),
		nextNumber: 1,
		initIssued: make(map[int]bool),
		urls:       make(map[models.SegmentID]*url.URL),
		conns:      make(map[int64]*connState),
	}, nil
}

// Handle processes one event and returns the actions to execute, in order.
func (c *Controller) Handle(ev control.Event) ([]control.Action, error) {
	switch e := ev.(type) {
	case control.StartPlayback:
		return c.handleStart(e)
	case control.DataReceived:
		return c.handleData(e)
	case control.Disconnect:
		return c.handleDisconnect(e)
	case control.DataPlayed:
		return c.handlePlayed(e)
	default:
		return nil, fmt.Errorf("unexpected event %T", ev)
	}
}

func (c *Controller) handleStart(e control.StartPlayback) ([]control.Action, error) {
	if c.started {
		c.logger.Warn("ignoring repeated start", slog.String("manifest", e.ManifestURL))
		return nil, nil
	}
	c.started = true
	c.logger.Info("playback started",
		slog.String("manifest", e.ManifestURL),
		slog.Int("segments", c.segments),
		slog.Int("tiers", len(c.engine.ladder)),
		slog.Bool("init_segments", c.hasInit),
	)
	return c.schedule()
}

func (c *Controller) handleData(e control.DataReceived) ([]control.Action, error) {
	if !c.started {
		return nil, ErrNotStarted
	}
	c.observe(e.Availability)
	if !e.Completed {
		return nil, nil
	}

	if e.Redirected() {
		return c.redirect(e)
	}

	delete(c.urls, e.Target)
	c.outstanding--

	if c.nextNumber > c.segments && c.outstanding == 0 && c.held == nil {
		return c.finish(), nil
	}
	return c.schedule()
}

func (c *Controller) redirect(e control.DataReceived) ([]control.Action, error) {
	loc, err := url.Parse(e.Location)
	if err != nil {
		return nil, fmt.Errorf("redirect location %q: %w", e.Location, err)
	}
	if prev, ok := c.urls[e.Target]; ok {
		loc = prev.ResolveReference(loc)
	}
	c.urls[e.Target] = loc
	// The re-issued request replaces the completed one.
	c.outstanding--

	c.logger.Debug("following redirect",
		slog.String("segment", e.Target.String()),
		slog.String("location", loc.Redacted()),
	)
	item := control.DownloadItem{Target: e.Target, URL: loc.String(), Method: e.Method}
	return c.dispatch([]control.DownloadItem{item}), nil
}

func (c *Controller) handleDisconnect(e control.Disconnect) ([]control.Action, error) {
	if conn, ok := c.conns[e.ConnID]; ok {
		if e.Rejected {
			conn.closing = true
		} else {
			delete(c.conns, e.ConnID)
		}
	}
	if c.active == e.ConnID {
		c.active = 0
	}

	if len(e.RequestIDs) == 0 {
		return c.schedule()
	}

	if !c.cfg.Reconnect {
		c.starved = true
		c.logger.Warn("connection lost with queued requests, not reconnecting",
			slog.Int64("conn_id", e.ConnID),
			slog.Int("requests", len(e.RequestIDs)),
		)
		return nil, nil
	}

	items := make([]control.DownloadItem, 0, len(e.RequestIDs))
	for _, id := range e.RequestIDs {
		info, ok := c.requests.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
		}
		items = append(items, control.DownloadItem{Target: info.Target, URL: info.URL.String(), Method: info.Method})
	}
	c.logger.Info("resubmitting queued requests",
		slog.Int64("conn_id", e.ConnID),
		slog.Int("requests", len(items)),
		slog.Bool("rejected", e.Rejected),
	)
	// The resubmitted requests are still counted as outstanding.
	actions := c.dispatch(items)
	c.outstanding -= len(items)
	return actions, nil
}

func (c *Controller) handlePlayed(e control.DataPlayed) ([]control.Action, error) {
	if !c.started {
		return nil, nil
	}
	c.observe(e.Availability)
	if c.held == nil || e.Availability.Duration > c.held.threshold {
		return nil, nil
	}

	held := c.held
	c.held = nil
	c.logger.Debug("releasing delayed request",
		slog.Duration("threshold", held.threshold),
		slog.Duration("buffer", e.Availability.Duration),
	)
	actions := c.dispatch(held.items)
	more, err := c.schedule()
	if err != nil {
		return nil, err
	}
	return append(actions, more...), nil
}

func (c *Controller) observe(a models.Availability) {
	c.availability = a
	c.trend.Observe(a.Duration)
}

// schedule issues requests until the pipeline is full, a request is held or
// every segment has been requested.
func (c *Controller) schedule() ([]control.Action, error) {
	var actions []control.Action
	for !c.starved && !c.finished && c.held == nil &&
		c.outstanding < c.cfg.PipelineDepth && c.nextNumber <= c.segments {

		d := c.decide()
		items := c.items(d.Tier)
		c.nextNumber++

		if d.HasDelay && c.availability.Duration > d.Delay {
			if err := c.hold(items, d.Delay); err != nil {
				return nil, err
			}
			break
		}
		actions = append(actions, c.dispatch(items)...)
	}
	return actions, nil
}

func (c *Controller) decide() Decision {
	next := c.segmentID(c.tier, c.nextNumber)
	current := next
	if c.nextNumber > 1 {
		current = c.segmentID(c.tier, c.nextNumber-1)
	}

	d := c.engine.Select(Input{
		BufferGrowing:          c.trend.Growing(),
		BufferLevel:            c.availability.Duration,
		ThroughputRecent:       c.throughput.Recent(),
		ThroughputLastRequest:  c.throughput.LastRequest(),
		CompletedRequests:      c.throughput.Completed(),
		PreviousTier:           c.tier,
		NextSegmentDuration:    c.manifest.SegmentDuration(next),
		CurrentSegmentDuration: c.manifest.SegmentDuration(current),
	})

	c.logger.Debug("rate decision",
		slog.Int("segment", c.nextNumber),
		slog.Int("tier", d.Tier),
		slog.Float64("bitrate", d.Bitrate),
		slog.String("reason", string(d.Reason)),
		slog.Duration("buffer", c.availability.Duration),
	)
	if d.Tier != c.tier {
		c.logger.Info("tier switch",
			slog.Int("from", c.tier),
			slog.Int("to", d.Tier),
			slog.Float64("bitrate", d.Bitrate),
			slog.String("reason", string(d.Reason)),
		)
	}
	c.tier = d.Tier
	c.lastDecision = d
	return d
}

// items builds the requests for the next segment, preceded by the
// initialization segment the first time a tier is used.
func (c *Controller) items(tier int) []control.DownloadItem {
	var items []control.DownloadItem
	if c.hasInit && !c.initIssued[tier] {
		c.initIssued[tier] = true
		items = append(items, c.item(c.segmentID(tier, models.InitSegmentNumber)))
	}
	return append(items, c.item(c.segmentID(tier, c.nextNumber)))
}

func (c *Controller) item(id models.SegmentID) control.DownloadItem {
	return control.DownloadItem{Target: id, URL: c.manifest.SegmentURL(id), Method: models.MethodGet}
}

func (c *Controller) segmentID(tier, number int) models.SegmentID {
	return models.SegmentID{
		Period:        c.cfg.Period,
		AdaptationSet: c.cfg.AdaptationSet,
		Tier:          tier,
		Number:        number,
	}
}

func (c *Controller) hold(items []control.DownloadItem, threshold time.Duration) error {
	if c.held != nil {
		return ErrAlreadyHeld
	}
	c.held = &heldRequest{items: items, threshold: threshold}
	c.logger.Debug("delaying request",
		slog.Duration("threshold", threshold),
		slog.Duration("buffer", c.availability.Duration),
	)
	return nil
}

// dispatch submits items in order, grouping consecutive items of one host
// onto one connection.
func (c *Controller) dispatch(items []control.DownloadItem) []control.Action {
	var actions []control.Action
	for start := 0; start < len(items); {
		host := hostPort(items[start].URL)
		end := start + 1
		for end < len(items) && hostPort(items[end].URL) == host {
			end++
		}

		connID, open := c.connFor(host)
		if open != nil {
			actions = append(actions, *open)
		}
		group := append([]control.DownloadItem(nil), items[start:end]...)
		actions = append(actions, control.StartDownload{ConnID: connID, Items: group})
		for _, it := range group {
			if u, err := url.Parse(it.URL); err == nil {
				c.urls[it.Target] = u
			}
		}
		c.outstanding += len(group)
		start = end
	}
	return actions
}

// connFor returns a connection to host that still accepts requests, and
// the action opening it when a new one is needed.
func (c *Controller) connFor(host string) (int64, *control.OpenConnection) {
	if conn, ok := c.conns[c.active]; ok && !conn.closing && conn.host == host {
		return c.active, nil
	}
	for id, conn := range c.conns {
		if !conn.closing && conn.host == host {
			c.active = id
			return id, nil
		}
	}

	c.nextConnID++
	id := c.nextConnID
	c.conns[id] = &connState{host: host}
	c.active = id
	c.logger.Debug("opening connection", slog.Int64("conn_id", id), slog.String("host", host))
	return id, &control.OpenConnection{ConnID: id, Host: host}
}

func (c *Controller) finish() []control.Action {
	c.finished = true
	c.logger.Info("all segments downloaded", slog.Int("segments", c.segments))
	actions := make([]control.Action, 0, len(c.conns))
	for id := int64(1); id <= c.nextConnID; id++ {
		if _, ok := c.conns[id]; ok {
			actions = append(actions, control.CloseConnection{ConnID: id})
			delete(c.conns, id)
		}
	}
	c.active = 0
	return actions
}

// hostPort returns the "host:port" a URL is fetched from.
func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Status is a snapshot of the controller state.
type Status struct {
	Tier            int       `json:"tier"`
	Bitrate         float64   `json:"bitrate"`
	Reason          Reason    `json:"reason,omitempty"`
	InitialIncrease bool      `json:"initial_increase"`
	NextSegment     int       `json:"next_segment"`
	Segments        int       `json:"segments"`
	Outstanding     int       `json:"outstanding"`
	Held            bool      `json:"held"`
	HeldThreshold   string    `json:"held_threshold,omitempty"`
	Connections     int       `json:"connections"`
	Finished        bool      `json:"finished"`
	Starved         bool      `json:"starved"`
	Ladder          []float64 `json:"ladder"`
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	s := Status{
		Tier:            c.tier,
		Bitrate:         c.engine.ladder[c.tier],
		Reason:          c.lastDecision.Reason,
		InitialIncrease: c.engine.InitialIncrease(),
		NextSegment:     c.nextNumber,
		Segments:        c.segments,
		Outstanding:     c.outstanding,
		Held:            c.held != nil,
		Connections:     len(c.conns),
		Finished:        c.finished,
		Starved:         c.starved,
		Ladder:          c.engine.Ladder(),
	}
	if c.held != nil {
		s.HeldThreshold = c.held.threshold.String()
	}
	return s
}

// Finished reports whether every segment has been downloaded.
func (c *Controller) Finished() bool {
	return c.finished
}

// Starved reports whether a lost connection left segments that will never
// be downloaded.
func (c *Controller) Starved() bool {
	return c.starved
}
