// Package coordinator runs the event loop that ties the pipelined HTTP
// clients, the byte-range buffer and the rate-adaptation controller
// together, and serves the playback pull.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/adaptation"
	"github.com/konstantinmiller/dashp2p/internal/buffer"
	"github.com/konstantinmiller/dashp2p/internal/control"
	"github.com/konstantinmiller/dashp2p/internal/manifest"
	"github.com/konstantinmiller/dashp2p/internal/models"
	"github.com/konstantinmiller/dashp2p/internal/pipelining"
	"github.com/konstantinmiller/dashp2p/internal/stats"
)

// Default configuration values.
const (
	DefaultLoopTimeout = 100 * time.Millisecond
	DefaultEmptyPoll   = time.Second
	DefaultWaitPoll    = 10 * time.Millisecond
)

// Coordinator errors.
var (
	ErrNotPlaying         = errors.New("coordinator is not playing")
	ErrAlreadyRunning     = errors.New("coordinator already started")
	ErrTerminated         = errors.New("coordinator terminated")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrSubmissionRejected = errors.New("connection rejected requests")
)

// State is the lifecycle state of a Coordinator. Transitions only move
// forward.
type State int32

// Coordinator states.
const (
	StateInitializing State = iota
	StatePlaying
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePlaying:
		return "playing"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Controller decides which actions follow an event.
type Controller interface {
	Handle(ev control.Event) ([]control.Action, error)
	Status() adaptation.Status
	Starved() bool
}

// DialFunc opens a pipelined client. pipelining.Dial is the default.
type DialFunc func(ctx context.Context, id int64, host string, registry *pipelining.Registry, sink pipelining.Sink, cfg pipelining.Config) (*pipelining.Client, error)

// Config holds the coordinator configuration.
type Config struct {
	ManifestURL   string
	Period        int
	AdaptationSet int
	// Reconnect turns a rejected submission into a Disconnect the
	// controller recovers from. Without it a rejection is fatal.
	Reconnect bool
	// LoopTimeout bounds a single wait of the event loop.
	LoopTimeout time.Duration
	// EmptyPoll bounds a pull while the stream position is unknown, and
	// WaitPoll while waiting for more bytes of a known segment.
	EmptyPoll time.Duration
	WaitPoll  time.Duration
	Client    pipelining.Config
	Dial      DialFunc
}

// Coordinator owns one playback session.
type Coordinator struct {
	cfg        Config
	manifest   manifest.Manifest
	controller Controller
	collector  *stats.Collector
	registry   *pipelining.Registry
	logger     *slog.Logger

	state   atomic.Int32
	events  *Queue[control.Event]
	actions *Queue[control.Action]
	fatal   chan error

	// Owned by the loop.
	clients map[int64]*pipelining.Client
	removed map[int64]bool

	// mu guards the buffer and everything describing the stream position.
	mu           sync.Mutex
	buf          *buffer.Buffer
	pos          models.StreamPosition
	sequence     []models.SegmentID
	owners       map[models.SegmentID]int64
	resent       map[models.SegmentID]bool
	availability models.Availability
	wake         chan struct{}
	eos          bool
	starved      bool
	played       int64
	stalledSince time.Time
	stalls       int
	stallTime    time.Duration

	statusMu    sync.RWMutex
	ctrlStatus  adaptation.Status
	connections int
}

// New creates a coordinator in the Initializing state.
func New(cfg Config, m manifest.Manifest, controller Controller, collector *stats.Collector, registry *pipelining.Registry, logger *slog.Logger) *Coordinator {
	if cfg.LoopTimeout <= 0 {
		cfg.LoopTimeout = DefaultLoopTimeout
	}
	if cfg.EmptyPoll <= 0 {
		cfg.EmptyPoll = DefaultEmptyPoll
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = DefaultWaitPoll
	}
	if cfg.Dial == nil {
		cfg.Dial = pipelining.Dial
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = pipelining.NewRegistry()
	}

	c := &Coordinator{
		cfg:        cfg,
		manifest:   m,
		controller: controller,
		collector:  collector,
		registry:   registry,
		logger:     logger,
		events:     NewQueue[control.Event](),
		actions:    NewQueue[control.Action](),
		fatal:      make(chan error, 1),
		clients:    make(map[int64]*pipelining.Client),
		removed:    make(map[int64]bool),
		buf:        buffer.New(),
		pos:        models.InvalidPosition,
		owners:     make(map[models.SegmentID]int64),
		resent:     make(map[models.SegmentID]bool),
		wake:       make(chan struct{}),
	}
	c.cfg.Client.OnFatal = c.reportFatal
	if c.cfg.Client.Logger == nil {
		c.cfg.Client.Logger = logger
	}
	return c
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Run plays the session until ctx is cancelled, the stream ended or a fatal
// error occurred. A protocol violation or a coordination bug is returned as
// an error.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateInitializing), int32(StatePlaying)) {
		return ErrAlreadyRunning
	}
	c.logger.Info("coordinator started", slog.String("manifest", c.cfg.ManifestURL))
	c.events.Push(control.StartPlayback{ManifestURL: c.cfg.ManifestURL})

	timer := time.NewTimer(c.cfg.LoopTimeout)
	defer timer.Stop()

	for {
		if c.events.Len() == 0 && c.actions.Len() == 0 {
			timer.Reset(c.cfg.LoopTimeout)
			select {
			case <-ctx.Done():
				c.shutdown()
				return ctx.Err()
			case err := <-c.fatal:
				c.shutdown()
				return err
			case <-c.events.Notify():
			case <-c.actions.Notify():
			case <-timer.C:
			}
		}

		select {
		case err := <-c.fatal:
			c.shutdown()
			return err
		default:
		}
		if ctx.Err() != nil {
			c.shutdown()
			return ctx.Err()
		}

		if err := c.step(ctx); err != nil {
			c.logger.Error("coordinator failed", slog.String("error", err.Error()))
			c.shutdown()
			return err
		}
		if c.ended() {
			c.logger.Info("stream delivered, stopping")
			c.shutdown()
			return nil
		}
	}
}

// step handles one event, or executes every queued action when no event
// is pending.
func (c *Coordinator) step(ctx context.Context) error {
	if ev, ok := c.events.Pop(); ok {
		return c.handleEvent(ev)
	}
	for {
		a, ok := c.actions.Pop()
		if !ok {
			return nil
		}
		if err := c.execute(ctx, a); err != nil {
			return err
		}
	}
}

func (c *Coordinator) handleEvent(ev control.Event) error {
	switch e := ev.(type) {
	case control.DataReceived:
		if err := c.ingest(&e); err != nil {
			return err
		}
		return c.dispatch(e)

	case control.Disconnect:
		if e.Rejected && !c.cfg.Reconnect && !c.removed[e.ConnID] {
			return fmt.Errorf("connection %d: %w", e.ConnID, ErrSubmissionRejected)
		}
		if err := c.dispatch(e); err != nil {
			return err
		}
		if e.Rejected {
			for _, id := range e.RequestIDs {
				c.registry.Remove(id)
			}
			return nil
		}
		c.removeClient(e.ConnID)
		return nil

	case control.StartPlayback, control.DataPlayed:
		return c.dispatch(ev)

	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
}

// dispatch hands an event to the controller and queues its actions.
func (c *Coordinator) dispatch(ev control.Event) error {
	actions, err := c.controller.Handle(ev)
	if err != nil {
		return fmt.Errorf("handling %s: %w", ev.Kind(), err)
	}
	c.actions.Push(actions...)

	starved := c.controller.Starved()
	c.mu.Lock()
	if starved && !c.starved {
		c.starved = true
		c.signal()
	}
	c.mu.Unlock()

	c.statusMu.Lock()
	c.ctrlStatus = c.controller.Status()
	c.statusMu.Unlock()
	return nil
}

// publishConnections updates the connection count reported by Status.
func (c *Coordinator) publishConnections() {
	c.statusMu.Lock()
	c.connections = len(c.clients)
	c.statusMu.Unlock()
}

// ingest feeds the payload of a DataReceived event into the buffer and sets
// the event's availability.
func (c *Coordinator) ingest(ev *control.DataReceived) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Method == models.MethodGet && !ev.Redirected() && !ev.Range.Empty() {
		id := ev.Target
		if !c.buf.Has(id) {
			if err := c.buf.Init(id, ev.ContentLength, c.manifest.SegmentDuration(id)); err != nil {
				return fmt.Errorf("request %d: %w", ev.RequestID, err)
			}
			c.owners[id] = ev.RequestID
		}
		// A resubmitted request downloads the segment again from its start.
		if c.owners[id] != ev.RequestID {
			c.owners[id] = ev.RequestID
			c.resent[id] = true
		}
		overwrite := c.resent[id]
		if err := c.buf.AddData(id, ev.Range.From, ev.Range.To, ev.Data, overwrite); err != nil {
			return fmt.Errorf("request %d: %w", ev.RequestID, err)
		}
		c.availability = c.buf.ContiguousAvailability(c.pos, c.sequence)
		c.signal()
	}
	ev.Availability = c.availability
	return nil
}

// signal wakes every waiting pull. Callers hold mu.
func (c *Coordinator) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Coordinator) execute(ctx context.Context, a control.Action) error {
	if state := c.State(); state != StatePlaying {
		if state == StateTerminating {
			c.logger.Debug("dropping action during shutdown", slog.String("action", a.Kind()))
			return nil
		}
		return fmt.Errorf("%s in state %s: %w", a.Kind(), state, ErrNotPlaying)
	}

	switch act := a.(type) {
	case control.OpenConnection:
		return c.openConnection(ctx, act)
	case control.CloseConnection:
		c.closeConnection(act.ConnID)
		return nil
	case control.StartDownload:
		return c.startDownload(act)
	default:
		return fmt.Errorf("unexpected action %T", a)
	}
}

func (c *Coordinator) openConnection(ctx context.Context, act control.OpenConnection) error {
	if _, ok := c.clients[act.ConnID]; ok {
		return fmt.Errorf("connection %d already open", act.ConnID)
	}
	client, err := c.cfg.Dial(ctx, act.ConnID, act.Host, c.registry, clientSink{c}, c.cfg.Client)
	if err != nil {
		return fmt.Errorf("opening connection %d: %w", act.ConnID, err)
	}
	c.clients[act.ConnID] = client
	c.publishConnections()
	c.logger.Debug("connection opened", slog.Int64("conn_id", act.ConnID), slog.String("host", act.Host))
	return nil
}

func (c *Coordinator) closeConnection(id int64) {
	client, ok := c.clients[id]
	if !ok {
		return
	}
	client.Close()
	c.forget(id)
	c.logger.Debug("connection closed", slog.Int64("conn_id", id))
}

// removeClient forgets a client that reported its disconnect.
func (c *Coordinator) removeClient(id int64) {
	client, ok := c.clients[id]
	if !ok {
		return
	}
	client.Wait()
	c.forget(id)
}

func (c *Coordinator) forget(id int64) {
	delete(c.clients, id)
	c.removed[id] = true
	c.publishConnections()
	c.registry.RemoveConnection(id)
	if c.collector != nil {
		c.collector.RemoveConnection(id)
	}
}

func (c *Coordinator) startDownload(act control.StartDownload) error {
	client, live := c.clients[act.ConnID]
	if !live && !c.removed[act.ConnID] {
		return fmt.Errorf("start download on %d: %w", act.ConnID, ErrUnknownConnection)
	}

	reqs := make([]*pipelining.Request, 0, len(act.Items))
	ids := make([]int64, 0, len(act.Items))
	for _, it := range act.Items {
		u, err := url.Parse(it.URL)
		if err != nil {
			return fmt.Errorf("segment %s url: %w", it.Target, err)
		}
		req := pipelining.NewRequest(c.registry.NextID(), it.Target, u, it.Method)
		req.ConnID = act.ConnID
		c.registry.Register(req)
		reqs = append(reqs, req)
		ids = append(ids, req.ID)
	}

	c.mu.Lock()
	for _, it := range act.Items {
		if it.Method == models.MethodGet && !slices.Contains(c.sequence, it.Target) {
			c.sequence = append(c.sequence, it.Target)
		}
	}
	c.mu.Unlock()

	// The controller may target a connection whose Disconnect was handled
	// after the action was queued. The requests were never sent.
	if !live {
		c.logger.Debug("download targets a closed connection",
			slog.Int64("conn_id", act.ConnID),
			slog.Int("requests", len(reqs)),
		)
		c.events.Push(control.Disconnect{ConnID: act.ConnID, RequestIDs: ids, Rejected: true})
		return nil
	}

	if !client.Submit(reqs) {
		c.logger.Warn("connection rejected requests",
			slog.Int64("conn_id", act.ConnID),
			slog.Int("requests", len(reqs)),
		)
		c.events.Push(control.Disconnect{ConnID: act.ConnID, RequestIDs: ids, Rejected: true})
	}
	return nil
}

func (c *Coordinator) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// ended reports whether the consumer received the whole stream.
func (c *Coordinator) ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eos
}

func (c *Coordinator) shutdown() {
	c.state.Store(int32(StateTerminating))
	for _, a := range c.actions.Drain() {
		c.logger.Debug("dropping action during shutdown", slog.String("action", a.Kind()))
	}
	for id := range c.clients {
		c.closeConnection(id)
	}
	c.state.Store(int32(StateDead))

	c.mu.Lock()
	c.signal()
	stalls, stallTime := c.stalls, c.stallTime
	c.mu.Unlock()

	c.logger.Info("coordinator stopped",
		slog.Int("stalls", stalls),
		slog.Duration("stall_time", stallTime),
	)
}

// clientSink forwards client output to the event queue. Completed requests
// go to the statistics collector first so the controller sees them.
type clientSink struct {
	c *Coordinator
}

func (s clientSink) OnData(ev control.DataReceived) {
	if s.c.collector != nil && len(ev.Data) > 0 {
		s.c.collector.AddData(ev.ConnID, len(ev.Data))
	}
	s.c.events.Push(ev)
}

func (s clientSink) OnComplete(req *pipelining.Request) {
	if s.c.collector != nil {
		s.c.collector.Add(req)
	}
}

func (s clientSink) OnDisconnect(ev control.Disconnect) {
	s.c.events.Push(ev)
}

// Status is a snapshot of the session.
type Status struct {
	State       string            `json:"state"`
	Position    string            `json:"position"`
	Buffer      time.Duration     `json:"buffer_ns"`
	BufferBytes int64             `json:"buffer_bytes"`
	Segments    int               `json:"buffered_segments"`
	PlayedBytes int64             `json:"played_bytes"`
	Stalls      int               `json:"stalls"`
	StallTime   time.Duration     `json:"stall_time_ns"`
	EndOfStream bool              `json:"end_of_stream"`
	Connections int               `json:"connections"`
	Adaptation  adaptation.Status `json:"adaptation"`
}

// Status returns a snapshot of the session.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		State:       c.State().String(),
		Position:    c.pos.String(),
		Buffer:      c.availability.Duration,
		BufferBytes: c.availability.Bytes,
		Segments:    c.buf.Len(),
		PlayedBytes: c.played,
		Stalls:      c.stalls,
		StallTime:   c.stallTime,
		EndOfStream: c.eos,
	}
	c.mu.Unlock()

	c.statusMu.RLock()
	s.Connections = c.connections
	s.Adaptation = c.ctrlStatus
	c.statusMu.RUnlock()
	return s
}
