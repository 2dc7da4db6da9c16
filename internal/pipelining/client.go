// Package pipelining implements an HTTP/1.1 client that owns exactly one TCP
// connection, pipelines requests on it and parses responses incrementally.
//
// Each Client runs a single worker goroutine. The only synchronization
// point with the outside is Submit; everything else (the request queue,
// keep-alive accounting and parsing) belongs to the worker.
package pipelining

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/control"
	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Default configuration values.
const (
	DefaultMaxInFlight    = 4
	DefaultReadBufferSize = 64 * 1024
	DefaultDialTimeout    = 10 * time.Second
	DefaultUserAgent      = "dashp2p/1.0"
)

// State is the lifecycle state of a Client.
type State int32

const (
	// StateConstructed accepts new requests.
	StateConstructed State = iota
	// StateNotAcceptingRequests is terminal.
	StateNotAcceptingRequests
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateNotAcceptingRequests:
		return "not_accepting_requests"
	default:
		return "unknown"
	}
}

// Sink receives the output of a Client. Calls are made from the worker
// goroutine, in order.
type Sink interface {
	// OnData reports newly copied payload bytes or a completed header.
	OnData(ev control.DataReceived)
	// OnComplete hands over a completed request. It is called before the
	// OnData call that reports the completion.
	OnComplete(req *Request)
	// OnDisconnect reports the end of the connection with every request
	// still queued.
	OnDisconnect(ev control.Disconnect)
}

// FatalFunc is called on protocol violations.
type FatalFunc func(err error)

// Config holds the configuration of a Client.
type Config struct {
	// MaxInFlight caps requests sent but not completed. 0 means unlimited.
	MaxInFlight int

	// MaxRequestsPerConnection caps requests sent on one connection.
	// 0 means unlimited.
	MaxRequestsPerConnection int

	// ReadBufferSize is the size of a single socket read.
	ReadBufferSize int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Logger is the structured logger.
	Logger *slog.Logger

	// OnFatal is called on protocol violations. The default panics,
	// aborting the process.
	OnFatal FatalFunc
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    DefaultMaxInFlight,
		ReadBufferSize: DefaultReadBufferSize,
		DialTimeout:    DefaultDialTimeout,
		UserAgent:      DefaultUserAgent,
		Logger:         slog.Default(),
		OnFatal:        func(err error) { panic(err) },
	}
}

// Client is a pipelining HTTP/1.1 client bound to one TCP connection.
type Client struct {
	id       int64
	conn     net.Conn
	cfg      Config
	registry *Registry
	sink     Sink
	logger   *slog.Logger

	state   atomic.Int32
	pending atomic.Int64

	mu       sync.Mutex
	incoming []*Request

	submitted chan struct{}
	reads     chan []byte
	readErr   chan error
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	readDone  chan struct{}

	// Owned by the worker.
	queue           []*Request
	sentOnConn      int
	completedOnConn int
	headersSeen     int
	keepAlive       keepAlive
	keepAliveKnown  bool
	closing         bool
	// discard counts body bytes of a completed redirect still to skip.
	discard int64
}

// Dial connects to host ("host:port") and starts a Client on the connection.
func Dial(ctx context.Context, id int64, host string, registry *Registry, sink Sink, cfg Config) (*Client, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", host, err)
	}
	c := New(id, conn, registry, sink, cfg)
	c.Start()
	return c, nil
}

// New creates a Client on an established connection. Call Start to run it.
func New(id int64, conn net.Conn, registry *Registry, sink Sink, cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaults.ReadBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = defaults.OnFatal
	}

	return &Client{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		registry:  registry,
		sink:      sink,
		logger:    cfg.Logger.With(slog.Int64("conn_id", id)),
		submitted: make(chan struct{}, 1),
		reads:     make(chan []byte),
		readErr:   make(chan error, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Start launches the worker and socket reader goroutines.
func (c *Client) Start() {
	go c.readLoop()
	go c.run()
}

// ID returns the connection id.
func (c *Client) ID() int64 {
	return c.id
}

// State returns the lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// PendingCount returns the number of requests queued or in flight.
func (c *Client) PendingCount() int {
	return int(c.pending.Load())
}

// Submit queues requests. It returns false, leaving ownership with the
// caller, when the client no longer accepts requests. Otherwise the
// requests are always queued, whether or not they can be sent right away.
func (c *Client) Submit(reqs []*Request) bool {
	c.mu.Lock()
	if c.State() != StateConstructed {
		c.mu.Unlock()
		return false
	}
	c.incoming = append(c.incoming, reqs...)
	c.pending.Add(int64(len(reqs)))
	c.mu.Unlock()

	select {
	case c.submitted <- struct{}{}:
	default:
	}
	return true
}

// Stop asks the worker to terminate without reporting a disconnect.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until the worker and the socket reader have terminated.
func (c *Client) Wait() {
	<-c.done
	<-c.readDone
}

// Close stops the client and waits for it.
func (c *Client) Close() {
	c.Stop()
	c.Wait()
}

// readLoop turns socket readiness into messages for the worker.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		buf := make([]byte, c.cfg.ReadBufferSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			select {
			case c.reads <- buf[:n]:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			select {
			case c.readErr <- err:
			case <-c.stop:
			}
			return
		}
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		disconnected := false
		select {
		case <-c.stop:
			c.terminate(false)
			return
		case <-c.submitted:
		case chunk := <-c.reads:
			if err := c.handleChunk(chunk); err != nil {
				c.fail(err)
				return
			}
		case err := <-c.readErr:
			c.logger.Debug("connection closed by peer", slog.String("error", err.Error()))
			disconnected = true
		}

		c.takeIncoming()

		if disconnected || (c.quota() == 0 && c.inFlight() == 0) {
			c.terminate(true)
			return
		}
		if err := c.startRequests(); err != nil {
			c.logger.Warn("sending requests failed", slog.String("error", err.Error()))
			c.terminate(true)
			return
		}
	}
}

func (c *Client) takeIncoming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, c.incoming...)
	c.incoming = nil
}

// inFlight counts the sent prefix of the queue.
func (c *Client) inFlight() int {
	n := 0
	for _, r := range c.queue {
		if !r.Sent() {
			break
		}
		n++
	}
	return n
}

// quota returns how many more requests may be sent on this connection, or
// -1 when no limit is known.
func (c *Client) quota() int {
	q := -1
	if c.keepAliveKnown && c.keepAlive.hasMax {
		q = max(c.keepAlive.max-c.sentOnConn, 0)
	}
	if limit := c.cfg.MaxRequestsPerConnection; limit > 0 {
		left := max(limit-c.sentOnConn, 0)
		if q < 0 || left < q {
			q = left
		}
	}
	if c.closing {
		q = 0
	}
	return q
}

// startRequests writes the next batch of unsent requests.
func (c *Client) startRequests() error {
	sent := c.inFlight()
	if sent == len(c.queue) {
		return nil
	}
	if c.cfg.MaxInFlight > 0 && sent >= c.cfg.MaxInFlight {
		return nil
	}
	quota := c.quota()
	if quota == 0 {
		return nil
	}
	for _, r := range c.queue[:sent] {
		if !r.Pipelining {
			return nil
		}
	}

	var batch []*Request
	for _, r := range c.queue[sent:] {
		if !r.Pipelining && (sent > 0 || len(batch) > 0) {
			break
		}
		batch = append(batch, r)
		if !r.Pipelining {
			break
		}
		if quota > 0 && len(batch) >= quota {
			break
		}
		if c.cfg.MaxInFlight > 0 && sent+len(batch) >= c.cfg.MaxInFlight {
			break
		}
	}

	var buf bytes.Buffer
	writeRequests(&buf, batch, c.cfg.UserAgent)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing %d requests: %w", len(batch), err)
	}

	now := time.Now()
	for _, r := range batch {
		r.SentAt = now
	}
	c.sentOnConn += len(batch)

	c.logger.Debug("requests sent",
		slog.Int("count", len(batch)),
		slog.Int64("first_request_id", batch[0].ID),
		slog.Int("sent_on_connection", c.sentOnConn),
		slog.Int("quota", c.quota()),
	)
	return nil
}

// handleChunk drains one socket read into the queue front, completing as
// many pipelined responses as the chunk covers.
func (c *Client) handleChunk(chunk []byte) error {
	now := time.Now()
	for len(chunk) > 0 {
		if c.discard > 0 {
			n := min(c.discard, int64(len(chunk)))
			c.discard -= n
			chunk = chunk[n:]
			continue
		}
		if len(c.queue) == 0 || !c.queue[0].Sent() {
			return fmt.Errorf("%w: %d bytes with no request outstanding", ErrUnsolicitedData, len(chunk))
		}
		n, err := c.feed(c.queue[0], chunk, now)
		if err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}

// feed parses chunk into req and returns the number of bytes consumed.
func (c *Client) feed(req *Request, chunk []byte, now time.Time) (int, error) {
	if req.FirstByteAt.IsZero() {
		req.FirstByteAt = now
	}

	consumed := 0
	if !req.headerDone {
		end, found := findTerminator(req.header, chunk)
		if !found {
			req.header = append(req.header, chunk...)
			return len(chunk), nil
		}
		req.header = append(req.header, chunk[:end]...)
		consumed = end
		if err := c.onHeader(req); err != nil {
			return consumed, fmt.Errorf("request %d: %w", req.ID, err)
		}
		c.emit(req, models.EmptyInterval, nil, true, now)
	}

	if !req.expectsPayload() {
		return consumed, nil
	}
	from := req.Received()
	n := min(req.ContentLength()-from, int64(len(chunk)-consumed))
	if n <= 0 {
		return consumed, nil
	}
	copy(req.payload[from:], chunk[consumed:consumed+int(n)])
	req.received.Add(n)
	consumed += int(n)
	c.emit(req, models.ByteInterval{From: from, To: from + n - 1}, req.payload[from:from+n], false, now)
	return consumed, nil
}

// onHeader parses a completed header block into req and the connection's
// keep-alive state.
func (c *Client) onHeader(req *Request) error {
	h, err := parseHeader(req.header)
	if err != nil {
		return err
	}
	req.headerDone = true
	req.Status = h.status
	req.Location = h.location
	req.ConnectionClose = h.connectionClose
	req.contentLength.Store(h.contentLength)
	if req.expectsPayload() {
		if h.contentLength < 0 {
			return ErrMissingLength
		}
		req.payload = make([]byte, h.contentLength)
	} else if req.Redirected() && req.Method == models.MethodGet && h.contentLength > 0 {
		c.discard = h.contentLength
	}

	c.headersSeen++
	if h.keepAlive != nil {
		if err := c.applyKeepAlive(*h.keepAlive); err != nil {
			return err
		}
	}
	if h.connectionClose && !c.closing {
		c.closing = true
		c.logger.Debug("server closes connection after response", slog.Int64("request_id", req.ID))
	}
	return nil
}

// applyKeepAlive records the keep-alive parameters of the first response
// and checks later responses against them.
func (c *Client) applyKeepAlive(ka keepAlive) error {
	if c.keepAliveKnown {
		if ka.hasTimeout && c.keepAlive.hasTimeout && ka.timeout != c.keepAlive.timeout {
			return fmt.Errorf("%w: timeout %s, was %s", ErrKeepAliveChanged, ka.timeout, c.keepAlive.timeout)
		}
		if ka.hasMax && c.keepAlive.hasMax && ka.max > c.keepAlive.max {
			return fmt.Errorf("%w: max %d, was %d", ErrKeepAliveChanged, ka.max, c.keepAlive.max)
		}
		return nil
	}
	if c.headersSeen > 1 {
		// Only the first response on a connection declares the parameters.
		return nil
	}

	c.keepAlive = ka
	c.keepAliveKnown = true

	if ka.hasMax && c.sentOnConn > ka.max {
		n := 0
		for _, r := range c.queue {
			if !r.Sent() {
				break
			}
			n++
			if n > ka.max {
				r.resetForResend()
			}
		}
		c.logger.Debug("requests beyond keep-alive limit re-queued", slog.Int("count", c.sentOnConn-ka.max))
		c.sentOnConn = ka.max
	}

	c.logger.Debug("keep-alive parameters",
		slog.Int("max", ka.max),
		slog.Bool("has_max", ka.hasMax),
		slog.Duration("timeout", ka.timeout),
	)
	return nil
}

// emit reports new data for req. A completing request is handed over to
// the sink before its final event.
func (c *Client) emit(req *Request, r models.ByteInterval, data []byte, headerOnly bool, now time.Time) {
	ev := control.DataReceived{
		ConnID:        c.id,
		RequestID:     req.ID,
		Target:        req.Target,
		Method:        req.Method,
		Status:        req.Status,
		Range:         r,
		Data:          data,
		ContentLength: req.ContentLength(),
		HeaderOnly:    headerOnly,
		Completed:     req.Complete(),
		Location:      req.Location,
	}
	if ev.Completed {
		req.LastByteAt = now
		c.queue = c.queue[1:]
		c.completedOnConn++
		c.pending.Add(-1)
		if c.registry != nil {
			c.registry.Remove(req.ID)
		}
		c.sink.OnComplete(req)
	}
	c.sink.OnData(ev)
}

// terminate moves the client to its terminal state. With report set, every
// request still queued is handed back through OnDisconnect.
func (c *Client) terminate(report bool) {
	c.Stop()
	c.mu.Lock()
	c.state.Store(int32(StateNotAcceptingRequests))
	c.queue = append(c.queue, c.incoming...)
	c.incoming = nil
	c.mu.Unlock()

	if !report {
		return
	}
	ids := make([]int64, len(c.queue))
	for i, r := range c.queue {
		ids[i] = r.ID
	}
	c.pending.Store(0)
	c.logger.Info("connection ended",
		slog.Int("completed", c.completedOnConn),
		slog.Int("sent", c.sentOnConn),
		slog.Int("queued", len(ids)),
	)
	c.sink.OnDisconnect(control.Disconnect{ConnID: c.id, RequestIDs: ids})
}

func (c *Client) fail(err error) {
	c.Stop()
	c.mu.Lock()
	c.state.Store(int32(StateNotAcceptingRequests))
	c.mu.Unlock()
	c.logger.Error("protocol violation", slog.String("error", err.Error()))
	c.cfg.OnFatal(err)
}
