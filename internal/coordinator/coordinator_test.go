package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konstantinmiller/dashp2p/internal/adaptation"
	"github.com/konstantinmiller/dashp2p/internal/buffer"
	"github.com/konstantinmiller/dashp2p/internal/control"
	"github.com/konstantinmiller/dashp2p/internal/manifest"
	"github.com/konstantinmiller/dashp2p/internal/models"
	"github.com/konstantinmiller/dashp2p/internal/pipelining"
	"github.com/konstantinmiller/dashp2p/internal/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedController answers StartPlayback with a fixed set of actions and
// records every event.
type scriptedController struct {
	mu     sync.Mutex
	start  []control.Action
	events []control.Event
}

func (s *scriptedController) Handle(ev control.Event) ([]control.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if _, ok := ev.(control.StartPlayback); ok {
		return s.start, nil
	}
	return nil, nil
}

func (s *scriptedController) Status() adaptation.Status { return adaptation.Status{} }
func (s *scriptedController) Starved() bool             { return false }

func (s *scriptedController) disconnects() []control.Disconnect {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []control.Disconnect
	for _, ev := range s.events {
		if d, ok := ev.(control.Disconnect); ok {
			out = append(out, d)
		}
	}
	return out
}

// pipeDial connects clients to serve over net.Pipe.
func pipeDial(serve func(conn net.Conn)) DialFunc {
	return func(_ context.Context, id int64, _ string, registry *pipelining.Registry, sink pipelining.Sink, cfg pipelining.Config) (*pipelining.Client, error) {
		client, server := net.Pipe()
		go serve(server)
		c := pipelining.New(id, client, registry, sink, cfg)
		c.Start()
		return c, nil
	}
}

func testManifest(t *testing.T, base string, segments int) *manifest.Presentation {
	t.Helper()
	p := &manifest.Presentation{Periods: []manifest.Period{{
		AdaptationSets: []manifest.AdaptationSet{{
			ContentType:     "video",
			SegmentDuration: 2 * time.Second,
			Duration:        time.Duration(segments) * 2 * time.Second,
			StartNumber:     1,
			Representations: []manifest.Representation{
				{ID: "a", Bandwidth: 100_000, Media: base + "/a/$Number$.m4s"},
				{ID: "b", Bandwidth: 200_000, Media: base + "/b/$Number$.m4s"},
			},
		}},
	}}}
	require.NoError(t, p.Validate())
	return p
}

func mediaItem(number int) control.DownloadItem {
	return control.DownloadItem{
		Target: models.SegmentID{Number: number},
		URL:    fmt.Sprintf("http://media.example/a/%d.m4s", number),
		Method: models.MethodGet,
	}
}

func runAsync(ctx context.Context, c *Coordinator) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
		return nil
	}
}

func TestCoordinator_DisconnectReportsQueuedRequests(t *testing.T) {
	ctrl := &scriptedController{start: []control.Action{
		control.OpenConnection{ConnID: 1, Host: "media.example:80"},
		control.StartDownload{ConnID: 1, Items: []control.DownloadItem{mediaItem(1), mediaItem(2)}},
	}}
	registry := pipelining.NewRegistry()
	cfg := Config{
		ManifestURL: "http://media.example/manifest.mpd",
		Client:      pipelining.DefaultConfig(),
		Dial: pipeDial(func(conn net.Conn) {
			r := bufio.NewReader(conn)
			for range 2 {
				if _, err := http.ReadRequest(r); err != nil {
					break
				}
			}
			conn.Close()
		}),
	}
	c := New(cfg, testManifest(t, "http://media.example", 2), ctrl, nil, registry, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, c)

	require.Eventually(t, func() bool { return len(ctrl.disconnects()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, control.Disconnect{ConnID: 1, RequestIDs: []int64{1, 2}}, ctrl.disconnects()[0])
	require.Eventually(t, func() bool { return c.Status().Connections == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, registry.Len())

	cancel()
	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	assert.Equal(t, StateDead, c.State())
}

func TestCoordinator_ProtocolViolationIsFatal(t *testing.T) {
	ctrl := &scriptedController{start: []control.Action{
		control.OpenConnection{ConnID: 1, Host: "media.example:80"},
		control.StartDownload{ConnID: 1, Items: []control.DownloadItem{mediaItem(1)}},
	}}
	cfg := Config{
		Client: pipelining.DefaultConfig(),
		Dial: pipeDial(func(conn net.Conn) {
			defer conn.Close()
			if _, err := http.ReadRequest(bufio.NewReader(conn)); err != nil {
				return
			}
			io.WriteString(conn, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
			io.Copy(io.Discard, conn)
		}),
	}
	c := New(cfg, testManifest(t, "http://media.example", 1), ctrl, nil, nil, discardLogger())

	err := waitRun(t, runAsync(context.Background(), c))
	assert.ErrorIs(t, err, pipelining.ErrUnexpectedStatus)
	assert.Equal(t, StateDead, c.State())
}

func TestCoordinator_RejectedSubmission(t *testing.T) {
	closed := pipeDial(func(conn net.Conn) { conn.Close() })

	setup := func(t *testing.T, reconnect bool) (*Coordinator, *scriptedController, *pipelining.Registry) {
		ctrl := &scriptedController{}
		registry := pipelining.NewRegistry()
		c := New(Config{Reconnect: reconnect, Client: pipelining.DefaultConfig(), Dial: closed},
			testManifest(t, "http://media.example", 1), ctrl, nil, registry, discardLogger())

		require.NoError(t, c.openConnection(context.Background(), control.OpenConnection{ConnID: 1, Host: "media.example:80"}))
		client := c.clients[1]
		require.Eventually(t, func() bool {
			return client.State() == pipelining.StateNotAcceptingRequests
		}, 5*time.Second, 5*time.Millisecond)

		require.NoError(t, c.startDownload(control.StartDownload{ConnID: 1, Items: []control.DownloadItem{mediaItem(1)}}))
		return c, ctrl, registry
	}

	rejected := func(t *testing.T, c *Coordinator) control.Disconnect {
		for _, ev := range c.events.Drain() {
			if d, ok := ev.(control.Disconnect); ok && d.Rejected {
				return d
			}
		}
		t.Fatal("no rejected disconnect queued")
		return control.Disconnect{}
	}

	t.Run("reconnect", func(t *testing.T) {
		c, ctrl, registry := setup(t, true)
		d := rejected(t, c)
		assert.Equal(t, []int64{1}, d.RequestIDs)
		_, ok := registry.Lookup(1)
		assert.True(t, ok, "rejected request stays registered for the controller")

		require.NoError(t, c.handleEvent(d))
		assert.Equal(t, []control.Disconnect{d}, ctrl.disconnects())
		_, ok = registry.Lookup(1)
		assert.False(t, ok)
		assert.Contains(t, c.clients, int64(1), "closing client reports its own disconnect")
	})

	t.Run("fatal without reconnect", func(t *testing.T) {
		c, _, _ := setup(t, false)
		assert.ErrorIs(t, c.handleEvent(rejected(t, c)), ErrSubmissionRejected)
	})
}

func TestCoordinator_DownloadOnClosedConnection(t *testing.T) {
	for _, reconnect := range []bool{true, false} {
		t.Run(fmt.Sprintf("reconnect=%v", reconnect), func(t *testing.T) {
			ctrl := &scriptedController{}
			registry := pipelining.NewRegistry()
			c := New(Config{Reconnect: reconnect, Client: pipelining.DefaultConfig()},
				testManifest(t, "http://media.example", 2), ctrl, nil, registry, discardLogger())
			c.state.Store(int32(StatePlaying))

			// Connection 3 reported its disconnect and is gone; the controller
			// queued one more download on it before seeing that.
			c.forget(3)
			require.NoError(t, c.execute(context.Background(), control.StartDownload{
				ConnID: 3,
				Items:  []control.DownloadItem{mediaItem(1), mediaItem(2)},
			}))

			events := c.events.Drain()
			require.Len(t, events, 1)
			d, ok := events[0].(control.Disconnect)
			require.True(t, ok)
			assert.True(t, d.Rejected)
			assert.Equal(t, int64(3), d.ConnID)
			require.Len(t, d.RequestIDs, 2)
			for _, id := range d.RequestIDs {
				_, ok := registry.Lookup(id)
				assert.True(t, ok, "requests stay registered for the controller")
			}

			require.NoError(t, c.handleEvent(d))
			assert.Equal(t, []control.Disconnect{d}, ctrl.disconnects())
			for _, id := range d.RequestIDs {
				_, ok := registry.Lookup(id)
				assert.False(t, ok)
			}
		})
	}
}

func TestCoordinator_ActionsRequirePlaying(t *testing.T) {
	c := New(Config{}, testManifest(t, "http://media.example", 1), &scriptedController{}, nil, nil, discardLogger())

	err := c.execute(context.Background(), control.CloseConnection{ConnID: 1})
	assert.ErrorIs(t, err, ErrNotPlaying)

	c.state.Store(int32(StateTerminating))
	assert.NoError(t, c.execute(context.Background(), control.CloseConnection{ConnID: 1}), "dropped during shutdown")

	c.state.Store(int32(StatePlaying))
	err = c.execute(context.Background(), control.StartDownload{ConnID: 9, Items: []control.DownloadItem{mediaItem(1)}})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func segmentData(id models.SegmentID, reqID int64, from, to, size int64) control.DataReceived {
	data := make([]byte, to-from+1)
	for i := range data {
		data[i] = byte(from + int64(i))
	}
	return control.DataReceived{
		RequestID:     reqID,
		Target:        id,
		Method:        models.MethodGet,
		Status:        200,
		Range:         models.ByteInterval{From: from, To: to},
		Data:          data,
		ContentLength: size,
	}
}

func TestPlayer_PullStallsAndEndOfStream(t *testing.T) {
	cfg := Config{EmptyPoll: 20 * time.Millisecond, WaitPoll: 5 * time.Millisecond}
	c := New(cfg, testManifest(t, "http://media.example", 2), &scriptedController{}, nil, nil, discardLogger())
	player := c.Player()
	ctx := context.Background()
	seg1, seg2 := models.SegmentID{Number: 1}, models.SegmentID{Number: 2}

	res, err := player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PullTryAgain, res.Status, "nothing requested yet")

	c.sequence = []models.SegmentID{seg1, seg2}
	ev := segmentData(seg1, 1, 0, 9, 20)
	require.NoError(t, c.ingest(&ev))
	assert.Equal(t, int64(10), ev.Availability.Bytes)
	assert.Equal(t, time.Second, ev.Availability.Duration)

	res, err = player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PullData, res.Status)
	assert.Len(t, res.Data, 10)
	assert.Equal(t, time.Second, res.Duration)
	assert.True(t, res.More)

	res, err = player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PullTryAgain, res.Status)

	ev = segmentData(seg1, 1, 10, 19, 20)
	require.NoError(t, c.ingest(&ev))
	res, err = player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, res.Data)

	status := c.Status()
	assert.Equal(t, 1, status.Stalls)
	assert.Zero(t, status.Segments, "played segment is dropped")

	ev = segmentData(seg2, 2, 0, 19, 20)
	require.NoError(t, c.ingest(&ev))
	res, err = player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, res.Data, 20)
	assert.False(t, res.More)

	res, err = player.Pull(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PullEndOfStream, res.Status)

	played := 0
	for _, ev := range c.events.Drain() {
		if _, ok := ev.(control.DataPlayed); ok {
			played++
		}
	}
	assert.Equal(t, 3, played)
}

func TestCoordinator_ResubmittedSegmentOverwrites(t *testing.T) {
	c := New(Config{}, testManifest(t, "http://media.example", 2), &scriptedController{}, nil, nil, discardLogger())
	seg1, seg2 := models.SegmentID{Number: 1}, models.SegmentID{Number: 2}
	c.sequence = []models.SegmentID{seg1, seg2}

	for _, ev := range []control.DataReceived{
		segmentData(seg1, 1, 0, 9, 20),
		segmentData(seg1, 5, 0, 14, 20),
		segmentData(seg1, 5, 15, 19, 20),
	} {
		require.NoError(t, c.ingest(&ev))
	}
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 19}}, c.buf.Intervals(seg1))

	ev := segmentData(seg2, 2, 0, 9, 20)
	require.NoError(t, c.ingest(&ev))
	ev = segmentData(seg2, 2, 5, 12, 20)
	assert.ErrorIs(t, c.ingest(&ev), buffer.ErrOverlap)
}

func TestCoordinator_PlaysStreamEndToEnd(t *testing.T) {
	const segmentSize = 1000
	body := func(number int) []byte {
		return bytes.Repeat([]byte{byte(number)}, segmentSize)
	}

	var mu sync.Mutex
	requested := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		number, err := strconv.Atoi(strings.TrimSuffix(path.Base(r.URL.Path), ".m4s"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		requested[r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(segmentSize))
		w.Write(body(number))
	}))
	defer server.Close()

	logger := discardLogger()
	pres := testManifest(t, server.URL, 3)
	registry := pipelining.NewRegistry()
	collector := stats.NewCollector(stats.Config{}, "e2e", nil, logger)
	ctrl, err := adaptation.NewController(adaptation.Config{
		Params:        adaptation.DefaultParams(),
		PipelineDepth: 2,
		Reconnect:     true,
	}, pres, collector, registry, logger)
	require.NoError(t, err)

	clientCfg := pipelining.DefaultConfig()
	clientCfg.Logger = logger
	c := New(Config{
		ManifestURL: server.URL + "/manifest.mpd",
		Reconnect:   true,
		EmptyPoll:   20 * time.Millisecond,
		WaitPoll:    5 * time.Millisecond,
		Client:      clientCfg,
	}, pres, ctrl, collector, registry, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := runAsync(ctx, c)

	got, err := io.ReadAll(c.Player().Reader(ctx))
	require.NoError(t, err)
	assert.Equal(t, append(append(body(1), body(2)...), body(3)...), got)

	runErr := waitRun(t, errCh)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		t.Fatalf("run: %v", runErr)
	}

	assert.Equal(t, 3, collector.Completed())
	mu.Lock()
	total := 0
	for _, n := range requested {
		total += n
	}
	mu.Unlock()
	assert.Equal(t, 3, total, "every segment is fetched once")

	status := c.Status()
	assert.True(t, status.EndOfStream)
	assert.Equal(t, int64(3*segmentSize), status.PlayedBytes)
	assert.True(t, status.Adaptation.Finished)
}

func TestCoordinator_ReconnectsWhenRequestQuotaRunsOut(t *testing.T) {
	const (
		segmentSize = 1000
		segments    = 8
	)
	body := func(number int) []byte {
		return bytes.Repeat([]byte{byte(number)}, segmentSize)
	}

	var mu sync.Mutex
	requested := map[int]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		number, err := strconv.Atoi(strings.TrimSuffix(path.Base(r.URL.Path), ".m4s"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		requested[number]++
		mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(segmentSize))
		w.Write(body(number))
	}))
	defer server.Close()

	logger := discardLogger()
	pres := testManifest(t, server.URL, segments)
	registry := pipelining.NewRegistry()
	collector := stats.NewCollector(stats.Config{}, "quota", nil, logger)
	ctrl, err := adaptation.NewController(adaptation.Config{
		Params:        adaptation.DefaultParams(),
		PipelineDepth: 2,
		Reconnect:     true,
	}, pres, collector, registry, logger)
	require.NoError(t, err)

	clientCfg := pipelining.DefaultConfig()
	clientCfg.Logger = logger
	clientCfg.MaxRequestsPerConnection = 2
	c := New(Config{
		ManifestURL: server.URL + "/manifest.mpd",
		Reconnect:   true,
		EmptyPoll:   20 * time.Millisecond,
		WaitPoll:    5 * time.Millisecond,
		Client:      clientCfg,
	}, pres, ctrl, collector, registry, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	errCh := runAsync(ctx, c)

	got, err := io.ReadAll(c.Player().Reader(ctx))
	require.NoError(t, err)
	var want []byte
	for n := 1; n <= segments; n++ {
		want = append(want, body(n)...)
	}
	assert.Equal(t, want, got)

	runErr := waitRun(t, errCh)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		t.Fatalf("run: %v", runErr)
	}

	mu.Lock()
	for n := 1; n <= segments; n++ {
		assert.GreaterOrEqual(t, requested[n], 1, "segment %d", n)
	}
	mu.Unlock()

	status := c.Status()
	assert.True(t, status.EndOfStream)
	assert.Equal(t, int64(segments*segmentSize), status.PlayedBytes)
}
