package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/buffer"
	"github.com/konstantinmiller/dashp2p/internal/control"
	"github.com/konstantinmiller/dashp2p/internal/models"
)

// PullStatus is the outcome of a pull.
type PullStatus int

// Pull outcomes.
const (
	PullTryAgain PullStatus = iota
	PullData
	PullEndOfStream
)

func (s PullStatus) String() string {
	switch s {
	case PullTryAgain:
		return "try-again"
	case PullData:
		return "data"
	case PullEndOfStream:
		return "end-of-stream"
	default:
		return fmt.Sprintf("PullStatus(%d)", int(s))
	}
}

// PullResult is the outcome of Player.Pull.
type PullResult struct {
	Status PullStatus
	Data   []byte
	// Duration is the media duration the bytes represent.
	Duration time.Duration
	// More reports whether the stream continues after these bytes.
	More bool
}

// Player is the playback side of a Coordinator.
type Player struct {
	c *Coordinator
}

// Player returns the pull interface of the session.
func (c *Coordinator) Player() *Player {
	return &Player{c: c}
}

// Pull returns up to maxBytes from the current stream position. It waits
// for data once, bounded by the poll interval, and reports PullTryAgain
// when nothing arrived in time.
func (p *Player) Pull(ctx context.Context, maxBytes int) (PullResult, error) {
	if maxBytes <= 0 {
		return PullResult{}, fmt.Errorf("pull of %d bytes", maxBytes)
	}

	res, wait, timeout, err := p.c.tryRead(int64(maxBytes))
	if err != nil || res.Status != PullTryAgain {
		return res, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return PullResult{}, ctx.Err()
	case <-wait:
	case <-t.C:
	}

	res, _, _, err = p.c.tryRead(int64(maxBytes))
	return res, err
}

// Reader adapts the pull interface to an io.Reader that blocks until data
// arrives and returns io.EOF at the end of the stream.
func (p *Player) Reader(ctx context.Context) io.Reader {
	return &pullReader{ctx: ctx, p: p}
}

type pullReader struct {
	ctx context.Context
	p   *Player
}

func (r *pullReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		res, err := r.p.Pull(r.ctx, len(b))
		if err != nil {
			return 0, err
		}
		switch res.Status {
		case PullData:
			return copy(b, res.Data), nil
		case PullEndOfStream:
			return 0, io.EOF
		}
	}
}

// tryRead reads from the current position. Without data it returns the
// channel signalled on new data and the poll interval to wait.
func (c *Coordinator) tryRead(maxBytes int64) (PullResult, <-chan struct{}, time.Duration, error) {
	c.mu.Lock()

	if c.eos {
		c.mu.Unlock()
		return PullResult{Status: PullEndOfStream}, nil, 0, nil
	}
	if c.State() >= StateTerminating {
		c.mu.Unlock()
		return PullResult{}, nil, 0, ErrTerminated
	}

	pos := c.pos
	if !pos.Valid() && len(c.sequence) > 0 {
		pos = models.NewPosition(c.sequence[0], 0)
	}
	pos = c.buf.Normalize(pos, c.sequence)
	c.advance(pos)

	if !c.buf.DataAvailable(pos) {
		if c.starved {
			c.eos = true
			c.mu.Unlock()
			c.logger.Warn("stream starved, ending playback")
			return PullResult{Status: PullEndOfStream}, nil, 0, nil
		}
		if c.played > 0 && c.stalledSince.IsZero() {
			c.stalledSince = time.Now()
			c.logger.Info("playback stalled", slog.String("position", pos.String()))
		}
		timeout := c.cfg.EmptyPoll
		if pos.Valid() && c.buf.Has(pos.Segment) {
			timeout = c.cfg.WaitPoll
		}
		wait := c.wake
		c.mu.Unlock()
		return PullResult{Status: PullTryAgain}, wait, timeout, nil
	}

	read, err := c.buf.Read(pos, maxBytes, c.sequence)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, buffer.ErrNoData) {
			return PullResult{Status: PullTryAgain}, nil, 0, nil
		}
		return PullResult{}, nil, 0, err
	}
	c.advance(read.Position)
	c.played += int64(len(read.Data))

	if !c.stalledSince.IsZero() {
		stall := time.Since(c.stalledSince)
		c.stalledSince = time.Time{}
		c.stalls++
		c.stallTime += stall
		c.logger.Info("playback resumed", slog.Duration("stall", stall), slog.Int("stalls", c.stalls))
	}

	last := c.manifest.SegmentCount(c.cfg.Period, c.cfg.AdaptationSet)
	if read.SegmentDone && !pos.Segment.IsInit() && pos.Segment.Number >= last {
		c.eos = true
	}
	c.availability = c.buf.ContiguousAvailability(c.pos, c.sequence)
	avail := c.availability
	eos := c.eos
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.AddPlayed(len(read.Data))
	}
	c.events.Push(control.DataPlayed{Availability: avail})

	return PullResult{
		Status:   PullData,
		Data:     read.Data,
		Duration: read.Duration,
		More:     !eos,
	}, nil, 0, nil
}

// advance moves the position and drops segments playback has passed.
// Callers hold mu.
func (c *Coordinator) advance(pos models.StreamPosition) {
	if c.pos.Valid() && pos.Segment != c.pos.Segment {
		c.buf.Remove(c.pos.Segment)
		delete(c.owners, c.pos.Segment)
		delete(c.resent, c.pos.Segment)
	}
	c.pos = pos
}
