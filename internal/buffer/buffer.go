// Package buffer tracks which bytes of which segments have arrived and
// computes how much media is contiguously playable from a stream position.
package buffer

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Buffer errors.
var (
	ErrAlreadyInitialized = errors.New("segment already initialized")
	ErrNotInitialized     = errors.New("segment not initialized")
	ErrInvalidSize        = errors.New("invalid declared segment size")
	ErrOutOfRange         = errors.New("byte range outside segment")
	ErrOverlap            = errors.New("byte range overlaps existing data")
	ErrNoData             = errors.New("no data available at position")
)

// segment holds the received bytes of one segment.
type segment struct {
	size     int64
	duration time.Duration
	data     []byte
	ranges   intervalSet
}

// durationOf returns the share of the nominal duration represented by n bytes.
func (s *segment) durationOf(n int64) time.Duration {
	if s.size <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(s.duration) * n / s.size)
}

func (s *segment) complete() bool {
	r, ok := s.ranges.find(0)
	return ok && r.To == s.size-1
}

// Buffer is a per-segment sparse byte store.
//
// A Buffer is not safe for concurrent use. The coordinator guards it with
// the same lock as the playback position.
type Buffer struct {
	segments map[models.SegmentID]*segment
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{segments: make(map[models.SegmentID]*segment)}
}

// Init registers a segment with its declared size and nominal duration.
func (b *Buffer) Init(id models.SegmentID, declaredSize int64, nominalDuration time.Duration) error {
	if _, ok := b.segments[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
	}
	if declaredSize <= 0 {
		return fmt.Errorf("%w: %d bytes for %s", ErrInvalidSize, declaredSize, id)
	}
	if id.IsInit() {
		nominalDuration = 0
	}
	b.segments[id] = &segment{
		size:     declaredSize,
		duration: nominalDuration,
		data:     make([]byte, declaredSize),
	}
	return nil
}

// Has reports whether the segment is initialized.
func (b *Buffer) Has(id models.SegmentID) bool {
	_, ok := b.segments[id]
	return ok
}

// Size returns the declared size of the segment, or 0 if unknown.
func (b *Buffer) Size(id models.SegmentID) int64 {
	if s, ok := b.segments[id]; ok {
		return s.size
	}
	return 0
}

// Complete reports whether every byte of the segment has arrived.
func (b *Buffer) Complete(id models.SegmentID) bool {
	s, ok := b.segments[id]
	return ok && s.complete()
}

// Intervals returns a copy of the received ranges of the segment.
func (b *Buffer) Intervals(id models.SegmentID) []models.ByteInterval {
	if s, ok := b.segments[id]; ok {
		return s.ranges.snapshot()
	}
	return nil
}

// Remove forgets a segment once playback has permanently passed it.
func (b *Buffer) Remove(id models.SegmentID) {
	delete(b.segments, id)
}

// Len returns the number of initialized segments.
func (b *Buffer) Len() int {
	return len(b.segments)
}

// AddData copies data into the segment at byteFrom and records the range
// [byteFrom, byteTo]. Unless overwrite is set, the range must not overlap
// bytes that already arrived.
func (b *Buffer) AddData(id models.SegmentID, byteFrom, byteTo int64, data []byte, overwrite bool) error {
	s, ok := b.segments[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInitialized, id)
	}
	if byteFrom < 0 || byteTo < byteFrom || byteTo >= s.size {
		return fmt.Errorf("%w: [%d,%d] of %d bytes in %s", ErrOutOfRange, byteFrom, byteTo, s.size, id)
	}
	if int64(len(data)) != byteTo-byteFrom+1 {
		return fmt.Errorf("%w: %d data bytes for range [%d,%d]", ErrOutOfRange, len(data), byteFrom, byteTo)
	}
	if !overwrite && s.ranges.overlaps(byteFrom, byteTo) {
		return fmt.Errorf("%w: [%d,%d] in %s", ErrOverlap, byteFrom, byteTo, id)
	}

	copy(s.data[byteFrom:], data)
	s.ranges.insert(byteFrom, byteTo)
	return nil
}

// Normalize moves a position sitting on the end of a segment to the start
// of the following segment in sequence, when one exists.
func (b *Buffer) Normalize(pos models.StreamPosition, sequence []models.SegmentID) models.StreamPosition {
	if !pos.Valid() {
		return pos
	}
	s, ok := b.segments[pos.Segment]
	if !ok || pos.Offset < s.size {
		return pos
	}
	if next, ok := nextInSequence(pos.Segment, sequence); ok {
		return models.NewPosition(next, 0)
	}
	return pos
}

// DataAvailable reports whether the byte at pos has arrived.
func (b *Buffer) DataAvailable(pos models.StreamPosition) bool {
	if !pos.Valid() {
		return false
	}
	s, ok := b.segments[pos.Segment]
	if !ok {
		return false
	}
	_, ok = s.ranges.find(pos.Offset)
	return ok
}

// ContiguousAvailability returns the duration and bytes available without
// a gap from pos. It follows sequence into later segments as long as the
// current segment is contiguous to its end and the next one is
// initialized and contiguous from its first byte.
func (b *Buffer) ContiguousAvailability(pos models.StreamPosition, sequence []models.SegmentID) models.Availability {
	if !pos.Valid() {
		if len(sequence) == 0 {
			return models.Availability{}
		}
		pos = models.NewPosition(sequence[0], 0)
	}
	pos = b.Normalize(pos, sequence)

	s, ok := b.segments[pos.Segment]
	if !ok {
		return models.Availability{}
	}
	r, ok := s.ranges.find(pos.Offset)
	if !ok {
		return models.Availability{}
	}

	n := r.To - pos.Offset + 1
	avail := models.Availability{Bytes: n, Duration: s.durationOf(n)}
	if r.To != s.size-1 {
		return avail
	}

	i := slices.Index(sequence, pos.Segment)
	if i < 0 {
		return avail
	}
	for _, id := range sequence[i+1:] {
		next, ok := b.segments[id]
		if !ok {
			break
		}
		first, ok := next.ranges.find(0)
		if !ok {
			break
		}
		avail = avail.Add(models.Availability{Bytes: first.Len(), Duration: next.durationOf(first.Len())})
		if first.To != next.size-1 {
			break
		}
	}
	return avail
}

// ReadResult describes the outcome of a Read.
type ReadResult struct {
	Data     []byte
	Position models.StreamPosition
	Duration time.Duration
	// SegmentDone is set when the read consumed the last byte of its segment.
	SegmentDone bool
}

// Read copies up to maxBytes contiguous bytes starting at pos. It never
// crosses a segment boundary; the returned position points at the next
// segment of sequence when the read ended a segment and the successor is
// known.
func (b *Buffer) Read(pos models.StreamPosition, maxBytes int64, sequence []models.SegmentID) (ReadResult, error) {
	pos = b.Normalize(pos, sequence)
	if !pos.Valid() {
		return ReadResult{}, ErrNoData
	}
	s, ok := b.segments[pos.Segment]
	if !ok {
		return ReadResult{}, fmt.Errorf("%w: %s not initialized", ErrNoData, pos.Segment)
	}
	r, ok := s.ranges.find(pos.Offset)
	if !ok || maxBytes <= 0 {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrNoData, pos)
	}

	n := min(maxBytes, r.To-pos.Offset+1)
	out := make([]byte, n)
	copy(out, s.data[pos.Offset:pos.Offset+n])

	res := ReadResult{
		Data:     out,
		Position: models.NewPosition(pos.Segment, pos.Offset+n),
		Duration: s.durationOf(n),
	}
	if pos.Offset+n == s.size {
		res.SegmentDone = true
		res.Position = b.Normalize(res.Position, sequence)
	}
	return res, nil
}

func nextInSequence(id models.SegmentID, sequence []models.SegmentID) (models.SegmentID, bool) {
	i := slices.Index(sequence, id)
	if i < 0 || i+1 >= len(sequence) {
		return models.SegmentID{}, false
	}
	return sequence[i+1], true
}
