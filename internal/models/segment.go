// Package models defines the value types shared by the streaming core and
// the GORM models used for request statistics.
package models

import (
	"cmp"
	"fmt"
	"time"
)

// InitSegmentNumber is the sequence number of an initialization segment.
// Initialization segments carry no playable duration.
const InitSegmentNumber = 0

// SegmentID identifies one segment of one representation.
// It is an immutable value type and can be used as a map key.
type SegmentID struct {
	Period        int
	AdaptationSet int
	Tier          int
	Number        int
}

// IsInit reports whether the segment is an initialization segment.
func (s SegmentID) IsInit() bool {
	return s.Number == InitSegmentNumber
}

// Compare orders segment identities lexicographically by
// (Period, AdaptationSet, Tier, Number).
func (s SegmentID) Compare(o SegmentID) int {
	if c := cmp.Compare(s.Period, o.Period); c != 0 {
		return c
	}
	if c := cmp.Compare(s.AdaptationSet, o.AdaptationSet); c != 0 {
		return c
	}
	if c := cmp.Compare(s.Tier, o.Tier); c != 0 {
		return c
	}
	return cmp.Compare(s.Number, o.Number)
}

// Less reports whether s sorts before o.
func (s SegmentID) Less(o SegmentID) bool {
	return s.Compare(o) < 0
}

// WithTier returns a copy of s for another bitrate tier.
func (s SegmentID) WithTier(tier int) SegmentID {
	s.Tier = tier
	return s
}

func (s SegmentID) String() string {
	return fmt.Sprintf("p%d/a%d/t%d/#%d", s.Period, s.AdaptationSet, s.Tier, s.Number)
}

// StreamPosition is a byte offset inside a segment.
type StreamPosition struct {
	Segment SegmentID
	Offset  int64
	valid   bool
}

// InvalidPosition is the position before the first byte has been consumed.
var InvalidPosition = StreamPosition{}

// NewPosition returns a valid position.
func NewPosition(seg SegmentID, offset int64) StreamPosition {
	return StreamPosition{Segment: seg, Offset: offset, valid: true}
}

// Valid reports whether the position has been set.
func (p StreamPosition) Valid() bool {
	return p.valid
}

func (p StreamPosition) String() string {
	if !p.valid {
		return "invalid"
	}
	return fmt.Sprintf("%s@%d", p.Segment, p.Offset)
}

// ByteInterval is the closed byte range [From, To].
type ByteInterval struct {
	From int64
	To   int64
}

// Len returns the number of bytes in the interval. An interval with
// To < From is empty.
func (b ByteInterval) Len() int64 {
	if b.To < b.From {
		return 0
	}
	return b.To - b.From + 1
}

// Empty reports whether the interval contains no bytes.
func (b ByteInterval) Empty() bool {
	return b.Len() == 0
}

// Contains reports whether offset lies inside the interval.
func (b ByteInterval) Contains(offset int64) bool {
	return offset >= b.From && offset <= b.To
}

// EmptyInterval is the zero-length range used for header-only notifications.
var EmptyInterval = ByteInterval{From: 0, To: -1}

// Availability is the amount of media contiguously available from a
// stream position, i.e. the buffer level.
type Availability struct {
	Duration time.Duration
	Bytes    int64
}

// Seconds returns the duration part in seconds.
func (a Availability) Seconds() float64 {
	return a.Duration.Seconds()
}

// Add returns the sum of two availabilities.
func (a Availability) Add(o Availability) Availability {
	return Availability{Duration: a.Duration + o.Duration, Bytes: a.Bytes + o.Bytes}
}

// Method is the HTTP method of a segment request.
type Method string

// Supported request methods.
const (
	MethodGet  Method = "GET"
	MethodHead Method = "HEAD"
)
