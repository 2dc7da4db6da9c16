package buffer

import (
	"sort"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// intervalSet is an ordered set of closed byte ranges. No two ranges in the
// set overlap or touch; insert restores that after every call.
type intervalSet struct {
	ranges []models.ByteInterval
}

// overlaps reports whether [from,to] shares at least one byte with the set.
func (s *intervalSet) overlaps(from, to int64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].To >= from })
	return i < len(s.ranges) && s.ranges[i].From <= to
}

// insert merges [from,to] into the set.
func (s *intervalSet) insert(from, to int64) {
	// Ranges overlapping [from,to] form the run [lo,hi).
	lo := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].To >= from })
	hi := lo
	for hi < len(s.ranges) && s.ranges[hi].From <= to {
		hi++
	}

	merged := models.ByteInterval{From: from, To: to}
	if lo < hi {
		merged.From = min(merged.From, s.ranges[lo].From)
		merged.To = max(merged.To, s.ranges[hi-1].To)
	}
	s.ranges = append(s.ranges[:lo], append([]models.ByteInterval{merged}, s.ranges[hi:]...)...)

	// Check the neighbours for adjacency.
	if lo > 0 && s.ranges[lo-1].To+1 == s.ranges[lo].From {
		s.ranges[lo-1].To = s.ranges[lo].To
		s.ranges = append(s.ranges[:lo], s.ranges[lo+1:]...)
		lo--
	}
	if lo+1 < len(s.ranges) && s.ranges[lo].To+1 == s.ranges[lo+1].From {
		s.ranges[lo].To = s.ranges[lo+1].To
		s.ranges = append(s.ranges[:lo+1], s.ranges[lo+2:]...)
	}
}

// find returns the range containing offset.
func (s *intervalSet) find(offset int64) (models.ByteInterval, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].To >= offset })
	if i < len(s.ranges) && s.ranges[i].From <= offset {
		return s.ranges[i], true
	}
	return models.ByteInterval{}, false
}

func (s *intervalSet) bytes() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

func (s *intervalSet) snapshot() []models.ByteInterval {
	out := make([]models.ByteInterval, len(s.ranges))
	copy(out, s.ranges)
	return out
}
