// Package manifest describes the segments of a presentation: their URLs,
// nominal durations and the bitrate ladder of every adaptation set.
package manifest

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Errors returned while building a presentation.
var (
	ErrNoPeriods         = errors.New("manifest has no periods")
	ErrNoAdaptationSets  = errors.New("period has no adaptation sets")
	ErrNoRepresentations = errors.New("adaptation set has no representations")
	ErrNoTemplate        = errors.New("representation has no media template")
	ErrBadDuration       = errors.New("segment duration must be positive")
	ErrUnsupported       = errors.New("unsupported manifest")
)

// Manifest answers the questions the rate adaptation and the coordinator
// ask about segments. Tiers index the bitrate ladder in ascending order.
type Manifest interface {
	// SegmentDuration returns the nominal playback duration of a segment.
	// Initialization segments have zero duration.
	SegmentDuration(id models.SegmentID) time.Duration
	// BitrateLadder returns the bitrates in bit/s, ascending.
	BitrateLadder(period, adaptationSet int) []float64
	// SegmentURL returns the absolute URL of a segment.
	SegmentURL(id models.SegmentID) string
	// SegmentCount returns the number of media segments, numbered from 1.
	SegmentCount(period, adaptationSet int) int
	// HasInitSegment reports whether segments need an initialization
	// segment (number 0) before the first media segment of a tier.
	HasInitSegment(period, adaptationSet int) bool
}

// Representation is one tier of an adaptation set.
type Representation struct {
	ID        string
	Bandwidth float64
	// Media and Init are absolute URL templates. Init is empty when the
	// representation has no initialization segment.
	Media string
	Init  string
}

// AdaptationSet is a group of interchangeable representations.
type AdaptationSet struct {
	ContentType     string
	SegmentDuration time.Duration
	// Duration is the total duration. The last segment is shorter when it
	// is not a multiple of SegmentDuration.
	Duration    time.Duration
	StartNumber int
	// Representations are sorted by ascending bandwidth.
	Representations []Representation
}

// SegmentCount returns the number of media segments.
func (a *AdaptationSet) SegmentCount() int {
	if a.SegmentDuration <= 0 {
		return 0
	}
	n := a.Duration / a.SegmentDuration
	if a.Duration%a.SegmentDuration != 0 {
		n++
	}
	return int(n)
}

// Period is a time slice of the presentation.
type Period struct {
	AdaptationSets []AdaptationSet
}

// Presentation is the parsed form of an MPD or a static ladder file.
type Presentation struct {
	Periods []Period
}

var _ Manifest = (*Presentation)(nil)

// Validate checks the presentation and sorts every ladder by bandwidth.
func (p *Presentation) Validate() error {
	if len(p.Periods) == 0 {
		return ErrNoPeriods
	}
	for pi := range p.Periods {
		period := &p.Periods[pi]
		if len(period.AdaptationSets) == 0 {
			return fmt.Errorf("period %d: %w", pi, ErrNoAdaptationSets)
		}
		for ai := range period.AdaptationSets {
			set := &period.AdaptationSets[ai]
			if len(set.Representations) == 0 {
				return fmt.Errorf("period %d set %d: %w", pi, ai, ErrNoRepresentations)
			}
			if set.SegmentDuration <= 0 || set.Duration <= 0 {
				return fmt.Errorf("period %d set %d: %w", pi, ai, ErrBadDuration)
			}
			for _, r := range set.Representations {
				if r.Media == "" {
					return fmt.Errorf("period %d set %d representation %q: %w", pi, ai, r.ID, ErrNoTemplate)
				}
			}
			slices.SortStableFunc(set.Representations, func(a, b Representation) int {
				switch {
				case a.Bandwidth < b.Bandwidth:
					return -1
				case a.Bandwidth > b.Bandwidth:
					return 1
				default:
					return 0
				}
			})
		}
	}
	return nil
}

func (p *Presentation) set(period, adaptationSet int) *AdaptationSet {
	if period < 0 || period >= len(p.Periods) {
		return nil
	}
	sets := p.Periods[period].AdaptationSets
	if adaptationSet < 0 || adaptationSet >= len(sets) {
		return nil
	}
	return &sets[adaptationSet]
}

func (p *Presentation) representation(id models.SegmentID) (*AdaptationSet, *Representation) {
	set := p.set(id.Period, id.AdaptationSet)
	if set == nil || id.Tier < 0 || id.Tier >= len(set.Representations) {
		return nil, nil
	}
	return set, &set.Representations[id.Tier]
}

// SegmentDuration implements Manifest.
func (p *Presentation) SegmentDuration(id models.SegmentID) time.Duration {
	set := p.set(id.Period, id.AdaptationSet)
	if set == nil || id.IsInit() || id.Number > set.SegmentCount() {
		return 0
	}
	if id.Number == set.SegmentCount() {
		if rest := set.Duration - time.Duration(id.Number-1)*set.SegmentDuration; rest > 0 {
			return rest
		}
	}
	return set.SegmentDuration
}

// BitrateLadder implements Manifest.
func (p *Presentation) BitrateLadder(period, adaptationSet int) []float64 {
	set := p.set(period, adaptationSet)
	if set == nil {
		return nil
	}
	ladder := make([]float64, len(set.Representations))
	for i, r := range set.Representations {
		ladder[i] = r.Bandwidth
	}
	return ladder
}

// SegmentURL implements Manifest.
func (p *Presentation) SegmentURL(id models.SegmentID) string {
	set, rep := p.representation(id)
	if rep == nil {
		return ""
	}
	if id.IsInit() {
		return expandTemplate(rep.Init, rep, 0)
	}
	return expandTemplate(rep.Media, rep, set.StartNumber+id.Number-1)
}

// SegmentCount implements Manifest.
func (p *Presentation) SegmentCount(period, adaptationSet int) int {
	set := p.set(period, adaptationSet)
	if set == nil {
		return 0
	}
	return set.SegmentCount()
}

// HasInitSegment implements Manifest.
func (p *Presentation) HasInitSegment(period, adaptationSet int) bool {
	set := p.set(period, adaptationSet)
	if set == nil {
		return false
	}
	for _, r := range set.Representations {
		if r.Init == "" {
			return false
		}
	}
	return true
}

// expandTemplate substitutes $RepresentationID$, $Number$, $Bandwidth$ and
// $$ identifiers. Number and Bandwidth accept a printf width such as
// $Number%05d$.
func expandTemplate(tmpl string, rep *Representation, number int) string {
	if tmpl == "" {
		return ""
	}

	var b strings.Builder
	for {
		start := strings.IndexByte(tmpl, '$')
		if start < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[start+1:], '$')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end += start + 1

		b.WriteString(tmpl[:start])
		ident := tmpl[start+1 : end]
		name, format, _ := strings.Cut(ident, "%")
		switch name {
		case "":
			b.WriteByte('$')
		case "RepresentationID":
			b.WriteString(rep.ID)
		case "Number":
			b.WriteString(formatNumber(int64(number), format))
		case "Bandwidth":
			b.WriteString(formatNumber(int64(rep.Bandwidth), format))
		default:
			b.WriteString(tmpl[start : end+1])
		}
		tmpl = tmpl[end+1:]
	}
}

// formatNumber renders n with a "0Nd" width specifier.
func formatNumber(n int64, format string) string {
	s := strconv.FormatInt(n, 10)
	if format == "" {
		return s
	}
	width, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(format, "d"), "0"))
	if err != nil || len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
