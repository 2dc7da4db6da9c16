package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticLadder is a hand-written manifest for servers without an MPD:
// one adaptation set whose segments follow URL templates.
//
//	base_url: http://media.example/bbb/
//	segment_duration: 2s
//	duration: 10m
//	init: $RepresentationID$/init.mp4
//	media: $RepresentationID$/seg-$Number%05d$.m4s
//	representations:
//	  - id: 360p
//	    bandwidth: 800000
type StaticLadder struct {
	BaseURL         string                 `yaml:"base_url"`
	SegmentDuration time.Duration          `yaml:"segment_duration"`
	Duration        time.Duration          `yaml:"duration"`
	StartNumber     int                    `yaml:"start_number"`
	ContentType     string                 `yaml:"content_type"`
	Init            string                 `yaml:"init"`
	Media           string                 `yaml:"media"`
	Representations []StaticRepresentation `yaml:"representations"`
}

// StaticRepresentation is one tier of a StaticLadder.
type StaticRepresentation struct {
	ID        string  `yaml:"id"`
	Bandwidth float64 `yaml:"bandwidth"`
	// Media and Init override the ladder-wide templates.
	Media string `yaml:"media,omitempty"`
	Init  string `yaml:"init,omitempty"`
}

// ParseStatic parses a YAML StaticLadder. base resolves a relative
// base_url, and may be nil.
func ParseStatic(data []byte, base *url.URL) (*Presentation, error) {
	var ladder StaticLadder
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&ladder); err != nil {
		return nil, fmt.Errorf("decoding static ladder: %w", err)
	}
	return ladder.Presentation(base)
}

// Presentation converts the ladder.
func (l *StaticLadder) Presentation(base *url.URL) (*Presentation, error) {
	root := resolve(base, l.BaseURL)
	set := AdaptationSet{
		ContentType:     l.ContentType,
		SegmentDuration: l.SegmentDuration,
		Duration:        l.Duration,
		StartNumber:     l.StartNumber,
	}
	if set.ContentType == "" {
		set.ContentType = "video"
	}
	if set.StartNumber == 0 {
		set.StartNumber = 1
	}

	for _, r := range l.Representations {
		media, init := l.Media, l.Init
		if r.Media != "" {
			media = r.Media
		}
		if r.Init != "" {
			init = r.Init
		}
		rep := Representation{
			ID:        r.ID,
			Bandwidth: r.Bandwidth,
			Media:     resolveTemplate(root, media),
		}
		if init != "" {
			rep.Init = resolveTemplate(root, init)
		}
		set.Representations = append(set.Representations, rep)
	}

	p := &Presentation{Periods: []Period{{AdaptationSets: []AdaptationSet{set}}}}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
