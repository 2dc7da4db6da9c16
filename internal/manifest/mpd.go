package manifest

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/konstantinmiller/dashp2p/pkg/duration"
)

type mpdXML struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	Periods                   []periodXML `xml:"Period"`
}

type periodXML struct {
	Duration       string             `xml:"duration,attr"`
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []adaptationSetXML `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ContentType     string              `xml:"contentType,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
	Representations []representationXML `xml:"Representation"`
}

type representationXML struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int64               `xml:"bandwidth,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
}

type segmentTemplateXML struct {
	Media          string    `xml:"media,attr"`
	Initialization string    `xml:"initialization,attr"`
	Timescale      int64     `xml:"timescale,attr"`
	Duration       int64     `xml:"duration,attr"`
	StartNumber    *int      `xml:"startNumber,attr"`
	Timeline       *struct{} `xml:"SegmentTimeline"`
}

// merge fills unset fields of t from the adaptation-set level template.
func (t *segmentTemplateXML) merge(parent *segmentTemplateXML) *segmentTemplateXML {
	switch {
	case t == nil && parent == nil:
		return nil
	case t == nil:
		return parent
	case parent == nil:
		return t
	}
	out := *t
	if out.Media == "" {
		out.Media = parent.Media
	}
	if out.Initialization == "" {
		out.Initialization = parent.Initialization
	}
	if out.Timescale == 0 {
		out.Timescale = parent.Timescale
	}
	if out.Duration == 0 {
		out.Duration = parent.Duration
	}
	if out.StartNumber == nil {
		out.StartNumber = parent.StartNumber
	}
	if out.Timeline == nil {
		out.Timeline = parent.Timeline
	}
	return &out
}

// ParseMPD parses a static DASH MPD that addresses segments with a
// number-based SegmentTemplate. base resolves relative URLs.
func ParseMPD(data []byte, base *url.URL) (*Presentation, error) {
	var doc mpdXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding MPD: %w", err)
	}
	if doc.Type == "dynamic" {
		return nil, fmt.Errorf("%w: live (dynamic) MPD", ErrUnsupported)
	}

	var total time.Duration
	if doc.MediaPresentationDuration != "" {
		d, err := duration.ParseISO8601(doc.MediaPresentationDuration)
		if err != nil {
			return nil, fmt.Errorf("mediaPresentationDuration: %w", err)
		}
		total = d
	}

	mpdBase := resolve(base, doc.BaseURL)
	p := &Presentation{}
	for pi, px := range doc.Periods {
		periodDuration := total
		if px.Duration != "" {
			d, err := duration.ParseISO8601(px.Duration)
			if err != nil {
				return nil, fmt.Errorf("period %d duration: %w", pi, err)
			}
			periodDuration = d
		} else if len(doc.Periods) > 1 {
			return nil, fmt.Errorf("%w: period %d has no duration", ErrUnsupported, pi)
		}

		periodBase := resolve(mpdBase, px.BaseURL)
		var period Period
		for ai, ax := range px.AdaptationSets {
			set, err := buildAdaptationSet(ax, resolve(periodBase, ax.BaseURL), periodDuration)
			if err != nil {
				return nil, fmt.Errorf("period %d set %d: %w", pi, ai, err)
			}
			period.AdaptationSets = append(period.AdaptationSets, set)
		}
		p.Periods = append(p.Periods, period)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func buildAdaptationSet(ax adaptationSetXML, base *url.URL, total time.Duration) (AdaptationSet, error) {
	set := AdaptationSet{
		ContentType: ax.ContentType,
		Duration:    total,
		StartNumber: 1,
	}
	if set.ContentType == "" {
		set.ContentType, _, _ = strings.Cut(ax.MimeType, "/")
	}

	for i, rx := range ax.Representations {
		tmpl := rx.SegmentTemplate.merge(ax.SegmentTemplate)
		if tmpl == nil || tmpl.Media == "" {
			return set, fmt.Errorf("representation %q: %w", rx.ID, ErrNoTemplate)
		}
		if tmpl.Timeline != nil {
			return set, fmt.Errorf("%w: SegmentTimeline", ErrUnsupported)
		}
		timescale := tmpl.Timescale
		if timescale <= 0 {
			timescale = 1
		}
		segDur := time.Duration(tmpl.Duration) * time.Second / time.Duration(timescale)
		start := 1
		if tmpl.StartNumber != nil {
			start = *tmpl.StartNumber
		}
		if i == 0 {
			set.SegmentDuration = segDur
			set.StartNumber = start
		} else if segDur != set.SegmentDuration || start != set.StartNumber {
			return set, fmt.Errorf("%w: representations with different segment layouts", ErrUnsupported)
		}
		if set.ContentType == "" {
			set.ContentType, _, _ = strings.Cut(rx.MimeType, "/")
		}

		repBase := resolve(base, rx.BaseURL)
		rep := Representation{
			ID:        rx.ID,
			Bandwidth: float64(rx.Bandwidth),
			Media:     resolveTemplate(repBase, tmpl.Media),
		}
		if tmpl.Initialization != "" {
			rep.Init = resolveTemplate(repBase, tmpl.Initialization)
		}
		set.Representations = append(set.Representations, rep)
	}
	return set, nil
}

// resolve resolves ref against base. An empty ref keeps base.
func resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base
	}
	u, err := url.Parse(ref)
	if err != nil {
		return base
	}
	if base == nil {
		return u
	}
	return base.ResolveReference(u)
}

// resolveTemplate resolves a template against base without escaping its
// $identifiers$.
func resolveTemplate(base *url.URL, tmpl string) string {
	if base == nil {
		return tmpl
	}
	const marker = "dashp2p-template-placeholder"
	parts := strings.Split(tmpl, "$")
	// Even indexes are literal text, odd ones identifiers.
	placeholders := make([]string, 0, len(parts)/2)
	var b strings.Builder
	for i, part := range parts {
		if i%2 == 1 {
			placeholders = append(placeholders, part)
			fmt.Fprintf(&b, "%s%d", marker, len(placeholders)-1)
			continue
		}
		b.WriteString(part)
	}
	u, err := url.Parse(b.String())
	if err != nil {
		return tmpl
	}
	out := base.ResolveReference(u).String()
	for i := len(placeholders) - 1; i >= 0; i-- {
		out = strings.Replace(out, fmt.Sprintf("%s%d", marker, i), "$"+placeholders[i]+"$", 1)
	}
	return out
}
