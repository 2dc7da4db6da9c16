package manifest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/konstantinmiller/dashp2p/internal/httpclient"
)

// Fetcher downloads a document.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*httpclient.Document, error)
}

// Loader reads manifests from HTTP(S) URLs or local files.
type Loader struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewLoader creates a loader. fetcher may be nil when only files are loaded.
func NewLoader(fetcher Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fetcher: fetcher, logger: logger}
}

// Load reads and parses the manifest at location.
func (l *Loader) Load(ctx context.Context, location string) (*Presentation, error) {
	var (
		data []byte
		base *url.URL
	)

	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if l.fetcher == nil {
			return nil, fmt.Errorf("loading %s: no HTTP fetcher configured", httpclient.RedactURL(u))
		}
		doc, err := l.fetcher.Fetch(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("fetching manifest: %w", err)
		}
		data, base = doc.Body, doc.URL
	} else {
		data, err = os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
	}

	p, err := Parse(data, base, location)
	if err != nil {
		return nil, err
	}

	for pi, period := range p.Periods {
		for ai, set := range period.AdaptationSets {
			l.logger.Info("manifest adaptation set",
				slog.Int("period", pi),
				slog.Int("adaptation_set", ai),
				slog.String("content_type", set.ContentType),
				slog.Int("representations", len(set.Representations)),
				slog.Int("segments", set.SegmentCount()),
				slog.Duration("segment_duration", set.SegmentDuration),
			)
		}
	}
	return p, nil
}

// Parse detects the manifest format from the name and content and parses
// it: XML documents as MPD, everything else as a YAML static ladder.
func Parse(data []byte, base *url.URL, name string) (*Presentation, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseStatic(data, base)
	case ".mpd", ".xml":
		return ParseMPD(data, base)
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) {
		return ParseMPD(data, base)
	}
	return ParseStatic(data, base)
}
