// Package duration parses and formats ISO 8601 durations as used by DASH
// manifests ("PT1H2M3.5S", "P1DT12H").
//
// Calendar units are approximated: a year is 365 days and a month is 30
// days. Weeks ("P2W") are accepted on their own as ISO 8601 requires.
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
	// Month represents 30 days (approximate).
	Month = 30 * Day
	// Year represents 365 days (approximate).
	Year = 365 * Day
)

// isoPattern matches PnYnMnDTnHnMnS with optional fractions on every
// component, or PnW.
var isoPattern = regexp.MustCompile(`^(-)?P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

var weekPattern = regexp.MustCompile(`^(-)?P(\d+(?:\.\d+)?)W$`)

// isoUnits lists the unit of every capture group of isoPattern after the sign.
var isoUnits = []time.Duration{Year, Month, Day, time.Hour, time.Minute, time.Second}

// ParseISO8601 parses an ISO 8601 duration.
func ParseISO8601(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	if m := weekPattern.FindStringSubmatch(s); m != nil {
		d, err := component(m[2], Week)
		if err != nil {
			return 0, err
		}
		if m[1] == "-" {
			d = -d
		}
		return d, nil
	}

	m := isoPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "-P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("duration: invalid ISO 8601 duration %q", s)
	}

	var total time.Duration
	for i, unit := range isoUnits {
		d, err := component(m[i+2], unit)
		if err != nil {
			return 0, err
		}
		total += d
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

func component(v string, unit time.Duration) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	d := f * float64(unit)
	if d > math.MaxInt64 {
		return 0, fmt.Errorf("duration: %q overflows", v)
	}
	return time.Duration(math.Round(d)), nil
}

// FormatISO8601 formats d as PTnHnMnS, omitting zero components.
func FormatISO8601(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteString("PT")

	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 {
		b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
		b.WriteByte('S')
	}
	return b.String()
}
