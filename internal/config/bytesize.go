package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "64KiB" = 65536 bytes
//   - "16MB" = 16000000 bytes
//   - "32768" = 32768 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows", s)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var bytes int64
		if err := json.Unmarshal(data, &bytes); err != nil {
			return err
		}
		*b = ByteSize(bytes)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Int returns the size as int.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns the size in IEC units, exact when the value is a whole
// number of a unit.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	v := uint64(b)
	i := 0
	for i < len(units)-1 && v >= 1024 && v%1024 == 0 {
		v /= 1024
		i++
	}
	if i == 0 && v >= 1024 {
		return humanize.IBytes(uint64(b))
	}
	return fmt.Sprintf("%d %s", v, units[i])
}
