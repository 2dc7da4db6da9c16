package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, version, commit, date string) {
	t.Helper()
	v, c, d := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = v, c, d })
	Version, Commit, Date = version, commit, date
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		commit   string
		contains []string
	}{
		{"without commit", "unknown", []string{"dashp2p version 1.0.0"}},
		{"with commit", "abc123def456789", []string{"dashp2p version 1.0.0", "commit: abc123de", "built: 2026-01-15"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuild(t, "1.0.0", tt.commit, "2026-01-15T10:30:00Z")
			s := String()
			for _, want := range tt.contains {
				assert.Contains(t, s, want)
			}
		})
	}
}

func TestShort(t *testing.T) {
	withBuild(t, "1.0.0", "unknown", "unknown")
	assert.Equal(t, "1.0.0", Short())

	Commit = "abc123def456789"
	assert.Equal(t, "1.0.0 (abc123de)", Short())
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "2.1.0", "unknown", "unknown")
	assert.Equal(t, "dashp2p/2.1.0", UserAgent())
}
