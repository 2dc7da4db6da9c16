// Package version provides build-time version information for dashp2p.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/konstantinmiller/dashp2p/internal/version.Version=x.y.z \
//	                   -X github.com/konstantinmiller/dashp2p/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/konstantinmiller/dashp2p/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "dashp2p"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if len(Commit) >= 8 && Commit != "unknown" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, info.Commit[:8], info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string suitable for CLI --version output.
func Short() string {
	if len(Commit) >= 8 && Commit != "unknown" {
		return fmt.Sprintf("%s (%s)", Version, Commit[:8])
	}
	return Version
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}
