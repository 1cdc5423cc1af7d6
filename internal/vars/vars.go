// Package vars holds build metadata: linker-populated variables (ldflags)
// with a fallback to the VCS stamps Go embeds in the binary.
package vars

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

// License of the project
const License = "AGPL-3.0"

var (
	// Name of the project
	Name = "Podwatch"

	// Version of application (git tag) semver/tag, e.g. v1.2.3
	Version = "dev"

	// Commit is the current git commit, full or short git SHA
	Commit = "unknown"

	// Revision build, count of commits
	Revision = 0

	// BuildTime is the time of start build app, RFC3339 UTC
	BuildTime = time.Unix(0, 0)

	// URL to repository (https)
	URL = "https://github.com/woozymasta/podwatch"

	_revision  string
	_buildTime string
)

// BuildInfo optional helper to expose safe values everywhere.
type BuildInfo struct {
	// betteralign:ignore

	// Project name
	Name string `json:"name"`

	// Version of application (git tag) semver/tag, e.g. v1.2.3
	Version string `json:"version"`

	// Current git commit, full or short git SHA
	Commit string `json:"commit"`

	// Current git commit short SHA
	CommitShort string `json:"commit_short,omitempty"`

	// Go toolchain that produced the binary
	GoVersion string `json:"go_version,omitempty"`

	// Revision build, count of commits
	Revision int `json:"revision,omitempty"`

	// Time of start build app, RFC3339 UTC
	BuildTime time.Time `json:"build_time,omitempty"`

	// URL to repository (https)
	URL string `json:"url,omitempty"`

	// License
	License string `json:"license,omitempty"`
}

func init() {
	if n, err := strconv.Atoi(_revision); err == nil {
		Revision = n
	}

	if _buildTime != "" {
		if t, err := time.Parse(time.RFC3339, _buildTime); err == nil {
			BuildTime = t.UTC()
		}
	}

	// `go install` and plain `go build` carry no ldflags; fall back to the
	// VCS stamps the toolchain embeds.
	if Commit == "unknown" || BuildTime.Equal(time.Unix(0, 0)) {
		fillFromBuildInfo()
	}
}

// fillFromBuildInfo backfills commit and build time from the binary's
// embedded debug info when the linker did not set them.
func fillFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "unknown" && setting.Value != "" {
				Commit = setting.Value
			}
		case "vcs.time":
			if BuildTime.Equal(time.Unix(0, 0)) {
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					BuildTime = t.UTC()
				}
			}
		case "vcs.modified":
			if setting.Value == "true" && Version == "dev" {
				Version = "dev-dirty"
			}
		}
	}
}

// Print writes the build information to the standard output.
func Print() {
	fmt.Printf(`name:     %s
url:      %s
file:     %s
version:  %s
commit:   %s
revision: %d
built:    %s
go:       %s
license:  %s
`, Name, URL, os.Args[0], Version, Commit, Revision, BuildTime, runtime.Version(), License)
}

// Info returns a BuildInfo struct containing detailed build metadata.
func Info() BuildInfo {
	return BuildInfo{
		Name:        Name,
		Version:     Version,
		Commit:      Commit,
		CommitShort: CommitShort(),
		GoVersion:   runtime.Version(),
		Revision:    Revision,
		BuildTime:   BuildTime,
		URL:         URL,
		License:     License,
	}
}

// CommitShort returns the first 7 characters of the git commit hash.
func CommitShort() string {
	if len(Commit) > 7 {
		return Commit[:7]
	}

	return Commit
}
