// Package version reports build metadata for the gateway binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Injected via -ldflags "-X ejunz/internal/version.Version=..."
var (
	Version   = "dev"
	GitCommit = ""
	GitTag    = ""
	BuildDate = ""
	GitDirty  = ""
)

// BuildInfo is the structured form served by /health and `ejunz version`
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	GitDirty  bool   `json:"git_dirty,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

// Info returns the release version, preferring the git tag
func Info() string {
	v := Version
	if GitTag != "" {
		v = GitTag
	}
	if GitDirty == "true" && !strings.HasSuffix(v, "-dirty") {
		v += "-dirty"
	}
	return v
}

// Get merges ldflags values with what the Go toolchain embedded
func Get() BuildInfo {
	info := BuildInfo{
		Version:   Info(),
		GitCommit: GitCommit,
		GitDirty:  GitDirty == "true",
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				if GitDirty == "" {
					info.GitDirty = s.Value == "true"
				}
			}
		}
	}
	return info
}

// Full returns the version with a short commit suffix when known
func Full() string {
	info := Get()
	commit := info.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" || strings.Contains(info.Version, commit) {
		return info.Version
	}
	return fmt.Sprintf("%s (%s)", info.Version, commit)
}

// UserAgent returns a user agent string for outbound HTTP and WebSocket clients
func UserAgent() string {
	return "ejunz-gateway/" + Info()
}
