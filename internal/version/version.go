// Package version reports build metadata for meshtrain binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"slices"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

// Stack lists the modules whose versions are reported alongside the binary:
// the HTTP server, CLI, JSON codec, state hashing and checkpoint mmap.
var Stack = []string{
	"github.com/labstack/echo/v5",
	"github.com/urfave/cli/v3",
	"github.com/goccy/go-json",
	"github.com/cespare/xxhash/v2",
	"golang.org/x/sys",
}

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go"`
	Modified  bool   `json:"modified,omitempty"`
	// Platform is GOOS/GOARCH.
	Platform string `json:"platform"`
	// CPUs bounds how many data shards a host steps in parallel.
	CPUs int `json:"cpus"`
	// Deps maps each module in Stack to the version linked in.
	Deps map[string]string `json:"deps,omitempty"`
}

// Resolve combines the ldflags values with the VCS settings recorded by the
// Go toolchain. Values set via ldflags win.
func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		resolved = fromBuildInfo(resolved, bi)
	}
	if resolved.Version == "" {
		resolved.Version = "dev"
	}
	return resolved
}

func fromBuildInfo(info Info, bi *debug.BuildInfo) Info {
	if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	for _, dep := range bi.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		if !slices.Contains(Stack, dep.Path) {
			continue
		}
		if info.Deps == nil {
			info.Deps = make(map[string]string, len(Stack))
		}
		info.Deps[dep.Path] = dep.Version
	}
	return info
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	s := info.Version + " (" + shortCommit(info.Commit)
	if info.Modified {
		s += ", modified"
	}
	return s + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
