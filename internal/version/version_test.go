package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromBuildInfoFillsVCSFields(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(Info{}, bi)
	if got.Version != "v0.3.1" || got.Commit != "0123456789abcdef0123" || got.BuildTime != "2026-01-02T03:04:05Z" || !got.Modified {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestLdflagsValuesWin(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "fromvcs"}},
	}
	got := fromBuildInfo(Info{Version: "1.0.0", Commit: "fromldflags"}, bi)
	if got.Version != "1.0.0" || got.Commit != "fromldflags" {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestShortCommit(t *testing.T) {
	t.Parallel()
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("shortCommit = %q", got)
	}
}

func TestFromBuildInfoReportsStackDeps(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Deps: []*debug.Module{
			{Path: "github.com/labstack/echo/v5", Version: "v5.0.4"},
			{Path: "github.com/cespare/xxhash/v2", Version: "v2.3.0", Replace: &debug.Module{Path: "github.com/cespare/xxhash/v2", Version: "v2.3.1"}},
			{Path: "github.com/rivo/uniseg", Version: "v0.4.7"},
		},
	}
	got := fromBuildInfo(Info{}, bi)
	if len(got.Deps) != 2 {
		t.Fatalf("deps = %v, want only stack modules", got.Deps)
	}
	if got.Deps["github.com/labstack/echo/v5"] != "v5.0.4" || got.Deps["github.com/cespare/xxhash/v2"] != "v2.3.1" {
		t.Fatalf("deps = %v", got.Deps)
	}
}

func TestResolveFillsPlatform(t *testing.T) {
	t.Parallel()
	info := Resolve()
	if info.Version == "" || info.GoVersion == "" || info.CPUs < 1 || !strings.Contains(info.Platform, "/") {
		t.Fatalf("unexpected info: %+v", info)
	}
}
