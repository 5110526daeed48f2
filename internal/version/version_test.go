package version

import (
	"runtime/debug"
	"testing"
)

func TestResolveFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		},
	}
	got := resolve(func() (*debug.BuildInfo, bool) { return bi, true })
	want := Info{Version: "v0.3.1", Commit: "0123456789abcdef0123", BuildTime: "2026-01-02T03:04:05Z", GoVersion: "go1.26.0"}
	if got != want {
		t.Fatalf("resolve() = %+v, want %+v", got, want)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	got := resolve(func() (*debug.BuildInfo, bool) { return nil, false })
	if got.Version != devVersion || got.Commit != "" {
		t.Fatalf("resolve() = %+v", got)
	}
}

func TestShortCommit(t *testing.T) {
	tests := map[string]string{
		"":                     "",
		"abc":                  "abc",
		"0123456789abcdef0123": "0123456789ab",
	}
	for in, want := range tests {
		if got := shortCommit(in); got != want {
			t.Fatalf("shortCommit(%q) = %q, want %q", in, got, want)
		}
	}
}
