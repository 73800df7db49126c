package main

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
// Empty values fall back to the module build info.
var (
	version   string
	commit    string
	buildDate string
)

type buildInfo struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

// readBuildInfo merges the ldflags values with what the Go toolchain
// recorded in the binary.
func readBuildInfo() buildInfo {
	b := buildInfo{Version: version, Commit: commit, Date: buildDate}
	if info, ok := debug.ReadBuildInfo(); ok {
		if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			b.Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Dirty = s.Value == "true"
			}
		}
	}
	if b.Version == "" {
		b.Version = "v0.0.0-dev"
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	return b
}

// serverVersion is the version reported over the protocol.
func serverVersion() string {
	return readBuildInfo().Version
}

// printVersion writes the version, revision and toolchain.
func printVersion(w io.Writer) {
	b := readBuildInfo()
	rev := b.Commit
	if rev == "" {
		rev = "none"
	} else if b.Dirty {
		rev += "+dirty"
	}
	date := b.Date
	if date == "" {
		date = "unknown"
	}
	safeFprintln(w, fmt.Sprintf("snippetd %s\n  revision: %s\n  built:    %s\n  go:       %s %s/%s",
		b.Version, rev, date, runtime.Version(), runtime.GOOS, runtime.GOARCH))
}

// safeFprintln writes to w, dropping write errors; output goes to
// terminals or pipes where nothing useful can be done about them.
func safeFprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
