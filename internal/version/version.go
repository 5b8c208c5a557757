// Package version reports the build of the obdgate binary.
package version

import (
	"runtime"
	"runtime/debug"
)

// Set at link time with -ldflags "-X". Commit and Date fall back to the VCS
// stamp the Go toolchain embeds.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	commit, date := Commit, Date
	if info, ok := debug.ReadBuildInfo(); ok {
		commit, date = stamped(info, commit, date)
	}
	return "obdgate " + Version + " (commit=" + commit + ", date=" + date + ", go=" + runtime.Version() + ")"
}

// stamped fills commit and date from info when they were not set at link
// time. A build from a modified tree gets a "-dirty" commit.
func stamped(info *debug.BuildInfo, commit, date string) (string, string) {
	var revision, at string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "none" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		commit = revision
		if dirty {
			commit += "-dirty"
		}
	}
	if date == "unknown" && at != "" {
		date = at
	}
	return commit, date
}
