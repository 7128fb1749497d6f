// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X proxysync/internal/buildinfo.Version=v1.2.3"
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

// String returns the version with the VCS revision when known.
func String() string {
	commit := Commit
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			}
		}
	}
	if commit == "" {
		return Version
	}
	return Version + " (" + commit + ")"
}
