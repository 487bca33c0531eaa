// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X cyrange/internal/buildinfo.Version=v0.3.0"
package buildinfo

import "runtime/debug"

// Version is the release version, or "dev" for unstamped builds.
var Version = "dev"

// Full returns Version with the VCS revision when the binary was built
// from a checkout.
func Full() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return Version + " (" + s.Value[:7] + ")"
		}
	}
	return Version
}
