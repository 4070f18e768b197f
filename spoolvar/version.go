// Package spoolvar holds build information of spoold, for display and for the
// admin API.
package spoolvar

import (
	"runtime/debug"
)

// Version of this build: the module version for release builds, otherwise the
// VCS revision, with "+modifications" for builds from a dirty tree.
var Version = "(devel)"

// GoVersion is the toolchain the binary was built with.
var GoVersion = ""

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	GoVersion = info.GoVersion
	if info.Main.Version != "(devel)" && info.Main.Version != "" {
		Version = info.Main.Version
		return
	}
	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return
	}
	Version = rev
	if settings["vcs.modified"] == "true" {
		Version += "+modifications"
	}
}
