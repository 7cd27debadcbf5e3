package version

import (
	"runtime/debug"
	"strings"
)

// Version is stamped at build time:
//
//	go build -ldflags "-X github.com/ShayCichocki/taskweave/internal/version.Version=v0.3.0"
var Version string

// Get returns the stamped version, then the module version from build info,
// then "dev".
func Get() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
