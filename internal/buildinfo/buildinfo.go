// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
//
// Binaries built without ldflags (go install, go run) fall back to the
// VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Set at build time, e.g.
//
//	-X github.com/nugget/prism/internal/buildinfo.Version=v0.3.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var stampOnce sync.Once

// stamp fills unset ldflags values from the embedded VCS settings.
func stamp() {
	stampOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		applyVCS(bi.Settings)
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
	})
}

func applyVCS(settings []debug.BuildSetting) {
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" && !strings.HasSuffix(GitCommit, "+") {
		GitCommit += "+"
	}
}

// Info returns build and runtime details for the version command and
// the /v1/version endpoint.
func Info() map[string]string {
	stamp()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is whole seconds since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

func String() string {
	stamp()
	return fmt.Sprintf("prism %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on outbound model provider requests.
func UserAgent() string {
	stamp()
	return "prism/" + Version
}
