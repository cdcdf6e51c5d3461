// Package buildinfo exposes the version identity of a hearthd binary.
//
// Release builds stamp the package variables through -ldflags; any
// other build falls back to the module information the Go toolchain
// embeds, so a plain `go build` still reports a usable commit.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped at release time, for example:
//
//	go build -ldflags "-X github.com/hearthd/hearthd/internal/buildinfo.Version=0.3.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		}
	}
}

// Info returns the build identity plus runtime facts, shaped for the
// version subcommand and diagnostic output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns how long this process has been running.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}
