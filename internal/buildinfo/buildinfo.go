// Package buildinfo carries the identity aicd reports about itself:
// the stamped release metadata plus a few runtime facts, surfaced by
// the -version flag, the /v1/version endpoint, and outbound
// User-Agent headers.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the release build:
//
//	go build -ldflags "-X .../buildinfo.Version=v1.2.0 ..."
//
// A plain `go build` leaves the dev defaults.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info collects build and runtime metadata for the version endpoint.
func Info() map[string]string {
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

// Uptime reports how long this process has been running, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies aicd on outbound HTTP calls.
func UserAgent() string {
	return fmt.Sprintf("aicd/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line form used in startup logs.
func String() string {
	return fmt.Sprintf("aicd %s (%s) built %s", Version, GitCommit, BuildTime)
}
