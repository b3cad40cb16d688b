package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/welcomecrm/cadence/core/infra/logging"
)

// Set at link time with -ldflags "-X github.com/welcomecrm/cadence/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Fields returns the build summary as key/value pairs for structured logs and /health.
func Fields() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
		"go":      runtime.Version(),
	}
}

// Log writes the build summary under the service component.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}
