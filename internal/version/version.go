// Package version holds build metadata injected at link time via
// -ldflags "-X costgate/internal/version.Version=...".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line human-readable version string.
func Info() string {
	return fmt.Sprintf("costgate %s (commit %s, built %s)", Version, Commit, Date)
}
