// Package version holds build version information for contextd.
package version

// Version is the semantic version of the contextd binary.
// Overridden at build time via -ldflags "-X github.com/contextd/contextd/pkg/version.Version=v1.2.3".
var Version = "0.3.0-dev"

// Commit is the git commit hash, set at build time.
var Commit = "unknown"

// String returns the full version string.
func String() string {
	return Version + " (" + Commit + ")"
}
