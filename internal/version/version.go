// Package version holds the agent version string.
package version

import "strings"

// Version is the agent version, overridable at build time via -ldflags.
var Version = "1.2.0"

// Short returns the major.minor part of Version. It tags metadata
// filenames so the descriptor format revision is visible in the name.
func Short() string {
	parts := strings.SplitN(Version, ".", 3)
	if len(parts) < 2 {
		return Version
	}
	return parts[0] + "." + parts[1]
}
