package common

import (
	"fmt"
	"runtime"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s, %s)", Version, Build, GitCommit, runtime.Version())
}

// UserAgent identifies the bot on outbound HTTP requests
func UserAgent() string {
	return fmt.Sprintf("brainrot/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
