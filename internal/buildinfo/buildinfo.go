package buildinfo

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

// Commit is set at build time via -ldflags.
var Commit = "unknown"

// Date is set at build time via -ldflags.
var Date = "unknown"

// Short returns a compact build identifier for logging.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// String describes the build for -version output.
func String() string {
	return fmt.Sprintf("nucleus %s (commit %s, built %s)", Version, Commit, Date)
}
