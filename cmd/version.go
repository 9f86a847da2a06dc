package cmd

import (
	"fmt"
	"runtime"
)

// Version information, injected at build time via ldflags.
var (
	Version   = "development"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// runVersion prints version and build information.
func runVersion() {
	fmt.Printf("strand %s\n", Version)
	fmt.Printf("  commit: %s\n", GitCommit)
	fmt.Printf("  built:  %s\n", BuildTime)
	fmt.Printf("  go:     %s\n", runtime.Version())
}
