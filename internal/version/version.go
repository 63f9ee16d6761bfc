// Package version reports the version information baked into the binary
// at link time.
package version

import (
	"fmt"
)

var version string
var buildtime string

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("clusterrunner-sync, version %v", GetVersion())
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// GetBuildTime returns the time at which the build took place
func GetBuildTime() string {
	return buildtime
}
