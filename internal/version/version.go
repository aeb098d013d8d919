// Package version holds the build version, set with -ldflags "-X".
package version

// Version is the release of the binary.
var Version = "dev"
