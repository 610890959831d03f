// +build !dev,!testing

package build

// Release and DEBUG are set at compile time for the standard release build.
// The dev and testing builds override these in release_dev.go and
// release_testing.go via build tags.
const (
	Release = "standard"
	DEBUG   = false
)
