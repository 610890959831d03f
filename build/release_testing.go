// +build testing

package build

const (
	Release = "testing"
	DEBUG   = true
)
