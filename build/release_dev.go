// +build dev

package build

const (
	Release = "dev"
	DEBUG   = true
)
