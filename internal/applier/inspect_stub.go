//go:build !linux
// +build !linux

package applier

import "fmt"

// TableInstalled is unsupported off Linux.
func TableInstalled() (bool, error) {
	return false, fmt.Errorf("TableInstalled not supported on this platform")
}
