//go:build !linux

package apparmor

func isEnabled() bool {
	return false
}
