// Package apparmor provides a minimal set of helpers to configure the AppArmor
// profile of the current process, effectively acting as a very stripped-down
// version of libapparmor.
package apparmor

import "strings"

// IsEnabled returns true if apparmor is enabled for the host.
func IsEnabled() bool {
	return isEnabled()
}

// ParseLabel turns the contents of an AppArmor "current" attribute into a
// profile name. The mode suffix such as " (enforce)" is dropped, and
// "unconfined" yields an empty name.
func ParseLabel(label string) string {
	label = strings.TrimRight(label, "\x00\n")
	if i := strings.LastIndex(label, " ("); i > 0 && strings.HasSuffix(label, ")") {
		label = label[:i]
	}
	if label == "unconfined" {
		return ""
	}
	return label
}
