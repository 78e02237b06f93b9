//go:build linux

package sandbox

import "golang.org/x/sys/unix"

var applyProcessRestrictions = func() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

// RestrictionsSupported reports whether activation applies kernel-level
// restrictions on this platform.
func RestrictionsSupported() bool {
	return true
}
