//go:build !linux

package sandbox

var applyProcessRestrictions = func() error {
	return nil
}

// RestrictionsSupported reports whether activation applies kernel-level
// restrictions on this platform.
func RestrictionsSupported() bool {
	return false
}
