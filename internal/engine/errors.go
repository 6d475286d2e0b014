package engine

import (
	"fmt"
	"regexp"
)

// fatalPattern matches the embedded engine's own signal that it has
// entered an unrecoverable state. Matched case-insensitively since the
// driver's casing is not guaranteed stable across versions.
var fatalPattern = regexp.MustCompile(`(?i)database has been invalidated`)

// IsFatal reports whether err (or its message) indicates the embedded
// engine is unrecoverable and must be torn down and reopened.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return fatalPattern.MatchString(err.Error())
}

// FriendlyFatalMessage is the fixed sentence substituted for the raw
// fatal-pattern text before it reaches a client.
const FriendlyFatalMessage = "The GDX file could not be read. It may have been modified or deleted externally. The viewer will attempt to recover automatically."

// wrapf is a small helper kept local to this package so every adapter
// method wraps errors the same way.
func wrapf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
