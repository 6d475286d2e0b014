package apierr

import (
	"regexp"
	"strings"
)

const maxMessageLength = 500

var nativeFrame = regexp.MustCompile(`(?m)^\d+\s+(native::|0x).*$\n?`)

// FriendlyFatalMessage is the fixed sentence substituted for the raw
// fatal-engine pattern before any error reaches a client.
const FriendlyFatalMessage = "The GDX file could not be read. It may have been modified or deleted externally. The viewer will attempt to recover automatically."

var fatalPattern = regexp.MustCompile(`(?i)database has been invalidated`)

// Sanitize returns the friendly sentence alone for any message containing
// the fatal pattern; otherwise it strips anything from "Stack Trace:"
// onward, drops native-frame lines, then truncates to 500 characters
// (runes) with an ellipsis.
func Sanitize(message string) string {
	if fatalPattern.MatchString(message) {
		return FriendlyFatalMessage
	}

	if idx := strings.Index(message, "Stack Trace:"); idx >= 0 {
		message = message[:idx]
	}

	message = nativeFrame.ReplaceAllString(message, "")
	message = strings.TrimRight(message, "\n \t")

	if runes := []rune(message); len(runes) > maxMessageLength {
		message = string(runes[:maxMessageLength]) + "…"
	}
	return message
}
