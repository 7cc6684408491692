// Package format provides CLI output formatting with TTY detection.
package format

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// CanAnimate reports whether in-place redraws (ANSI cursor control) work
// on f. Dumb and unknown terminals get plain line-by-line output instead.
func CanAnimate(f *os.File) bool {
	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}
	return IsTerminal(f)
}

// IsTTY determines if output should use terminal formatting.
// Returns true if stdout is a TTY with color support.
// Returns false if stdout is piped, NO_COLOR is set, or TERM is "dumb" or empty.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return CanAnimate(os.Stdout)
}
