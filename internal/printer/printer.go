// Package printer renders warren's CLI output: green checkmarks for
// successes, yellow warnings, and structured red error blocks with
// suggested fixes. Error helpers return a bare error carrying only the
// title, so Cobra (run with SilenceErrors) never double-prints.
package printer

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Color by default, even without a TTY; NO_COLOR opts out
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a green message with a checkmark prefix.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if strings.HasPrefix(msg, "✓") {
		green.Print(msg)
		return
	}
	green.Printf("✓ %s", msg)
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a yellow message with a warning prefix.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if strings.HasPrefix(msg, "⚠️") {
		yellow.Print(msg)
		return
	}
	yellow.Printf("⚠️  %s", msg)
}

// Step prints a cyan arrow-prefixed message for multi-step operations.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints a structured error block to stderr: a red title, an
// explanation, and optional suggestions. Returns an error holding just
// the title for Cobra.
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	fmt.Fprintf(os.Stderr, "%s\n", explanation)
	printSuggestions(suggestions)
	return fmt.Errorf("%s", title)
}

// ErrorWithContext is Error with a key/value detail block between the
// explanation and the suggestions.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}
	if len(context) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		for key, value := range context {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	printSuggestions(suggestions)
	return fmt.Errorf("%s", title)
}

func printSuggestions(suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\n")
	if len(suggestions) == 1 {
		fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		return
	}
	fmt.Fprintf(os.Stderr, "Either:\n")
	for i, suggestion := range suggestions {
		fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
	}
}

// Println prints a plain line, for output that needs no coloring.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message, for output that needs no coloring.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
