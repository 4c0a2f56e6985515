package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kalambet/quadsearch/internal/search"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printAnswer writes the narrative followed by numbered sources and a note
// for any entity class that could not be searched.
func printAnswer(w io.Writer, c search.Content) {
	fmt.Fprintln(w, strings.TrimSpace(c.Narrative))

	if len(c.CitedMatches) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Sources"))
		for i, m := range c.CitedMatches {
			line := fmt.Sprintf("  [%d] %s (%s)", i+1, m.DisplayName, m.Kind)
			if m.URL != "" {
				line += " " + colorize(colorCyan, m.URL)
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(c.FailedKinds) > 0 {
		kinds := make([]string, 0, len(c.FailedKinds))
		for k := range c.FailedKinds {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Fprintln(w, colorize(colorYellow, "\n⚠ could not search: "+strings.Join(kinds, ", ")))
	}
}
