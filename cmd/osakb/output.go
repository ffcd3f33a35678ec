package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kalambet/osakb/internal/search"
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

// printLine writes one marked status line to stderr, keeping stdout for data.
func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any) { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any) { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printCounts lists per-source item counts sorted by source.
func printCounts(w io.Writer, items map[string]int) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, items[k])
	}
}

// printResults writes grouped search hits source by source and returns how
// many it printed.
func printResults(w io.Writer, grouped map[string][]search.Result) int {
	sources := make([]string, 0, len(grouped))
	for k := range grouped {
		sources = append(sources, k)
	}
	sort.Strings(sources)
	var n int
	for _, src := range sources {
		for _, r := range grouped[src] {
			n++
			fmt.Fprintf(w, "%s [%s]\n  %s\n", colorize(colorBold, r.Title), r.Source, r.URL)
			if r.Snippet != "" {
				fmt.Fprintf(w, "  %s\n", r.Snippet)
			}
		}
	}
	return n
}
