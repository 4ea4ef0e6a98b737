package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/unidrive/unidrive-go/internal/contract"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// formatSize returns a human-readable size string (e.g. "1.2 MiB").
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}

	return humanize.IBytes(uint64(bytes))
}

// formatTime returns a compact timestamp for display. The epoch
// sentinel means the backend does not track the stamp.
func formatTime(t time.Time) string {
	if t.Equal(contract.EpochSentinel) || t.IsZero() {
		return "-"
	}

	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// formatStamp returns an RFC 3339 timestamp for JSON output, or ""
// when the backend does not track the stamp.
func formatStamp(t time.Time) string {
	if t.Equal(contract.EpochSentinel) || t.IsZero() {
		return ""
	}

	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// progressPrinter returns a progress callback that rewrites a single
// status line while attached to a terminal. Non-terminal stderr and
// quiet mode disable it entirely.
func progressPrinter(verb string) contract.ProgressFunc {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}

	return func(p contract.Progress) {
		fmt.Fprintf(os.Stderr, "\r%s: %s / %s", verb, formatSize(p.Transferred), formatSize(p.Total))

		if p.Transferred >= p.Total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
