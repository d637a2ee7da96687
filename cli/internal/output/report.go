// Package output renders collection run reports for the terminal.
package output

import (
	"fmt"
	"io"
	"sort"

	"github.com/usagepulse/usagepulse/cli/internal/collector"
)

// PrintReport writes a plain-text summary of one collection run.
func PrintReport(w io.Writer, report *collector.Report, dryRun bool) {
	fmt.Fprintf(w, "Events parsed:  %d\n", report.Events)
	if report.ParseErrors > 0 {
		fmt.Fprintf(w, "Lines skipped:  %d\n", report.ParseErrors)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "Warning: %s: %v\n", warning.Path, warning.Err)
	}

	types := make([]string, 0, len(report.Counts))
	for t := range report.Counts {
		types = append(types, t)
	}
	sort.Strings(types)

	fmt.Fprintf(w, "\n%-10s %8s %8s %8s %8s %8s\n",
		"Type", "Pending", "Skipped", "Uploaded", "Rejected", "Failed")
	for _, t := range types {
		c := report.Counts[t]
		fmt.Fprintf(w, "%-10s %8d %8d %8d %8d %8d\n",
			t, c.Pending, c.Skipped, c.Uploaded, c.Rejected, c.Failed)
	}

	if dryRun {
		fmt.Fprintln(w, "\nDry run - no data sent.")
	}
}
