package output

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// TableWriter wraps tabwriter for formatted output
type TableWriter struct {
	writer *tabwriter.Writer
}

// NewTableWriter creates a table writer rendering to w
func NewTableWriter(w io.Writer) *TableWriter {
	return &TableWriter{writer: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
}

// WriteHeader writes table headers
func (t *TableWriter) WriteHeader(headers ...string) {
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(t.writer, "\t")
		}
		fmt.Fprint(t.writer, h)
	}
	fmt.Fprintln(t.writer)
}

// WriteRow writes a table row
func (t *TableWriter) WriteRow(values ...string) {
	for i, v := range values {
		if i > 0 {
			fmt.Fprint(t.writer, "\t")
		}
		fmt.Fprint(t.writer, v)
	}
	fmt.Fprintln(t.writer)
}

// Flush writes buffered output
func (t *TableWriter) Flush() error {
	return t.writer.Flush()
}

// Quiet suppresses informational output. Errors and warnings still print.
var Quiet bool

// PrintSuccess prints a success message with checkmark
func PrintSuccess(format string, args ...any) {
	if Quiet {
		return
	}
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintError prints an error message
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "⚠ "+format+"\n", args...)
}
