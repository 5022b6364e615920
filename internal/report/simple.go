package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/onionfetch/internal/model"
)

// ruleWidth is the width of section separators.
const ruleWidth = 70

// SimpleWriter outputs human-readable text reports for the terminal.
// Plain ASCII is used so the output can be piped to files unchanged.
type SimpleWriter struct {
	baseWriter

	// showBody appends the received body to the report.
	showBody bool

	// verbose lists sentinel hops that are otherwise only counted.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowBody configures the writer to print the response body.
func WithShowBody(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showBody = show
	}
}

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the report in human-readable format.
func (w *SimpleWriter) Write(report *model.FetchReport) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, report)
	w.writeCircuit(&sb, report)
	if w.showBody {
		w.writeBody(&sb, report)
	}
	w.writeFooter(&sb)

	return io.WriteString(w.output, sb.String())
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.FetchReport) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n")
	sb.WriteString("                        ONIONFETCH REPORT\n")
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Target:      %s\n", report.URL)
	fmt.Fprintf(sb, "Fetched At:  %s\n", report.FetchedAt.Format("2006-01-02 15:04:05 MST"))
	if report.StatusCode != 0 {
		fmt.Fprintf(sb, "HTTP Status: %d\n", report.StatusCode)
	} else {
		sb.WriteString("HTTP Status: -\n")
	}
	fmt.Fprintf(sb, "Body Size:   %d bytes\n", report.BodySize)
	if report.Title != "" {
		fmt.Fprintf(sb, "Page Title:  %s\n", report.Title)
	}
	if report.ErrorKind != "" {
		fmt.Fprintf(sb, "Error Kind:  %s\n", report.ErrorKind)
	}
	fmt.Fprintf(sb, "Status:      %s\n", statusText(report))
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeCircuit(sb *strings.Builder, report *model.FetchReport) {
	writeSection(sb, "CIRCUIT")

	if len(report.Hops) == 0 {
		sb.WriteString("  No relay information\n\n")
		return
	}

	unknown := 0
	for i, hop := range report.Hops {
		if hop.IsSentinel() {
			unknown++
			if !w.verbose {
				continue
			}
		}
		fmt.Fprintf(sb, "  [%d] %-39s %s, %s\n", i+1, hop.IPAddress, hop.City, hop.Country)
	}
	if unknown > 0 && !w.verbose {
		fmt.Fprintf(sb, "  (%d unresolved hop(s) not shown)\n", unknown)
	}
	fmt.Fprintf(sb, "\n  %d of %d hop(s) located\n\n", report.KnownHops(), len(report.Hops))
}

func (w *SimpleWriter) writeBody(sb *strings.Builder, report *model.FetchReport) {
	writeSection(sb, "BODY")

	if len(report.Body) == 0 {
		sb.WriteString("  (empty)\n\n")
		return
	}
	sb.Write(report.Body)
	if report.Body[len(report.Body)-1] != '\n' {
		sb.WriteString("\n")
	}
	if report.Truncated {
		sb.WriteString("[... truncated]\n")
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeFooter(sb *strings.Builder) {
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n")
	sb.WriteString("Report generated by onionfetch\n")
	sb.WriteString("https://github.com/nao1215/onionfetch\n")
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n")
}

func writeSection(sb *strings.Builder, title string) {
	sb.WriteString(strings.Repeat("-", ruleWidth))
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", ruleWidth))
	sb.WriteString("\n\n")
}
