package report

import (
	"io"
	"sort"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/onionfetch/internal/model"
)

// maxMarkdownBody caps the body excerpt embedded in Markdown reports.
const maxMarkdownBody = 4096

// MarkdownWriter outputs reports in Markdown format, built with
// nao1215/markdown.
type MarkdownWriter struct {
	baseWriter
	showBody bool
}

// MarkdownWriterOption configures a MarkdownWriter.
type MarkdownWriterOption func(*MarkdownWriter)

// WithMarkdownBody embeds an excerpt of the body in the report.
func WithMarkdownBody(show bool) MarkdownWriterOption {
	return func(w *MarkdownWriter) {
		w.showBody = show
	}
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer, opts ...MarkdownWriterOption) *MarkdownWriter {
	w := &MarkdownWriter{
		baseWriter: newBaseWriter(output),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the report in Markdown format.
func (w *MarkdownWriter) Write(report *model.FetchReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeAlert(md, report)
	w.writeCircuit(md, report)
	if w.showBody {
		w.writeBody(md, report)
	}
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *model.FetchReport) {
	md.H1("onionfetch Report")
	md.PlainText("")

	status := "-"
	if report.StatusCode != 0 {
		status = strconv.Itoa(report.StatusCode)
	}

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + report.URL + "`"},
			{"Fetched At", report.FetchedAt.Format("2006-01-02 15:04:05 MST")},
			{"HTTP Status", status},
			{"Body Size", strconv.Itoa(report.BodySize) + " bytes"},
			{"Page Title", orDash(report.Title)},
			{"Status", statusText(report)},
		},
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *model.FetchReport) {
	switch {
	case report.Failed():
		md.Cautionf("The run ended with %s: %s", report.ErrorKind, report.ErrorMessage)
	case report.Truncated:
		md.Warningf("The body read stopped at the deadline after %d bytes.", report.BodySize)
	case len(report.Hops) > 0 && report.KnownHops() == 0:
		md.Importantf("None of the %d relay(s) could be located.", len(report.Hops))
	case len(report.Hops) == 0:
		md.Note("No circuit information was available for this run.")
	default:
		md.Tip("Fetch completed over a fully described circuit.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeCircuit(md *markdown.Markdown, report *model.FetchReport) {
	md.H2("Circuit")
	md.PlainText("")

	if len(report.Hops) == 0 {
		md.PlainText("No relay information.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(report.Hops))
	for i, hop := range report.Hops {
		rows[i] = []string{strconv.Itoa(i + 1), "`" + hop.IPAddress + "`", hop.City, hop.Country}
	}
	md.Table(markdown.TableSet{
		Header: []string{"#", "IP Address", "City", "Country"},
		Rows:   rows,
	})
	md.PlainText("")

	if report.KnownHops() > 0 {
		w.writeCountryChart(md, report)
	}
}

// writeCountryChart writes a mermaid pie chart of relay countries.
func (w *MarkdownWriter) writeCountryChart(md *markdown.Markdown, report *model.FetchReport) {
	counts := make(map[string]uint64)
	for _, hop := range report.Hops {
		if hop.IsSentinel() {
			continue
		}
		counts[hop.Country]++
	}
	countries := make([]string, 0, len(counts))
	for c := range counts {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Relay Countries"),
		piechart.WithShowData(true),
	)
	for _, c := range countries {
		chart.LabelAndIntValue(c, counts[c])
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeBody(md *markdown.Markdown, report *model.FetchReport) {
	md.H2("Body")
	md.PlainText("")

	if len(report.Body) == 0 {
		md.PlainText("The response had no body.")
		md.PlainText("")
		return
	}

	body := string(report.Body)
	if len(body) > maxMarkdownBody {
		body = body[:maxMarkdownBody]
	}
	md.Details("Response body ("+strconv.Itoa(report.BodySize)+" bytes)", "```\n"+body+"\n```")
	md.PlainText("")
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [onionfetch](https://github.com/nao1215/onionfetch)*")
}
