// Package report writes the summary of a fetch run.
//
// Writers for the supported output formats:
//   - SimpleWriter: human-readable text for the terminal
//   - JSONWriter: structured JSON for tool integration
//   - MarkdownWriter: Markdown for sharing, with a hop table and a country chart
//
// All writers take a model.FetchReport. PageTitle extracts the HTML title of
// the fetched body for the report.
package report
