package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/nao1215/onionfetch/internal/config"
	"github.com/nao1215/onionfetch/internal/history"
	"github.com/nao1215/onionfetch/internal/model"
	"github.com/nao1215/onionfetch/internal/report"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List previous fetches",
		Long: `History lists the runs recorded by the fetch command, newest first.

Examples:
  # List the last runs
  onionfetch history

  # Show every run against one URL
  onionfetch history --url http://example.onion/ --limit 0

  # Print one run as a full report
  onionfetch history --id 3

  # Keep only the newest 50 runs
  onionfetch history --prune 50`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	f := cmd.Flags()
	f.IntP("limit", "n", config.DefaultHistoryLimit, "Number of runs to list (0 lists all)")
	f.String("url", "", "Only list runs against this URL")
	f.Int64("id", 0, "Print the run with this id as a report")
	f.BoolP("json", "j", false, "Output JSON")
	f.Int("prune", -1, "Delete all but the newest N runs")
	f.String("dir", config.XDGDataDir(), "History directory")

	return cmd
}

// historyOptions are the parsed history flags.
type historyOptions struct {
	limit int
	url   string
	id    int64
	json  bool
	prune int
	dir   string
}

func parseHistoryFlags(cmd *cobra.Command) (historyOptions, error) {
	f := cmd.Flags()
	var (
		opts historyOptions
		errs []error
		err  error
	)
	opts.limit, err = f.GetInt("limit")
	errs = append(errs, err)
	opts.url, err = f.GetString("url")
	errs = append(errs, err)
	opts.id, err = f.GetInt64("id")
	errs = append(errs, err)
	opts.json, err = f.GetBool("json")
	errs = append(errs, err)
	opts.prune, err = f.GetInt("prune")
	errs = append(errs, err)
	opts.dir, err = f.GetString("dir")
	errs = append(errs, err)
	return opts, errors.Join(errs...)
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	opts, err := parseHistoryFlags(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	dbOpts := history.DefaultOptions()
	dbOpts.CreateIfNotExists = false
	store, err := history.Open(opts.dir, dbOpts)
	if errors.Is(err, history.ErrNoDatabase) {
		fmt.Fprintln(out, "No fetch history yet.")
		return nil
	}
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return runHistory(ctx, store, opts, out)
}

func runHistory(ctx context.Context, store *history.Store, opts historyOptions, out io.Writer) error {
	if opts.prune >= 0 {
		n, err := store.Prune(ctx, opts.prune)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d run(s).\n", n)
		return nil
	}

	if opts.id != 0 {
		rep, err := store.Get(ctx, opts.id)
		if err != nil {
			return err
		}
		if opts.json {
			_, err = report.NewJSONWriter(out, report.WithPrettyPrint(), report.WithVersion(getVersion())).Write(rep)
			return err
		}
		_, err = report.NewSimpleWriter(out).Write(rep)
		return err
	}

	var (
		reports []*model.FetchReport
		err     error
	)
	if opts.url != "" {
		reports, err = store.ByURL(ctx, opts.url, opts.limit)
	} else {
		reports, err = store.Recent(ctx, opts.limit)
	}
	if err != nil {
		return err
	}

	if opts.json {
		_, err = report.NewJSONWriter(out, report.WithPrettyPrint(), report.WithVersion(getVersion())).WriteAll(reports)
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(out, "No matching runs.")
		return nil
	}
	return writeHistoryTable(out, reports)
}

// writeHistoryTable prints one aligned row per run, without borders.
func writeHistoryTable(out io.Writer, reports []*model.FetchReport) error {
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Symbols: tw.NewSymbols(tw.StyleNone),
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off, ShowFooter: tw.Off, BetweenRows: tw.Off, BetweenColumns: tw.Off},
				Lines:      tw.Lines{ShowTop: tw.Off, ShowBottom: tw.Off, ShowHeaderLine: tw.Off, ShowFooterLine: tw.Off},
			},
		})),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithPadding(tw.Padding{Right: "  ", Overwrite: true}),
	)
	table.Header("ID", "FETCHED", "STATUS", "HOPS", "URL")

	for _, r := range reports {
		status := strconv.Itoa(r.StatusCode)
		if r.Failed() {
			status = string(r.ErrorKind)
		}
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.FetchedAt.Local().Format(time.DateTime),
			status,
			fmt.Sprintf("%d/%d", r.KnownHops(), len(r.Hops)),
			r.URL,
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to add history row: %w", err)
		}
	}
	return table.Render()
}
