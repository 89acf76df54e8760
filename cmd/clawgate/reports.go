package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/clawgate/pkg/tracking"
)

type ReportsOptions struct {
	*RootOptions
	Limit int
}

func NewReportsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reports [correlation-id]",
		Short: "List stored error reports or show one",
		Long: `Read the report store configured by escalation.report_db.

Users see a correlation ID in the error reply; pass it to show the full report.

Example:
  clawgate reports --limit 5
  clawgate reports 7c9e6679-7425-40de-944b-e07fc1f90ae7 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReports(cmd, opts, args)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of reports to list")
	return cmd
}

func runReports(cmd *cobra.Command, opts *ReportsOptions, args []string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Escalation.ReportDB == "" {
		return WrapExitError(ExitCommandError, "escalation.report_db is not configured", nil)
	}

	store, err := tracking.Open(cfg.Escalation.ReportDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open report db", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if len(args) == 1 {
		rec, err := store.Get(ctx, args[0])
		if errors.Is(err, tracking.ErrNotFound) {
			return WrapExitError(ExitCommandError, "no such report", err)
		}
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read report", err)
		}
		if opts.Format == "json" {
			return writeJSON(out, rec)
		}
		printReport(out, rec)
		return nil
	}

	recs, err := store.Recent(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list reports", err)
	}
	if opts.Format == "json" {
		if recs == nil {
			recs = []tracking.Record{}
		}
		return writeJSON(out, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No reports.")
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(out, "%s  %s  %-22s %s\n",
			rec.OccurredAt.Format(time.RFC3339), rec.CorrelationID, rec.Kind, firstLine(rec.Message))
	}
	return nil
}

func printReport(w io.Writer, rec tracking.Record) {
	fmt.Fprintf(w, "ID:          %s\n", rec.CorrelationID)
	fmt.Fprintf(w, "Occurred:    %s\n", rec.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Kind:        %s\n", rec.Kind)
	if rec.Handler != "" {
		fmt.Fprintf(w, "Handler:     %s\n", rec.Handler)
	}
	if rec.Origin.GuildID != "" {
		fmt.Fprintf(w, "Guild:       %s\n", rec.Origin.GuildID)
	}
	if rec.Origin.ChannelID != "" {
		fmt.Fprintf(w, "Channel:     %s\n", rec.Origin.ChannelID)
	}
	if rec.Environment != "" {
		fmt.Fprintf(w, "Environment: %s\n", rec.Environment)
	}
	fmt.Fprintf(w, "Error:       %s\n", rec.Message)
	if len(rec.Tags) > 0 {
		keys := make([]string, 0, len(rec.Tags))
		for k := range rec.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Tags:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s=%s\n", k, rec.Tags[k])
		}
	}
	if rec.Stack != "" {
		fmt.Fprintln(w, "Stack:")
		fmt.Fprintln(w, rec.Stack)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
