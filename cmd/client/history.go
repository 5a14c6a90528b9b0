package client

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/saveenergy/losstest/internal/results"
	"github.com/saveenergy/losstest/pkg/diagnostic"
)

// RunHistory implements `losstest history [flags] [id]`.
func RunHistory(args []string, version string) int {
	return runHistory(args, os.Stdout, os.Stderr)
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("losstest history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "Number of runs to list")
	asJSON := fs.Bool("json", false, "Output as JSON")
	dataDir := fs.String("data-dir", "", "History directory")
	fs.Usage = func() {
		fmt.Fprintln(stdout, "Usage: losstest history [--limit N] [--json] [--data-dir DIR] [id]")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "losstest history: error: at most one run id")
		return exitUsage
	}

	dir := *dataDir
	if dir == "" {
		dir = results.DefaultDataDir()
	}
	store, err := results.Open(dir, results.DefaultMaxResults)
	if err != nil {
		fmt.Fprintf(stderr, "losstest history: error: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	if fs.NArg() == 1 {
		return showRun(store, fs.Arg(0), *asJSON, stdout, stderr)
	}

	entries, err := store.List(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "losstest history: error: %v\n", err)
		return exitFailure
	}
	if *asJSON {
		if entries == nil {
			entries = []results.Entry{}
		}
		return encodeJSON(stdout, stderr, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No saved runs. Use `losstest client --save` to record one.")
		return exitSuccess
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tTARGET\tPROTO\tSENT\tLOSS\tAVG RTT\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2f%%\t%.2fms\t%s\n",
			e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Target, e.Protocol,
			e.Sent, e.LossPercent, e.AvgRTTMs, e.Status)
	}
	tw.Flush()
	return exitSuccess
}

func showRun(store *results.Store, id string, asJSON bool, stdout, stderr io.Writer) int {
	entry, err := store.Get(id)
	if err != nil {
		fmt.Fprintf(stderr, "losstest history: error: %v\n", err)
		return exitFailure
	}
	if entry == nil {
		fmt.Fprintf(stderr, "losstest history: error: no run with id %s\n", id)
		return exitFailure
	}
	interp := diagnostic.Interpret(diagnostic.FromSummary(entry.Report.Summary))
	if asJSON {
		return encodeJSON(stdout, stderr, jsonResult{Report: entry.Report, Interpretation: interp})
	}
	NewPlainFormatter(stdout, stderr, true).FormatComplete(entry.Report, interp)
	return exitSuccess
}

func encodeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "losstest history: error: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}
