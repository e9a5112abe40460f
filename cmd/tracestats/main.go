// Command tracestats turns a trace file written by tornetsim into an
// adversary-exposure report: how many distinct circuits and clients touched
// a compromised relay, broken down by path position. The trace is loaded
// into SQLite first, so large runs can also be kept on disk and queried
// directly with -db.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/anonmetrics/tornet-simulator/internal/exposure"
	"github.com/anonmetrics/tornet-simulator/internal/logging"
)

type options struct {
	tracePath string
	dbPath    string
	outPath   string
}

func main() {
	tracePath := flag.String("trace", "", "trace file written by tornetsim, plain or gzip-compressed")
	dbPath := flag.String("db", ":memory:", "SQLite database the trace is loaded into; in-memory by default")
	outPath := flag.String("out", "", "file the rendered report is written to; stdout when empty")
	flag.Parse()

	log := logging.NewFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *tracePath == "" {
		log.Error(ctx, "missing required flag -trace")
		flag.Usage()
		os.Exit(2)
	}

	opts := options{
		tracePath: *tracePath,
		dbPath:    *dbPath,
		outPath:   *outPath,
	}
	if err := run(ctx, opts, log, os.Stdout); err != nil {
		log.Error(ctx, "trace analysis failed", logging.Err(err))
		os.Exit(1)
	}
}

// run loads the trace, derives the report, and renders it to the -out file
// or to stdout. It is the whole of the binary behind flag parsing, so tests
// can drive it directly.
func run(ctx context.Context, opts options, log logging.Logger, stdout io.Writer) error {
	store, err := exposure.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Ingest(ctx, opts.tracePath)
	if err != nil {
		return err
	}
	log.Info(ctx, "trace loaded",
		logging.String("path", opts.tracePath),
		logging.Uint64("rows", uint64(rows)),
	)

	rep, err := store.Report(ctx)
	if err != nil {
		return err
	}
	rep.Log(ctx, log)

	if opts.outPath == "" {
		_, err := rep.WriteTo(stdout)
		return err
	}

	f, err := os.Create(opts.outPath)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if _, err := rep.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	log.Info(ctx, "report written", logging.String("path", opts.outPath))
	return nil
}
