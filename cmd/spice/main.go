// Command spice is the one-shot companion to spiced: validate a spicepod
// document, force a single refresh of a dataset outside of its ticking
// schedule, or dump what its accelerated replica currently holds, all
// without bringing up the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	flag "github.com/spf13/pflag"

	"github.com/spiceai/spice/internal/arrowbatch"
	"github.com/spiceai/spice/internal/config"
	"github.com/spiceai/spice/internal/logger"
	"github.com/spiceai/spice/internal/runtime"
	"github.com/spiceai/spice/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	podPathFlag := flag.StringP("pod", "p", "spicepod.yaml", "path to the spicepod document (or set SPICEPOD_PATH env var)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	validateFlag := flag.Bool("validate", false, "parse and validate the spicepod document, then exit")
	refreshFlag := flag.String("refresh", "", "force a single refresh of the named dataset and print its resulting state")
	queryFlag := flag.String("query", "", "print every row currently held in the named dataset's accelerated store")
	flag.Parse()

	if env := os.Getenv("SPICEPOD_PATH"); env != "" {
		*podPathFlag = env
	}

	log := logger.New(logger.Options{Verbose: *verboseFlag})

	pod, err := config.Load(*podPathFlag)
	if err != nil {
		return fmt.Errorf("load spicepod: %w", err)
	}

	if *validateFlag {
		fmt.Printf("ok: %q is valid (%d dataset(s))\n", pod.Name, len(pod.Datasets))
		return nil
	}

	if *refreshFlag == "" && *queryFlag == "" {
		return fmt.Errorf("one of --validate, --refresh, or --query is required")
	}

	ctx := context.Background()
	rt, err := runtime.New(ctx, log, runtime.Config{Pod: pod, Server: server.DefaultConfig()})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	if *refreshFlag != "" {
		if err := rt.RefreshDataset(ctx, *refreshFlag); err != nil {
			return fmt.Errorf("refresh %q: %w", *refreshFlag, err)
		}
		for _, h := range rt.Datasets() {
			if h.Dataset.Name == *refreshFlag {
				fmt.Printf("dataset %q: state=%s epoch=%d\n", h.Dataset.Name, h.State(), h.Epoch())
				break
			}
		}
	}

	if *queryFlag != "" {
		records, err := rt.Scan(ctx, *queryFlag)
		if err != nil {
			return fmt.Errorf("query %q: %w", *queryFlag, err)
		}
		rows := rowsFromRecords(records)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return fmt.Errorf("encode rows: %w", err)
		}
	}

	return nil
}

func rowsFromRecords(records []arrow.Record) []map[string]any {
	var rows []map[string]any
	for _, rec := range records {
		fields := rec.Schema().Fields()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(map[string]any, len(fields))
			for c, f := range fields {
				row[f.Name] = arrowbatch.ValueAt(rec.Column(c), r)
			}
			rows = append(rows, row)
		}
	}
	return rows
}
