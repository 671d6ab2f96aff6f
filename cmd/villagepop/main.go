// Command villagepop synthesizes deterministic village populations from the
// canonical base dataset and manages the per-owner generation ledger.
//
// Environment:
//
//	VILLAGEPOP_SOURCE            path to the base dataset CSV (required unless -source given)
//	VILLAGEPOP_DATA_DIR          directory for generated tables (default ./data)
//	VILLAGEPOP_CACHE_PATH        base dataset cache artifact (default <data>/base_cache.db)
//	VILLAGEPOP_LEDGER_DRIVER     memory|sqlite|postgres (default sqlite)
//	VILLAGEPOP_BLOB_DRIVER       fs|s3|memory (default fs)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"villagepop/internal/baseload"
	"villagepop/internal/blob"
	"villagepop/internal/core"
	"villagepop/internal/export"
	"villagepop/internal/ledger"
	"villagepop/internal/synth"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("villagepop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		generate = fs.Int("generate", 0, "synthesize a population with this many villages (multiple of 28)")
		history  = fs.Bool("history", false, "list the owner's generation history")
		exportID = fs.String("export", "", "export the given generation id to the blob store")
		deleteID = fs.String("delete", "", "delete the given generation id")
		owner    = fs.String("owner", "", "owner the operation runs for (required)")
		source   = fs.String("source", os.Getenv("VILLAGEPOP_SOURCE"), "base dataset CSV path")
		dataDir  = fs.String("data", envOr("VILLAGEPOP_DATA_DIR", "./data"), "directory for generated tables")
		formats  = fs.String("formats", "csv,json", "comma-separated export formats (csv,json,db)")
		villages = fs.String("villages", "", "comma-separated village ids to restrict csv/json exports to")
		verbose  = fs.Bool("verbose", false, "enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *owner == "" {
		fmt.Fprintln(stderr, "error: -owner is required")
		fs.Usage()
		return 2
	}
	modes := 0
	for _, active := range []bool{*generate > 0, *history, *exportID != "", *deleteID != ""} {
		if active {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(stderr, "error: exactly one of -generate, -history, -export, -delete is required")
		fs.Usage()
		return 2
	}

	if err := run(*verbose, *owner, *source, *dataDir, *generate, *history, *exportID, *deleteID, *formats, *villages, stdout); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func run(verbose bool, owner, source, dataDir string, generate int, history bool, exportID, deleteID, formats, villages string, stdout io.Writer) error {
	ctx := context.Background()

	zapCfg := zap.NewProductionConfig()
	if verbose {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zlog, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck

	if source == "" {
		return fmt.Errorf("base dataset source required: set -source or VILLAGEPOP_SOURCE")
	}
	cachePath := os.Getenv("VILLAGEPOP_CACHE_PATH")
	if cachePath == "" {
		cachePath = filepath.Join(dataDir, "base_cache.db")
	}
	loader := baseload.New(baseload.NewCSVSource(source), cachePath)

	led, err := ledger.Open()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	svc, err := core.NewService(loader, synth.NewEngine(synth.DefaultConfig), led, dataDir,
		core.WithLogger(core.NewZapLogger(zlog)),
		core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("villagepop_cli")),
	)
	if err != nil {
		return err
	}

	switch {
	case generate > 0:
		record, err := svc.Generate(ctx, owner, generate)
		if err != nil {
			return err
		}
		return printJSON(stdout, record)
	case history:
		records, err := svc.History(ctx, owner)
		if err != nil {
			return err
		}
		return printJSON(stdout, records)
	case deleteID != "":
		if err := svc.DeleteGeneration(ctx, owner, deleteID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted generation %s\n", deleteID)
		return nil
	default:
		return runExport(ctx, svc, stdout, owner, exportID, formats, villages)
	}
}

func runExport(ctx context.Context, svc *core.Service, stdout io.Writer, owner, generationID, formats, villages string) error {
	store, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	input := export.Input{Owner: owner, GenerationID: generationID}
	for _, f := range strings.Split(formats, ",") {
		if f = strings.TrimSpace(f); f != "" {
			input.Formats = append(input.Formats, export.Format(f))
		}
	}
	for _, v := range strings.Split(villages, ",") {
		if v = strings.TrimSpace(v); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid village id %q", v)
			}
			input.Villages = append(input.Villages, id)
		}
	}

	worker := export.NewWorker(svc, store, nil)
	worker.Start()
	defer worker.Stop(ctx) //nolint:errcheck

	record, err := worker.Enqueue(ctx, input)
	if err != nil {
		return err
	}
	for {
		current, ok := worker.Get(record.ID)
		if !ok {
			return fmt.Errorf("export job %s vanished", record.ID)
		}
		if current.Status == export.StatusSucceeded {
			return printJSON(stdout, current)
		}
		if current.Status == export.StatusFailed {
			return fmt.Errorf("export failed: %s", current.Error)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
