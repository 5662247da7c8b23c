package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/avolkov/caseflow/internal/pipeline/ability"
	"github.com/avolkov/caseflow/internal/pipeline/dispatch"
	"github.com/avolkov/caseflow/internal/pipeline/engine"
)

func main() {
	var (
		configPath  = flag.String("config", "configs/pipeline.yaml", "pipeline config file (yaml or json)")
		inputPath   = flag.String("input", "", "case payload file (json); reads stdin when empty")
		summaryOnly = flag.Bool("summary-only", false, "print the run summary instead of the full final state")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	setupLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *inputPath, *summaryOnly); err != nil {
		fmt.Fprintln(os.Stderr, "caseflow:", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

func run(ctx context.Context, configPath, inputPath string, summaryOnly bool) error {
	cfg, err := engine.LoadPipelineConfig(configPath)
	if err != nil {
		return err
	}
	input, err := readInput(inputPath)
	if err != nil {
		return err
	}

	d := dispatch.New(slog.Default())
	d.Register(ability.NewCommon())
	d.Register(ability.NewAtlas())
	if rep := d.HealthCheck(); !rep.Healthy {
		return fmt.Errorf("provider health check: %w", rep.Err)
	}

	eng, err := engine.New(cfg, d, nil)
	if err != nil {
		return err
	}

	final, err := eng.Run(ctx, input)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if summaryOnly {
		summary, err := eng.Summary()
		if err != nil {
			return err
		}
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		if err := enc.Encode(final); err != nil {
			return err
		}
	}

	if final.GetString("workflow_status", "") != "completed" {
		return fmt.Errorf("workflow failed at stage %q: %s",
			final.GetString("failed_stage", ""), final.GetString("error", ""))
	}
	return nil
}

func readInput(path string) (map[string]any, error) {
	var b []byte
	var err error
	if path == "" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := json.Unmarshal(b, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return input, nil
}
