package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-pixel-quality/internal/conditions"
	"go-pixel-quality/internal/config"
	"go-pixel-quality/internal/lumi"
	"go-pixel-quality/internal/model"
	"go-pixel-quality/internal/pipeline"
	"go-pixel-quality/internal/ports"
	"go-pixel-quality/internal/publish"
)

const usage = `usage: qualityplotter [run|validate] [flags]

  run       traverse the range and write the summary files (default)
  validate  check the configuration and luminosity file without traversing
`

type options struct {
	configPath string
	firstRun   uint
	lsPerRun   int
	runs       int
	tag        string
	lumiFile   string
	outDir     string
	formats    string
	throw      bool
	bunches    bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	if command != "run" && command != "validate" {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	var opts options
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.UintVar(&opts.firstRun, "firstRun", 1, "first run number to process")
	fs.IntVar(&opts.lsPerRun, "nLSToProcessPerRun", 1, "lumi-blocks to process in each run")
	fs.IntVar(&opts.runs, "nRunsToProcess", 1, "number of runs to process")
	fs.StringVar(&opts.tag, "tag", config.DefaultTag, "conditions tag to traverse")
	fs.StringVar(&opts.lumiFile, "lumiFile", "./luminosityDB.csv", "brilcalc luminosity file or URL")
	fs.StringVar(&opts.outDir, "out", ".", "directory for the summary files")
	fs.StringVar(&opts.formats, "formats", "csv", "comma separated output formats (csv, json)")
	fs.BoolVar(&opts.throw, "throwIfNotFound", false, "fail when a run has no luminosity")
	fs.BoolVar(&opts.bunches, "doBunchByBunch", false, "read per-bunch luminosity")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := applyFlags(fs, opts, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger(stderr)
	spec := cfg.Spec()
	if err := pipeline.Validate(spec); err != nil {
		return err
	}
	printBanner(stdout, spec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := lumi.Load(ctx, spec.Luminosity.File, lumi.OptionsFrom(spec.Luminosity, logger))
	if err != nil {
		return err
	}
	s := table.Summary()
	fmt.Fprintf(stdout, "luminosity: %s, %d runs, %d entries (%s)\n", s.Source, s.Runs, s.Entries, s.Granularity)

	if command == "validate" {
		return nil
	}
	return traverse(ctx, cfg, spec, table, logger, stdout)
}

func traverse(ctx context.Context, cfg *config.Config, spec model.TraversalSpec, table *lumi.Table, logger *slog.Logger, stdout io.Writer) error {
	fetcher, closeSource, err := conditions.Open(ctx, cfg.Conditions, logger, nil)
	if err != nil {
		return err
	}
	defer closeSource()

	var publisher ports.Publisher
	if cfg.Output.Publish.Enabled() {
		p, err := publish.NewMinioPublisher(cfg.Output.Publish)
		if err != nil {
			return err
		}
		publisher = p
	}

	emitter, err := pipeline.NewEmitter(pipeline.EmitterOptions{
		Dir:       spec.Output.Dir,
		Formats:   spec.Output.Formats,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	res, err := pipeline.Run(ctx, spec, pipeline.Deps{
		Fetcher:    fetcher,
		Luminosity: table,
		Emitter:    emitter,
		Logger:     logger,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted, no summary written")
		}
		return err
	}

	fmt.Fprintf(stdout, "processed %d lumi-blocks up to run %d, %d IOV intervals, %.6f /fb\n",
		res.Units, res.LastUnit.Run, res.Intervals, res.TotalLuminosity)
	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "warning [%s] %s\n", w.Kind, w.Message)
	}
	for _, a := range res.Artifacts {
		line := "wrote " + a.Path
		if a.Rotated != "" {
			line += " (previous kept as " + a.Rotated + ")"
		}
		if a.RemoteURI != "" {
			line += " -> " + a.RemoteURI
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

// applyFlags lets explicitly set flags override the configuration file.
func applyFlags(fs *flag.FlagSet, opts options, cfg *config.Config) error {
	if uint64(opts.firstRun) > math.MaxUint32 {
		return fmt.Errorf("firstRun %d does not fit a run number (max %d)", opts.firstRun, uint64(math.MaxUint32))
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "firstRun":
			cfg.Traversal.FirstRun = model.Run(opts.firstRun)
		case "nLSToProcessPerRun":
			cfg.Traversal.LSPerRun = opts.lsPerRun
		case "nRunsToProcess":
			cfg.Traversal.Runs = opts.runs
		case "tag":
			cfg.Traversal.Tag = opts.tag
		case "lumiFile":
			cfg.Luminosity.File = opts.lumiFile
		case "out":
			cfg.Output.Dir = opts.outDir
		case "formats":
			cfg.Output.Formats = splitFormats(opts.formats)
		case "throwIfNotFound":
			cfg.Luminosity.ThrowIfNotFound = opts.throw
		case "doBunchByBunch":
			cfg.Luminosity.DoBunchByBunch = opts.bunches
		}
	})
	return nil
}

func splitFormats(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func printBanner(w io.Writer, spec model.TraversalSpec) {
	fmt.Fprintf(w, "tag:                %s\n", spec.Tag)
	fmt.Fprintf(w, "first run:          %d\n", spec.FirstRun)
	fmt.Fprintf(w, "last run:           %d\n", spec.LastRun())
	fmt.Fprintf(w, "lumi-blocks / run:  %d\n", spec.LumiBlocksPerRun)
	fmt.Fprintf(w, "total lumi-blocks:  %d\n", spec.TotalUnits())
}
