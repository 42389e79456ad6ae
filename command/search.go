// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/posener/complete"
	"github.com/tilesched/tilesched/config"
	"github.com/tilesched/tilesched/costmodel"
	"github.com/tilesched/tilesched/helper/flags"
	"github.com/tilesched/tilesched/pipeline"
	"github.com/tilesched/tilesched/scheduler"
)

const (
	// oracleAnalytic and oracleStub name the cost oracles that can be
	// selected with -oracle.
	oracleAnalytic = "analytic"
	oracleStub     = "stub"
)

type SearchCommand struct {
	Meta
}

// SearchArgs are the parsed arguments of the search command.
type SearchArgs struct {
	Pipeline  string
	Config    string
	Sets      []string
	Oracle    string
	Out       string
	Features  string
	Dump      bool
	overrides func(*config.Options)
}

func (c *SearchCommand) Help() string {
	helpText := `
Usage: tilesched search [options] <pipeline>

  Searches for the cheapest schedule of the pipeline described by the given
  HCL file. The best schedule found is summarized on stdout and can be
  written as msgpack with -out.

  The command exits with status 1 if the pipeline or the options cannot be
  loaded, and with status 2 if the search runs out of legal schedules.

General Options:

  ` + generalOptionsUsage() + `

Search Options:

  -config=<path>
    Path to an HCL file of search options.

  -set <key>=<value>
    Override a search option by its HCL name, such as beam_size=8 or
    thresholds.recompute_factor=4. May be specified multiple times.

  -driver=<beam|mcts>
    The search algorithm. Defaults to beam.

  -beam-size=<n>
    Number of states kept after every decision. A beam size of 1 is a
    greedy search.

  -passes=<n>
    Number of coarse-to-fine beam passes.

  -parallelism=<n>
    Number of cores to schedule for.

  -memory-limit=<size>
    Maximum working set at the root, excluding the pipeline outputs, such
    as "512MiB". -1 disables the limit.

  -seed=<n>
    Seed of the random choices made by the search.

  -oracle=<analytic|stub>
    Cost oracle used to rank schedules. Defaults to analytic.

  -out=<path>
    Write the schedule as msgpack to the given path.

  -features=<path>
    Write the featurization record of the schedule to the given path.

  -dump
    Print the loop nest of the schedule.
`
	return strings.TrimSpace(helpText)
}

func (c *SearchCommand) Synopsis() string {
	return "Search for the cheapest schedule of a pipeline"
}

func (c *SearchCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetDefault),
		complete.Flags{
			"-config":       complete.PredictFiles("*.hcl"),
			"-set":          complete.PredictAnything,
			"-driver":       complete.PredictSet(config.DriverBeam, config.DriverMCTS),
			"-beam-size":    complete.PredictAnything,
			"-passes":       complete.PredictAnything,
			"-parallelism":  complete.PredictAnything,
			"-memory-limit": complete.PredictAnything,
			"-seed":         complete.PredictAnything,
			"-oracle":       complete.PredictSet(oracleAnalytic, oracleStub),
			"-out":          complete.PredictFiles("*"),
			"-features":     complete.PredictFiles("*"),
			"-dump":         complete.PredictNothing,
		})
}

func (c *SearchCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.hcl")
}

func (c *SearchCommand) Name() string { return "search" }

func (c *SearchCommand) Run(args []string) int {
	var (
		sets                                flags.StringFlag
		driver, memoryLimit                 string
		beamSize, passes, parallelism, seed int
	)
	searchArgs := &SearchArgs{}

	fs := c.Meta.FlagSet(c.Name(), FlagSetDefault)
	fs.Usage = func() { c.Ui.Output(c.Help()) }
	fs.StringVar(&searchArgs.Config, "config", "", "")
	fs.Var(&sets, "set", "")
	fs.StringVar(&driver, "driver", "", "")
	fs.IntVar(&beamSize, "beam-size", 0, "")
	fs.IntVar(&passes, "passes", 0, "")
	fs.IntVar(&parallelism, "parallelism", 0, "")
	fs.StringVar(&memoryLimit, "memory-limit", "", "")
	fs.IntVar(&seed, "seed", 0, "")
	fs.StringVar(&searchArgs.Oracle, "oracle", oracleAnalytic, "")
	fs.StringVar(&searchArgs.Out, "out", "", "")
	fs.StringVar(&searchArgs.Features, "features", "", "")
	fs.BoolVar(&searchArgs.Dump, "dump", false, "")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	// Check that we got exactly one argument
	if args = fs.Args(); len(args) != 1 {
		c.Ui.Error("This command takes one argument: <pipeline>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	searchArgs.Pipeline = args[0]
	searchArgs.Sets = sets

	// Flags given explicitly win over the options file and -set.
	searchArgs.overrides = func(o *config.Options) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "driver":
				o.Driver = driver
			case "beam-size":
				o.BeamSize = beamSize
			case "passes":
				o.Passes = passes
			case "parallelism":
				o.Parallelism = parallelism
			case "memory-limit":
				o.MemoryLimit = memoryLimit
			case "seed":
				o.Seed = uint64(seed)
			}
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return c.RunContext(ctx, searchArgs)
}

// RunContext runs a search with parsed arguments.
func (c *SearchCommand) RunContext(ctx context.Context, args *SearchArgs) int {
	logger := c.Meta.Logger()

	opts, err := c.loadOptions(args)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	g, err := pipeline.ParseFile(args.Pipeline)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading pipeline: %s", err))
		return 1
	}

	var oracle costmodel.Oracle
	switch args.Oracle {
	case oracleAnalytic:
		oracle = costmodel.NewAnalytic(logger, costmodel.DefaultMachine(), runtime.GOMAXPROCS(0))
	case oracleStub:
		oracle = costmodel.NewStub()
	default:
		c.Ui.Error(fmt.Sprintf("Unknown oracle %q, expected %q or %q", args.Oracle, oracleAnalytic, oracleStub))
		return 1
	}

	sctx, err := scheduler.NewSearchContext(logger, g, opts, oracle)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting search: %s", err))
		return 1
	}

	best, err := scheduler.Search(ctx, sctx)
	switch {
	case errors.Is(err, scheduler.ErrExhausted), errors.Is(err, scheduler.ErrNoSchedule):
		logger.Error("search failed", "pipeline", g.Name, "error", err)
		c.Ui.Error(wrapAtLength(fmt.Sprintf("Search failed: %s", err)))
		return 2
	case err != nil:
		c.Ui.Error(fmt.Sprintf("Error running search: %s", err))
		return 1
	}

	c.Ui.Output(c.formatSchedule(sctx, best))

	if args.Dump {
		w := &uiOutputWriter{ui: c.Ui}
		if err := best.ApplySchedule(sctx, scheduler.NewTextRenderer(w)); err != nil {
			c.Ui.Error(fmt.Sprintf("Error rendering schedule: %s", err))
			return 1
		}
		w.Close()
	}

	if args.Out != "" {
		n, err := writeFile(args.Out, func(w *bufio.Writer) error {
			return best.ApplySchedule(sctx, scheduler.NewMsgpackRenderer(w))
		})
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error writing schedule: %s", err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Wrote %s schedule to %s", humanize.IBytes(uint64(n)), args.Out))
	}

	if args.Features != "" {
		n, err := writeFile(args.Features, func(w *bufio.Writer) error {
			return best.WriteFeatures(sctx, w)
		})
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error writing features: %s", err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Wrote %s of features to %s", humanize.IBytes(uint64(n)), args.Features))
	}

	return 0
}

// formatSchedule summarizes the schedule found by a search.
func (c *SearchCommand) formatSchedule(sctx *scheduler.SearchContext, best *scheduler.State) string {
	doc := scheduler.NewScheduleDoc(sctx, best)
	stats := sctx.Stats()

	basic := []string{
		fmt.Sprintf("Search ID|%s", doc.ID),
		fmt.Sprintf("Driver|%s", sctx.Opts.Driver),
		fmt.Sprintf("Cost|%.6g", doc.Cost),
		fmt.Sprintf("States Expanded|%d", stats.Expanded),
		fmt.Sprintf("States Pruned|%d", stats.Pruned),
		fmt.Sprintf("Dead Branches|%d", stats.DeadBranches),
	}

	funcs := make([]string, 0, len(doc.Funcs)+1)
	funcs = append(funcs, "Func|Placement|Parallel|Cost")
	for _, f := range doc.Funcs {
		funcs = append(funcs, fmt.Sprintf("%s|%s|%t|%.6g", f.Name, f.Placement, f.Parallel, f.Cost))
	}

	return c.Colorize().Color(fmt.Sprintf(
		"[bold]Found schedule for pipeline %q with cost %.6g[reset]\n%s\n\n[bold]Funcs[reset]\n%s",
		doc.Pipeline, doc.Cost, formatKV(basic), formatList(funcs)))
}

// loadOptions builds the search options from the options file, the -set
// overrides and the explicit flags, in that order.
func (c *SearchCommand) loadOptions(args *SearchArgs) (*config.Options, error) {
	opts := config.DefaultOptions()
	if args.Config != "" {
		var err error
		opts, err = config.LoadFile(args.Config)
		if err != nil {
			return nil, fmt.Errorf("Error loading options: %w", err)
		}
	}
	if err := opts.ApplyOverrides(args.Sets); err != nil {
		return nil, fmt.Errorf("Error applying -set: %w", err)
	}
	if args.overrides != nil {
		args.overrides(opts)
	}
	return opts, nil
}

// writeFile creates path and fills it with fn, returning the number of
// bytes written.
func writeFile(path string, fn func(*bufio.Writer) error) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), f.Close()
}
