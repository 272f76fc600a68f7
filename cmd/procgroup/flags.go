package main

import (
	"errors"
	"flag"
	"io"
	"time"

	"github.com/peterbourgon/ff/v3"
)

const envPrefix = "PROCGROUP"

// Help strings for command line arguments
var (
	cpuUsageHelp   = "Include context switch and CPU time totals per root, role and process."
	compareHelp    = "Compare two traces instead of reporting each one."
	rulesHelp      = "YAML rules file overriding the classifier and report defaults."
	prometheusHelp = "Write the rollups of the (last) trace to this Prometheus textfile."
	minCPUHelp     = "Hide processes below this CPU time (e.g. 1ms). Overrides the rules file."
	topKHelp       = "Number of busiest processes to list with -cpuusage. Overrides the rules file."
	widthHelp      = "Wrap pid lists at this many columns (0 detects the terminal width)."
	noBannerHelp   = "Do not print the banner."
	verboseHelp    = "Log per-record anomalies at debug level."
)

type arguments struct {
	cpuUsage   bool
	compare    bool
	rules      string
	prometheus string
	minCPU     time.Duration
	topK       int
	width      int
	noBanner   bool
	verbose    bool
	traces     []string

	fs  *flag.FlagSet
	set map[string]bool
}

// isSet reports whether name was given on the command line, in the
// environment or in the config file.
func (args *arguments) isSet(name string) bool {
	return args.set[name]
}

func (args *arguments) SanityCheck() error {
	if len(args.traces) == 0 {
		return errors.New("no trace file specified")
	}
	if args.compare && len(args.traces) != 2 {
		return errors.New("-compare needs exactly two trace files")
	}
	if args.minCPU < 0 {
		return errors.New("-min-cpu must be >= 0")
	}
	if args.topK < 0 {
		return errors.New("-top must be >= 0")
	}
	return nil
}

func parseArgs(argv []string, output io.Writer) (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("procgroup", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.BoolVar(&args.cpuUsage, "cpuusage", false, cpuUsageHelp)
	fs.BoolVar(&args.cpuUsage, "c", false, cpuUsageHelp)
	fs.BoolVar(&args.compare, "compare", false, compareHelp)
	fs.StringVar(&args.rules, "rules", "", rulesHelp)
	fs.StringVar(&args.prometheus, "prometheus", "", prometheusHelp)
	fs.DurationVar(&args.minCPU, "min-cpu", 0, minCPUHelp)
	fs.IntVar(&args.topK, "top", 0, topKHelp)
	fs.IntVar(&args.width, "width", 0, widthHelp)
	fs.BoolVar(&args.noBanner, "no-banner", false, noBannerHelp)
	fs.BoolVar(&args.verbose, "v", false, verboseHelp)
	_ = fs.String("config", "", "Plain flag=value config file.")

	fs.Usage = func() {
		io.WriteString(output, "Usage: procgroup [flags] trace [trace2 ...]\n")
		fs.PrintDefaults()
	}

	args.fs = fs

	err := ff.Parse(fs, argv,
		ff.WithEnvVarPrefix(envPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	args.traces = fs.Args()
	args.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		args.set[f.Name] = true
	})
	return &args, err
}
