package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/compare"
	"github.com/srodi/procgroup/pkg/config"
	"github.com/srodi/procgroup/pkg/pipeline"
	"github.com/srodi/procgroup/pkg/report"
	"github.com/srodi/procgroup/pkg/source"
	"github.com/srodi/procgroup/pkg/types"
	"github.com/srodi/procgroup/pkg/ui"
)

const (
	exitOK = iota
	exitFailure
	exitParseError
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// terminalWidth reports the width of out when it is a terminal, else 0.
var terminalWidth = func(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return w
}

func newLogger(stderr io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	args, err := parseArgs(argv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "procgroup: %v\n", err)
		return exitParseError
	}
	if err := args.SanityCheck(); err != nil {
		fmt.Fprintf(stderr, "procgroup: %v\n", err)
		args.fs.Usage()
		return exitParseError
	}

	logger := newLogger(stderr, args.verbose)

	cfg, err := config.Load(args.rules)
	if err != nil {
		logger.WithError(err).Error("failed to load rules")
		return exitFailure
	}
	if args.isSet("min-cpu") {
		cfg.Report.MinCPU = args.minCPU
	}
	if args.isSet("top") {
		cfg.Report.TopK = args.topK
	}

	classifier, err := classify.New(cfg.ClassifierRules())
	if err != nil {
		logger.WithError(err).Error("invalid classifier rules")
		return exitFailure
	}

	traces, err := loadTraces(ctx, source.NewLoader(logger), args.traces)
	if err != nil {
		logger.WithError(err).Error("failed to load traces")
		return exitFailure
	}

	width := args.width
	interactive := terminalWidth(stdout)
	if width == 0 {
		width = interactive
	}
	if !args.noBanner && interactive > 0 {
		io.WriteString(stdout, ui.Banner(interactive))
	}

	p := pipeline.New(cfg, classifier, logger)
	renderOpts := report.RenderOptions{ShowCPU: args.cpuUsage, Width: width}

	if args.compare {
		diff, results, err := p.Compare(ctx, traces[0], traces[1])
		if err != nil {
			logger.WithError(err).Error("comparison failed")
			return exitFailure
		}
		if err := compare.Render(stdout, diff, cfg.Report.TopK*4); err != nil {
			logger.WithError(err).Error("failed to write comparison")
			return exitFailure
		}
		return writePrometheus(logger, args.prometheus, results[len(results)-1])
	}

	results, err := p.AnalyzeAll(ctx, traces)
	if err != nil {
		logger.WithError(err).Error("analysis failed")
		return exitFailure
	}
	for _, res := range results {
		if len(results) > 1 {
			fmt.Fprintf(stdout, "== %s ==\n", res.Name)
		}
		if err := report.Render(stdout, res.Report, renderOpts); err != nil {
			logger.WithError(err).Error("failed to write report")
			return exitFailure
		}
		if args.cpuUsage && len(res.Report.Roots) > 0 {
			fmt.Fprintf(stdout, "[Top %d processes by CPU]\n", cfg.Report.TopK)
			if err := report.RenderTop(stdout, report.TopMembers(res.Report, cfg.Report.TopK)); err != nil {
				logger.WithError(err).Error("failed to write report")
				return exitFailure
			}
			io.WriteString(stdout, "\n")
		}
	}
	return writePrometheus(logger, args.prometheus, results[len(results)-1])
}

// loadTraces reads every path concurrently, keeping the argument order.
func loadTraces(ctx context.Context, loader *source.Loader, paths []string) ([]*types.Trace, error) {
	traces := make([]*types.Trace, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			trace, err := loader.Load(ctx, path)
			if err != nil {
				return err
			}
			traces[i] = trace
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return traces, nil
}

func writePrometheus(logger logrus.FieldLogger, path string, res *pipeline.Result) int {
	if path == "" || res == nil {
		return exitOK
	}
	if err := report.WritePrometheus(path, res.Report); err != nil {
		logger.WithError(err).Error("failed to export metrics")
		return exitFailure
	}
	logger.WithField("path", path).Info("wrote prometheus textfile")
	return exitOK
}
