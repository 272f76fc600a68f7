// Package pipeline runs classification, grouping, repair and aggregation for
// one or more traces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/compare"
	"github.com/srodi/procgroup/pkg/config"
	"github.com/srodi/procgroup/pkg/hierarchy"
	"github.com/srodi/procgroup/pkg/report"
	"github.com/srodi/procgroup/pkg/stacks"
	"github.com/srodi/procgroup/pkg/types"
	"github.com/srodi/procgroup/pkg/usage"
)

// minShard is the smallest interval slice worth scanning on its own goroutine.
const minShard = 16384

// Result is everything computed for one trace.
type Result struct {
	Name      string
	Hierarchy *hierarchy.Hierarchy
	Usage     *usage.Aggregator
	Stacks    *stacks.Index
	Repair    hierarchy.RepairResult
	Report    *report.Report
}

// Snapshot flattens the result for comparison.
func (r *Result) Snapshot() *compare.Snapshot {
	return compare.NewSnapshot(r.Name, r.Report, r.Stacks)
}

// Pipeline is safe for concurrent use; it holds no per-trace state.
type Pipeline struct {
	cfg        config.Config
	classifier *classify.Classifier
	logger     logrus.FieldLogger
	shards     int
}

// New returns a Pipeline using classifier and the thresholds in cfg.
func New(cfg config.Config, classifier *classify.Classifier, logger logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger.WithField("component", "pipeline"),
		shards:     runtime.GOMAXPROCS(0),
	}
}

// Analyze processes one trace. A trace without interesting processes returns
// its result together with report.ErrNoProcesses.
func (p *Pipeline) Analyze(ctx context.Context, trace *types.Trace) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := trace.CheckKeys(); err != nil {
		return nil, fmt.Errorf("analyze %s: %w", trace.Name, err)
	}
	log := p.logger.WithField("trace", trace.Name)
	res := &Result{Name: trace.Name}

	// Each scan owns the structure it fills.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Hierarchy = hierarchy.Build(trace.Processes, p.classifier, log)
		return nil
	})
	g.Go(func() error {
		agg, err := p.scanUsage(ctx, trace.Intervals)
		res.Usage = agg
		return err
	})
	g.Go(func() error {
		res.Stacks = stacks.Build(trace.Intervals)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analyze %s: %w", trace.Name, err)
	}

	res.Repair = res.Hierarchy.Repair(p.cfg.RepairTags())
	log.WithFields(logrus.Fields{
		"processes":  res.Hierarchy.ProcessCount(),
		"roots":      len(res.Hierarchy.Roots()),
		"moved":      res.Repair.Moved,
		"unrepaired": len(res.Repair.Unresolved),
	}).Debug("hierarchy ready")

	rep, err := report.Build(res.Hierarchy, res.Usage, report.Options{
		Image:  p.classifier.Image(),
		MinCPU: p.cfg.Report.MinCPU,
		Watch:  p.cfg.Report.Watch,
	})
	res.Report = rep
	if err != nil {
		return res, err
	}
	log.WithField("summary", report.Summary(rep)).Info("trace analyzed")
	return res, nil
}

// scanUsage splits large interval sets across goroutines, each with its own
// Aggregator, and merges the partial totals.
func (p *Pipeline) scanUsage(ctx context.Context, intervals []types.IntervalRecord) (*usage.Aggregator, error) {
	shards := p.shards
	if n := len(intervals) / minShard; n < shards {
		shards = n
	}
	if shards <= 1 {
		agg := usage.NewWithIdle(p.cfg.Report.IdleImage)
		agg.AddAll(intervals)
		return agg, nil
	}

	parts := make([]*usage.Aggregator, shards)
	size := (len(intervals) + shards - 1) / shards
	g, ctx := errgroup.WithContext(ctx)
	for i := range parts {
		lo := min(i*size, len(intervals))
		hi := min(lo+size, len(intervals))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			agg := usage.NewWithIdle(p.cfg.Report.IdleImage)
			agg.AddAll(intervals[lo:hi])
			parts[i] = agg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := parts[0]
	for _, part := range parts[1:] {
		total.Merge(part)
	}
	return total, nil
}

// AnalyzeAll processes traces in parallel. Results are in input order.
// Traces without interesting processes are not an error here; their reports
// have no roots.
func (p *Pipeline) AnalyzeAll(ctx context.Context, traces []*types.Trace) ([]*Result, error) {
	results := make([]*Result, len(traces))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.shards, 1))
	for i, trace := range traces {
		g.Go(func() error {
			res, err := p.Analyze(ctx, trace)
			if err != nil && !errors.Is(err, report.ErrNoProcesses) {
				return err
			}
			if err != nil {
				p.logger.WithField("trace", trace.Name).Warn(report.NoProcessesMessage(p.classifier.Image()))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Compare analyzes two traces and diffs their rollups.
func (p *Pipeline) Compare(ctx context.Context, before, after *types.Trace) (compare.Result, []*Result, error) {
	results, err := p.AnalyzeAll(ctx, []*types.Trace{before, after})
	if err != nil {
		return compare.Result{}, nil, err
	}
	return compare.Diff(results[0].Snapshot(), results[1].Snapshot()), results, nil
}
