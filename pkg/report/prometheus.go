package report

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srodi/procgroup/pkg/types"
)

const metricNamespace = "procgroup"

type reportCollector struct {
	report  *Report
	roles   []totalsMetric
	images  []totalsMetric
	members *prometheus.Desc
}

type totalsMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(t types.Totals) float64
}

func totalsMetrics(subsystem string, labels []string) []totalsMetric {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricNamespace, subsystem, name), help, labels, nil)
	}
	return []totalsMetric{
		{
			desc:      desc("cpu_seconds", "CPU time attributed during the trace."),
			valueType: prometheus.GaugeValue,
			extract:   func(t types.Totals) float64 { return float64(t.CPUNs) / 1e9 },
		},
		{
			desc:      desc("context_switches", "Context switches into the processes during the trace."),
			valueType: prometheus.GaugeValue,
			extract:   func(t types.Totals) float64 { return float64(t.ContextSwitches) },
		},
		{
			desc:      desc("idle_wakeups", "Context switches that woke the processes from the idle thread."),
			valueType: prometheus.GaugeValue,
			extract:   func(t types.Totals) float64 { return float64(t.IdleWakeups) },
		},
	}
}

// NewCollector exposes the rollups of r as Prometheus gauges.
func NewCollector(r *Report) prometheus.Collector {
	return &reportCollector{
		report: r,
		// root is the ordinal of the instance, root_pid alone is not unique
		// under pid reuse.
		roles:  totalsMetrics("role", []string{"root", "root_pid", "role"}),
		images: totalsMetrics("image", []string{"image"}),
		members: prometheus.NewDesc(
			prometheus.BuildFQName(metricNamespace, "role", "processes"),
			"Processes filed under the role.",
			[]string{"root", "root_pid", "role"},
			nil,
		),
	}
}

func (c *reportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.roles {
		ch <- metric.desc
	}
	for _, metric := range c.images {
		ch <- metric.desc
	}
	ch <- c.members
}

func (c *reportCollector) Collect(ch chan<- prometheus.Metric) {
	if c.report == nil {
		return
	}
	for i, root := range c.report.Roots {
		ordinal := strconv.Itoa(i)
		pid := strconv.FormatUint(uint64(root.PID), 10)
		for _, role := range root.Roles {
			for _, metric := range c.roles {
				ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(role.Totals), ordinal, pid, role.Role)
			}
			ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(len(role.Members)), ordinal, pid, role.Role)
		}
	}
	for _, row := range c.report.Watched {
		for _, metric := range c.images {
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(row.Totals), row.Image)
		}
	}
}

// WritePrometheus writes r to path in the node_exporter textfile format.
func WritePrometheus(path string, r *Report) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(r)); err != nil {
		return fmt.Errorf("register report collector: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write prometheus textfile %s: %w", path, err)
	}
	return nil
}
