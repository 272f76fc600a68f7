// Package compare diffs the rollups of two traces.
package compare

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/srodi/procgroup/pkg/report"
	"github.com/srodi/procgroup/pkg/stacks"
)

// Snapshot is an immutable set of counters taken from one trace.
type Snapshot struct {
	Name     string
	counters map[string]int64
	stacks   map[stacks.ID]struct{}
	frames   map[string]int64
}

// NewSnapshot flattens a report and its stack index into comparable counters.
// idx may be nil.
func NewSnapshot(name string, r *report.Report, idx *stacks.Index) *Snapshot {
	s := &Snapshot{
		Name:     name,
		counters: make(map[string]int64),
		stacks:   make(map[stacks.ID]struct{}),
		frames:   make(map[string]int64),
	}
	if r != nil {
		totals, counts := report.RoleTotals(r)
		for role, t := range totals {
			s.counters["cpu_ns/"+role] = int64(t.CPUNs)
			s.counters["context_switches/"+role] = int64(t.ContextSwitches)
			s.counters["idle_wakeups/"+role] = int64(t.IdleWakeups)
			s.counters["processes/"+role] = int64(counts[role])
		}
		for _, row := range r.Watched {
			s.counters["cpu_ns/image:"+row.Image] = int64(row.Totals.CPUNs)
			s.counters["context_switches/image:"+row.Image] = int64(row.Totals.ContextSwitches)
		}
	}
	if idx != nil {
		for _, id := range idx.IDs() {
			s.stacks[id] = struct{}{}
		}
		for frame, n := range idx.HotFrames() {
			s.frames[frame] = int64(n)
		}
	}
	return s
}

// Counter returns the value of key, zero when absent.
func (s *Snapshot) Counter(key string) int64 {
	return s.counters[key]
}

// Delta is the change of one key between two snapshots.
type Delta struct {
	Key   string
	Old   int64
	New   int64
	Delta int64
}

// Result holds every non-zero change, largest magnitude first.
type Result struct {
	Old, New      string
	Deltas        []Delta
	FrameDeltas   []Delta
	OldOnlyStacks int
	NewOnlyStacks int
}

// Diff compares two snapshots. Neither is modified.
func Diff(before, after *Snapshot) Result {
	res := Result{
		Old:         before.Name,
		New:         after.Name,
		Deltas:      diffCounters(before.counters, after.counters),
		FrameDeltas: diffCounters(before.frames, after.frames),
	}
	for id := range before.stacks {
		if _, ok := after.stacks[id]; !ok {
			res.OldOnlyStacks++
		}
	}
	for id := range after.stacks {
		if _, ok := before.stacks[id]; !ok {
			res.NewOnlyStacks++
		}
	}
	return res
}

func diffCounters(before, after map[string]int64) []Delta {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	var out []Delta
	for k := range keys {
		d := after[k] - before[k]
		if d == 0 {
			continue
		}
		out = append(out, Delta{Key: k, Old: before[k], New: after[k], Delta: d})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := abs(out[i].Delta), abs(out[j].Delta)
		if ai == aj {
			return out[i].Key < out[j].Key
		}
		return ai > aj
	})
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Identical reports whether the diff found no change at all.
func (r Result) Identical() bool {
	return len(r.Deltas) == 0 && len(r.FrameDeltas) == 0 && r.OldOnlyStacks == 0 && r.NewOnlyStacks == 0
}

// Render writes the comparison. topK limits each table; zero prints every row.
func Render(w io.Writer, res Result, topK int) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Comparing %s -> %s\n", res.Old, res.New)
	if res.Identical() {
		buf.WriteString("No differences.\n")
		_, err := w.Write(buf.Bytes())
		return err
	}

	writeTable(&buf, "[Counter deltas]", res.Deltas, topK)
	writeTable(&buf, "[Hot frame deltas]", res.FrameDeltas, topK)
	fmt.Fprintf(&buf, "\nStacks only in %s: %s\n", res.Old, humanize.Comma(int64(res.OldOnlyStacks)))
	fmt.Fprintf(&buf, "Stacks only in %s: %s\n", res.New, humanize.Comma(int64(res.NewOnlyStacks)))

	_, err := w.Write(buf.Bytes())
	return err
}

func writeTable(buf *bytes.Buffer, title string, rows []Delta, topK int) {
	if len(rows) == 0 {
		return
	}
	if topK > 0 && len(rows) > topK {
		rows = rows[:topK]
	}
	fmt.Fprintf(buf, "\n%s\n", title)
	tw := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tOLD\tNEW\tDELTA")
	for _, d := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Key, humanize.Comma(d.Old), humanize.Comma(d.New), signed(d.Delta))
	}
	tw.Flush()
}

func signed(v int64) string {
	if v > 0 {
		return "+" + humanize.Comma(v)
	}
	return humanize.Comma(v)
}
