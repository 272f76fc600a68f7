// Package usage accumulates per-process CPU counters from interval records.
package usage

import (
	"sort"

	"github.com/srodi/procgroup/pkg/types"
)

// Aggregator sums interval records per process key. It is not safe for
// concurrent use; parallel scans each own an Aggregator and Merge afterwards.
type Aggregator struct {
	idleImage string
	totals    map[uint64]types.Totals
	skipped   uint64
}

// New returns an Aggregator that counts switches out of types.IdleImage as idle
// wakeups.
func New() *Aggregator {
	return NewWithIdle(types.IdleImage)
}

// NewWithIdle is New with a different idle image name. An empty name disables
// idle wakeup counting.
func NewWithIdle(idleImage string) *Aggregator {
	return &Aggregator{idleImage: idleImage, totals: make(map[uint64]types.Totals)}
}

// Add accounts one interval. Intervals without an owning process are counted
// as skipped.
func (a *Aggregator) Add(iv types.IntervalRecord) {
	if iv.Process == nil {
		a.skipped++
		return
	}
	t := a.totals[*iv.Process]
	t.CPUNs += iv.DurationNs
	t.ContextSwitches++
	if a.idleImage != "" && iv.SwitchOutImage == a.idleImage {
		t.IdleWakeups++
	}
	a.totals[*iv.Process] = t
}

// Scan aggregates intervals into a new Aggregator.
func Scan(intervals []types.IntervalRecord) *Aggregator {
	a := New()
	a.AddAll(intervals)
	return a
}

// AddAll adds every interval in order.
func (a *Aggregator) AddAll(intervals []types.IntervalRecord) {
	for _, iv := range intervals {
		a.Add(iv)
	}
}

// Merge adds other's totals into a. other is not modified.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil {
		return
	}
	for key, t := range other.totals {
		a.totals[key] = a.totals[key].Add(t)
	}
	a.skipped += other.skipped
}

// Totals returns the counters for key; unknown keys report zero usage.
func (a *Aggregator) Totals(key uint64) types.Totals {
	return a.totals[key]
}

// Skipped returns the number of intervals that had no owning process.
func (a *Aggregator) Skipped() uint64 {
	return a.skipped
}

// Keys returns the process keys with recorded usage in ascending order.
func (a *Aggregator) Keys() []uint64 {
	keys := make([]uint64, 0, len(a.totals))
	for key := range a.totals {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Sum returns the totals over every key.
func (a *Aggregator) Sum() types.Totals {
	var sum types.Totals
	for _, t := range a.totals {
		sum = sum.Add(t)
	}
	return sum
}
