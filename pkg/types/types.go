package types

import (
	"errors"
	"fmt"
)

// ErrDuplicateKey is returned when two processes in one trace carry the same key.
var ErrDuplicateKey = errors.New("duplicate process key")

// DefaultTopK controls how many of the busiest processes the summary lists.
const DefaultTopK = 5

// IdleImage is the image name the scheduler reports for the idle thread.
const IdleImage = "Idle"

// ProcessRecord is one decoded process as supplied by the trace decoder.
// Key is a stable per-process token; PIDs may be reused within a trace.
type ProcessRecord struct {
	Key         uint64
	PID         uint32
	ParentPID   uint32
	ImageName   string
	CommandLine string
	ExePath     string
}

// IntervalRecord is one attributed span of CPU execution time.
type IntervalRecord struct {
	// Process holds the owning ProcessRecord.Key, nil when the decoder could not
	// attribute the interval.
	Process        *uint64
	DurationNs     uint64
	Stack          []string
	SwitchOutImage string
}

// Trace bundles the decoded records of one trace file. Every process must
// carry a distinct Key; usage rollups are keyed on it.
type Trace struct {
	Name      string
	Processes []ProcessRecord
	Intervals []IntervalRecord
}

// CheckKeys returns ErrDuplicateKey when two processes share a Key.
func (t *Trace) CheckKeys() error {
	seen := make(map[uint64]uint32, len(t.Processes))
	for _, p := range t.Processes {
		if pid, dup := seen[p.Key]; dup {
			return fmt.Errorf("%w: %d (pids %d and %d)", ErrDuplicateKey, p.Key, pid, p.PID)
		}
		seen[p.Key] = p.PID
	}
	return nil
}

// Totals captures accumulated usage for a process or a rollup of processes.
type Totals struct {
	CPUNs           uint64
	ContextSwitches uint64
	IdleWakeups     uint64
}

// Add returns the key-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		CPUNs:           t.CPUNs + o.CPUNs,
		ContextSwitches: t.ContextSwitches + o.ContextSwitches,
		IdleWakeups:     t.IdleWakeups + o.IdleWakeups,
	}
}

// CPUMs reports the CPU time in milliseconds.
func (t Totals) CPUMs() float64 {
	return float64(t.CPUNs) / 1e6
}

// KeyPtr is a convenience for building IntervalRecord.Process values.
func KeyPtr(key uint64) *uint64 {
	return &key
}
