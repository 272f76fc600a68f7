package hierarchy

import "github.com/srodi/procgroup/pkg/types"

// Arena holds process records in arrival order. The slice index is the
// identity used by every hierarchy and usage map, so PID reuse never merges
// two processes.
type Arena struct {
	records []types.ProcessRecord
	byPID   map[uint32][]int
}

// NewArena indexes records in the order given.
func NewArena(records []types.ProcessRecord) *Arena {
	a := &Arena{
		records: append([]types.ProcessRecord(nil), records...),
		byPID:   make(map[uint32][]int),
	}
	for i, rec := range a.records {
		a.byPID[rec.PID] = append(a.byPID[rec.PID], i)
	}
	return a
}

// Len returns the number of records.
func (a *Arena) Len() int {
	return len(a.records)
}

// Record returns the record at index i.
func (a *Arena) Record(i int) types.ProcessRecord {
	return a.records[i]
}

// ResolvePID finds the record a pid referred to from the point of view of the
// record at index from: the latest record with that pid that arrived earlier,
// else the latest record with that pid other than from itself.
func (a *Arena) ResolvePID(pid uint32, from int) (int, bool) {
	candidates := a.byPID[pid]
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i] < from {
			return candidates[i], true
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i] != from {
			return candidates[i], true
		}
	}
	return -1, false
}

// Reused reports whether more than one record carries pid.
func (a *Arena) Reused(pid uint32) bool {
	return len(a.byPID[pid]) > 1
}
