// Package report rolls per-process usage up to roles and roots and renders
// the result.
package report

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/srodi/procgroup/pkg/hierarchy"
	"github.com/srodi/procgroup/pkg/types"
	"github.com/srodi/procgroup/pkg/usage"
)

// ErrNoProcesses is returned when no process of the interesting image was found.
var ErrNoProcesses = errors.New("no processes found")

// Options controls which rows are built and which are marked suppressed.
type Options struct {
	// Image is the interesting image name, used for headings.
	Image string
	// MinCPU hides member and watched-image lines below this CPU time. Hidden
	// rows still count in every rollup.
	MinCPU time.Duration
	// Watch lists images outside the hierarchy reported on their own.
	Watch []string
}

// MemberRow is one process inside a role.
type MemberRow struct {
	PID        uint32
	Key        uint64
	Subtype    string
	Totals     types.Totals
	Suppressed bool
}

// RoleRow sums the members filed under one role.
type RoleRow struct {
	Role    string
	Totals  types.Totals
	Members []MemberRow
}

// RootRow sums one reconstructed instance.
type RootRow struct {
	Path      string
	PID       uint32
	Totals    types.Totals
	Processes int
	Roles     []RoleRow
}

// ImageRow sums every process of a watched image.
type ImageRow struct {
	Image      string
	Processes  int
	Totals     types.Totals
	Suppressed bool
}

// Report is the rolled-up view of one trace.
type Report struct {
	Image   string
	Roots   []RootRow
	Watched []ImageRow
	// Total sums every root.
	Total types.Totals
	// Unattributed counts intervals that had no owning process.
	Unattributed uint64
}

// Build rolls agg up over the groups of h. h must already be repaired.
func Build(h *hierarchy.Hierarchy, agg *usage.Aggregator, opts Options) (*Report, error) {
	r := &Report{Image: opts.Image, Unattributed: agg.Skipped()}
	if h.ProcessCount() == 0 {
		r.Watched = watchedRows(h.Arena(), agg, opts)
		return r, ErrNoProcesses
	}

	arena := h.Arena()
	minNs := uint64(opts.MinCPU.Nanoseconds())
	for _, root := range h.Roots() {
		g, _ := h.Group(root)
		row := RootRow{Path: g.Path, PID: g.PID}
		for _, role := range g.Roles() {
			roleRow := RoleRow{Role: role}
			for _, m := range g.Members(role) {
				key := arena.Record(m.Index).Key
				t := agg.Totals(key)
				roleRow.Members = append(roleRow.Members, MemberRow{
					PID:        m.PID,
					Key:        key,
					Subtype:    m.Class.Subtype,
					Totals:     t,
					Suppressed: minNs > 0 && t.CPUNs < minNs,
				})
				roleRow.Totals = roleRow.Totals.Add(t)
			}
			row.Totals = row.Totals.Add(roleRow.Totals)
			row.Processes += len(roleRow.Members)
			row.Roles = append(row.Roles, roleRow)
		}
		r.Total = r.Total.Add(row.Totals)
		r.Roots = append(r.Roots, row)
	}
	r.Watched = watchedRows(arena, agg, opts)
	return r, nil
}

func watchedRows(arena *hierarchy.Arena, agg *usage.Aggregator, opts Options) []ImageRow {
	if len(opts.Watch) == 0 {
		return nil
	}
	byImage := make(map[string]*ImageRow, len(opts.Watch))
	for _, image := range opts.Watch {
		byImage[strings.ToLower(image)] = &ImageRow{Image: image}
	}
	counted := make(map[uint64]struct{})
	for i := 0; i < arena.Len(); i++ {
		rec := arena.Record(i)
		row, ok := byImage[strings.ToLower(rec.ImageName)]
		if !ok {
			continue
		}
		row.Processes++
		if _, dup := counted[rec.Key]; dup {
			continue
		}
		counted[rec.Key] = struct{}{}
		row.Totals = row.Totals.Add(agg.Totals(rec.Key))
	}

	minNs := uint64(opts.MinCPU.Nanoseconds())
	rows := make([]ImageRow, 0, len(byImage))
	for _, image := range opts.Watch {
		row, ok := byImage[strings.ToLower(image)]
		if !ok || row.Processes == 0 {
			continue
		}
		// Drop duplicates in the watch list.
		delete(byImage, strings.ToLower(image))
		row.Suppressed = minNs > 0 && row.Totals.CPUNs < minNs
		rows = append(rows, *row)
	}
	return rows
}

// RoleNames returns every role present in r, sorted.
func RoleNames(r *Report) []string {
	seen := make(map[string]struct{})
	for _, root := range r.Roots {
		for _, role := range root.Roles {
			seen[role.Role] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleTotals sums each role across all roots and counts its processes.
func RoleTotals(r *Report) (map[string]types.Totals, map[string]int) {
	totals := make(map[string]types.Totals)
	counts := make(map[string]int)
	for _, root := range r.Roots {
		for _, role := range root.Roles {
			totals[role.Role] = totals[role.Role].Add(role.Totals)
			counts[role.Role] += len(role.Members)
		}
	}
	return totals, counts
}

// MemberUsage locates one member row within the report.
type MemberUsage struct {
	RootPID uint32
	Role    string
	MemberRow
}

// TopMembers returns the members with the highest CPU time up to topK.
// Members with no CPU time are skipped.
func TopMembers(r *Report, topK int) []MemberUsage {
	var candidates []MemberUsage
	for _, root := range r.Roots {
		for _, role := range root.Roles {
			for _, m := range role.Members {
				if m.Totals.CPUNs == 0 {
					continue
				}
				candidates = append(candidates, MemberUsage{RootPID: root.PID, Role: role.Role, MemberRow: m})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Totals.CPUNs == candidates[j].Totals.CPUNs {
			return candidates[i].PID < candidates[j].PID
		}
		return candidates[i].Totals.CPUNs > candidates[j].Totals.CPUNs
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}
