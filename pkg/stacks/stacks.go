// Package stacks indexes the call stacks attached to interval records so two
// traces can be compared by stack identity.
package stacks

import (
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/srodi/procgroup/pkg/types"
)

// ID identifies a stack by its frames.
type ID uint64

// Of hashes frames into an ID. Frames are joined with NUL, which never occurs
// in a symbolized frame name.
func Of(frames []string) ID {
	return ID(xxh3.HashString(strings.Join(frames, "\x00")))
}

// Index counts intervals per stack and per frame.
type Index struct {
	counts map[ID]uint64
	frames map[ID][]string
	hot    map[string]uint64
	// skipped counts intervals without a stack.
	skipped uint64
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		counts: make(map[ID]uint64),
		frames: make(map[ID][]string),
		hot:    make(map[string]uint64),
	}
}

// Build indexes every interval that carries a stack.
func Build(intervals []types.IntervalRecord) *Index {
	idx := New()
	for _, iv := range intervals {
		idx.Add(iv.Stack)
	}
	return idx
}

// Add accounts one stack. A frame repeated inside the stack (recursion) is
// counted once.
func (idx *Index) Add(stack []string) {
	if len(stack) == 0 {
		idx.skipped++
		return
	}
	id := Of(stack)
	if _, ok := idx.frames[id]; !ok {
		idx.frames[id] = append([]string(nil), stack...)
	}
	idx.counts[id]++

	seen := make(map[string]struct{}, len(stack))
	for _, frame := range stack {
		if _, dup := seen[frame]; dup {
			continue
		}
		seen[frame] = struct{}{}
		idx.hot[frame]++
	}
}

// Merge adds other into idx without modifying other.
func (idx *Index) Merge(other *Index) {
	if other == nil {
		return
	}
	for id, n := range other.counts {
		if _, ok := idx.frames[id]; !ok {
			idx.frames[id] = other.frames[id]
		}
		idx.counts[id] += n
	}
	for frame, n := range other.hot {
		idx.hot[frame] += n
	}
	idx.skipped += other.skipped
}

// Count returns how many intervals carried stack id.
func (idx *Index) Count(id ID) uint64 {
	return idx.counts[id]
}

// Frames returns the frames of stack id.
func (idx *Index) Frames(id ID) []string {
	return idx.frames[id]
}

// IDs returns every stack id in ascending order.
func (idx *Index) IDs() []ID {
	ids := make([]ID, 0, len(idx.counts))
	for id := range idx.counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of distinct stacks.
func (idx *Index) Len() int {
	return len(idx.counts)
}

// HotFrames returns the per-frame interval counts. The map is a copy.
func (idx *Index) HotFrames() map[string]uint64 {
	out := make(map[string]uint64, len(idx.hot))
	for frame, n := range idx.hot {
		out[frame] = n
	}
	return out
}

// Skipped returns the number of intervals without a stack.
func (idx *Index) Skipped() uint64 {
	return idx.skipped
}

// FrameCount is a frame and the number of intervals whose stack held it.
type FrameCount struct {
	Frame string
	Count uint64
}

// Top returns the n hottest frames, ties ordered by name. n <= 0 returns all.
func (idx *Index) Top(n int) []FrameCount {
	out := make([]FrameCount, 0, len(idx.hot))
	for frame, c := range idx.hot {
		out = append(out, FrameCount{Frame: frame, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Frame < out[j].Frame
		}
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
