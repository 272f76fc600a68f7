// Package hierarchy groups classified processes under their root process and
// repairs the groupings that truncated command lines and nested crash
// handlers produce.
package hierarchy

import (
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/types"
)

// Member is one classified process filed in a Group.
type Member struct {
	Index int
	PID   uint32
	Class classify.Classification
}

// Group is one reconstructed instance: a root process and its members by role.
type Group struct {
	Root  int
	PID   uint32
	Path  string
	roles map[string][]Member
}

// Roles returns the role names in the group, sorted.
func (g *Group) Roles() []string {
	roles := make([]string, 0, len(g.roles))
	for role := range g.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Members returns the members filed under role ordered by pid, then arrival.
func (g *Group) Members(role string) []Member {
	members := append([]Member(nil), g.roles[role]...)
	sortMembers(members)
	return members
}

// Count returns the number of member processes across all roles.
func (g *Group) Count() int {
	n := 0
	for _, members := range g.roles {
		n += len(members)
	}
	return n
}

func (g *Group) add(role string, m Member) {
	g.roles[role] = append(g.roles[role], m)
}

// singleton returns the only role and member when the group has exactly one
// role holding exactly one member.
func (g *Group) singleton() (string, Member, bool) {
	if len(g.roles) != 1 {
		return "", Member{}, false
	}
	for role, members := range g.roles {
		if len(members) == 1 {
			return role, members[0], true
		}
	}
	return "", Member{}, false
}

// Hierarchy maps roots to role groups for one trace.
type Hierarchy struct {
	arena   *Arena
	class   map[int]classify.Classification
	parent  map[int]int
	groups  map[int]*Group
	groupOf map[int]int
	logger  logrus.FieldLogger
}

// Build classifies records and files them under their provisional roots.
// Records the classifier is not interested in stay in the arena only.
func Build(records []types.ProcessRecord, c *classify.Classifier, logger logrus.FieldLogger) *Hierarchy {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	h := &Hierarchy{
		arena:   NewArena(records),
		class:   make(map[int]classify.Classification),
		parent:  make(map[int]int),
		groups:  make(map[int]*Group),
		groupOf: make(map[int]int),
		logger:  logger.WithField("component", "hierarchy"),
	}

	for i := 0; i < h.arena.Len(); i++ {
		rec := h.arena.Record(i)
		class, ok := c.Classify(rec.ImageName, rec.CommandLine)
		if !ok {
			continue
		}
		h.class[i] = class
		if p, ok := h.arena.ResolvePID(rec.ParentPID, i); ok {
			h.parent[i] = p
			if h.arena.Reused(rec.ParentPID) {
				h.logger.WithFields(logrus.Fields{"pid": rec.PID, "ppid": rec.ParentPID}).
					Debug("parent pid reused in trace, resolved to nearest earlier record")
			}
		}
	}

	// Second pass so that the parent classification is known regardless of
	// arrival order.
	for i := 0; i < h.arena.Len(); i++ {
		class, ok := h.class[i]
		if !ok {
			continue
		}
		rec := h.arena.Record(i)
		root := i
		if !class.SelfRoot {
			p, resolved := h.parent[i]
			if _, classified := h.class[p]; resolved && classified {
				root = p
			} else {
				h.logger.WithFields(logrus.Fields{"pid": rec.PID, "ppid": rec.ParentPID, "role": class.Role}).
					Debug("parent not found among classified processes, keeping as provisional root")
			}
		}
		h.file(root, class.Role, Member{Index: i, PID: rec.PID, Class: class})
	}

	return h
}

func (h *Hierarchy) file(root int, role string, m Member) {
	g, ok := h.groups[root]
	if !ok {
		g = &Group{
			Root:  root,
			PID:   h.arena.Record(root).PID,
			roles: make(map[string][]Member),
		}
		h.groups[root] = g
	}
	// Only a process filed under itself registers a path; roots adopted by
	// their children keep an empty one.
	if root == m.Index {
		g.Path = displayPath(h.arena.Record(root))
	}
	g.add(role, m)
	h.groupOf[m.Index] = root
}

// Arena exposes the underlying record arena.
func (h *Hierarchy) Arena() *Arena {
	return h.arena
}

// Roots returns root indices ordered by root pid, then arrival.
func (h *Hierarchy) Roots() []int {
	roots := make([]int, 0, len(h.groups))
	for root := range h.groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		pi, pj := h.groups[roots[i]].PID, h.groups[roots[j]].PID
		if pi == pj {
			return roots[i] < roots[j]
		}
		return pi < pj
	})
	return roots
}

// Group returns the group rooted at index root.
func (h *Hierarchy) Group(root int) (*Group, bool) {
	g, ok := h.groups[root]
	return g, ok
}

// GroupOf returns the root of the group index is a member of.
func (h *Hierarchy) GroupOf(index int) (int, bool) {
	root, ok := h.groupOf[index]
	return root, ok
}

// Classification returns the classification of the process at index.
func (h *Hierarchy) Classification(index int) (classify.Classification, bool) {
	c, ok := h.class[index]
	return c, ok
}

// ProcessCount returns how many processes were classified.
func (h *Hierarchy) ProcessCount() int {
	return len(h.class)
}

// RoleByPID maps each classified pid to its role. Under pid reuse the latest
// record wins; use Classification with arena indices when that matters.
func (h *Hierarchy) RoleByPID() map[uint32]string {
	out := make(map[uint32]string, len(h.class))
	for i := 0; i < h.arena.Len(); i++ {
		if class, ok := h.class[i]; ok {
			out[h.arena.Record(i).PID] = class.Role
		}
	}
	return out
}

// displayPath prefers the decoded image path, then the executable token of the
// command line, which may or may not be quoted.
func displayPath(rec types.ProcessRecord) string {
	if rec.ExePath != "" {
		return rec.ExePath
	}
	cmd := strings.TrimSpace(rec.CommandLine)
	if cmd == "" {
		return rec.ImageName
	}
	if cmd[0] == '"' {
		if end := strings.IndexByte(cmd[1:], '"'); end >= 0 {
			return cmd[1 : end+1]
		}
		return cmd[1:]
	}
	if space := strings.IndexByte(cmd, ' '); space >= 0 {
		return cmd[:space]
	}
	return cmd
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].PID == members[j].PID {
			return members[i].Index < members[j].Index
		}
		return members[i].PID < members[j].PID
	})
}
