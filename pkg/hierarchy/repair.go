package hierarchy

import (
	"github.com/sirupsen/logrus"

	"github.com/srodi/procgroup/pkg/classify"
)

// RepairTags are the role names the repair pass keys on.
type RepairTags struct {
	Browser string
	Crash   string
	Unknown string
}

// DefaultRepairTags matches classify.DefaultRules.
func DefaultRepairTags() RepairTags {
	return RepairTags{Browser: classify.RoleBrowser, Crash: "crashpad", Unknown: "gpu???"}
}

// RepairAction moves the only member of the Source group into Target under Role
// and removes Source.
type RepairAction struct {
	Source int
	Member int
	Role   string
	Target int
}

// RepairPlan is computed against an unmodified hierarchy and applied as one batch.
type RepairPlan struct {
	Actions []RepairAction
	// Unresolved lists singleton roots a rule applied to but whose parent
	// could not be placed. They are reported as they are.
	Unresolved []int
}

// RepairResult summarises an applied plan.
type RepairResult struct {
	Moved      int
	Removed    []int
	Unresolved []int
}

// PlanRepair finds provisional roots that are really misfiled children:
//   - a lone crash handler whose parent is itself a crash handler, one level
//     too deep (destination role unchanged);
//   - a lone "browser" whose type marker was cut off by command-line capture
//     limits (destination role Unknown).
//
// Only groups with exactly one role holding exactly one member qualify.
func (h *Hierarchy) PlanRepair(tags RepairTags) RepairPlan {
	var plan RepairPlan
	for _, root := range h.Roots() {
		g := h.groups[root]
		role, member, ok := g.singleton()
		if !ok {
			continue
		}

		var dest string
		switch role {
		case tags.Crash:
			dest = role
		case tags.Browser:
			dest = tags.Unknown
		default:
			continue
		}

		target, ok := h.repairTarget(root)
		if !ok {
			plan.Unresolved = append(plan.Unresolved, root)
			continue
		}
		plan.Actions = append(plan.Actions, RepairAction{
			Source: root,
			Member: member.Index,
			Role:   dest,
			Target: target,
		})
	}
	return plan
}

// repairTarget is the group holding the root's own recorded parent.
func (h *Hierarchy) repairTarget(root int) (int, bool) {
	parent, ok := h.parent[root]
	if !ok {
		return -1, false
	}
	target, ok := h.groupOf[parent]
	if !ok || target == root {
		return -1, false
	}
	return target, true
}

// ApplyRepair executes plan. An action whose target is itself the source of
// another action runs after it, and follows the target to where it went.
// Sources that stopped being singletons, or whose redirects loop, are left
// unrepaired.
func (h *Hierarchy) ApplyRepair(plan RepairPlan) RepairResult {
	result := RepairResult{Unresolved: append([]int(nil), plan.Unresolved...)}
	redirect := make(map[int]int)

	for _, action := range targetsFirst(plan.Actions) {
		src, ok := h.groups[action.Source]
		if !ok {
			continue
		}
		if _, member, ok := src.singleton(); !ok || member.Index != action.Member {
			result.Unresolved = append(result.Unresolved, action.Source)
			continue
		}

		target, ok := h.follow(action.Target, action.Source, redirect)
		if !ok {
			result.Unresolved = append(result.Unresolved, action.Source)
			continue
		}

		_, member, _ := src.singleton()
		dst := h.groups[target]
		dst.add(action.Role, member)
		h.groupOf[member.Index] = target
		delete(h.groups, action.Source)
		redirect[action.Source] = target

		result.Moved++
		result.Removed = append(result.Removed, action.Source)
		h.logger.WithFields(logrus.Fields{
			"pid":      member.PID,
			"from":     src.PID,
			"to":       dst.PID,
			"role":     action.Role,
			"was_role": member.Class.Role,
		}).Debug("moved singleton root into parent instance")
	}

	for _, root := range result.Unresolved {
		if g, ok := h.groups[root]; ok {
			h.logger.WithField("pid", g.PID).Debug("singleton root left unrepaired, parent not found")
		}
	}
	return result
}

// targetsFirst orders actions so that a group is moved before the actions
// that move into it. Otherwise plan order is kept; cycles are broken at the
// action reached first.
func targetsFirst(actions []RepairAction) []RepairAction {
	bySource := make(map[int]int, len(actions))
	for i, a := range actions {
		bySource[a.Source] = i
	}

	ordered := make([]RepairAction, 0, len(actions))
	visited := make([]bool, len(actions))
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		if j, ok := bySource[actions[i].Target]; ok {
			visit(j)
		}
		ordered = append(ordered, actions[i])
	}
	for i := range actions {
		visit(i)
	}
	return ordered
}

func (h *Hierarchy) follow(target, source int, redirect map[int]int) (int, bool) {
	seen := map[int]bool{source: true}
	for {
		if _, live := h.groups[target]; live {
			return target, target != source
		}
		if seen[target] {
			return -1, false
		}
		seen[target] = true
		next, ok := redirect[target]
		if !ok {
			return -1, false
		}
		target = next
	}
}

// Repair plans and applies in one step.
func (h *Hierarchy) Repair(tags RepairTags) RepairResult {
	return h.ApplyRepair(h.PlanRepair(tags))
}
