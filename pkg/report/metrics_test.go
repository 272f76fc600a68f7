package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/hierarchy"
	"github.com/srodi/procgroup/pkg/types"
	"github.com/srodi/procgroup/pkg/usage"
)

func fixture(t *testing.T) (*hierarchy.Hierarchy, *usage.Aggregator) {
	t.Helper()
	records := []types.ProcessRecord{
		{Key: 1, PID: 10, ParentPID: 1, ImageName: "chrome.exe", ExePath: `C:\chrome.exe`},
		{Key: 2, PID: 11, ParentPID: 10, ImageName: "chrome.exe", CommandLine: "--type=renderer"},
		{Key: 3, PID: 12, ParentPID: 10, ImageName: "chrome.exe", CommandLine: "--type=renderer"},
		{Key: 4, PID: 13, ParentPID: 10, ImageName: "chrome.exe", CommandLine: "--type=utility --utility-sub-type=network.mojom.NetworkService"},
		{Key: 5, PID: 14, ParentPID: 13, ImageName: "chrome.exe", CommandLine: "--type=crashpad-handler"},
		{Key: 6, PID: 20, ImageName: "dwm.exe"},
		{Key: 7, PID: 21, ImageName: "audiodg.exe"},
	}
	intervals := []types.IntervalRecord{
		{Process: types.KeyPtr(1), DurationNs: 4_000_000},
		{Process: types.KeyPtr(2), DurationNs: 2_000_000, SwitchOutImage: "Idle"},
		{Process: types.KeyPtr(2), DurationNs: 1_000_000},
		{Process: types.KeyPtr(3), DurationNs: 100_000},
		{Process: types.KeyPtr(4), DurationNs: 3_000_000},
		{Process: types.KeyPtr(6), DurationNs: 5_000_000},
		{Process: types.KeyPtr(7), DurationNs: 10_000},
		{Process: nil, DurationNs: 99},
	}

	c, err := classify.New(classify.DefaultRules())
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}
	h := hierarchy.Build(records, c, nil)
	return h, usage.Scan(intervals)
}

func defaultOptions() Options {
	return Options{Image: "chrome.exe", Watch: []string{"dwm.exe", "audiodg.exe", "System"}}
}

func TestBuildRollsUpRolesAndRoots(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())

	r, err := Build(h, agg, defaultOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.Roots) != 1 {
		t.Fatalf("expected the crashpad singleton to be repaired into one root, got %d roots", len(r.Roots))
	}
	root := r.Roots[0]
	if root.PID != 10 || root.Path != `C:\chrome.exe` || root.Processes != 5 {
		t.Fatalf("unexpected root row: %+v", root)
	}
	wantRoot := types.Totals{CPUNs: 10_100_000, ContextSwitches: 5, IdleWakeups: 1}
	if root.Totals != wantRoot {
		t.Fatalf("unexpected root totals %+v, want %+v", root.Totals, wantRoot)
	}
	if r.Total != wantRoot {
		t.Fatalf("report total should match the only root: %+v", r.Total)
	}

	var roles []string
	for _, role := range root.Roles {
		roles = append(roles, role.Role)
	}
	if diff := cmp.Diff([]string{"browser", "crashpad", "renderer", "utility"}, roles); diff != "" {
		t.Fatalf("unexpected roles (-want +got):\n%s", diff)
	}

	renderer := root.Roles[2]
	if renderer.Totals.CPUNs != 3_100_000 || len(renderer.Members) != 2 {
		t.Fatalf("unexpected renderer rollup: %+v", renderer)
	}
	crashpad := root.Roles[1]
	if len(crashpad.Members) != 1 || crashpad.Members[0].Totals != (types.Totals{}) {
		t.Fatalf("idle crash handler should appear with zero totals: %+v", crashpad)
	}
	if got := root.Roles[3].Members[0].Subtype; got != "NetworkService" {
		t.Fatalf("unexpected subtype %q", got)
	}
	if r.Unattributed != 1 {
		t.Fatalf("expected one unattributed interval, got %d", r.Unattributed)
	}

	wantWatched := []ImageRow{
		{Image: "dwm.exe", Processes: 1, Totals: types.Totals{CPUNs: 5_000_000, ContextSwitches: 1}},
		{Image: "audiodg.exe", Processes: 1, Totals: types.Totals{CPUNs: 10_000, ContextSwitches: 1}},
	}
	if diff := cmp.Diff(wantWatched, r.Watched); diff != "" {
		t.Fatalf("unexpected watched rows (-want +got):\n%s", diff)
	}
}

func TestThresholdSuppressesButStillCounts(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())

	opts := defaultOptions()
	opts.MinCPU = time.Millisecond
	r, err := Build(h, agg, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	renderer := r.Roots[0].Roles[2]
	if renderer.Members[0].Suppressed || !renderer.Members[1].Suppressed {
		t.Fatalf("only pid 12 should be suppressed: %+v", renderer.Members)
	}
	if renderer.Totals.CPUNs != 3_100_000 {
		t.Fatalf("suppressed members must still count: %+v", renderer.Totals)
	}
	if !r.Watched[1].Suppressed || r.Watched[0].Suppressed {
		t.Fatalf("unexpected watched suppression: %+v", r.Watched)
	}

	var buf bytes.Buffer
	if err := Render(&buf, r, RenderOptions{ShowCPU: true}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "   12 - ") {
		t.Fatalf("suppressed member line should be hidden:\n%s", out)
	}
	if !strings.Contains(out, "1 below threshold") {
		t.Fatalf("hidden member count missing:\n%s", out)
	}
	if strings.Contains(out, "audiodg.exe") {
		t.Fatalf("suppressed watched image should be hidden:\n%s", out)
	}
}

func TestBuildWithoutProcesses(t *testing.T) {
	c, _ := classify.New(classify.DefaultRules())
	h := hierarchy.Build([]types.ProcessRecord{{Key: 1, PID: 4, ImageName: "System"}}, c, nil)
	agg := usage.Scan([]types.IntervalRecord{{Process: types.KeyPtr(1), DurationNs: 10}})

	r, err := Build(h, agg, defaultOptions())
	if !errors.Is(err, ErrNoProcesses) {
		t.Fatalf("expected ErrNoProcesses, got %v", err)
	}
	if len(r.Watched) != 1 || r.Watched[0].Image != "System" {
		t.Fatalf("watched images should still be reported: %+v", r.Watched)
	}

	var buf bytes.Buffer
	if err := Render(&buf, r, RenderOptions{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "No chrome.exe processes found.") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestRenderLayout(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())
	r, err := Build(h, agg, defaultOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if err := Render(&buf, r, RenderOptions{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := strings.Join([]string{
		"chrome.exe PIDs by process type:",
		`C:\chrome.exe (10) - 5 processes`,
		"    browser     : 10 ",
		"    crashpad    : 14 ",
		"    renderer    : 11 12 ",
		"    utility     : 13(NetworkService) ",
		"",
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("unexpected layout (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := Render(&buf, r, RenderOptions{ShowCPU: true}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, line := range []string{
		"    dwm.exe -      1 context switches,     5.00 ms CPU",
		`C:\chrome.exe (10) - 5 context switches,    10.10 ms CPU, 5 processes`,
		"    renderer    : total -      3 context switches,     3.10 ms CPU",
		"           11 -      2 context switches,     3.00 ms CPU",
		"           13 -      1 context switches,     3.00 ms CPU (NetworkService)",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("missing line %q in:\n%s", line, out)
		}
	}
}

func TestRenderWrapsPIDList(t *testing.T) {
	r := &Report{Image: "chrome.exe", Roots: []RootRow{{
		PID:       1,
		Processes: 4,
		Roles: []RoleRow{{Role: "renderer", Members: []MemberRow{
			{PID: 1001}, {PID: 1002}, {PID: 1003}, {PID: 1004},
		}}},
	}}}
	var buf bytes.Buffer
	if err := Render(&buf, r, RenderOptions{Width: 30}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	lines := strings.Split(buf.String(), "\n")
	if lines[1] != "Unknown parent (1) - 4 processes" {
		t.Fatalf("unexpected root line %q", lines[1])
	}
	if lines[2] != "    renderer    : 1001 1002 " || lines[3] != "        1003 1004 " {
		t.Fatalf("unexpected wrapping:\n%s", buf.String())
	}
}

func TestTopMembers(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())
	r, _ := Build(h, agg, defaultOptions())

	top := TopMembers(r, 3)
	var pids []uint32
	for _, m := range top {
		pids = append(pids, m.PID)
	}
	if diff := cmp.Diff([]uint32{10, 11, 13}, pids); diff != "" {
		t.Fatalf("unexpected ranking (-want +got):\n%s", diff)
	}
	if top[2].Role != "utility" || top[2].RootPID != 10 {
		t.Fatalf("unexpected member location: %+v", top[2])
	}
	if got := TopMembers(r, 0); len(got) != 4 {
		t.Fatalf("zero topK should return every busy member, got %d", len(got))
	}

	var buf bytes.Buffer
	if err := RenderTop(&buf, top); err != nil {
		t.Fatalf("RenderTop: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "PID") || !strings.Contains(buf.String(), "utility (NetworkService)") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
}

func TestRoleTotals(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())
	r, _ := Build(h, agg, defaultOptions())

	totals, counts := RoleTotals(r)
	if totals["renderer"].CPUNs != 3_100_000 || counts["renderer"] != 2 {
		t.Fatalf("unexpected renderer totals %+v / %d", totals["renderer"], counts["renderer"])
	}
	if diff := cmp.Diff([]string{"browser", "crashpad", "renderer", "utility"}, RoleNames(r)); diff != "" {
		t.Fatalf("unexpected role names (-want +got):\n%s", diff)
	}
}

func TestWritePrometheus(t *testing.T) {
	h, agg := fixture(t)
	h.Repair(hierarchy.DefaultRepairTags())
	r, _ := Build(h, agg, defaultOptions())

	path := filepath.Join(t.TempDir(), "procgroup.prom")
	if err := WritePrometheus(path, r); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`procgroup_role_cpu_seconds{role="renderer",root="0",root_pid="10"} 0.0031`,
		`procgroup_role_processes{role="renderer",root="0",root_pid="10"} 2`,
		`procgroup_image_context_switches{image="dwm.exe"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
