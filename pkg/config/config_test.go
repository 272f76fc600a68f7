package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/hierarchy"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("empty path should give defaults (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(classify.DefaultRules(), cfg.ClassifierRules()); diff != "" {
		t.Fatalf("default rules drifted from classify defaults (-want +got):\n%s", diff)
	}
	if cfg.RepairTags() != hierarchy.DefaultRepairTags() {
		t.Fatalf("default repair tags drifted: %+v", cfg.RepairTags())
	}
}

func TestLoadOverridesKeepUnsetDefaults(t *testing.T) {
	path := writeRules(t, `
classifier:
  image: msedge.exe
  renames:
    - from: crashpad-handler
      to: crash
report:
  min_cpu: 5ms
  watch: [dwm.exe]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Classifier.Image != "msedge.exe" {
		t.Fatalf("unexpected image %q", cfg.Classifier.Image)
	}
	if cfg.Classifier.TypeMarker != "--type=" {
		t.Fatalf("type marker default lost: %q", cfg.Classifier.TypeMarker)
	}
	if len(cfg.Classifier.Renames) != 1 || cfg.Classifier.Renames[0].To != "crash" {
		t.Fatalf("unexpected renames %+v", cfg.Classifier.Renames)
	}
	if len(cfg.Classifier.Upgrades) != 1 {
		t.Fatalf("upgrades default lost: %+v", cfg.Classifier.Upgrades)
	}
	if cfg.Report.MinCPU != 5*time.Millisecond {
		t.Fatalf("unexpected min_cpu %s", cfg.Report.MinCPU)
	}
	if diff := cmp.Diff([]string{"dwm.exe"}, cfg.Report.Watch); diff != "" {
		t.Fatalf("unexpected watch list (-want +got):\n%s", diff)
	}
	if cfg.Report.TopK != 5 {
		t.Fatalf("top_k default lost: %d", cfg.Report.TopK)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeRules(t, ""))
	if err != nil {
		t.Fatalf("empty rules file should load, got %v", err)
	}
	if cfg.Classifier.Image != "chrome.exe" {
		t.Fatalf("unexpected image %q", cfg.Classifier.Image)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknownField", "classifier:\n  imgae: chrome.exe\n", "imgae"},
		{"emptyImage", "classifier:\n  image: \"\"\n", "classifier.image"},
		{"badRename", "classifier:\n  renames:\n    - from: a\n", "renames[0]"},
		{"badUpgrade", "classifier:\n  upgrades:\n    - role: renderer\n", "upgrades[0]"},
		{"negativeMinCPU", "report:\n  min_cpu: -1s\n", "min_cpu"},
		{"negativeTopK", "report:\n  top_k: -2\n", "top_k"},
		{"emptyRepairRole", "repair:\n  unknown_role: \"\"\n", "repair roles"},
		{"badDuration", "report:\n  min_cpu: soon\n", "rules file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeRules(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
