// Package config loads the classification rules and report thresholds.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srodi/procgroup/pkg/classify"
	"github.com/srodi/procgroup/pkg/hierarchy"
	"github.com/srodi/procgroup/pkg/types"
)

// Config is the rules file layout. Zero-valued fields keep their defaults.
type Config struct {
	Classifier ClassifierConfig `yaml:"classifier"`
	Repair     RepairConfig     `yaml:"repair"`
	Report     ReportConfig     `yaml:"report"`
}

// ClassifierConfig describes how command lines map to roles.
type ClassifierConfig struct {
	Image         string    `yaml:"image"`
	TypeMarker    string    `yaml:"type_marker"`
	SubtypeMarker string    `yaml:"subtype_marker"`
	Renames       []Rename  `yaml:"renames"`
	Upgrades      []Upgrade `yaml:"upgrades"`
	CacheSize     uint32    `yaml:"cache_size"`
}

// Rename replaces a role value verbatim.
type Rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Upgrade retags a role when a marker token is also on the command line.
type Upgrade struct {
	Role   string `yaml:"role"`
	Marker string `yaml:"marker"`
	To     string `yaml:"to"`
}

// RepairConfig names the tags the repair pass keys on.
type RepairConfig struct {
	BrowserRole string `yaml:"browser_role"`
	CrashRole   string `yaml:"crash_role"`
	UnknownRole string `yaml:"unknown_role"`
}

// ReportConfig controls display policy.
type ReportConfig struct {
	MinCPU    time.Duration `yaml:"min_cpu"`
	Watch     []string      `yaml:"watch"`
	IdleImage string        `yaml:"idle_image"`
	TopK      int           `yaml:"top_k"`
}

// Default returns the rules used when no file is given.
func Default() Config {
	return Config{
		Classifier: ClassifierConfig{
			Image:         "chrome.exe",
			TypeMarker:    "--type=",
			SubtypeMarker: "--utility-sub-type=",
			Renames:       []Rename{{From: "crashpad-handler", To: "crashpad"}},
			Upgrades:      []Upgrade{{Role: "renderer", Marker: "--extension-process", To: "extension"}},
			CacheSize:     4096,
		},
		Repair: RepairConfig{
			BrowserRole: classify.RoleBrowser,
			CrashRole:   "crashpad",
			UnknownRole: "gpu???",
		},
		Report: ReportConfig{
			Watch:     []string{"dwm.exe", "audiodg.exe", "System", "MsMpEng.exe", "software_reporter_tool.exe"},
			IdleImage: types.IdleImage,
			TopK:      types.DefaultTopK,
		},
	}
}

// Load reads a YAML rules file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read rules file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("rules file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects rule sets the classifier could not honour.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Classifier.Image) == "" {
		return fmt.Errorf("classifier.image must not be empty")
	}
	if strings.TrimSpace(c.Classifier.TypeMarker) == "" {
		return fmt.Errorf("classifier.type_marker must not be empty")
	}
	for i, r := range c.Classifier.Renames {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("classifier.renames[%d] needs both from and to", i)
		}
	}
	for i, u := range c.Classifier.Upgrades {
		if u.Role == "" || u.Marker == "" || u.To == "" {
			return fmt.Errorf("classifier.upgrades[%d] needs role, marker and to", i)
		}
	}
	if c.Repair.BrowserRole == "" || c.Repair.CrashRole == "" || c.Repair.UnknownRole == "" {
		return fmt.Errorf("repair roles must not be empty")
	}
	if c.Report.MinCPU < 0 {
		return fmt.Errorf("report.min_cpu must be >= 0")
	}
	if c.Report.TopK < 0 {
		return fmt.Errorf("report.top_k must be >= 0")
	}
	return nil
}

// ClassifierRules converts the classifier section into classify.Rules.
func (c Config) ClassifierRules() classify.Rules {
	rules := classify.Rules{
		Image:         c.Classifier.Image,
		TypeMarker:    c.Classifier.TypeMarker,
		SubtypeMarker: c.Classifier.SubtypeMarker,
		CacheSize:     c.Classifier.CacheSize,
	}
	for _, r := range c.Classifier.Renames {
		rules.Renames = append(rules.Renames, classify.Rename{From: r.From, To: r.To})
	}
	for _, u := range c.Classifier.Upgrades {
		rules.Upgrades = append(rules.Upgrades, classify.Upgrade{Role: u.Role, Marker: u.Marker, To: u.To})
	}
	return rules
}

// RepairTags converts the repair section into hierarchy.RepairTags.
func (c Config) RepairTags() hierarchy.RepairTags {
	return hierarchy.RepairTags{
		Browser: c.Repair.BrowserRole,
		Crash:   c.Repair.CrashRole,
		Unknown: c.Repair.UnknownRole,
	}
}
