// Package classify derives a process role from its image name and command line.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// RoleBrowser is assigned to interesting processes without a type marker.
const RoleBrowser = "browser"

// Rename replaces a role value verbatim.
type Rename struct {
	From string
	To   string
}

// Upgrade retags Role as To when Marker appears as a whole token on the command line.
type Upgrade struct {
	Role   string
	Marker string
	To     string
}

// Rules configures a Classifier. Renames run before Upgrades, each in slice order.
type Rules struct {
	Image         string
	TypeMarker    string
	SubtypeMarker string
	Renames       []Rename
	Upgrades      []Upgrade
	// CacheSize bounds the memo of classified command lines, 0 disables it.
	CacheSize uint32
}

// DefaultRules returns the rules for Chrome's multi-process layout.
func DefaultRules() Rules {
	return Rules{
		Image:         "chrome.exe",
		TypeMarker:    "--type=",
		SubtypeMarker: "--utility-sub-type=",
		Renames:       []Rename{{From: "crashpad-handler", To: "crashpad"}},
		Upgrades:      []Upgrade{{Role: "renderer", Marker: "--extension-process", To: "extension"}},
		CacheSize:     4096,
	}
}

// Classification is the result of classifying one process.
type Classification struct {
	Role    string
	Subtype string
	// SelfRoot is set when no type marker was found, so the process stands for
	// its own instance.
	SelfRoot bool
}

type roleRule func(role, commandLine string) string

// Classifier applies Rules. It is safe for concurrent use.
type Classifier struct {
	image     string
	typeRe    *regexp.Regexp
	subtypeRe *regexp.Regexp
	rules     []roleRule
	cache     *lru.SyncedLRU[string, Classification]
}

// New compiles the rule patterns once.
func New(r Rules) (*Classifier, error) {
	if strings.TrimSpace(r.Image) == "" {
		return nil, fmt.Errorf("classifier image must not be empty")
	}
	if strings.TrimSpace(r.TypeMarker) == "" {
		return nil, fmt.Errorf("classifier type marker must not be empty")
	}

	c := &Classifier{
		image:  r.Image,
		typeRe: valueMatcher(r.TypeMarker),
	}
	if r.SubtypeMarker != "" {
		c.subtypeRe = valueMatcher(r.SubtypeMarker)
	}
	for _, rename := range r.Renames {
		c.rules = append(c.rules, renameRule(rename))
	}
	for _, upgrade := range r.Upgrades {
		c.rules = append(c.rules, upgradeRule(upgrade))
	}

	if r.CacheSize > 0 {
		cache, err := lru.NewSynced[string, Classification](r.CacheSize, hashString)
		if err != nil {
			return nil, fmt.Errorf("create classification cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Image returns the image name this classifier is interested in.
func (c *Classifier) Image() string {
	return c.image
}

// Interesting reports whether processes with this image are classified at all.
func (c *Classifier) Interesting(imageName string) bool {
	return strings.EqualFold(imageName, c.image)
}

// Classify returns the role of a process, or false when its image is not interesting.
func (c *Classifier) Classify(imageName, commandLine string) (Classification, bool) {
	if !c.Interesting(imageName) {
		return Classification{}, false
	}
	if c.cache == nil {
		return c.classify(commandLine), true
	}
	if cached, ok := c.cache.Get(commandLine); ok {
		return cached, true
	}
	result := c.classify(commandLine)
	c.cache.Add(commandLine, result)
	return result, true
}

func (c *Classifier) classify(commandLine string) Classification {
	// FindStringSubmatch is leftmost-first, so the first marker wins when a
	// command line carries several.
	match := c.typeRe.FindStringSubmatch(commandLine)
	if match == nil {
		return Classification{Role: RoleBrowser, SelfRoot: true}
	}

	role := match[1]
	for _, rule := range c.rules {
		role = rule(role, commandLine)
	}

	result := Classification{Role: role}
	if c.subtypeRe != nil {
		if sub := c.subtypeRe.FindStringSubmatch(commandLine); sub != nil {
			// video_capture.mojom.VideoCaptureService -> VideoCaptureService
			parts := strings.Split(sub[1], ".")
			result.Subtype = parts[len(parts)-1]
		}
	}
	return result
}

func renameRule(r Rename) roleRule {
	return func(role, _ string) string {
		if role == r.From {
			return r.To
		}
		return role
	}
}

func upgradeRule(u Upgrade) roleRule {
	marker := tokenMatcher(u.Marker)
	return func(role, commandLine string) string {
		if role == u.Role && marker.MatchString(commandLine) {
			return u.To
		}
		return role
	}
}

// valueMatcher captures the non-space token following marker. The marker must
// start the command line or follow whitespace.
func valueMatcher(marker string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(marker) + `(\S+)`)
}

func tokenMatcher(token string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(token) + `(?:\s|$)`)
}

// hashString is the LRU bucket hash.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}
