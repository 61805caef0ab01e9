package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tiger/election-night-sim/api/county"
)

// DefaultDurationSeconds is the simulation window used when a config omits totalDurationSeconds.
const DefaultDurationSeconds = 1200

// Mode selects how an overridden county progresses.
type Mode string

const (
	ModeSchedule Mode = "schedule"
	ModeManual   Mode = "manual"
	ModeBatch    Mode = "batch"
)

// Order ranks counties for order-based group rules.
type Order string

const (
	OrderAlphabetical Order = "alphabetical"
	OrderReverse      Order = "reverse"
	OrderPopulation   Order = "population"
)

func (o Order) valid() bool {
	switch o {
	case OrderAlphabetical, OrderReverse, OrderPopulation:
		return true
	default:
		return false
	}
}

// Filter selects the counties a group rule applies to. Every set field must match.
type Filter struct {
	Geography county.Geography `json:"geography,omitempty" yaml:"geography,omitempty"`
	Region    string           `json:"region,omitempty" yaml:"region,omitempty"`
	Order     Order            `json:"order,omitempty" yaml:"order,omitempty"`
}

// Matches reports whether the filter selects the county.
func (f Filter) Matches(m county.Metadata) bool {
	if f.Geography != "" && f.Geography != m.Geography {
		return false
	}
	if f.Region != "" && !strings.EqualFold(f.Region, m.Region) {
		return false
	}
	return true
}

// Pattern is a linear reporting ramp across a window of simulation seconds.
type Pattern struct {
	StartSeconds   float64 `json:"startSeconds" yaml:"startSeconds"`
	EndSeconds     float64 `json:"endSeconds" yaml:"endSeconds"`
	InitialPercent float64 `json:"initialPercent" yaml:"initialPercent"`
	FinalPercent   float64 `json:"finalPercent" yaml:"finalPercent"`
}

// GroupRule applies a pattern to every county its filter matches.
type GroupRule struct {
	Name    string  `json:"name" yaml:"name"`
	Filter  Filter  `json:"filter" yaml:"filter"`
	Pattern Pattern `json:"pattern" yaml:"pattern"`
}

// Wave is one point of a piecewise-linear reporting table.
type Wave struct {
	AtSeconds float64 `json:"atSeconds" yaml:"atSeconds"`
	Percent   float64 `json:"percent" yaml:"percent"`
}

// ManualTrigger releases a manual county to Percent once fired and AtSeconds is reached.
type ManualTrigger struct {
	Fired     bool     `json:"fired" yaml:"fired"`
	AtSeconds float64  `json:"atSeconds" yaml:"atSeconds"`
	Percent   *float64 `json:"percent,omitempty" yaml:"percent,omitempty"`
}

// TargetPercent returns the release percent, defaulting to 100.
func (m ManualTrigger) TargetPercent() float64 {
	if m.Percent == nil {
		return 100
	}
	return *m.Percent
}

// CountyOverride replaces group-rule resolution for one county.
type CountyOverride struct {
	FIPS             string         `json:"fips" yaml:"fips"`
	Mode             Mode           `json:"mode" yaml:"mode"`
	ReportingWaves   []Wave         `json:"reportingWaves,omitempty" yaml:"reportingWaves,omitempty"`
	BatchGroup       string         `json:"batchGroup,omitempty" yaml:"batchGroup,omitempty"`
	BatchTriggerTime *float64       `json:"batchTriggerTime,omitempty" yaml:"batchTriggerTime,omitempty"`
	ManualTrigger    *ManualTrigger `json:"manualTrigger,omitempty" yaml:"manualTrigger,omitempty"`
}

// Batch names a release time shared by every override in its group.
type Batch struct {
	Name           string  `json:"name" yaml:"name"`
	TriggerSeconds float64 `json:"triggerSeconds" yaml:"triggerSeconds"`
}

// Randomization perturbs wave timing deterministically per county.
type Randomization struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	JitterSeconds float64 `json:"jitterSeconds" yaml:"jitterSeconds"`
	Seed          int64   `json:"seed" yaml:"seed"`
}

// ReportingConfig is the declarative election-night reporting timeline.
type ReportingConfig struct {
	Version              string           `json:"version,omitempty" yaml:"version,omitempty"`
	Description          string           `json:"description,omitempty" yaml:"description,omitempty"`
	BaseTimestamp        time.Time        `json:"baseTimestamp" yaml:"baseTimestamp"`
	TotalDurationSeconds float64          `json:"totalDurationSeconds,omitempty" yaml:"totalDurationSeconds,omitempty"`
	GroupRules           []GroupRule      `json:"groupRules,omitempty" yaml:"groupRules,omitempty"`
	Counties             []CountyOverride `json:"counties,omitempty" yaml:"counties,omitempty"`
	Batches              []Batch          `json:"batches,omitempty" yaml:"batches,omitempty"`
	Randomization        Randomization    `json:"randomization" yaml:"randomization"`
}

// Duration returns the configured simulation window, falling back to DefaultDurationSeconds.
func (c ReportingConfig) Duration() float64 {
	if c.TotalDurationSeconds > 0 {
		return c.TotalDurationSeconds
	}
	return DefaultDurationSeconds
}

// Override returns the override for a county identifier, if any.
func (c ReportingConfig) Override(fips string) (CountyOverride, bool) {
	normalized, err := county.NormalizeFIPS(fips)
	if err != nil {
		return CountyOverride{}, false
	}
	for _, o := range c.Counties {
		if n, err := county.NormalizeFIPS(o.FIPS); err == nil && n == normalized {
			return o, true
		}
	}
	return CountyOverride{}, false
}

// BatchTrigger resolves the release time for a batch override.
func (c ReportingConfig) BatchTrigger(o CountyOverride) (float64, bool) {
	if o.BatchTriggerTime != nil {
		return *o.BatchTriggerTime, true
	}
	if o.BatchGroup == "" {
		return 0, false
	}
	for _, b := range c.Batches {
		if b.Name == o.BatchGroup {
			return b.TriggerSeconds, true
		}
	}
	return 0, false
}

// Issue is one invariant violation found by Validate.
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Reason
}

// ValidationResult lists every violation; an empty result is valid.
type ValidationResult struct {
	Issues []Issue `json:"issues"`
}

// Valid reports whether no issues were found.
func (r ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add appends an issue.
func (r *ValidationResult) Add(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// Merge appends issues from another result.
func (r *ValidationResult) Merge(other ValidationResult) {
	r.Issues = append(r.Issues, other.Issues...)
}

// Summary renders the result as a single line, or "" when valid.
func (r ValidationResult) Summary() string {
	if r.Valid() {
		return ""
	}
	parts := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

// Validate reports every invariant violation. It never panics on malformed input.
func (c ReportingConfig) Validate() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.Version) != "" {
		if _, err := semver.NewVersion(strings.TrimSpace(c.Version)); err != nil {
			r.Add("version", "must be a semantic version: %v", err)
		}
	}
	if c.TotalDurationSeconds < 0 {
		r.Add("totalDurationSeconds", "must be >= 0")
	}

	names := make(map[string]int, len(c.GroupRules))
	for i, rule := range c.GroupRules {
		path := fmt.Sprintf("groupRules[%d]", i)
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			r.Add(path+".name", "is required")
		} else if prev, dup := names[name]; dup {
			r.Add(path+".name", "duplicates groupRules[%d].name %q", prev, name)
		} else {
			names[name] = i
		}
		if rule.Filter.Geography != "" && !rule.Filter.Geography.Valid() {
			r.Add(path+".filter.geography", "unknown geography %q", rule.Filter.Geography)
		}
		if rule.Filter.Order != "" && !rule.Filter.Order.valid() {
			r.Add(path+".filter.order", "unknown order %q", rule.Filter.Order)
		}
		validatePattern(&r, path+".pattern", rule.Pattern)
	}

	batches := make(map[string]struct{}, len(c.Batches))
	for i, b := range c.Batches {
		path := fmt.Sprintf("batches[%d]", i)
		if strings.TrimSpace(b.Name) == "" {
			r.Add(path+".name", "is required")
		} else if _, dup := batches[b.Name]; dup {
			r.Add(path+".name", "duplicate batch %q", b.Name)
		} else {
			batches[b.Name] = struct{}{}
		}
		if b.TriggerSeconds < 0 {
			r.Add(path+".triggerSeconds", "must be >= 0")
		}
	}

	seen := make(map[string]int, len(c.Counties))
	for i, o := range c.Counties {
		path := fmt.Sprintf("counties[%d]", i)
		fips, err := county.NormalizeFIPS(o.FIPS)
		switch {
		case err != nil:
			r.Add(path+".fips", "%v", err)
		case o.FIPS != fips:
			r.Add(path+".fips", "must be zero-padded to %d digits (got %q, want %q)", county.FIPSWidth, o.FIPS, fips)
		}
		if err == nil {
			if prev, dup := seen[fips]; dup {
				r.Add(path+".fips", "duplicates counties[%d].fips %q", prev, fips)
			} else {
				seen[fips] = i
			}
		}
		validateWaves(&r, path+".reportingWaves", o.ReportingWaves)

		switch o.Mode {
		case ModeSchedule:
			if len(o.ReportingWaves) == 0 {
				r.Add(path+".reportingWaves", "schedule mode requires at least one wave")
			}
		case ModeBatch:
			if o.BatchTriggerTime != nil && *o.BatchTriggerTime < 0 {
				r.Add(path+".batchTriggerTime", "must be >= 0")
			}
			if _, ok := c.BatchTrigger(o); !ok {
				r.Add(path+".batchTriggerTime", "batch mode requires batchTriggerTime or a known batchGroup")
			}
		case ModeManual:
			if t := o.ManualTrigger; t != nil {
				if t.AtSeconds < 0 {
					r.Add(path+".manualTrigger.atSeconds", "must be >= 0")
				}
				if p := t.TargetPercent(); p < 0 || p > 100 {
					r.Add(path+".manualTrigger.percent", "must be within [0,100]")
				}
			}
		default:
			r.Add(path+".mode", "unknown mode %q", o.Mode)
		}
	}

	if c.Randomization.JitterSeconds < 0 {
		r.Add("randomization.jitterSeconds", "must be >= 0")
	}
	return r
}

func validatePattern(r *ValidationResult, path string, p Pattern) {
	if p.StartSeconds < 0 {
		r.Add(path+".startSeconds", "must be >= 0")
	}
	if p.EndSeconds < p.StartSeconds {
		r.Add(path+".endSeconds", "must be >= startSeconds")
	}
	if p.InitialPercent < 0 || p.InitialPercent > 100 {
		r.Add(path+".initialPercent", "must be within [0,100]")
	}
	if p.FinalPercent < 0 || p.FinalPercent > 100 {
		r.Add(path+".finalPercent", "must be within [0,100]")
	}
	if p.InitialPercent > p.FinalPercent {
		r.Add(path+".finalPercent", "must be >= initialPercent")
	}
}

func validateWaves(r *ValidationResult, path string, waves []Wave) {
	for i, w := range waves {
		wp := fmt.Sprintf("%s[%d]", path, i)
		if w.AtSeconds < 0 {
			r.Add(wp+".atSeconds", "must be >= 0")
		}
		if w.Percent < 0 || w.Percent > 100 {
			r.Add(wp+".percent", "must be within [0,100]")
		}
		if i == 0 {
			continue
		}
		prev := waves[i-1]
		if w.AtSeconds < prev.AtSeconds {
			r.Add(wp+".atSeconds", "must be >= %s[%d].atSeconds", path, i-1)
		}
		if w.Percent < prev.Percent {
			r.Add(wp+".percent", "reporting must not regress below %s[%d].percent", path, i-1)
		}
	}
}
