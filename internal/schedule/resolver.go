package schedule

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
)

// Source names the resolution step that produced a percent.
type Source string

const (
	SourceManual    Source = "manual"
	SourceBatch     Source = "batch"
	SourceWaves     Source = "waves"
	SourceGroupRule Source = "group_rule"
	SourceDefault   Source = "default_ramp"
)

// Resolution is a resolved percent with the step that produced it.
type Resolution struct {
	Percent float64
	Source  Source
	// Rule is the matching group rule name when Source is SourceGroupRule.
	Rule string
	// JitterSeconds is the time offset applied before resolution.
	JitterSeconds float64
}

// ResolvePercent returns the reporting percent for entity at simulation second t.
func ResolvePercent(cfg apireporting.ReportingConfig, entity county.Metadata, t float64) float64 {
	return Resolve(cfg, entity, t).Percent
}

// Resolve is ResolvePercent with the resolution step exposed.
func Resolve(cfg apireporting.ReportingConfig, entity county.Metadata, t float64) Resolution {
	fips := entity.FIPS
	if normalized, err := county.NormalizeFIPS(fips); err == nil {
		fips = normalized
	}

	override, hasOverride := cfg.Override(fips)
	if hasOverride {
		switch override.Mode {
		case apireporting.ModeManual:
			trigger := override.ManualTrigger
			if trigger == nil || !trigger.Fired || t < trigger.AtSeconds {
				return Resolution{Percent: clamp(entity.LastKnownPercent), Source: SourceManual}
			}
			return Resolution{Percent: clamp(trigger.TargetPercent()), Source: SourceManual}
		case apireporting.ModeBatch:
			at, ok := cfg.BatchTrigger(override)
			if ok && t >= at {
				return Resolution{Percent: 100, Source: SourceBatch}
			}
			return Resolution{Percent: 0, Source: SourceBatch}
		}
	}

	offset := 0.0
	if cfg.Randomization.Enabled {
		offset = JitterOffset(cfg.Randomization.Seed, fips, cfg.Randomization.JitterSeconds)
	}
	shifted := t + offset

	if hasOverride && override.Mode == apireporting.ModeSchedule && len(override.ReportingWaves) > 0 {
		return Resolution{Percent: clamp(interpolate(override.ReportingWaves, shifted)), Source: SourceWaves, JitterSeconds: offset}
	}

	for _, rule := range cfg.GroupRules {
		if !rule.Filter.Matches(entity) {
			continue
		}
		pattern := rule.Pattern
		if rule.Filter.Order != "" {
			pattern = staggered(pattern, entity.Rank)
		}
		return Resolution{Percent: clamp(ramp(pattern, shifted)), Source: SourceGroupRule, Rule: rule.Name, JitterSeconds: offset}
	}

	fallback := apireporting.Pattern{EndSeconds: cfg.Duration(), FinalPercent: 100}
	return Resolution{Percent: clamp(ramp(fallback, shifted)), Source: SourceDefault, JitterSeconds: offset}
}

// JitterOffset derives a deterministic offset in [-jitter, +jitter] from seed and fips.
func JitterOffset(seed int64, fips string, jitter float64) float64 {
	if jitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", seed, fips)))
	unit := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	return (2*unit - 1) * jitter
}

// staggered narrows an order rule to the half-span window starting at rank*span/2.
func staggered(p apireporting.Pattern, rank float64) apireporting.Pattern {
	rank = math.Max(0, math.Min(1, rank))
	half := (p.EndSeconds - p.StartSeconds) / 2
	start := p.StartSeconds + rank*half
	return apireporting.Pattern{
		StartSeconds:   start,
		EndSeconds:     start + half,
		InitialPercent: p.InitialPercent,
		FinalPercent:   p.FinalPercent,
	}
}

func ramp(p apireporting.Pattern, t float64) float64 {
	if t <= p.StartSeconds {
		if p.EndSeconds <= p.StartSeconds && t == p.StartSeconds {
			return p.FinalPercent
		}
		return p.InitialPercent
	}
	if t >= p.EndSeconds {
		return p.FinalPercent
	}
	progress := (t - p.StartSeconds) / (p.EndSeconds - p.StartSeconds)
	return p.InitialPercent + (p.FinalPercent-p.InitialPercent)*progress
}

// interpolate is piecewise-linear over waves, flat outside them.
// When several waves share atSeconds the later one wins.
func interpolate(waves []apireporting.Wave, t float64) float64 {
	if !sort.SliceIsSorted(waves, func(i, j int) bool { return waves[i].AtSeconds < waves[j].AtSeconds }) {
		sorted := append([]apireporting.Wave(nil), waves...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AtSeconds < sorted[j].AtSeconds })
		waves = sorted
	}
	if t < waves[0].AtSeconds {
		return waves[0].Percent
	}
	last := 0
	for i, w := range waves {
		if w.AtSeconds <= t {
			last = i
		}
	}
	if last == len(waves)-1 {
		return waves[last].Percent
	}
	from, to := waves[last], waves[last+1]
	progress := (t - from.AtSeconds) / (to.AtSeconds - from.AtSeconds)
	return from.Percent + (to.Percent-from.Percent)*progress
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
