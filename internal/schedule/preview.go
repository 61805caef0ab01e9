package schedule

import (
	"math"
	"sort"
	"strings"

	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
)

// DefaultStepSeconds is the Timeline sampling interval used when step is not positive.
const DefaultStepSeconds = 60

const maxTimelineSamples = 10000

// RankEntities returns a copy of entities, in input order, with Rank set to the
// 0..1 position each county holds under order.
//
// Alphabetical ranks by name then fips, reverse inverts it, and population ranks
// the smallest county first.
func RankEntities(entities []county.Metadata, order apireporting.Order) []county.Metadata {
	out := append([]county.Metadata(nil), entities...)
	if len(out) == 0 {
		return out
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	alpha := func(a, b county.Metadata) bool {
		an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if an != bn {
			return an < bn
		}
		return a.FIPS < b.FIPS
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := out[idx[i]], out[idx[j]]
		switch order {
		case apireporting.OrderReverse:
			return alpha(b, a)
		case apireporting.OrderPopulation:
			if a.Population != b.Population {
				return a.Population < b.Population
			}
			return a.FIPS < b.FIPS
		default:
			return alpha(a, b)
		}
	})
	for pos, i := range idx {
		if len(out) == 1 {
			out[i].Rank = 0
			continue
		}
		out[i].Rank = float64(pos) / float64(len(out)-1)
	}
	return out
}

// RankForConfig ranks entities under the first order rule in cfg. Entities are
// returned unchanged when no rule orders counties.
func RankForConfig(cfg apireporting.ReportingConfig, entities []county.Metadata) []county.Metadata {
	for _, rule := range cfg.GroupRules {
		if rule.Filter.Order != "" {
			return RankEntities(entities, rule.Filter.Order)
		}
	}
	return append([]county.Metadata(nil), entities...)
}

// VotePreview is an advisory vote breakdown for a county at a simulation time.
// DemVotes + GopVotes + OtherVotes always equals TotalVotes.
type VotePreview struct {
	FIPS             string  `json:"fips"`
	AtSeconds        float64 `json:"atSeconds"`
	ReportingPercent float64 `json:"reportingPercent"`
	DemVotes         int64   `json:"demVotes"`
	GopVotes         int64   `json:"gopVotes"`
	OtherVotes       int64   `json:"otherVotes"`
	TotalVotes       int64   `json:"totalVotes"`
}

// PreviewVotes scales the county's expected vote and party baseline by its resolved percent.
func PreviewVotes(cfg apireporting.ReportingConfig, entity county.Metadata, t float64) VotePreview {
	percent := ResolvePercent(cfg, entity, t)
	fips := entity.FIPS
	if normalized, err := county.NormalizeFIPS(fips); err == nil {
		fips = normalized
	}

	expected := entity.ExpectedTotalVotes
	if expected < 0 {
		expected = 0
	}
	total := int64(math.Round(float64(expected) * percent / 100))
	dem := int64(math.Round(float64(total) * math.Max(0, entity.DemShare)))
	gop := int64(math.Round(float64(total) * math.Max(0, entity.GopShare)))
	if dem > total {
		dem = total
	}
	if dem+gop > total {
		gop = total - dem
	}
	return VotePreview{
		FIPS:             fips,
		AtSeconds:        t,
		ReportingPercent: percent,
		DemVotes:         dem,
		GopVotes:         gop,
		OtherVotes:       total - dem - gop,
		TotalVotes:       total,
	}
}

// Sample is one point of a resolved timeline.
type Sample struct {
	AtSeconds float64 `json:"atSeconds"`
	Percent   float64 `json:"percent"`
}

// Timeline samples the resolved percent across [0, duration] every step seconds.
// The final sample is always taken at the duration.
func Timeline(cfg apireporting.ReportingConfig, entity county.Metadata, step float64) []Sample {
	duration := cfg.Duration()
	if step <= 0 {
		step = DefaultStepSeconds
	}
	if duration/step > maxTimelineSamples {
		step = duration / maxTimelineSamples
	}
	samples := make([]Sample, 0, int(duration/step)+2)
	for i := 0; ; i++ {
		at := float64(i) * step
		if at >= duration {
			break
		}
		samples = append(samples, Sample{AtSeconds: at, Percent: ResolvePercent(cfg, entity, at)})
	}
	return append(samples, Sample{AtSeconds: duration, Percent: ResolvePercent(cfg, entity, duration)})
}
