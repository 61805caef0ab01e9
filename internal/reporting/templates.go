package reporting

import (
	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
)

// TemplateKey names a reporting preset.
type TemplateKey string

const (
	TemplateUrbanFirst   TemplateKey = "urban-first"
	TemplateRuralFirst   TemplateKey = "rural-first"
	TemplateMixed        TemplateKey = "mixed"
	TemplateAlphabetical TemplateKey = "alphabetical"
	TemplateRegional     TemplateKey = "regional"
	TemplateRandomized   TemplateKey = "randomized"
)

// DefaultTemplateSeed is used by the randomized preset when the base has no seed.
const DefaultTemplateSeed int64 = 2024

// TemplateKeys lists every preset in presentation order.
func TemplateKeys() []TemplateKey {
	return []TemplateKey{
		TemplateUrbanFirst,
		TemplateRuralFirst,
		TemplateMixed,
		TemplateAlphabetical,
		TemplateRegional,
		TemplateRandomized,
	}
}

// BuildPattern returns base with groupRules and randomization populated from a preset.
// Unknown keys return base unchanged.
func BuildPattern(key TemplateKey, base apireporting.ReportingConfig) apireporting.ReportingConfig {
	d := base.Duration()
	out := Clone(base)

	switch key {
	case TemplateUrbanFirst:
		out.GroupRules = geographyRules(d, county.GeographyUrban, county.GeographySuburban, county.GeographyRural)
		out.Randomization.Enabled = false
	case TemplateRuralFirst:
		out.GroupRules = geographyRules(d, county.GeographyRural, county.GeographySuburban, county.GeographyUrban)
		out.Randomization.Enabled = false
	case TemplateMixed:
		out.GroupRules = mixedRules(d)
		out.Randomization.Enabled = false
	case TemplateAlphabetical:
		out.GroupRules = []apireporting.GroupRule{{
			Name:    "alphabetical",
			Filter:  apireporting.Filter{Order: apireporting.OrderAlphabetical},
			Pattern: apireporting.Pattern{StartSeconds: 0, EndSeconds: d, InitialPercent: 0, FinalPercent: 100},
		}}
		out.Randomization.Enabled = false
	case TemplateRegional:
		out.GroupRules = regionalRules(d)
		out.Randomization.Enabled = false
	case TemplateRandomized:
		out.GroupRules = mixedRules(d)
		seed := base.Randomization.Seed
		if seed == 0 {
			seed = DefaultTemplateSeed
		}
		out.Randomization = apireporting.Randomization{Enabled: true, JitterSeconds: d * 0.1, Seed: seed}
	default:
		return base
	}
	return out
}

// geographyRules staggers three geography classes so the first reports earliest.
func geographyRules(d float64, first, second, third county.Geography) []apireporting.GroupRule {
	return []apireporting.GroupRule{
		{
			Name:    string(first) + "-early",
			Filter:  apireporting.Filter{Geography: first},
			Pattern: apireporting.Pattern{StartSeconds: 0, EndSeconds: d * 0.5, InitialPercent: 10, FinalPercent: 100},
		},
		{
			Name:    string(second) + "-mid",
			Filter:  apireporting.Filter{Geography: second},
			Pattern: apireporting.Pattern{StartSeconds: d * 0.2, EndSeconds: d * 0.75, InitialPercent: 0, FinalPercent: 100},
		},
		{
			Name:    string(third) + "-late",
			Filter:  apireporting.Filter{Geography: third},
			Pattern: apireporting.Pattern{StartSeconds: d * 0.4, EndSeconds: d, InitialPercent: 0, FinalPercent: 100},
		},
	}
}

func mixedRules(d float64) []apireporting.GroupRule {
	return []apireporting.GroupRule{
		{
			Name:    "urban-mixed",
			Filter:  apireporting.Filter{Geography: county.GeographyUrban},
			Pattern: apireporting.Pattern{StartSeconds: 0, EndSeconds: d * 0.9, InitialPercent: 5, FinalPercent: 100},
		},
		{
			Name:    "suburban-mixed",
			Filter:  apireporting.Filter{Geography: county.GeographySuburban},
			Pattern: apireporting.Pattern{StartSeconds: d * 0.1, EndSeconds: d, InitialPercent: 0, FinalPercent: 100},
		},
		{
			Name:    "rural-mixed",
			Filter:  apireporting.Filter{Geography: county.GeographyRural},
			Pattern: apireporting.Pattern{StartSeconds: 0, EndSeconds: d * 0.8, InitialPercent: 0, FinalPercent: 100},
		},
	}
}

// Regions follow the census region names used by the county metadata.
func regionalRules(d float64) []apireporting.GroupRule {
	regions := []struct {
		name       string
		start, end float64
	}{
		{name: "northeast", start: 0, end: 0.5},
		{name: "south", start: 0.15, end: 0.65},
		{name: "midwest", start: 0.3, end: 0.8},
		{name: "west", start: 0.5, end: 1},
	}
	rules := make([]apireporting.GroupRule, 0, len(regions))
	for _, r := range regions {
		rules = append(rules, apireporting.GroupRule{
			Name:    "region-" + r.name,
			Filter:  apireporting.Filter{Region: r.name},
			Pattern: apireporting.Pattern{StartSeconds: d * r.start, EndSeconds: d * r.end, InitialPercent: 0, FinalPercent: 100},
		})
	}
	return rules
}
