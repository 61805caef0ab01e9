package schedule

import (
	"sort"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
)

func wavesFrom(ats, percents []float64) []apireporting.Wave {
	n := len(ats)
	if len(percents) < n {
		n = len(percents)
	}
	ats = append([]float64(nil), ats[:n]...)
	percents = append([]float64(nil), percents[:n]...)
	sort.Float64s(ats)
	sort.Float64s(percents)
	waves := make([]apireporting.Wave, n)
	for i := range waves {
		waves[i] = apireporting.Wave{AtSeconds: ats[i], Percent: percents[i]}
	}
	return waves
}

// TestResolveDeterminism verifies identical inputs resolve identically and stay in range.
func TestResolveDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("resolution is pure and bounded", prop.ForAll(
		func(seed int64, jitter float64, at float64, fipsNum int) bool {
			fips, err := county.NormalizeFIPS(strconv.Itoa(fipsNum))
			if err != nil {
				return true
			}
			cfg := urbanConfig()
			cfg.Randomization = apireporting.Randomization{Enabled: true, JitterSeconds: jitter, Seed: seed}
			entity := county.Metadata{FIPS: fips, Geography: county.GeographyUrban}
			first := ResolvePercent(cfg, entity, at)
			second := ResolvePercent(cfg, entity, at)
			return first == second && first >= 0 && first <= 100
		},
		gen.Int64(),
		gen.Float64Range(0, 600),
		gen.Float64Range(-100, 1500),
		gen.IntRange(1, 99999),
	))

	properties.TestingRun(t)
}

// TestWaveMonotonicity verifies non-decreasing waves never resolve to a lower percent later.
func TestWaveMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("t1 <= t2 implies resolve(t1) <= resolve(t2)", prop.ForAll(
		func(ats, percents []float64, t1, t2 float64) bool {
			waves := wavesFrom(ats, percents)
			if len(waves) == 0 {
				return true
			}
			if t1 > t2 {
				t1, t2 = t2, t1
			}
			cfg := apireporting.ReportingConfig{Counties: []apireporting.CountyOverride{{FIPS: "01001", Mode: apireporting.ModeSchedule, ReportingWaves: waves}}}
			entity := county.Metadata{FIPS: "01001"}
			return ResolvePercent(cfg, entity, t1) <= ResolvePercent(cfg, entity, t2)+1e-9
		},
		gen.SliceOfN(6, gen.Float64Range(0, 1200)),
		gen.SliceOfN(6, gen.Float64Range(0, 100)),
		gen.Float64Range(-10, 1300),
		gen.Float64Range(-10, 1300),
	))

	properties.Property("resolving at a wave time returns the last wave with that time", prop.ForAll(
		func(ats, percents []float64) bool {
			waves := wavesFrom(ats, percents)
			cfg := apireporting.ReportingConfig{Counties: []apireporting.CountyOverride{{FIPS: "01001", Mode: apireporting.ModeSchedule, ReportingWaves: waves}}}
			entity := county.Metadata{FIPS: "01001"}
			for i, w := range waves {
				if i+1 < len(waves) && waves[i+1].AtSeconds == w.AtSeconds {
					continue
				}
				if ResolvePercent(cfg, entity, w.AtSeconds) != w.Percent {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.Float64Range(0, 1200)),
		gen.SliceOfN(5, gen.Float64Range(0, 100)),
	))

	properties.TestingRun(t)
}

// TestBatchAtomicity verifies a batch county is only ever 0 or 100.
func TestBatchAtomicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("batch resolves to 0 before trigger and 100 from it", prop.ForAll(
		func(trigger, at float64) bool {
			cfg := apireporting.ReportingConfig{
				Counties:      []apireporting.CountyOverride{{FIPS: "01001", Mode: apireporting.ModeBatch, BatchTriggerTime: &trigger}},
				Randomization: apireporting.Randomization{Enabled: true, JitterSeconds: 120, Seed: 5},
			}
			got := ResolvePercent(cfg, county.Metadata{FIPS: "01001"}, at)
			if at >= trigger {
				return got == 100
			}
			return got == 0
		},
		gen.Float64Range(0, 1200),
		gen.Float64Range(-10, 1300),
	))

	properties.TestingRun(t)
}
