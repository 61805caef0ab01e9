package reporting

import (
	"time"

	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
)

// RandomizationPatch updates randomization fields individually.
type RandomizationPatch struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	JitterSeconds *float64 `json:"jitterSeconds,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
}

// Patch is a partial ReportingConfig update. Nil fields leave the base untouched.
type Patch struct {
	Version              *string                       `json:"version,omitempty"`
	Description          *string                       `json:"description,omitempty"`
	BaseTimestamp        *time.Time                    `json:"baseTimestamp,omitempty"`
	TotalDurationSeconds *float64                      `json:"totalDurationSeconds,omitempty"`
	GroupRules           *[]apireporting.GroupRule     `json:"groupRules,omitempty"`
	Counties             []apireporting.CountyOverride `json:"counties,omitempty"`
	RemoveCounties       []string                      `json:"removeCounties,omitempty"`
	Batches              []apireporting.Batch          `json:"batches,omitempty"`
	Randomization        *RandomizationPatch           `json:"randomization,omitempty"`
}

// Merge applies patch on a deep copy of base; base is never mutated.
//
// GroupRules replaces the whole rule list when set. Counties upsert by
// normalized fips and RemoveCounties deletes after upserts. Batches upsert by name.
func Merge(base apireporting.ReportingConfig, patch Patch) apireporting.ReportingConfig {
	out := Clone(base)

	if patch.Version != nil {
		out.Version = *patch.Version
	}
	if patch.Description != nil {
		out.Description = *patch.Description
	}
	if patch.BaseTimestamp != nil {
		out.BaseTimestamp = *patch.BaseTimestamp
	}
	if patch.TotalDurationSeconds != nil {
		out.TotalDurationSeconds = *patch.TotalDurationSeconds
	}
	if patch.GroupRules != nil {
		out.GroupRules = append([]apireporting.GroupRule(nil), (*patch.GroupRules)...)
	}

	for _, o := range patch.Counties {
		o = cloneOverride(o)
		if normalized, err := county.NormalizeFIPS(o.FIPS); err == nil {
			o.FIPS = normalized
		}
		replaced := false
		for i := range out.Counties {
			if sameFIPS(out.Counties[i].FIPS, o.FIPS) {
				out.Counties[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out.Counties = append(out.Counties, o)
		}
	}
	if len(patch.RemoveCounties) > 0 {
		kept := out.Counties[:0]
		for _, o := range out.Counties {
			remove := false
			for _, fips := range patch.RemoveCounties {
				if sameFIPS(o.FIPS, fips) {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, o)
			}
		}
		out.Counties = kept
	}

	for _, b := range patch.Batches {
		replaced := false
		for i := range out.Batches {
			if out.Batches[i].Name == b.Name {
				out.Batches[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			out.Batches = append(out.Batches, b)
		}
	}

	if r := patch.Randomization; r != nil {
		if r.Enabled != nil {
			out.Randomization.Enabled = *r.Enabled
		}
		if r.JitterSeconds != nil {
			out.Randomization.JitterSeconds = *r.JitterSeconds
		}
		if r.Seed != nil {
			out.Randomization.Seed = *r.Seed
		}
	}
	return out
}

// Clone returns a deep copy of cfg that shares no slices or pointers with it.
func Clone(cfg apireporting.ReportingConfig) apireporting.ReportingConfig {
	out := cfg
	out.GroupRules = append([]apireporting.GroupRule(nil), cfg.GroupRules...)
	out.Batches = append([]apireporting.Batch(nil), cfg.Batches...)
	if cfg.Counties != nil {
		out.Counties = make([]apireporting.CountyOverride, len(cfg.Counties))
		for i, o := range cfg.Counties {
			out.Counties[i] = cloneOverride(o)
		}
	}
	return out
}

func cloneOverride(o apireporting.CountyOverride) apireporting.CountyOverride {
	o.ReportingWaves = append([]apireporting.Wave(nil), o.ReportingWaves...)
	if o.BatchTriggerTime != nil {
		v := *o.BatchTriggerTime
		o.BatchTriggerTime = &v
	}
	if o.ManualTrigger != nil {
		t := *o.ManualTrigger
		if t.Percent != nil {
			p := *t.Percent
			t.Percent = &p
		}
		o.ManualTrigger = &t
	}
	return o
}

func sameFIPS(a, b string) bool {
	na, errA := county.NormalizeFIPS(a)
	nb, errB := county.NormalizeFIPS(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}
