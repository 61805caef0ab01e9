package reporting

import (
	"strings"
	"testing"
	"time"
)

func validConfig() ReportingConfig {
	trigger := 600.0
	return ReportingConfig{
		Version:       "1.2.0",
		Description:   "fixture",
		BaseTimestamp: time.Date(2024, 11, 5, 19, 0, 0, 0, time.UTC),
		GroupRules: []GroupRule{
			{Name: "urban", Filter: Filter{Geography: "urban"}, Pattern: Pattern{StartSeconds: 0, EndSeconds: 540, InitialPercent: 15, FinalPercent: 95}},
		},
		Counties: []CountyOverride{
			{FIPS: "01001", Mode: ModeSchedule, ReportingWaves: []Wave{{AtSeconds: 0, Percent: 0}, {AtSeconds: 300, Percent: 60}}},
			{FIPS: "01003", Mode: ModeBatch, BatchTriggerTime: &trigger},
			{FIPS: "01005", Mode: ModeBatch, BatchGroup: "late"},
			{FIPS: "01007", Mode: ModeManual},
		},
		Batches:       []Batch{{Name: "late", TriggerSeconds: 900}},
		Randomization: Randomization{Enabled: true, JitterSeconds: 30, Seed: 7},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()

	if result := validConfig().Validate(); !result.Valid() {
		t.Fatalf("expected valid config, got %s", result.Summary())
	}
}

func TestValidateReportsEveryViolationWithPath(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Version = "not-a-version"
	cfg.GroupRules = append(cfg.GroupRules,
		GroupRule{Name: "urban", Pattern: Pattern{StartSeconds: 100, EndSeconds: 50, InitialPercent: 80, FinalPercent: 20}},
		GroupRule{Name: "", Filter: Filter{Geography: "exurban", Order: "random"}, Pattern: Pattern{StartSeconds: -1, EndSeconds: 10, FinalPercent: 101}},
	)
	cfg.Counties = append(cfg.Counties,
		CountyOverride{FIPS: "1001", Mode: ModeSchedule, ReportingWaves: []Wave{{AtSeconds: 10, Percent: 50}, {AtSeconds: 5, Percent: 40}}},
		CountyOverride{FIPS: "abc", Mode: "teleport"},
		CountyOverride{FIPS: "02001", Mode: ModeBatch},
	)
	cfg.Randomization.JitterSeconds = -5

	result := cfg.Validate()
	if result.Valid() {
		t.Fatalf("expected violations")
	}

	want := []string{
		"version",
		"groupRules[1].name",
		"groupRules[1].pattern.endSeconds",
		"groupRules[1].pattern.finalPercent",
		"groupRules[2].name",
		"groupRules[2].filter.geography",
		"groupRules[2].filter.order",
		"groupRules[2].pattern.startSeconds",
		"counties[4].fips",
		"counties[4].reportingWaves[1].atSeconds",
		"counties[4].reportingWaves[1].percent",
		"counties[5].fips",
		"counties[5].mode",
		"counties[6].batchTriggerTime",
		"randomization.jitterSeconds",
	}
	paths := make(map[string]bool, len(result.Issues))
	for _, issue := range result.Issues {
		paths[issue.Path] = true
		if issue.Reason == "" {
			t.Fatalf("issue %q has no reason", issue.Path)
		}
	}
	for _, path := range want {
		if !paths[path] {
			t.Fatalf("expected issue at %s, got %s", path, result.Summary())
		}
	}
}

func TestValidateFlagsDuplicateCountyAfterNormalization(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Counties = append(cfg.Counties, CountyOverride{FIPS: "01001", Mode: ModeManual})
	result := cfg.Validate()
	if result.Valid() || !strings.Contains(result.Summary(), "duplicates counties[0].fips") {
		t.Fatalf("expected duplicate fips issue, got %q", result.Summary())
	}
}

func TestOverrideLookupNormalizesIdentifier(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	override, ok := cfg.Override("1001")
	if !ok || override.Mode != ModeSchedule {
		t.Fatalf("expected schedule override for 1001, got %+v ok=%v", override, ok)
	}
	if _, ok := cfg.Override("99999"); ok {
		t.Fatalf("unexpected override for unknown county")
	}
}

func TestBatchTriggerResolution(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	direct, _ := cfg.Override("01003")
	if at, ok := cfg.BatchTrigger(direct); !ok || at != 600 {
		t.Fatalf("expected direct trigger 600, got %v ok=%v", at, ok)
	}
	grouped, _ := cfg.Override("01005")
	if at, ok := cfg.BatchTrigger(grouped); !ok || at != 900 {
		t.Fatalf("expected group trigger 900, got %v ok=%v", at, ok)
	}
}

func TestDurationDefault(t *testing.T) {
	t.Parallel()

	if got := (ReportingConfig{}).Duration(); got != DefaultDurationSeconds {
		t.Fatalf("expected default duration, got %v", got)
	}
	if got := (ReportingConfig{TotalDurationSeconds: 300}).Duration(); got != 300 {
		t.Fatalf("expected configured duration, got %v", got)
	}
}
