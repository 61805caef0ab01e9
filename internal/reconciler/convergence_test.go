package reconciler

import (
	"testing"

	apicounty "github.com/tiger/election-night-sim/api/county"
	"github.com/tiger/election-night-sim/api/envelope"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
	"github.com/tiger/election-night-sim/internal/schedule"
)

func previewFrame(cfg apireporting.ReportingConfig, entities []apicounty.Metadata, at float64) envelope.Envelope {
	frame := &envelope.Frame{}
	for _, entity := range entities {
		p := schedule.PreviewVotes(cfg, entity, at)
		frame.Counties = append(frame.Counties, envelope.CountyUpdate{
			FIPS:             p.FIPS,
			DemVotes:         p.DemVotes,
			GopVotes:         p.GopVotes,
			TotalVotes:       p.TotalVotes,
			ReportingPercent: p.ReportingPercent,
		})
	}
	return envelope.Envelope{Type: envelope.TypeFrame, Frame: frame}
}

func TestScheduledFramesConvergeToResolvedPercent(t *testing.T) {
	t.Parallel()

	cfg := apireporting.ReportingConfig{
		TotalDurationSeconds: 600,
		GroupRules: []apireporting.GroupRule{
			{Name: "urban-late", Filter: apireporting.Filter{Geography: apicounty.GeographyUrban}, Pattern: apireporting.Pattern{StartSeconds: 120, EndSeconds: 600, InitialPercent: 0, FinalPercent: 100}},
		},
		Counties: []apireporting.CountyOverride{
			{FIPS: "48201", Mode: apireporting.ModeBatch, BatchGroup: "harris"},
		},
		Batches: []apireporting.Batch{{Name: "harris", TriggerSeconds: 300}},
	}
	entities := []apicounty.Metadata{
		{FIPS: "06037", Geography: apicounty.GeographyUrban, ExpectedTotalVotes: 40000, DemShare: 0.6, GopShare: 0.35},
		{FIPS: "01001", Geography: apicounty.GeographyRural, ExpectedTotalVotes: 2500, DemShare: 0.3, GopShare: 0.68},
		{FIPS: "48201", Geography: apicounty.GeographySuburban, ExpectedTotalVotes: 12000, DemShare: 0.5, GopShare: 0.48},
	}

	r, _ := newTestReconciler(t)
	for at := 0.0; at <= 600; at += 60 {
		out := r.Apply(r.SessionID(), previewFrame(cfg, entities, at))
		if !out.Applied {
			t.Fatalf("frame at %v not applied: %+v", at, out)
		}
		for _, entity := range entities {
			state, ok := r.County(entity.FIPS)
			if !ok {
				t.Fatalf("missing county %s at %v", entity.FIPS, at)
			}
			if want := schedule.ResolvePercent(cfg, entity, at); state.ReportingPercent != want {
				t.Fatalf("county %s at %v: reporting %v, resolver %v", entity.FIPS, at, state.ReportingPercent, want)
			}
			if state.DemVotes+state.GopVotes+state.OtherVotes != state.TotalVotes {
				t.Fatalf("sum invariant broken for %+v", state)
			}
		}
	}

	r.Apply(r.SessionID(), envelope.Envelope{Type: envelope.TypeCompleted})
	for _, state := range r.Snapshot() {
		if !state.IsFullyReported() {
			t.Fatalf("expected every county fully reported after completion, got %+v", state)
		}
	}
}
