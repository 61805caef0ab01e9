package simstate

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func record(fips string, dem, gop, other int64, pct float64) CountyState {
	return CountyState{FIPS: fips, DemVotes: dem, GopVotes: gop, OtherVotes: other, TotalVotes: dem + gop + other, ReportingPercent: pct}
}

func TestUpsertNormalizesAndReplaces(t *testing.T) {
	t.Parallel()

	store := NewStore()
	if err := store.Upsert("1001", record("", 10, 20, 5, 40)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok := store.Get("01001")
	if !ok || got.FIPS != "01001" || got.TotalVotes != 35 {
		t.Fatalf("unexpected record: ok=%v state=%+v", ok, got)
	}
	if got.LastUpdateTime.IsZero() {
		t.Fatalf("expected last update time to be stamped")
	}

	if err := store.Upsert("01001", record("", 3, 4, 0, 10)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = store.Get("1001")
	if got.DemVotes != 3 || got.GopVotes != 4 || got.OtherVotes != 0 || got.ReportingPercent != 10 {
		t.Fatalf("expected whole-record replace, got %+v", got)
	}
}

func TestUpsertRejectsInvariantViolation(t *testing.T) {
	t.Parallel()

	store := NewStore()
	bad := CountyState{DemVotes: 10, GopVotes: 10, TotalVotes: 15}
	err := store.Upsert("01001", bad)
	if err == nil || !IsInvariant(err) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if _, ok := store.Get("01001"); ok {
		t.Fatalf("rejected record must not be stored")
	}
	if err := store.Upsert("not-a-fips", record("", 1, 1, 1, 1)); err == nil {
		t.Fatalf("expected fips validation error")
	}
}

func TestCheckRejectsOverflowingCounts(t *testing.T) {
	t.Parallel()

	cases := map[string]CountyState{
		"wrapping_other": {DemVotes: math.MaxInt64, GopVotes: math.MaxInt64, OtherVotes: 2, TotalVotes: 0},
		"dem_over_total": {DemVotes: math.MaxInt64, TotalVotes: 1},
		"gop_over_rest":  {DemVotes: 5, GopVotes: math.MaxInt64, TotalVotes: 10},
	}
	for name, state := range cases {
		store := NewStore()
		if err := store.Upsert("01001", state); !IsInvariant(err) {
			t.Fatalf("%s: expected invariant error, got %v", name, err)
		}
		if store.Len() != 0 {
			t.Fatalf("%s: rejected record must not be stored", name)
		}
	}

	limit := CountyState{DemVotes: math.MaxInt64 - 10, GopVotes: 7, OtherVotes: 3, TotalVotes: math.MaxInt64, ReportingPercent: 100}
	if err := limit.Check(); err != nil {
		t.Fatalf("expected counts summing exactly to the int64 limit to pass, got %v", err)
	}
}

func TestUpsertAllIsAllOrNothing(t *testing.T) {
	t.Parallel()

	store := NewStore()
	err := store.UpsertAll([]CountyState{
		record("01001", 1, 2, 0, 5),
		{FIPS: "01003", DemVotes: -1, TotalVotes: -1},
	})
	if !IsInvariant(err) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no records after rejected batch")
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	t.Parallel()

	store := NewStore()
	for _, fips := range []string{"48201", "06037", "17031"} {
		if err := store.Upsert(fips, record("", 1, 1, 0, 1)); err != nil {
			t.Fatalf("upsert %s: %v", fips, err)
		}
	}
	snap := store.Snapshot()
	if len(snap) != 3 || snap[0].FIPS != "06037" || snap[1].FIPS != "17031" || snap[2].FIPS != "48201" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	snap[0].DemVotes = 999
	if got, _ := store.Get("06037"); got.DemVotes != 1 {
		t.Fatalf("snapshot mutation leaked into store")
	}
}

func TestFreezeCompleteAndReset(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_ = store.Upsert("01001", record("", 1, 2, 0, 40))
	_ = store.Upsert("01003", record("", 5, 2, 1, 99.95))
	if n := store.FreezeComplete(); n != 2 {
		t.Fatalf("expected two frozen counties, got %d", n)
	}
	for _, state := range store.Snapshot() {
		if state.ReportingPercent != 100 || !state.IsFullyReported() {
			t.Fatalf("expected frozen county at 100, got %+v", state)
		}
	}

	if err := store.AcceptEnrichment("01001", 10, map[string]float64{"college": 0.4}); err != nil {
		t.Fatalf("enrichment: %v", err)
	}
	store.Reset()
	if store.Len() != 0 {
		t.Fatalf("expected empty store after reset")
	}
	if _, ok := store.LedgerValue("01001"); ok {
		t.Fatalf("expected ledger cleared on reset")
	}
	if store.Demographics("01001") != nil {
		t.Fatalf("expected demographics cleared on reset")
	}
}

func TestIsFullyReportedThreshold(t *testing.T) {
	t.Parallel()

	if (CountyState{ReportingPercent: 99.89}).IsFullyReported() {
		t.Fatalf("99.89 must not count as fully reported")
	}
	if !(CountyState{ReportingPercent: 99.9}).IsFullyReported() {
		t.Fatalf("99.9 must count as fully reported")
	}
}

func TestAcceptEnrichmentRejectsStale(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_ = store.Upsert("01001", record("", 100, 80, 20, 50))
	if err := store.AcceptEnrichment("1001", 200, map[string]float64{"college": 0.31}); err != nil {
		t.Fatalf("first enrichment: %v", err)
	}
	if err := store.AcceptEnrichment("01001", 200, map[string]float64{"rural": 0.7}); err != nil {
		t.Fatalf("equal-total enrichment must be accepted: %v", err)
	}
	err := store.AcceptEnrichment("01001", 150, map[string]float64{"college": 0.99})
	if !IsStaleEnrichment(err) {
		t.Fatalf("expected stale enrichment error, got %v", err)
	}

	if v, _ := store.LedgerValue("01001"); v != 200 {
		t.Fatalf("expected ledger to stay at 200, got %d", v)
	}
	demo := store.Demographics("01001")
	if demo["college"] != 0.31 || demo["rural"] != 0.7 {
		t.Fatalf("unexpected merged demographics: %+v", demo)
	}
	if got, _ := store.Get("01001"); got.TotalVotes != 200 || got.DemVotes != 100 {
		t.Fatalf("enrichment must not touch vote fields: %+v", got)
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	t.Parallel()

	store := NewStore()
	fixed := time.Date(2024, 11, 5, 20, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 200; i++ {
			_ = store.Upsert("01001", record("", i, i, 0, 50))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, state := range store.Snapshot() {
					if state.DemVotes+state.GopVotes+state.OtherVotes != state.TotalVotes {
						t.Errorf("reader observed broken invariant: %+v", state)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if got, _ := store.Get("01001"); !got.LastUpdateTime.Equal(fixed) {
		t.Fatalf("expected injected clock, got %v", got.LastUpdateTime)
	}
}

// TestStalenessIdempotence verifies that replaying N, N, N-1 leaves the ledger at N.
func TestStalenessIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ledger is monotonic under replays", prop.ForAll(
		func(n int64) bool {
			store := NewStore()
			if store.AcceptEnrichment("01001", n, map[string]float64{"k": 1}) != nil {
				return false
			}
			if store.AcceptEnrichment("01001", n, map[string]float64{"k": 1}) != nil {
				return false
			}
			if !IsStaleEnrichment(store.AcceptEnrichment("01001", n-1, map[string]float64{"k": 3, "j": 4})) {
				return false
			}
			v, _ := store.LedgerValue("01001")
			demo := store.Demographics("01001")
			return v == n && len(demo) == 1 && demo["k"] == 1
		},
		gen.Int64Range(1, 1<<40),
	))

	properties.TestingRun(t)
}
