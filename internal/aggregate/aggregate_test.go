package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/election-night-sim/internal/simstate"
)

func sampleSnapshot() []simstate.CountyState {
	return []simstate.CountyState{
		{FIPS: "01001", DemVotes: 100, GopVotes: 150, OtherVotes: 10, TotalVotes: 260, ReportingPercent: 50},
		{FIPS: "01003", DemVotes: 300, GopVotes: 200, OtherVotes: 0, TotalVotes: 500, ReportingPercent: 100},
	}
}

func TestAggregateSumsAndPercentages(t *testing.T) {
	t.Parallel()

	got := Aggregate(sampleSnapshot(), Expected{Counties: 4, TotalVotes: 2000})

	assert.Equal(t, int64(400), got.DemVotes)
	assert.Equal(t, int64(350), got.GopVotes)
	assert.Equal(t, int64(10), got.OtherVotes)
	assert.Equal(t, int64(760), got.TotalVotes)
	assert.Equal(t, 2, got.CountiesKnown)
	assert.Equal(t, 2, got.CountiesReporting)
	assert.Equal(t, 1, got.CountiesFullyReported)
	assert.Equal(t, 37.5, got.ReportingPercent)
	assert.Equal(t, 38.0, got.VotesReportedPercent)
	assert.Equal(t, int64(-50), got.Margin)
	assert.Equal(t, -6.58, got.MarginPercent)
	assert.Equal(t, LeaderDEM, got.Leader)
	assert.Equal(t, int64(1240), got.Outstanding)
	assert.InDelta(t, 57.34, got.WinProbability, 0.011)
}

func TestAggregateEmptySnapshot(t *testing.T) {
	t.Parallel()

	got := Aggregate(nil, Expected{})
	assert.Equal(t, Aggregates{Leader: LeaderTie, WinProbability: 50}, got)

	got = Aggregate(nil, Expected{Counties: 67, TotalVotes: 5_000_000})
	assert.Zero(t, got.ReportingPercent)
	assert.Equal(t, int64(5_000_000), got.Outstanding)
	assert.Equal(t, 50.0, got.WinProbability)
}

func TestAggregateFallsBackToKnownWhenExpectedIsLow(t *testing.T) {
	t.Parallel()

	got := Aggregate(sampleSnapshot(), Expected{Counties: 1, TotalVotes: 100})
	assert.Equal(t, 75.0, got.ReportingPercent)
	assert.Equal(t, 100.0, got.VotesReportedPercent)
	assert.Zero(t, got.Outstanding)
	assert.Greater(t, got.WinProbability, 99.0)
	assert.LessOrEqual(t, got.WinProbability, 100.0)
}

func TestAggregateIsDeterministic(t *testing.T) {
	t.Parallel()

	snapshot := sampleSnapshot()
	expected := Expected{Counties: 10, TotalVotes: 9000}
	assert.Equal(t, Aggregate(snapshot, expected), Aggregate(snapshot, expected))
}

func TestWinProbabilityMonotonic(t *testing.T) {
	t.Parallel()

	prev := 0.0
	for gop := int64(500); gop <= 1000; gop += 25 {
		snapshot := []simstate.CountyState{{FIPS: "01001", DemVotes: 500, GopVotes: gop, TotalVotes: 500 + gop, ReportingPercent: 40}}
		got := Aggregate(snapshot, Expected{Counties: 1, TotalVotes: 10000})
		require.GreaterOrEqual(t, got.WinProbability, prev, "margin %d", got.Margin)
		require.GreaterOrEqual(t, got.WinProbability, 50.0)
		require.LessOrEqual(t, got.WinProbability, 100.0)
		prev = got.WinProbability
	}

	prev = 101.0
	snapshot := []simstate.CountyState{{FIPS: "01001", DemVotes: 400, GopVotes: 600, TotalVotes: 1000, ReportingPercent: 40}}
	for electorate := int64(1000); electorate <= 50000; electorate += 1000 {
		got := Aggregate(snapshot, Expected{TotalVotes: electorate})
		require.LessOrEqual(t, got.WinProbability, prev, "outstanding %d", got.Outstanding)
		require.Equal(t, LeaderGOP, got.Leader)
		prev = got.WinProbability
	}
}

func TestAggregateGroups(t *testing.T) {
	t.Parallel()

	snapshot := append(sampleSnapshot(),
		simstate.CountyState{FIPS: "48201", DemVotes: 10, GopVotes: 10, TotalVotes: 20, ReportingPercent: 5},
		simstate.CountyState{FIPS: "99999", DemVotes: 1, TotalVotes: 1, ReportingPercent: 1},
	)
	groupOf := func(fips string) string {
		switch fips[:2] {
		case "01":
			return "alabama"
		case "48":
			return "texas"
		default:
			return ""
		}
	}
	got := AggregateGroups(snapshot, groupOf, map[string]Expected{
		"alabama":    {Counties: 67},
		"california": {Counties: 58, TotalVotes: 1000},
	})

	require.Len(t, got, 3)
	assert.Equal(t, []string{"alabama", "california", "texas"}, []string{got[0].Group, got[1].Group, got[2].Group})

	assert.Equal(t, int64(760), got[0].TotalVotes)
	assert.Equal(t, 2.24, got[0].ReportingPercent)

	assert.Zero(t, got[1].CountiesKnown)
	assert.Equal(t, int64(1000), got[1].Outstanding)

	assert.Equal(t, LeaderTie, got[2].Leader)
	assert.Equal(t, 50.0, got[2].WinProbability)
}

func TestAggregateSaturatesNearLimitCounts(t *testing.T) {
	t.Parallel()

	snapshot := []simstate.CountyState{
		{FIPS: "01001", DemVotes: math.MaxInt64 - 1, TotalVotes: math.MaxInt64 - 1, ReportingPercent: 100},
		{FIPS: "01003", DemVotes: math.MaxInt64 - 1, TotalVotes: math.MaxInt64 - 1, ReportingPercent: 100},
		{FIPS: "01005", GopVotes: math.MaxInt64, TotalVotes: math.MaxInt64, ReportingPercent: 50},
	}
	got := Aggregate(snapshot, Expected{Counties: 3, TotalVotes: 1000})

	assert.Equal(t, int64(math.MaxInt64), got.DemVotes)
	assert.Equal(t, int64(math.MaxInt64), got.GopVotes)
	assert.Equal(t, int64(math.MaxInt64), got.TotalVotes)
	assert.Zero(t, got.Margin)
	assert.Equal(t, LeaderTie, got.Leader)
	assert.Zero(t, got.Outstanding)
	assert.Equal(t, 100.0, got.VotesReportedPercent)
	assert.GreaterOrEqual(t, got.MarginPercent, -100.0)
	assert.LessOrEqual(t, got.MarginPercent, 100.0)
}
