package aggregate

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tiger/election-night-sim/internal/simstate"
)

// Leader names the party ahead.
type Leader string

const (
	LeaderGOP Leader = "GOP"
	LeaderDEM Leader = "DEM"
	LeaderTie Leader = "TIE"
)

// Expected is the known size of the electorate being summarized.
// Zero fields fall back to what the snapshot itself contains.
type Expected struct {
	Counties   int   `json:"counties"`
	TotalVotes int64 `json:"totalVotes"`
}

// Aggregates is the rolled-up view of a snapshot. Percentages carry two decimals.
type Aggregates struct {
	DemVotes   int64 `json:"demVotes"`
	GopVotes   int64 `json:"gopVotes"`
	OtherVotes int64 `json:"otherVotes"`
	TotalVotes int64 `json:"totalVotes"`

	CountiesKnown         int `json:"countiesKnown"`
	CountiesReporting     int `json:"countiesReporting"`
	CountiesFullyReported int `json:"countiesFullyReported"`

	ReportingPercent     float64 `json:"reportingPercent"`
	VotesReportedPercent float64 `json:"votesReportedPercent"`

	// Margin is gop minus dem; positive favors GOP.
	Margin        int64   `json:"margin"`
	MarginPercent float64 `json:"marginPercent"`
	Leader        Leader  `json:"leader"`

	Outstanding    int64   `json:"outstanding"`
	WinProbability float64 `json:"winProbability"`
}

var hundred = decimal.NewFromInt(100)

// Aggregate summarizes snapshot against expected. It holds no state.
func Aggregate(snapshot []simstate.CountyState, expected Expected) Aggregates {
	var out Aggregates
	percentSum := decimal.Zero
	for _, c := range snapshot {
		out.DemVotes = saturatingAdd(out.DemVotes, c.DemVotes)
		out.GopVotes = saturatingAdd(out.GopVotes, c.GopVotes)
		out.OtherVotes = saturatingAdd(out.OtherVotes, c.OtherVotes)
		out.TotalVotes = saturatingAdd(out.TotalVotes, c.TotalVotes)
		out.CountiesKnown++
		if c.ReportingPercent > 0 {
			out.CountiesReporting++
		}
		if c.IsFullyReported() {
			out.CountiesFullyReported++
		}
		percentSum = percentSum.Add(decimal.NewFromFloat(c.ReportingPercent))
	}

	counties := expected.Counties
	if counties < out.CountiesKnown {
		counties = out.CountiesKnown
	}
	if counties > 0 {
		out.ReportingPercent = toFloat(percentSum.Div(decimal.NewFromInt(int64(counties))).Round(2))
	}

	electorate := expected.TotalVotes
	if electorate < out.TotalVotes {
		electorate = out.TotalVotes
	}
	out.VotesReportedPercent = percentOf(out.TotalVotes, electorate)
	out.Outstanding = electorate - out.TotalVotes

	out.Margin = out.GopVotes - out.DemVotes
	out.MarginPercent = percentOf(out.Margin, out.TotalVotes)
	switch {
	case out.Margin > 0:
		out.Leader = LeaderGOP
	case out.Margin < 0:
		out.Leader = LeaderDEM
	default:
		out.Leader = LeaderTie
	}
	out.WinProbability = winProbability(out.Margin, out.Outstanding, electorate)
	return out
}

// GroupResult is the summary for one group of counties.
type GroupResult struct {
	Group string `json:"group"`
	Aggregates
}

// AggregateGroups partitions snapshot with groupOf and summarizes each group.
// Counties mapped to "" are skipped. Groups named in expected appear even when
// no county in the snapshot belongs to them. Results are sorted by group name.
func AggregateGroups(snapshot []simstate.CountyState, groupOf func(fips string) string, expected map[string]Expected) []GroupResult {
	buckets := map[string][]simstate.CountyState{}
	for name := range expected {
		buckets[name] = nil
	}
	if groupOf != nil {
		for _, c := range snapshot {
			name := groupOf(c.FIPS)
			if name == "" {
				continue
			}
			buckets[name] = append(buckets[name], c)
		}
	}

	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GroupResult, 0, len(names))
	for _, name := range names {
		out = append(out, GroupResult{Group: name, Aggregates: Aggregate(buckets[name], expected[name])})
	}
	return out
}

// winProbability maps the lead relative to what is still outstanding onto [50,100].
// A tie is 50; a lead with nothing outstanding approaches 100.
func winProbability(margin, outstanding, electorate int64) float64 {
	if margin == 0 || electorate <= 0 {
		return 50
	}
	marginShare := math.Abs(float64(margin)) / float64(electorate)
	outstandingShare := float64(outstanding) / float64(electorate)
	z := marginShare / (outstandingShare + 0.01)
	p := 50 + 50*(1-math.Exp(-4*z))
	return toFloat(decimal.NewFromFloat(math.Min(100, p)).Round(2))
}

// saturatingAdd sums non-negative counts, pinning at math.MaxInt64.
func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func percentOf(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return toFloat(decimal.NewFromInt(part).Mul(hundred).Div(decimal.NewFromInt(whole)).Round(2))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
