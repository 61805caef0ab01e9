package simstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiger/election-night-sim/api/county"
)

// FullyReportedPercent is the threshold at which a county counts as fully reported.
const FullyReportedPercent = 99.9

// CountyState is the live vote record for one county.
type CountyState struct {
	FIPS             string    `json:"fips"`
	DemVotes         int64     `json:"demVotes"`
	GopVotes         int64     `json:"gopVotes"`
	OtherVotes       int64     `json:"otherVotes"`
	TotalVotes       int64     `json:"totalVotes"`
	ReportingPercent float64   `json:"reportingPercent"`
	LastUpdateTime   time.Time `json:"lastUpdateTime"`
}

// IsFullyReported reports whether the county has reached FullyReportedPercent.
func (c CountyState) IsFullyReported() bool {
	return c.ReportingPercent >= FullyReportedPercent
}

// Check verifies the record's count invariants.
func (c CountyState) Check() error {
	if c.DemVotes < 0 || c.GopVotes < 0 || c.OtherVotes < 0 || c.TotalVotes < 0 {
		return InvariantError{FIPS: c.FIPS, Reason: "vote counts must be >= 0"}
	}
	// Compared by subtraction so oversized counts cannot wrap into a match.
	if c.DemVotes > c.TotalVotes || c.GopVotes > c.TotalVotes-c.DemVotes || c.OtherVotes != c.TotalVotes-c.DemVotes-c.GopVotes {
		return InvariantError{FIPS: c.FIPS, Reason: fmt.Sprintf("dem %d + gop %d + other %d != total %d", c.DemVotes, c.GopVotes, c.OtherVotes, c.TotalVotes)}
	}
	if c.ReportingPercent < 0 || c.ReportingPercent > 100 {
		return InvariantError{FIPS: c.FIPS, Reason: "reportingPercent must be within [0,100]"}
	}
	return nil
}

// InvariantError rejects a record that would break the store's count invariants.
type InvariantError struct {
	FIPS   string
	Reason string
}

func (e InvariantError) Error() string {
	return fmt.Sprintf("county %s violates state invariant: %s", e.FIPS, e.Reason)
}

// IsInvariant reports whether err is an invariant rejection.
func IsInvariant(err error) bool {
	var target InvariantError
	return errors.As(err, &target)
}

// StaleEnrichmentError indicates an enrichment computed against an older vote total.
type StaleEnrichmentError struct {
	FIPS          string
	LedgerTotal   int64
	ProvidedTotal int64
}

func (e StaleEnrichmentError) Error() string {
	return fmt.Sprintf("stale enrichment for county %s: ledger at %d, provided %d", e.FIPS, e.LedgerTotal, e.ProvidedTotal)
}

// StaleEnrichment marks this error as an enrichment staleness rejection.
func (e StaleEnrichmentError) StaleEnrichment() bool {
	return true
}

// IsStaleEnrichment reports whether err is a stale-enrichment rejection.
func IsStaleEnrichment(err error) bool {
	var staleErr interface{ StaleEnrichment() bool }
	return errors.As(err, &staleErr) && staleErr.StaleEnrichment()
}

// Store holds one session's county records and enrichment ledger.
type Store struct {
	mu sync.RWMutex

	counties     map[string]CountyState
	ledger       map[string]int64
	demographics map[string]map[string]float64

	now func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		counties:     make(map[string]CountyState),
		ledger:       make(map[string]int64),
		demographics: make(map[string]map[string]float64),
		now:          time.Now,
	}
}

// Get returns the record for a county.
func (s *Store) Get(fips string) (CountyState, bool) {
	key, err := county.NormalizeFIPS(fips)
	if err != nil {
		return CountyState{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.counties[key]
	return state, ok
}

// Upsert replaces the whole record for a county. LastUpdateTime is stamped when zero.
func (s *Store) Upsert(fips string, state CountyState) error {
	key, err := county.NormalizeFIPS(fips)
	if err != nil {
		return err
	}
	state.FIPS = key
	if err := state.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.LastUpdateTime.IsZero() {
		state.LastUpdateTime = s.now()
	}
	s.counties[key] = state
	return nil
}

// UpsertAll validates every record before replacing any of them.
func (s *Store) UpsertAll(states []CountyState) error {
	keyed := make([]CountyState, 0, len(states))
	for _, state := range states {
		key, err := county.NormalizeFIPS(state.FIPS)
		if err != nil {
			return err
		}
		state.FIPS = key
		if err := state.Check(); err != nil {
			return err
		}
		keyed = append(keyed, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, state := range keyed {
		if state.LastUpdateTime.IsZero() {
			state.LastUpdateTime = now
		}
		s.counties[state.FIPS] = state
	}
	return nil
}

// FreezeComplete marks every known county as 100 percent reported and returns how many were touched.
func (s *Store) FreezeComplete() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, state := range s.counties {
		state.ReportingPercent = 100
		state.LastUpdateTime = now
		s.counties[key] = state
	}
	return len(s.counties)
}

// Snapshot returns all records sorted by fips.
func (s *Store) Snapshot() []CountyState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CountyState, 0, len(s.counties))
	for _, state := range s.counties {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FIPS < out[j].FIPS })
	return out
}

// Len returns the number of known counties.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counties)
}

// Reset clears records, the enrichment ledger and demographics.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counties = make(map[string]CountyState)
	s.ledger = make(map[string]int64)
	s.demographics = make(map[string]map[string]float64)
}

// AcceptEnrichment applies the staleness guard and, when accepted, records atTotal
// and merges demographics. Vote fields are never touched.
func (s *Store) AcceptEnrichment(fips string, atTotal int64, demographics map[string]float64) error {
	key, err := county.NormalizeFIPS(fips)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.ledger[key]; ok && atTotal < current {
		return StaleEnrichmentError{FIPS: key, LedgerTotal: current, ProvidedTotal: atTotal}
	}
	s.ledger[key] = atTotal
	if len(demographics) > 0 {
		merged, ok := s.demographics[key]
		if !ok {
			merged = make(map[string]float64, len(demographics))
			s.demographics[key] = merged
		}
		for k, v := range demographics {
			merged[k] = v
		}
	}
	return nil
}

// LedgerValue returns the vote total of the last accepted enrichment.
func (s *Store) LedgerValue(fips string) (int64, bool) {
	key, err := county.NormalizeFIPS(fips)
	if err != nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.ledger[key]
	return v, ok
}

// Demographics returns a copy of the merged demographic payload for a county.
func (s *Store) Demographics(fips string) map[string]float64 {
	key, err := county.NormalizeFIPS(fips)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.demographics[key]
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
