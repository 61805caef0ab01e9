package county

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FIPSWidth is the fixed identifier width used at every ingestion boundary.
const FIPSWidth = 5

// Geography classifies a county for group-rule matching.
type Geography string

const (
	GeographyRural    Geography = "rural"
	GeographySuburban Geography = "suburban"
	GeographyUrban    Geography = "urban"
)

// Valid reports whether g is one of the known geography classes.
func (g Geography) Valid() bool {
	switch g {
	case GeographyRural, GeographySuburban, GeographyUrban:
		return true
	default:
		return false
	}
}

// Metadata is the read-only description of a county supplied by the results collaborator.
type Metadata struct {
	FIPS               string    `json:"fips"`
	Name               string    `json:"name,omitempty"`
	State              string    `json:"state,omitempty"`
	Geography          Geography `json:"geography,omitempty"`
	Region             string    `json:"region,omitempty"`
	Population         int64     `json:"population,omitempty"`
	ExpectedTotalVotes int64     `json:"expectedTotalVotes,omitempty"`
	DemShare           float64   `json:"demShare,omitempty"`
	GopShare           float64   `json:"gopShare,omitempty"`
	// Rank is the 0..1 position of the county under an ordering rule.
	Rank float64 `json:"rank,omitempty"`
	// LastKnownPercent is what a manual county reports until its trigger fires.
	LastKnownPercent float64 `json:"lastKnownPercent,omitempty"`
}

// Validate checks metadata integrity for resolver inputs.
func (m Metadata) Validate() error {
	if _, err := NormalizeFIPS(m.FIPS); err != nil {
		return err
	}
	if m.Geography != "" && !m.Geography.Valid() {
		return fmt.Errorf("invalid geography: %q", m.Geography)
	}
	if m.Population < 0 || m.ExpectedTotalVotes < 0 {
		return fmt.Errorf("population and expectedTotalVotes must be >= 0")
	}
	if m.DemShare < 0 || m.GopShare < 0 || m.DemShare+m.GopShare > 1 {
		return fmt.Errorf("party shares must be >= 0 and sum to <= 1")
	}
	if m.Rank < 0 || m.Rank > 1 {
		return fmt.Errorf("rank must be within [0,1]")
	}
	return nil
}

// NormalizeFIPS trims and left-pads a county identifier to FIPSWidth digits.
func NormalizeFIPS(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", fmt.Errorf("fips is required")
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("fips %q must be numeric", raw)
		}
	}
	v = strings.TrimLeft(v, "0")
	if len(v) > FIPSWidth {
		return "", fmt.Errorf("fips %q exceeds %d digits", raw, FIPSWidth)
	}
	if v == "" {
		return "", fmt.Errorf("fips %q is all zeros", raw)
	}
	return strings.Repeat("0", FIPSWidth-len(v)) + v, nil
}

// FIPS is a county identifier that decodes from a JSON string or number.
type FIPS string

// UnmarshalJSON accepts "1001", "01001" and 1001 alike and normalizes the result.
func (f *FIPS) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	} else {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("fips %s is not an integer", raw)
		}
		raw = strconv.FormatInt(n, 10)
	}
	normalized, err := NormalizeFIPS(raw)
	if err != nil {
		return err
	}
	*f = FIPS(normalized)
	return nil
}

// String returns the normalized identifier.
func (f FIPS) String() string {
	return string(f)
}
