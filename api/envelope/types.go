package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tiger/election-night-sim/api/county"
)

// Type tags an inbound envelope.
type Type string

const (
	TypeMetadata   Type = "metadata"
	TypeFrame      Type = "frame"
	TypeDelta      Type = "delta"
	TypeEnrichment Type = "enrichment"
	TypeCompleted  Type = "completed"
	TypeError      Type = "error"
	TypeNewsroom   Type = "newsroom"
)

// Known reports whether t is one of the recognized envelope types.
func (t Type) Known() bool {
	switch t {
	case TypeMetadata, TypeFrame, TypeDelta, TypeEnrichment, TypeCompleted, TypeError, TypeNewsroom:
		return true
	default:
		return false
	}
}

// Metadata carries simulation-wide bounds. Nil fields were absent.
type Metadata struct {
	TotalDurationSeconds *float64 `json:"totalDurationSeconds,omitempty"`
	CountiesTotal        *int     `json:"countiesTotal,omitempty"`
}

// CountyUpdate is one county record inside a frame or delta.
type CountyUpdate struct {
	FIPS             string  `json:"fips"`
	DemVotes         int64   `json:"demVotes"`
	GopVotes         int64   `json:"gopVotes"`
	TotalVotes       int64   `json:"totalVotes"`
	ReportingPercent float64 `json:"reportingPercent"`
}

// Frame is the payload of frame and delta envelopes.
type Frame struct {
	Counties []CountyUpdate `json:"counties"`
}

// Enrichment is a demographic breakdown computed at a vote total.
type Enrichment struct {
	FIPS                 string             `json:"fips"`
	EnrichedAtTotalVotes int64              `json:"enrichedAtTotalVotes"`
	Demographics         map[string]float64 `json:"demographics,omitempty"`
}

// Fault is the payload of an error envelope.
type Fault struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewsroomItem is one narrative event.
type NewsroomItem struct {
	ID        string          `json:"id,omitempty"`
	Headline  string          `json:"headline"`
	Body      string          `json:"body,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Envelope is the decoded tagged variant. Exactly the field matching Type is set;
// completed and unknown envelopes carry no payload.
type Envelope struct {
	Type      Type
	SessionID string

	Metadata   *Metadata
	Frame      *Frame
	Enrichment *Enrichment
	Fault      *Fault
	Newsroom   *NewsroomItem
}

// DecodeError reports an envelope that could not be decoded into its variant.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e DecodeError) Error() string {
	label := string(e.Type)
	if label == "" {
		label = "envelope"
	}
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", label, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", label, e.Reason)
}

func (e DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is an envelope decode failure.
func IsDecodeError(err error) bool {
	var target DecodeError
	return errors.As(err, &target)
}

type wire struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses one envelope. Unknown types decode successfully with no payload
// so callers can ignore them; malformed known payloads return DecodeError.
func Decode(raw []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, DecodeError{Reason: "invalid json", Err: err}
	}
	env := Envelope{
		Type:      Type(strings.ToLower(strings.TrimSpace(w.Type))),
		SessionID: strings.TrimSpace(w.SessionID),
	}
	if env.Type == "" {
		return Envelope{}, DecodeError{Reason: "type is required"}
	}

	var err error
	switch env.Type {
	case TypeMetadata:
		env.Metadata, err = decodeMetadata(w.Payload)
	case TypeFrame, TypeDelta:
		env.Frame, err = decodeFrame(w.Payload)
	case TypeEnrichment:
		env.Enrichment, err = decodeEnrichment(w.Payload)
	case TypeError:
		env.Fault, err = decodeFault(w.Payload)
	case TypeNewsroom:
		env.Newsroom, err = decodeNewsroom(w.Payload)
	}
	if err != nil {
		var decodeErr DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.Type = env.Type
			return Envelope{}, decodeErr
		}
		return Envelope{}, DecodeError{Type: env.Type, Reason: "invalid payload", Err: err}
	}
	return env, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func payloadFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if !present(raw) {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, DecodeError{Reason: "payload must be an object", Err: err}
	}
	return fields, nil
}

func decodeMetadata(raw json.RawMessage) (*Metadata, error) {
	var m Metadata
	if present(raw) {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	if m.TotalDurationSeconds != nil && *m.TotalDurationSeconds < 0 {
		return nil, DecodeError{Reason: "totalDurationSeconds must be >= 0"}
	}
	if m.CountiesTotal != nil && *m.CountiesTotal < 0 {
		return nil, DecodeError{Reason: "countiesTotal must be >= 0"}
	}
	return &m, nil
}

type wireVotes struct {
	Dem   *int64 `json:"dem"`
	Gop   *int64 `json:"gop"`
	Total *int64 `json:"total"`
}

type wireCounty struct {
	FIPS             *county.FIPS `json:"fips"`
	DemVotes         *int64       `json:"demVotes"`
	GopVotes         *int64       `json:"gopVotes"`
	TotalVotes       *int64       `json:"totalVotes"`
	Votes            *wireVotes   `json:"votes"`
	ReportingPercent *float64     `json:"reportingPercent"`
	PercentReporting *float64     `json:"percentReporting"`
}

// decodeFrame applies the county list precedence counties > updates > results.
func decodeFrame(raw json.RawMessage) (*Frame, error) {
	fields, err := payloadFields(raw)
	if err != nil {
		return nil, err
	}
	frame := &Frame{}
	switch {
	case present(fields["counties"]):
		frame.Counties, err = decodeCountyList(fields["counties"], "counties")
	case present(fields["updates"]):
		frame.Counties, err = decodeCountyList(fields["updates"], "updates")
	case present(fields["results"]):
		frame.Counties, err = decodeCountyMap(fields["results"])
	}
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func decodeCountyList(raw json.RawMessage, field string) ([]CountyUpdate, error) {
	var entries []wireCounty
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, DecodeError{Reason: field + " must be an array of county records", Err: err}
	}
	out := make([]CountyUpdate, 0, len(entries))
	for i, entry := range entries {
		if entry.FIPS == nil || *entry.FIPS == "" {
			return nil, DecodeError{Reason: fmt.Sprintf("%s[%d].fips is required", field, i)}
		}
		out = append(out, entry.update(string(*entry.FIPS)))
	}
	return out, nil
}

// decodeCountyMap reads results keyed by fips. Entries are emitted in fips order.
func decodeCountyMap(raw json.RawMessage) ([]CountyUpdate, error) {
	var entries map[string]wireCounty
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, DecodeError{Reason: "results must be an object keyed by fips", Err: err}
	}
	out := make([]CountyUpdate, 0, len(entries))
	for key, entry := range entries {
		fips, err := county.NormalizeFIPS(key)
		if err != nil {
			return nil, DecodeError{Reason: fmt.Sprintf("results key %q", key), Err: err}
		}
		if entry.FIPS != nil && *entry.FIPS != "" {
			fips = string(*entry.FIPS)
		}
		out = append(out, entry.update(fips))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FIPS < out[j].FIPS })
	return out, nil
}

// update resolves flat vote fields over nested votes and reportingPercent over
// percentReporting. A missing total is taken as dem + gop,
// or -1 when that sum does not fit in an int64.
func (w wireCounty) update(fips string) CountyUpdate {
	var dem, gop, total *int64
	switch {
	case w.DemVotes != nil || w.GopVotes != nil || w.TotalVotes != nil:
		dem, gop, total = w.DemVotes, w.GopVotes, w.TotalVotes
	case w.Votes != nil:
		dem, gop, total = w.Votes.Dem, w.Votes.Gop, w.Votes.Total
	}
	u := CountyUpdate{FIPS: fips}
	if dem != nil {
		u.DemVotes = *dem
	}
	if gop != nil {
		u.GopVotes = *gop
	}
	switch {
	case total != nil:
		u.TotalVotes = *total
	case u.DemVotes >= 0 && u.GopVotes >= 0 && u.GopVotes > math.MaxInt64-u.DemVotes:
		// Unrepresentable; -1 is rejected downstream as a negative count.
		u.TotalVotes = -1
	default:
		u.TotalVotes = u.DemVotes + u.GopVotes
	}
	switch {
	case w.ReportingPercent != nil:
		u.ReportingPercent = *w.ReportingPercent
	case w.PercentReporting != nil:
		u.ReportingPercent = *w.PercentReporting
	}
	return u
}

type wireEnrichment struct {
	FIPS                 *county.FIPS       `json:"fips"`
	EnrichedAtTotalVotes *int64             `json:"enrichedAtTotalVotes"`
	Demographics         map[string]float64 `json:"demographics"`
	Breakdown            map[string]float64 `json:"breakdown"`
}

func decodeEnrichment(raw json.RawMessage) (*Enrichment, error) {
	if !present(raw) {
		return nil, DecodeError{Reason: "payload is required"}
	}
	var w wireEnrichment
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.FIPS == nil || *w.FIPS == "" {
		return nil, DecodeError{Reason: "fips is required"}
	}
	if w.EnrichedAtTotalVotes == nil {
		return nil, DecodeError{Reason: "enrichedAtTotalVotes is required"}
	}
	out := &Enrichment{FIPS: string(*w.FIPS), EnrichedAtTotalVotes: *w.EnrichedAtTotalVotes}
	if w.Demographics != nil {
		out.Demographics = w.Demographics
	} else {
		out.Demographics = w.Breakdown
	}
	return out, nil
}

func decodeFault(raw json.RawMessage) (*Fault, error) {
	fields, err := payloadFields(raw)
	if err != nil {
		return nil, err
	}
	fault := &Fault{}
	for _, key := range []string{"message", "error"} {
		if present(fields[key]) {
			if err := json.Unmarshal(fields[key], &fault.Message); err != nil {
				return nil, DecodeError{Reason: key + " must be a string", Err: err}
			}
			break
		}
	}
	if present(fields["code"]) {
		if err := json.Unmarshal(fields["code"], &fault.Code); err != nil {
			return nil, DecodeError{Reason: "code must be a string", Err: err}
		}
	}
	if strings.TrimSpace(fault.Message) == "" {
		fault.Message = "server reported a fatal error"
	}
	return fault, nil
}

func decodeNewsroom(raw json.RawMessage) (*NewsroomItem, error) {
	item := &NewsroomItem{}
	if present(raw) {
		if err := json.Unmarshal(raw, item); err != nil {
			return nil, err
		}
		item.Raw = append(json.RawMessage(nil), raw...)
	}
	return item, nil
}
