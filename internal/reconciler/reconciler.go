package reconciler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiger/election-night-sim/api/envelope"
	"github.com/tiger/election-night-sim/internal/observability/telemetry"
	"github.com/tiger/election-night-sim/internal/simstate"
)

// NewsroomCapacity is the number of newsroom items retained per session.
const NewsroomCapacity = 60

// Phase is the session lifecycle position.
type Phase string

const (
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Outcome reasons.
const (
	ReasonApplied          = "applied"
	ReasonStaleSession     = "stale_session"
	ReasonStaleEnrichment  = "stale_enrichment"
	ReasonPostCompletion   = "post_completion"
	ReasonAlreadyCompleted = "already_completed"
	ReasonSessionFailed    = "session_failed"
	ReasonUnknownType      = "unknown_type"
	ReasonDecodeError      = "decode_error"
	ReasonInvalidCounts    = "invalid_counts"
	ReasonFault            = "fault"
)

// Outcome reports what the reconciler decided for one envelope.
type Outcome struct {
	Type    envelope.Type
	Applied bool
	Reason  string
	// Touched is the number of county records written.
	Touched int
	// Fatal is set when the envelope moved the session to PhaseFailed.
	Fatal bool
}

// Metadata is the latest simulation-wide bounds received.
type Metadata struct {
	TotalDurationSeconds float64 `json:"totalDurationSeconds,omitempty"`
	CountiesTotal        int     `json:"countiesTotal,omitempty"`
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID     string    `json:"sessionId"`
	Phase         Phase     `json:"phase"`
	Fault         string    `json:"fault,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	LastFrameAt   time.Time `json:"lastFrameAt,omitempty"`
	FramesApplied int       `json:"framesApplied"`
	Counties      int       `json:"counties"`
	NewsroomItems int       `json:"newsroomItems"`
}

// Config wires a reconciler.
type Config struct {
	// SessionID is generated when empty.
	SessionID string
	Emitter   telemetry.Emitter
	Now       func() time.Time
}

// Reconciler applies envelopes for one session at a time, in arrival order.
type Reconciler struct {
	mu sync.Mutex

	sessionID     string
	store         *simstate.Store
	phase         Phase
	fault         string
	metadata      Metadata
	newsroom      []envelope.NewsroomItem
	lastFrameAt   time.Time
	framesApplied int

	emitter telemetry.Emitter
	now     func() time.Time
}

// New constructs a reconciler with a fresh session.
func New(cfg Config) *Reconciler {
	if cfg.Emitter == nil {
		cfg.Emitter = telemetry.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Reconciler{emitter: cfg.Emitter, now: cfg.Now}
	r.resetLocked(cfg.SessionID)
	return r
}

// SessionID returns the current session id.
func (r *Reconciler) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Reset discards all session state and starts newID, generating one when empty.
// Envelopes tagged with the previous id are dropped from then on.
func (r *Reconciler) Reset(newID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessionID
	r.resetLocked(newID)
	r.emitter.EmitLog("session_reset", telemetry.SeverityInfo, "session reset", map[string]string{"previous_session_id": previous}, r.correlation(""))
	return r.sessionID
}

func (r *Reconciler) resetLocked(newID string) {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		newID = uuid.NewString()
	}
	r.sessionID = newID
	r.store = simstate.NewStore()
	r.phase = PhaseActive
	r.fault = ""
	r.metadata = Metadata{}
	r.newsroom = nil
	r.lastFrameAt = time.Time{}
	r.framesApplied = 0
}

// Snapshot returns the current session's county records sorted by fips.
func (r *Reconciler) Snapshot() []simstate.CountyState {
	return r.current().Snapshot()
}

// County returns the current session's record for fips.
func (r *Reconciler) County(fips string) (simstate.CountyState, bool) {
	return r.current().Get(fips)
}

// LedgerValue returns the vote total of the last accepted enrichment for fips.
func (r *Reconciler) LedgerValue(fips string) (int64, bool) {
	return r.current().LedgerValue(fips)
}

// Demographics returns a copy of the merged demographics for fips.
func (r *Reconciler) Demographics(fips string) map[string]float64 {
	return r.current().Demographics(fips)
}

func (r *Reconciler) current() *simstate.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

// Newsroom returns retained newsroom items, oldest first.
func (r *Reconciler) Newsroom() []envelope.NewsroomItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.NewsroomItem(nil), r.newsroom...)
}

// Status reports the session lifecycle and bookkeeping.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		SessionID:     r.sessionID,
		Phase:         r.phase,
		Fault:         r.fault,
		Metadata:      r.metadata,
		LastFrameAt:   r.lastFrameAt,
		FramesApplied: r.framesApplied,
		Counties:      r.store.Len(),
		NewsroomItems: len(r.newsroom),
	}
}

// ApplyRaw decodes and applies one wire envelope under sessionID.
func (r *Reconciler) ApplyRaw(sessionID string, raw []byte) Outcome {
	env, err := envelope.Decode(raw)
	if err != nil {
		var typ envelope.Type
		var decodeErr envelope.DecodeError
		if errors.As(err, &decodeErr) {
			typ = decodeErr.Type
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if stale := r.fenceLocked(sessionID, ""); stale != nil {
			stale.Type = typ
			return r.finish(*stale)
		}
		r.emitter.EmitLog("envelope_undecodable", telemetry.SeverityWarn, err.Error(), nil, r.correlation(string(typ)))
		return r.finish(Outcome{Type: typ, Reason: ReasonDecodeError})
	}
	return r.Apply(sessionID, env)
}

// Apply reconciles one decoded envelope. It never panics and never returns an error;
// every path is described by the Outcome.
func (r *Reconciler) Apply(sessionID string, env envelope.Envelope) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	out := r.applyLocked(sessionID, env)
	r.emitter.EmitSpan("apply_envelope", start.UnixMilli(), r.now().UnixMilli(), map[string]string{"outcome": out.Reason}, r.correlation(string(env.Type)))
	return r.finish(out)
}

func (r *Reconciler) applyLocked(sessionID string, env envelope.Envelope) Outcome {
	if stale := r.fenceLocked(sessionID, env.SessionID); stale != nil {
		stale.Type = env.Type
		return *stale
	}

	switch env.Type {
	case envelope.TypeMetadata:
		return r.applyMetadata(env)
	case envelope.TypeFrame, envelope.TypeDelta:
		return r.applyFrame(env)
	case envelope.TypeEnrichment:
		return r.applyEnrichment(env)
	case envelope.TypeCompleted:
		return r.applyCompleted()
	case envelope.TypeError:
		return r.applyFault(env)
	case envelope.TypeNewsroom:
		return r.applyNewsroom(env)
	default:
		r.emitter.EmitLog("unknown_envelope", telemetry.SeverityWarn, fmt.Sprintf("ignoring unrecognized envelope type %q", env.Type), nil, r.correlation(string(env.Type)))
		return Outcome{Type: env.Type, Reason: ReasonUnknownType}
	}
}

// fenceLocked drops envelopes addressed to any session other than the current one.
func (r *Reconciler) fenceLocked(callerID, taggedID string) *Outcome {
	callerID = strings.TrimSpace(callerID)
	if callerID == r.sessionID && (taggedID == "" || taggedID == r.sessionID) {
		return nil
	}
	stale := callerID
	if callerID == r.sessionID {
		stale = taggedID
	}
	r.emitter.EmitLog("stale_session_envelope", telemetry.SeverityWarn, "dropping envelope for a previous session", map[string]string{"envelope_session_id": stale}, r.correlation(""))
	return &Outcome{Reason: ReasonStaleSession}
}

func (r *Reconciler) haltedLocked(typ envelope.Type) (Outcome, bool) {
	if r.phase != PhaseFailed {
		return Outcome{}, false
	}
	r.emitter.EmitLog("halted_session_envelope", telemetry.SeverityWarn, "session failed; mutation halted until reset", map[string]string{"fault": r.fault}, r.correlation(string(typ)))
	return Outcome{Type: typ, Reason: ReasonSessionFailed}, true
}

func (r *Reconciler) applyMetadata(env envelope.Envelope) Outcome {
	if out, halted := r.haltedLocked(env.Type); halted {
		return out
	}
	if env.Metadata != nil {
		if env.Metadata.TotalDurationSeconds != nil {
			r.metadata.TotalDurationSeconds = *env.Metadata.TotalDurationSeconds
		}
		if env.Metadata.CountiesTotal != nil {
			r.metadata.CountiesTotal = *env.Metadata.CountiesTotal
		}
	}
	return Outcome{Type: env.Type, Applied: true, Reason: ReasonApplied}
}

func (r *Reconciler) applyFrame(env envelope.Envelope) Outcome {
	if out, halted := r.haltedLocked(env.Type); halted {
		return out
	}
	if r.phase == PhaseCompleted {
		r.emitter.EmitLog("post_completion_frame", telemetry.SeverityWarn, "dropping frame received after completion", nil, r.correlation(string(env.Type)))
		return Outcome{Type: env.Type, Reason: ReasonPostCompletion}
	}
	var updates []envelope.CountyUpdate
	if env.Frame != nil {
		updates = env.Frame.Counties
	}

	// Validate the whole envelope before writing any county.
	states := make([]simstate.CountyState, 0, len(updates))
	for _, u := range updates {
		if u.DemVotes < 0 || u.GopVotes < 0 || u.TotalVotes < 0 || u.DemVotes > u.TotalVotes || u.GopVotes > u.TotalVotes-u.DemVotes {
			return r.failLocked(env.Type, ReasonInvalidCounts, fmt.Sprintf("county %s reported dem %d, gop %d, total %d", u.FIPS, u.DemVotes, u.GopVotes, u.TotalVotes), u.FIPS)
		}
		states = append(states, simstate.CountyState{
			FIPS:             u.FIPS,
			DemVotes:         u.DemVotes,
			GopVotes:         u.GopVotes,
			OtherVotes:       u.TotalVotes - u.DemVotes - u.GopVotes,
			TotalVotes:       u.TotalVotes,
			ReportingPercent: clampPercent(u.ReportingPercent),
		})
	}
	if err := r.store.UpsertAll(states); err != nil {
		return r.failLocked(env.Type, ReasonInvalidCounts, err.Error(), "")
	}
	r.lastFrameAt = r.now()
	r.framesApplied++
	r.emitter.EmitLog("frame_applied", telemetry.SeverityDebug, "frame applied", map[string]string{"counties": strconv.Itoa(len(states))}, r.correlation(string(env.Type)))
	r.emitter.EmitMetric(telemetry.MetricCountiesTouched, float64(len(states)), "count", map[string]string{"type": string(env.Type)}, r.correlation(string(env.Type)))
	return Outcome{Type: env.Type, Applied: true, Reason: ReasonApplied, Touched: len(states)}
}

func (r *Reconciler) applyEnrichment(env envelope.Envelope) Outcome {
	if out, halted := r.haltedLocked(env.Type); halted {
		return out
	}
	e := env.Enrichment
	if e == nil {
		return Outcome{Type: env.Type, Reason: ReasonDecodeError}
	}
	if err := r.store.AcceptEnrichment(e.FIPS, e.EnrichedAtTotalVotes, e.Demographics); err != nil {
		corr := r.correlation(string(env.Type))
		corr.FIPS = e.FIPS
		if simstate.IsStaleEnrichment(err) {
			r.emitter.EmitLog("stale_enrichment", telemetry.SeverityDebug, err.Error(), nil, corr)
			return Outcome{Type: env.Type, Reason: ReasonStaleEnrichment}
		}
		r.emitter.EmitLog("enrichment_rejected", telemetry.SeverityWarn, err.Error(), nil, corr)
		return Outcome{Type: env.Type, Reason: ReasonDecodeError}
	}
	return Outcome{Type: env.Type, Applied: true, Reason: ReasonApplied}
}

func (r *Reconciler) applyCompleted() Outcome {
	if out, halted := r.haltedLocked(envelope.TypeCompleted); halted {
		return out
	}
	if r.phase == PhaseCompleted {
		return Outcome{Type: envelope.TypeCompleted, Reason: ReasonAlreadyCompleted}
	}
	touched := r.store.FreezeComplete()
	r.phase = PhaseCompleted
	r.emitter.EmitLog("session_completed", telemetry.SeverityInfo, "session completed", map[string]string{"counties": strconv.Itoa(touched)}, r.correlation(string(envelope.TypeCompleted)))
	r.emitter.EmitMetric(telemetry.MetricCountiesTouched, float64(touched), "count", map[string]string{"type": string(envelope.TypeCompleted)}, r.correlation(string(envelope.TypeCompleted)))
	return Outcome{Type: envelope.TypeCompleted, Applied: true, Reason: ReasonApplied, Touched: touched}
}

func (r *Reconciler) applyFault(env envelope.Envelope) Outcome {
	if out, halted := r.haltedLocked(env.Type); halted {
		return out
	}
	message := "server reported a fatal error"
	if env.Fault != nil && env.Fault.Message != "" {
		message = env.Fault.Message
	}
	return r.failLocked(env.Type, ReasonFault, message, "")
}

func (r *Reconciler) applyNewsroom(env envelope.Envelope) Outcome {
	item := envelope.NewsroomItem{}
	if env.Newsroom != nil {
		item = *env.Newsroom
	}
	r.newsroom = append(r.newsroom, item)
	if over := len(r.newsroom) - NewsroomCapacity; over > 0 {
		r.newsroom = append([]envelope.NewsroomItem(nil), r.newsroom[over:]...)
	}
	r.emitter.EmitMetric(telemetry.MetricNewsroomDepth, float64(len(r.newsroom)), "count", nil, r.correlation(string(env.Type)))
	return Outcome{Type: env.Type, Applied: true, Reason: ReasonApplied}
}

func (r *Reconciler) failLocked(typ envelope.Type, reason, message, fips string) Outcome {
	r.phase = PhaseFailed
	r.fault = message
	corr := r.correlation(string(typ))
	corr.FIPS = fips
	r.emitter.EmitLog("session_fault", telemetry.SeverityError, message, map[string]string{"reason": reason}, corr)
	return Outcome{Type: typ, Reason: reason, Fatal: true}
}

func (r *Reconciler) finish(out Outcome) Outcome {
	outcome := out.Reason
	if outcome == "" {
		outcome = ReasonApplied
	}
	typ := string(out.Type)
	if typ == "" {
		typ = "unknown"
	}
	r.emitter.EmitMetric(telemetry.MetricEnvelopesTotal, 1, "count", map[string]string{"type": typ, "outcome": outcome}, r.correlation(typ))
	return out
}

func (r *Reconciler) correlation(envelopeType string) telemetry.Correlation {
	return telemetry.Correlation{
		SessionID:    r.sessionID,
		EnvelopeType: envelopeType,
		EmittedBy:    "reconciler",
	}
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
