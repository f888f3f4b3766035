// Package store provides SQLite-based persistence for labelwatch.
package store

import "time"

// tsLayout is the canonical timestamp encoding used in every table.
// Fixed-width UTC so lexicographic order matches chronological order.
const tsLayout = "2006-01-02T15:04:05Z"

// FormatTS encodes a timestamp in the canonical store format.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTS decodes a canonical store timestamp.
func ParseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// AppendResult reports the outcome of an idempotent event append.
type AppendResult int

const (
	// AppendInserted means the event was new and stored.
	AppendInserted AppendResult = iota
	// AppendDuplicate means an event with the same identity hash already
	// existed; the append was a no-op.
	AppendDuplicate
)

// LabelEvent is one immutable label application or retraction.
type LabelEvent struct {
	ID         int64
	LabelerDID string
	Src        string
	URI        string
	CID        string
	Val        string
	Neg        bool
	Exp        string
	Sig        string
	TS         string
	EventHash  string
}

// Labeler is the per-entity profile row: sticky evidence flags, the
// derived classification, regime/risk state with previous-pass copies,
// and hysteresis bookkeeping.
type Labeler struct {
	DID             string
	Handle          string
	DisplayName     string
	Description     string
	ServiceEndpoint string
	IsReference     bool
	EndpointStatus  string
	LastProbed      string
	FirstSeen       string
	LastSeen        string

	// Classification (written only by the scan pass).
	VisibilityClass          string
	ReachabilityState        string
	Auditability             string
	ClassificationConfidence string
	ClassificationReason     string
	ClassificationVersion    string
	ClassifiedAt             string

	// Sticky evidence flags: write-once-true, merged monotonically.
	ObservedAsSrc     bool
	HasLabelerService bool
	HasLabelKey       bool
	DeclaredRecord    bool
	LikelyTestDev     bool

	ScanCount int

	// Derived regime/risk state (written only by the scan pass).
	RegimeState         string
	RegimeReasonCodes   string
	AuditabilityRisk    *int
	AuditabilityBand    string
	AuditabilityReasons string
	InferenceRisk       *int
	InferenceBand       string
	InferenceReasons    string
	TemporalCoherence   *int
	CoherenceBand       string
	CoherenceReasons    string
	DeriveVersion       string
	DerivedAt           string

	// Hysteresis bookkeeping.
	RegimePending      string
	RegimePendingCount int

	// Previous-pass score copies for delta reporting.
	AuditabilityRiskPrev  *int
	InferenceRiskPrev     *int
	TemporalCoherencePrev *int
}

// EvidenceRecord is an append-only provenance row for one sticky-flag
// observation. Kept even when the flag is already true.
type EvidenceRecord struct {
	ID         int64
	LabelerDID string
	Type       string
	Value      string
	TS         string
	Source     string
}

// ProbeResult is one endpoint reachability observation.
type ProbeResult struct {
	ID               int64
	LabelerDID       string
	TS               string
	Endpoint         string
	HTTPStatus       *int
	NormalizedStatus string
	LatencyMs        *int
	FailureType      string
	Error            string
}

// Alert is a persisted finding plus its receipt and config hashes.
// Append-only; suppressed findings carry a marker instead of being
// dropped.
type Alert struct {
	ID                 int64
	RuleID             string
	LabelerDID         string
	TS                 string
	InputsJSON         string
	EvidenceHashesJSON string
	ConfigHash         string
	ReceiptHash        string
	Suppression        string
}

// DerivedReceipt records one regime or score transition: before/after
// values, reason codes, and the input hash of the signals that produced
// it. Emitted only on change.
type DerivedReceipt struct {
	ID                int64
	LabelerDID        string
	ReceiptType       string
	DerivationVersion string
	Trigger           string
	TS                string
	InputHash         string
	PreviousValue     string
	NewValue          string
	ReasonCodesJSON   string
}

// IngestOutcome is one ingestion attempt's telemetry row.
type IngestOutcome struct {
	ID            int64
	LabelerDID    string
	TS            string
	AttemptID     string
	Outcome       string
	EventsFetched int
	HTTPStatus    *int
	LatencyMs     *int
	ErrorType     string
	ErrorSummary  string
	Source        string
}

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	RuleID            string
	Since             string
	Until             string
	LabelerDID        string
	IncludeSuppressed bool
}

// Sticky evidence flag names accepted by UpsertEvidence.
const (
	FlagDeclaredRecord    = "declared_record"
	FlagHasLabelerService = "has_labeler_service"
	FlagHasLabelKey       = "has_label_key"
	FlagObservedAsSrc     = "observed_as_src"
	FlagLikelyTestDev     = "likely_test_dev"
)

// stickyColumns maps evidence flag names to labeler columns. Merge is a
// monotone OR: a true observation sets the column, a false one never
// clears it.
var stickyColumns = map[string]string{
	FlagDeclaredRecord:    "declared_record",
	FlagHasLabelerService: "has_labeler_service",
	FlagHasLabelKey:       "has_label_key",
	FlagObservedAsSrc:     "observed_as_src",
	FlagLikelyTestDev:     "likely_test_dev",
}
