package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// --- Events ---

// AppendEvent inserts a label event, idempotent on identity hash.
// Re-appending the same logical event is a silent no-op reported as
// AppendDuplicate, never an error.
func (q queries) AppendEvent(ev *LabelEvent) (AppendResult, error) {
	res, err := q.q.Exec(
		`INSERT OR IGNORE INTO label_events(labeler_did, src, uri, cid, val, neg, exp, sig, ts, event_hash)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.LabelerDID, ev.Src, ev.URI, ev.CID, ev.Val, boolInt(ev.Neg), ev.Exp, ev.Sig, ev.TS, ev.EventHash,
	)
	if err != nil {
		return AppendDuplicate, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AppendDuplicate, fmt.Errorf("append event rows affected: %w", err)
	}
	if n == 0 {
		return AppendDuplicate, nil
	}
	return AppendInserted, nil
}

// WindowedEvents returns one labeler's events with start <= ts < end,
// ordered by timestamp.
func (q queries) WindowedEvents(labelerDID, start, end string) ([]LabelEvent, error) {
	rows, err := q.q.Query(
		`SELECT id, labeler_did, COALESCE(src,''), uri, COALESCE(cid,''), val, neg,
		        COALESCE(exp,''), COALESCE(sig,''), ts, event_hash
		 FROM label_events
		 WHERE labeler_did=? AND ts>=? AND ts<?
		 ORDER BY ts ASC, id ASC`,
		labelerDID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query windowed events: %w", err)
	}
	defer rows.Close()

	return scanLabelEvents(rows)
}

func scanLabelEvents(rows *sql.Rows) ([]LabelEvent, error) {
	var events []LabelEvent
	for rows.Next() {
		var e LabelEvent
		var neg int
		if err := rows.Scan(&e.ID, &e.LabelerDID, &e.Src, &e.URI, &e.CID, &e.Val, &neg,
			&e.Exp, &e.Sig, &e.TS, &e.EventHash); err != nil {
			return nil, fmt.Errorf("scan label event: %w", err)
		}
		e.Neg = neg != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate label events: %w", err)
	}
	return events, nil
}

// --- Labelers ---

// UpsertLabeler registers a labeler or refreshes its last-seen time.
// first_seen is set only on first insert.
func (q queries) UpsertLabeler(did, seenTS, description string) error {
	var desc any
	if description != "" {
		desc = description
	}
	_, err := q.q.Exec(
		`INSERT INTO labelers(labeler_did, description, first_seen, last_seen)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(labeler_did) DO UPDATE SET
		     last_seen=excluded.last_seen,
		     description=COALESCE(excluded.description, labelers.description)`,
		did, desc, seenTS, seenTS,
	)
	if err != nil {
		return fmt.Errorf("upsert labeler: %w", err)
	}
	return nil
}

const labelerColumns = `labeler_did, COALESCE(handle,''), COALESCE(display_name,''),
	COALESCE(description,''), COALESCE(service_endpoint,''), is_reference,
	COALESCE(endpoint_status,'unknown'), COALESCE(last_probed,''),
	COALESCE(first_seen,''), COALESCE(last_seen,''),
	COALESCE(visibility_class,'unresolved'), COALESCE(reachability_state,'unknown'),
	COALESCE(auditability,'low'), COALESCE(classification_confidence,'low'),
	COALESCE(classification_reason,''), COALESCE(classification_version,'v1'),
	COALESCE(classified_at,''),
	observed_as_src, has_labeler_service, has_label_key, declared_record, likely_test_dev,
	scan_count,
	COALESCE(regime_state,''), COALESCE(regime_reason_codes,''),
	auditability_risk, COALESCE(auditability_risk_band,''), COALESCE(auditability_risk_reasons,''),
	inference_risk, COALESCE(inference_risk_band,''), COALESCE(inference_risk_reasons,''),
	temporal_coherence, COALESCE(temporal_coherence_band,''), COALESCE(temporal_coherence_reasons,''),
	COALESCE(derive_version,''), COALESCE(derived_at,''),
	COALESCE(regime_pending,''), regime_pending_count,
	auditability_risk_prev, inference_risk_prev, temporal_coherence_prev`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLabeler(row rowScanner) (*Labeler, error) {
	var l Labeler
	var isRef, obs, svc, key, decl, testDev int
	var auditRisk, infRisk, coherence, auditPrev, infPrev, cohPrev sql.NullInt64

	err := row.Scan(
		&l.DID, &l.Handle, &l.DisplayName, &l.Description, &l.ServiceEndpoint, &isRef,
		&l.EndpointStatus, &l.LastProbed, &l.FirstSeen, &l.LastSeen,
		&l.VisibilityClass, &l.ReachabilityState, &l.Auditability, &l.ClassificationConfidence,
		&l.ClassificationReason, &l.ClassificationVersion, &l.ClassifiedAt,
		&obs, &svc, &key, &decl, &testDev,
		&l.ScanCount,
		&l.RegimeState, &l.RegimeReasonCodes,
		&auditRisk, &l.AuditabilityBand, &l.AuditabilityReasons,
		&infRisk, &l.InferenceBand, &l.InferenceReasons,
		&coherence, &l.CoherenceBand, &l.CoherenceReasons,
		&l.DeriveVersion, &l.DerivedAt,
		&l.RegimePending, &l.RegimePendingCount,
		&auditPrev, &infPrev, &cohPrev,
	)
	if err != nil {
		return nil, err
	}

	l.IsReference = isRef != 0
	l.ObservedAsSrc = obs != 0
	l.HasLabelerService = svc != 0
	l.HasLabelKey = key != 0
	l.DeclaredRecord = decl != 0
	l.LikelyTestDev = testDev != 0
	l.AuditabilityRisk = nullableInt(auditRisk)
	l.InferenceRisk = nullableInt(infRisk)
	l.TemporalCoherence = nullableInt(coherence)
	l.AuditabilityRiskPrev = nullableInt(auditPrev)
	l.InferenceRiskPrev = nullableInt(infPrev)
	l.TemporalCoherencePrev = nullableInt(cohPrev)
	return &l, nil
}

// GetLabeler retrieves one labeler profile, nil when unknown.
func (q queries) GetLabeler(did string) (*Labeler, error) {
	row := q.q.QueryRow(`SELECT `+labelerColumns+` FROM labelers WHERE labeler_did=?`, did)
	l, err := scanLabeler(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get labeler: %w", err)
	}
	return l, nil
}

// ListLabelers returns every tracked labeler, ordered by DID.
func (q queries) ListLabelers() ([]Labeler, error) {
	rows, err := q.q.Query(`SELECT ` + labelerColumns + ` FROM labelers ORDER BY labeler_did`)
	if err != nil {
		return nil, fmt.Errorf("list labelers: %w", err)
	}
	defer rows.Close()

	var labelers []Labeler
	for rows.Next() {
		l, err := scanLabeler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan labeler: %w", err)
		}
		labelers = append(labelers, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labelers: %w", err)
	}
	return labelers, nil
}

// SetReference marks a labeler as a reference instance.
func (q queries) SetReference(did string, ref bool) error {
	_, err := q.q.Exec(`UPDATE labelers SET is_reference=? WHERE labeler_did=?`, boolInt(ref), did)
	if err != nil {
		return fmt.Errorf("set reference: %w", err)
	}
	return nil
}

// SetLabelerIdentity updates discovery metadata (handle, display name,
// service endpoint).
func (q queries) SetLabelerIdentity(did, handle, displayName, serviceEndpoint string) error {
	_, err := q.q.Exec(
		`UPDATE labelers SET
		     handle=COALESCE(NULLIF(?,''), handle),
		     display_name=COALESCE(NULLIF(?,''), display_name),
		     service_endpoint=COALESCE(NULLIF(?,''), service_endpoint)
		 WHERE labeler_did=?`,
		handle, displayName, serviceEndpoint, did,
	)
	if err != nil {
		return fmt.Errorf("set labeler identity: %w", err)
	}
	return nil
}

// ClassificationUpdate carries classifier output for one labeler.
type ClassificationUpdate struct {
	VisibilityClass   string
	ReachabilityState string
	Auditability      string
	Confidence        string
	Reason            string
	Version           string
	ClassifiedAt      string
}

// UpdateClassification writes classifier output to the profile.
func (q queries) UpdateClassification(did string, c ClassificationUpdate) error {
	_, err := q.q.Exec(
		`UPDATE labelers SET
		     visibility_class=?, reachability_state=?, auditability=?,
		     classification_confidence=?, classification_reason=?,
		     classification_version=?, classified_at=?
		 WHERE labeler_did=?`,
		c.VisibilityClass, c.ReachabilityState, c.Auditability,
		c.Confidence, c.Reason, c.Version, c.ClassifiedAt, did,
	)
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	return nil
}

// DerivedUpdate carries derive-engine output for one labeler.
type DerivedUpdate struct {
	RegimeState         string
	RegimeReasonCodes   string
	AuditabilityRisk    int
	AuditabilityBand    string
	AuditabilityReasons string
	InferenceRisk       int
	InferenceBand       string
	InferenceReasons    string
	TemporalCoherence   int
	CoherenceBand       string
	CoherenceReasons    string
	DeriveVersion       string
	DerivedAt           string
	RegimePending       string
	RegimePendingCount  int
	AuditabilityPrev    *int
	InferencePrev       *int
	CoherencePrev       *int
}

// UpdateDerived writes regime/risk state plus previous-pass copies and
// hysteresis bookkeeping.
func (q queries) UpdateDerived(did string, d DerivedUpdate) error {
	var pending any
	if d.RegimePending != "" {
		pending = d.RegimePending
	}
	_, err := q.q.Exec(
		`UPDATE labelers SET
		     regime_state=?, regime_reason_codes=?,
		     auditability_risk=?, auditability_risk_band=?, auditability_risk_reasons=?,
		     inference_risk=?, inference_risk_band=?, inference_risk_reasons=?,
		     temporal_coherence=?, temporal_coherence_band=?, temporal_coherence_reasons=?,
		     derive_version=?, derived_at=?,
		     regime_pending=?, regime_pending_count=?,
		     auditability_risk_prev=?, inference_risk_prev=?, temporal_coherence_prev=?
		 WHERE labeler_did=?`,
		d.RegimeState, d.RegimeReasonCodes,
		d.AuditabilityRisk, d.AuditabilityBand, d.AuditabilityReasons,
		d.InferenceRisk, d.InferenceBand, d.InferenceReasons,
		d.TemporalCoherence, d.CoherenceBand, d.CoherenceReasons,
		d.DeriveVersion, d.DerivedAt,
		pending, d.RegimePendingCount,
		intValue(d.AuditabilityPrev), intValue(d.InferencePrev), intValue(d.CoherencePrev),
		did,
	)
	if err != nil {
		return fmt.Errorf("update derived: %w", err)
	}
	return nil
}

// IncrementScanCounts bumps the scan counter for every labeler.
func (q queries) IncrementScanCounts() error {
	if _, err := q.q.Exec(`UPDATE labelers SET scan_count = scan_count + 1`); err != nil {
		return fmt.Errorf("increment scan counts: %w", err)
	}
	return nil
}

// --- Sticky evidence ---

// UpsertEvidence applies the monotone OR merge to a sticky flag and
// appends a provenance row. A false observation never clears a flag
// that is already true.
func (q queries) UpsertEvidence(did, flag string, observed bool, ts, source string) error {
	col, ok := stickyColumns[flag]
	if !ok {
		return fmt.Errorf("unknown evidence flag: %s", flag)
	}

	if observed {
		// Column names come from the fixed stickyColumns map, never
		// from caller input.
		if _, err := q.q.Exec(
			fmt.Sprintf(`UPDATE labelers SET %s = 1 WHERE labeler_did = ?`, col), did,
		); err != nil {
			return fmt.Errorf("merge sticky flag %s: %w", flag, err)
		}
	}

	value := "false"
	if observed {
		value = "true"
	}
	if _, err := q.q.Exec(
		`INSERT INTO labeler_evidence(labeler_did, evidence_type, evidence_value, ts, source)
		 VALUES(?, ?, ?, ?, ?)`,
		did, flag, value, ts, source,
	); err != nil {
		return fmt.Errorf("insert evidence record: %w", err)
	}
	return nil
}

// ListEvidence returns a labeler's provenance rows, newest first.
func (q queries) ListEvidence(did string) ([]EvidenceRecord, error) {
	rows, err := q.q.Query(
		`SELECT id, labeler_did, evidence_type, COALESCE(evidence_value,''), ts, COALESCE(source,'')
		 FROM labeler_evidence WHERE labeler_did=? ORDER BY ts DESC, id DESC`, did)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var records []EvidenceRecord
	for rows.Next() {
		var r EvidenceRecord
		if err := rows.Scan(&r.ID, &r.LabelerDID, &r.Type, &r.Value, &r.TS, &r.Source); err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence records: %w", err)
	}
	return records, nil
}

// --- Probes ---

// RecordProbe appends a probe observation and refreshes the profile's
// latest endpoint status.
func (q queries) RecordProbe(p *ProbeResult) error {
	if _, err := q.q.Exec(
		`INSERT INTO labeler_probe_history(labeler_did, ts, endpoint, http_status, normalized_status, latency_ms, failure_type, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.LabelerDID, p.TS, p.Endpoint, intValue(p.HTTPStatus), p.NormalizedStatus,
		intValue(p.LatencyMs), nullIfEmpty(p.FailureType), nullIfEmpty(p.Error),
	); err != nil {
		return fmt.Errorf("insert probe history: %w", err)
	}

	if _, err := q.q.Exec(
		`UPDATE labelers SET endpoint_status=?, last_probed=? WHERE labeler_did=?`,
		p.NormalizedStatus, p.TS, p.LabelerDID,
	); err != nil {
		return fmt.Errorf("update endpoint status: %w", err)
	}
	return nil
}

// ListProbes returns a labeler's probe history, newest first.
func (q queries) ListProbes(did string, limit int) ([]ProbeResult, error) {
	rows, err := q.q.Query(
		`SELECT id, labeler_did, ts, endpoint, http_status, normalized_status, latency_ms,
		        COALESCE(failure_type,''), COALESCE(error,'')
		 FROM labeler_probe_history WHERE labeler_did=? ORDER BY ts DESC, id DESC LIMIT ?`,
		did, limit)
	if err != nil {
		return nil, fmt.Errorf("list probes: %w", err)
	}
	defer rows.Close()

	var probes []ProbeResult
	for rows.Next() {
		var p ProbeResult
		var httpStatus, latency sql.NullInt64
		if err := rows.Scan(&p.ID, &p.LabelerDID, &p.TS, &p.Endpoint, &httpStatus,
			&p.NormalizedStatus, &latency, &p.FailureType, &p.Error); err != nil {
			return nil, fmt.Errorf("scan probe: %w", err)
		}
		p.HTTPStatus = nullableInt(httpStatus)
		p.LatencyMs = nullableInt(latency)
		probes = append(probes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate probes: %w", err)
	}
	return probes, nil
}

// --- Alerts ---

// InsertAlert appends an alert row.
func (q queries) InsertAlert(a *Alert) error {
	_, err := q.q.Exec(
		`INSERT INTO alerts(rule_id, labeler_did, ts, inputs_json, evidence_hashes_json, config_hash, receipt_hash, suppression)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RuleID, a.LabelerDID, a.TS, a.InputsJSON, a.EvidenceHashesJSON,
		a.ConfigHash, a.ReceiptHash, a.Suppression,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts matching the filter, oldest first.
// Suppressed/quarantined alerts are excluded unless requested.
func (q queries) ListAlerts(f AlertFilter) ([]Alert, error) {
	query := `SELECT id, rule_id, labeler_did, ts, inputs_json, evidence_hashes_json,
	                 config_hash, receipt_hash, COALESCE(suppression,'')
	          FROM alerts WHERE 1=1`
	var args []any
	var conds []string

	if f.RuleID != "" {
		conds = append(conds, "rule_id=?")
		args = append(args, f.RuleID)
	}
	if f.LabelerDID != "" {
		conds = append(conds, "labeler_did=?")
		args = append(args, f.LabelerDID)
	}
	if f.Since != "" {
		conds = append(conds, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		conds = append(conds, "ts<?")
		args = append(args, f.Until)
	}
	if !f.IncludeSuppressed {
		conds = append(conds, "COALESCE(suppression,'')=''")
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts ASC, id ASC"

	rows, err := q.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.RuleID, &a.LabelerDID, &a.TS, &a.InputsJSON,
			&a.EvidenceHashesJSON, &a.ConfigHash, &a.ReceiptHash, &a.Suppression); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// --- Derived receipts ---

// InsertDerivedReceipt appends a state-transition receipt.
func (q queries) InsertDerivedReceipt(r *DerivedReceipt) error {
	_, err := q.q.Exec(
		`INSERT INTO derived_receipts(labeler_did, receipt_type, derivation_version, trigger_kind, ts,
		                              input_hash, previous_value_json, new_value_json, reason_codes_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LabelerDID, r.ReceiptType, r.DerivationVersion, r.Trigger, r.TS,
		r.InputHash, r.PreviousValue, r.NewValue, r.ReasonCodesJSON,
	)
	if err != nil {
		return fmt.Errorf("insert derived receipt: %w", err)
	}
	return nil
}

// ListDerivedReceipts returns a labeler's state-change history, oldest
// first, optionally filtered by receipt type.
func (q queries) ListDerivedReceipts(did, receiptType string) ([]DerivedReceipt, error) {
	query := `SELECT id, labeler_did, receipt_type, derivation_version, trigger_kind, ts,
	                 input_hash, previous_value_json, new_value_json, reason_codes_json
	          FROM derived_receipts WHERE labeler_did=?`
	args := []any{did}
	if receiptType != "" {
		query += ` AND receipt_type=?`
		args = append(args, receiptType)
	}
	query += ` ORDER BY ts ASC, id ASC`

	rows, err := q.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list derived receipts: %w", err)
	}
	defer rows.Close()

	var receipts []DerivedReceipt
	for rows.Next() {
		var r DerivedReceipt
		if err := rows.Scan(&r.ID, &r.LabelerDID, &r.ReceiptType, &r.DerivationVersion,
			&r.Trigger, &r.TS, &r.InputHash, &r.PreviousValue, &r.NewValue, &r.ReasonCodesJSON); err != nil {
			return nil, fmt.Errorf("scan derived receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate derived receipts: %w", err)
	}
	return receipts, nil
}

// --- Ingest outcomes ---

// InsertIngestOutcome appends an ingestion telemetry row.
func (q queries) InsertIngestOutcome(o *IngestOutcome) error {
	_, err := q.q.Exec(
		`INSERT INTO ingest_outcomes(labeler_did, ts, attempt_id, outcome, events_fetched,
		                             http_status, latency_ms, error_type, error_summary, source)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.LabelerDID, o.TS, o.AttemptID, o.Outcome, o.EventsFetched,
		intValue(o.HTTPStatus), intValue(o.LatencyMs),
		nullIfEmpty(o.ErrorType), nullIfEmpty(o.ErrorSummary), o.Source,
	)
	if err != nil {
		return fmt.Errorf("insert ingest outcome: %w", err)
	}
	return nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func intValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
