package store

import (
	"database/sql"
	"fmt"
)

// Migration is one forward-only schema step. Historical append-only rows
// are never rewritten or deleted by a migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: events, labelers, alerts, evidence, probes, receipts",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add ingest_outcomes table for ingestion telemetry",
		Up:          migrationV2Up,
	},
	{
		Version:     3,
		Description: "Add suppression marker to alerts for warm-up quarantine",
		Up:          migrationV3Up,
	},
}

const migrationV1Up = `
-- Key-value area for schema version and build metadata
CREATE TABLE IF NOT EXISTS meta (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);

-- Label events (append-only, unique on identity hash)
CREATE TABLE IF NOT EXISTS label_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    labeler_did TEXT NOT NULL,
    src         TEXT,
    uri         TEXT NOT NULL,
    cid         TEXT,
    val         TEXT NOT NULL,
    neg         INTEGER DEFAULT 0,
    exp         TEXT,
    sig         TEXT,
    ts          TEXT NOT NULL,
    event_hash  TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_label_events_labeler_ts ON label_events(labeler_did, ts);
CREATE INDEX IF NOT EXISTS idx_label_events_uri_ts ON label_events(uri, ts);

-- Labelers (one row per observed entity)
CREATE TABLE IF NOT EXISTS labelers (
    labeler_did                 TEXT PRIMARY KEY,
    handle                      TEXT,
    display_name                TEXT,
    description                 TEXT,
    service_endpoint            TEXT,
    is_reference                INTEGER DEFAULT 0,
    endpoint_status             TEXT DEFAULT 'unknown',
    last_probed                 TEXT,
    first_seen                  TEXT,
    last_seen                   TEXT,
    visibility_class            TEXT DEFAULT 'unresolved',
    reachability_state          TEXT DEFAULT 'unknown',
    auditability                TEXT DEFAULT 'low',
    classification_confidence   TEXT DEFAULT 'low',
    classification_reason       TEXT,
    classification_version      TEXT DEFAULT 'v1',
    classified_at               TEXT,
    observed_as_src             INTEGER DEFAULT 0,
    has_labeler_service         INTEGER DEFAULT 0,
    has_label_key               INTEGER DEFAULT 0,
    declared_record             INTEGER DEFAULT 0,
    likely_test_dev             INTEGER DEFAULT 0,
    scan_count                  INTEGER DEFAULT 0,
    regime_state                TEXT,
    regime_reason_codes         TEXT,
    auditability_risk           INTEGER,
    auditability_risk_band      TEXT,
    auditability_risk_reasons   TEXT,
    inference_risk              INTEGER,
    inference_risk_band         TEXT,
    inference_risk_reasons      TEXT,
    temporal_coherence          INTEGER,
    temporal_coherence_band     TEXT,
    temporal_coherence_reasons  TEXT,
    derive_version              TEXT,
    derived_at                  TEXT,
    regime_pending              TEXT,
    regime_pending_count        INTEGER DEFAULT 0,
    auditability_risk_prev      INTEGER,
    inference_risk_prev         INTEGER,
    temporal_coherence_prev     INTEGER
);

-- Alerts (append-only)
CREATE TABLE IF NOT EXISTS alerts (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id               TEXT NOT NULL,
    labeler_did           TEXT NOT NULL,
    ts                    TEXT NOT NULL,
    inputs_json           TEXT NOT NULL,
    evidence_hashes_json  TEXT NOT NULL,
    config_hash           TEXT NOT NULL,
    receipt_hash          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_rule_ts ON alerts(rule_id, ts);

-- Sticky-flag provenance (append-only)
CREATE TABLE IF NOT EXISTS labeler_evidence (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    labeler_did    TEXT NOT NULL,
    evidence_type  TEXT NOT NULL,
    evidence_value TEXT,
    ts             TEXT NOT NULL,
    source         TEXT
);

CREATE INDEX IF NOT EXISTS idx_labeler_evidence_did ON labeler_evidence(labeler_did, evidence_type);

-- Probe history (append-only)
CREATE TABLE IF NOT EXISTS labeler_probe_history (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    labeler_did       TEXT NOT NULL,
    ts                TEXT NOT NULL,
    endpoint          TEXT NOT NULL,
    http_status       INTEGER,
    normalized_status TEXT NOT NULL,
    latency_ms        INTEGER,
    failure_type      TEXT,
    error             TEXT
);

CREATE INDEX IF NOT EXISTS idx_probe_history_did_ts ON labeler_probe_history(labeler_did, ts);

-- Derived-state receipts (append-only, emitted on change only)
CREATE TABLE IF NOT EXISTS derived_receipts (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    labeler_did         TEXT NOT NULL,
    receipt_type        TEXT NOT NULL,
    derivation_version  TEXT NOT NULL,
    trigger_kind        TEXT NOT NULL,
    ts                  TEXT NOT NULL,
    input_hash          TEXT NOT NULL,
    previous_value_json TEXT NOT NULL,
    new_value_json      TEXT NOT NULL,
    reason_codes_json   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_derived_receipts_did_type ON derived_receipts(labeler_did, receipt_type, ts);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS ingest_outcomes (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    labeler_did    TEXT NOT NULL,
    ts             TEXT NOT NULL,
    attempt_id     TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    events_fetched INTEGER,
    http_status    INTEGER,
    latency_ms     INTEGER,
    error_type     TEXT,
    error_summary  TEXT,
    source         TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_outcomes_did_ts ON ingest_outcomes(labeler_did, ts);
`

const migrationV3Up = `
ALTER TABLE alerts ADD COLUMN suppression TEXT DEFAULT '';
`

// SchemaVersion is the version the code expects after migration.
const SchemaVersion = 3

// migrate applies all pending migrations to the database.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than code version %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO meta(key, value) VALUES('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			fmt.Sprintf("%d", m.Version),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// schemaVersion reads the current schema version, 0 when uninitialized.
func schemaVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}
