package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "labelwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(did, uri, val, ts, hash string) *LabelEvent {
	return &LabelEvent{
		LabelerDID: did,
		Src:        did,
		URI:        uri,
		Val:        val,
		TS:         ts,
		EventHash:  hash,
	}
}

func TestOpenMigratesToCurrentVersion(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labelwatch.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetMeta("k", "v"))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestAppendEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ev := testEvent("did:plc:a", "at://target/1", "spam", "2024-01-01T00:00:00Z", "h1")

	res, err := s.AppendEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, AppendInserted, res)

	// Same identity hash: silent no-op, not an error.
	res, err = s.AppendEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, AppendDuplicate, res)

	events, err := s.WindowedEvents("did:plc:a", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWindowedEventsBoundsAndOrder(t *testing.T) {
	s := openTestStore(t)
	for i, ts := range []string{
		"2024-01-01T00:00:00Z", // == start, included
		"2024-01-01T06:00:00Z",
		"2024-01-02T00:00:00Z", // == end, excluded
	} {
		ev := testEvent("did:plc:a", "at://t", "v", ts, string(rune('a'+i)))
		_, err := s.AppendEvent(ev)
		require.NoError(t, err)
	}

	events, err := s.WindowedEvents("did:plc:a", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2024-01-01T00:00:00Z", events[0].TS)
	assert.Equal(t, "2024-01-01T06:00:00Z", events[1].TS)
}

func TestUpsertLabelerPreservesFirstSeen(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", "first"))
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-02-01T00:00:00Z", ""))

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "2024-01-01T00:00:00Z", l.FirstSeen)
	assert.Equal(t, "2024-02-01T00:00:00Z", l.LastSeen)
	assert.Equal(t, "first", l.Description, "empty description must not clobber")
}

func TestSetLabelerIdentityKeepsKnownValues(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", ""))
	require.NoError(t, s.SetLabelerIdentity("did:plc:a", "mod.example", "Example Mod", "https://mod.example"))
	// Empty fields never clobber resolved values.
	require.NoError(t, s.SetLabelerIdentity("did:plc:a", "", "Renamed Mod", ""))

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, "mod.example", l.Handle)
	assert.Equal(t, "Renamed Mod", l.DisplayName)
	assert.Equal(t, "https://mod.example", l.ServiceEndpoint)
}

func TestGetLabelerUnknownReturnsNil(t *testing.T) {
	s := openTestStore(t)
	l, err := s.GetLabeler("did:plc:nope")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestStickyEvidenceMonotoneOr(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", ""))

	require.NoError(t, s.UpsertEvidence("did:plc:a", FlagDeclaredRecord, true, "2024-01-01T00:00:00Z", "resolver"))
	// A later false observation never clears the flag.
	require.NoError(t, s.UpsertEvidence("did:plc:a", FlagDeclaredRecord, false, "2024-01-02T00:00:00Z", "resolver"))

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	assert.True(t, l.DeclaredRecord)

	// Provenance rows are appended for both observations.
	records, err := s.ListEvidence("did:plc:a")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUpsertEvidenceRejectsUnknownFlag(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertEvidence("did:plc:a", "bogus_flag", true, "2024-01-01T00:00:00Z", "x")
	assert.Error(t, err)
}

func TestRecordProbeUpdatesProfile(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", ""))

	status := 200
	latency := 42
	require.NoError(t, s.RecordProbe(&ProbeResult{
		LabelerDID:       "did:plc:a",
		TS:               "2024-01-01T01:00:00Z",
		Endpoint:         "https://labeler.example",
		HTTPStatus:       &status,
		NormalizedStatus: "accessible",
		LatencyMs:        &latency,
	}))

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, "accessible", l.EndpointStatus)
	assert.Equal(t, "2024-01-01T01:00:00Z", l.LastProbed)

	probes, err := s.ListProbes("did:plc:a", 10)
	require.NoError(t, err)
	require.Len(t, probes, 1)
	require.NotNil(t, probes[0].HTTPStatus)
	assert.Equal(t, 200, *probes[0].HTTPStatus)
}

func TestAlertsFilterAndSuppression(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertAlert(&Alert{
		RuleID: "label_rate_spike", LabelerDID: "did:plc:a", TS: "2024-01-01T00:00:00Z",
		InputsJSON: "{}", EvidenceHashesJSON: "[]", ConfigHash: "c", ReceiptHash: "r1",
	}))
	require.NoError(t, s.InsertAlert(&Alert{
		RuleID: "flip_flop", LabelerDID: "did:plc:a", TS: "2024-01-01T01:00:00Z",
		InputsJSON: "{}", EvidenceHashesJSON: "[]", ConfigHash: "c", ReceiptHash: "r2",
		Suppression: "warming_up",
	}))

	visible, err := s.ListAlerts(AlertFilter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "label_rate_spike", visible[0].RuleID)

	all, err := s.ListAlerts(AlertFilter{IncludeSuppressed: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byRule, err := s.ListAlerts(AlertFilter{RuleID: "flip_flop", IncludeSuppressed: true})
	require.NoError(t, err)
	require.Len(t, byRule, 1)
	assert.Equal(t, "warming_up", byRule[0].Suppression)

	windowed, err := s.ListAlerts(AlertFilter{Since: "2024-01-01T00:30:00Z", IncludeSuppressed: true})
	require.NoError(t, err)
	assert.Len(t, windowed, 1)
}

func TestDerivedReceiptsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertDerivedReceipt(&DerivedReceipt{
		LabelerDID: "did:plc:a", ReceiptType: "regime", DerivationVersion: "derive_v1",
		Trigger: "scan", TS: "2024-01-01T00:00:00Z", InputHash: "ih",
		PreviousValue: "", NewValue: "stable", ReasonCodesJSON: `["sustained_activity"]`,
	}))
	require.NoError(t, s.InsertDerivedReceipt(&DerivedReceipt{
		LabelerDID: "did:plc:a", ReceiptType: "inference_risk", DerivationVersion: "derive_v1",
		Trigger: "scan", TS: "2024-01-01T00:00:00Z", InputHash: "ih",
		PreviousValue: "", NewValue: "40", ReasonCodesJSON: `[]`,
	}))

	all, err := s.ListDerivedReceipts("did:plc:a", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	regime, err := s.ListDerivedReceipts("did:plc:a", "regime")
	require.NoError(t, err)
	require.Len(t, regime, 1)
	assert.Equal(t, "stable", regime[0].NewValue)
}

func TestUpdateDerivedRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", ""))

	prev := 30
	require.NoError(t, s.UpdateDerived("did:plc:a", DerivedUpdate{
		RegimeState: "bursty", RegimeReasonCodes: `["high_burstiness"]`,
		AuditabilityRisk: 55, AuditabilityBand: "medium",
		InferenceRisk: 70, InferenceBand: "high",
		TemporalCoherence: 20, CoherenceBand: "low",
		DeriveVersion: "derive_v1", DerivedAt: "2024-01-02T00:00:00Z",
		RegimePending: "stable", RegimePendingCount: 1,
		AuditabilityPrev: &prev,
	}))

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, "bursty", l.RegimeState)
	require.NotNil(t, l.AuditabilityRisk)
	assert.Equal(t, 55, *l.AuditabilityRisk)
	assert.Equal(t, "stable", l.RegimePending)
	assert.Equal(t, 1, l.RegimePendingCount)
	require.NotNil(t, l.AuditabilityRiskPrev)
	assert.Equal(t, 30, *l.AuditabilityRiskPrev)
	assert.Nil(t, l.InferenceRiskPrev)
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	_, err = tx.AppendEvent(testEvent("did:plc:a", "u", "v", "2024-01-01T00:00:00Z", "h1"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	events, err := s.WindowedEvents("did:plc:a", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTxCommitPersistsWrites(t *testing.T) {
	s := openTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	_, err = tx.AppendEvent(testEvent("did:plc:a", "u", "v", "2024-01-01T00:00:00Z", "h1"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

	events, err := s.WindowedEvents("did:plc:a", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventStatsAll(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ts24h := FormatTS(now.Add(-24 * time.Hour))
	ts7d := FormatTS(now.Add(-7 * 24 * time.Hour))
	ts30d := FormatTS(now.Add(-30 * 24 * time.Hour))

	for i, age := range []time.Duration{
		1 * time.Hour,       // inside 24h
		3 * 24 * time.Hour,  // inside 7d
		20 * 24 * time.Hour, // inside 30d
		60 * 24 * time.Hour, // older than 30d
	} {
		ev := testEvent("did:plc:a", "u", "v", FormatTS(now.Add(-age)), string(rune('a'+i)))
		_, err := s.AppendEvent(ev)
		require.NoError(t, err)
	}

	stats, err := s.EventStatsAll(ts24h, ts7d, ts30d)
	require.NoError(t, err)
	a := stats["did:plc:a"]
	assert.Equal(t, 1, a.Count24h)
	assert.Equal(t, 2, a.Count7d)
	assert.Equal(t, 3, a.Count30d)
	assert.Equal(t, 4, a.CountTotal)
	assert.Equal(t, FormatTS(now.Add(-1*time.Hour)), a.LastEventTS)
}

func TestProbeStatsAll(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertLabeler("did:plc:a", "2024-01-01T00:00:00Z", ""))

	statuses := []string{"accessible", "down", "down", "accessible", "down"}
	for i, st := range statuses {
		require.NoError(t, s.RecordProbe(&ProbeResult{
			LabelerDID:       "did:plc:a",
			TS:               FormatTS(time.Date(2024, 2, 20+i, 0, 0, 0, 0, time.UTC)),
			Endpoint:         "e",
			NormalizedStatus: st,
		}))
	}

	stats, err := s.ProbeStatsAll("2024-02-23T00:00:00Z", "2024-02-01T00:00:00Z")
	require.NoError(t, err)
	a := stats["did:plc:a"]
	assert.Equal(t, 5, a.Count30d)
	assert.InDelta(t, 0.4, a.SuccessRatio30d, 1e-9)
	assert.Equal(t, 3, a.TransitionCount) // acc->down, down->acc, acc->down
	assert.Equal(t, 1, a.RecentFailStreak)
	assert.Equal(t, []string{"accessible", "down"}, a.Statuses7d)
}

func TestMigrationsNeverRegress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labelwatch.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta("schema_version", "99"))
	require.NoError(t, s.Close())

	// Reopening against a newer schema must refuse, not downgrade.
	_, err = Open(path)
	assert.Error(t, err)
}
