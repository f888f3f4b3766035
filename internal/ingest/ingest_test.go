package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelwatch/internal/store"
)

var ingestNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "labelwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawEvent(did, uri, val string) map[string]any {
	return map[string]any{
		"labeler_did": did,
		"src":         did,
		"uri":         uri,
		"val":         val,
		"ts":          "2024-06-01T10:00:00Z",
	}
}

func TestNormalizeProducesStableIdentityHash(t *testing.T) {
	raw := rawEvent("did:plc:a", "at://target/1", "spam")

	first, err := Normalize(raw, ingestNow)
	require.NoError(t, err)
	again, err := Normalize(raw, ingestNow)
	require.NoError(t, err)

	assert.Equal(t, first.EventHash, again.EventHash)
	assert.Len(t, first.EventHash, 64)

	// Any distinguishing field changes the hash.
	changed := rawEvent("did:plc:a", "at://target/1", "rude")
	other, err := Normalize(changed, ingestNow)
	require.NoError(t, err)
	assert.NotEqual(t, first.EventHash, other.EventHash)
}

func TestNormalizeSrcFallback(t *testing.T) {
	raw := map[string]any{
		"src": "did:plc:issuer",
		"uri": "at://t",
		"val": "spam",
	}
	ev, err := Normalize(raw, ingestNow)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:issuer", ev.LabelerDID)
	// Missing ts falls back to the ingest time.
	assert.Equal(t, store.FormatTS(ingestNow), ev.TS)
}

func TestNormalizeSigBytesEnvelope(t *testing.T) {
	raw := rawEvent("did:plc:a", "at://t", "spam")
	raw["sig"] = map[string]any{"$bytes": "c2ln"}
	ev, err := Normalize(raw, ingestNow)
	require.NoError(t, err)
	assert.Equal(t, "c2ln", ev.Sig)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"missing uri", map[string]any{"labeler_did": "did:plc:a", "val": "spam"}},
		{"missing val", map[string]any{"labeler_did": "did:plc:a", "uri": "at://t"}},
		{"no issuer at all", map[string]any{"uri": "at://t", "val": "spam"}},
		{"bad did shape", map[string]any{"labeler_did": "not-a-did", "uri": "at://t", "val": "spam"}},
		{"empty val", map[string]any{"labeler_did": "did:plc:a", "uri": "at://t", "val": ""}},
		{"garbage ts", map[string]any{"labeler_did": "did:plc:a", "uri": "at://t", "val": "spam", "ts": "zzz-definitely-not-a-timestamp"}},
		{"garbage exp", map[string]any{"labeler_did": "did:plc:a", "uri": "at://t", "val": "spam", "exp": "never"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, ingestNow)
			assert.Error(t, err)
		})
	}
}

func TestNormalizeCanonicalizesTimestamps(t *testing.T) {
	raw := rawEvent("did:plc:a", "at://t", "spam")
	raw["ts"] = "2024-06-01T12:00:00+02:00"
	raw["exp"] = "2025-01-01T00:00:00+02:00"

	ev, err := Normalize(raw, ingestNow)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T10:00:00Z", ev.TS)
	assert.Equal(t, "2024-12-31T22:00:00Z", ev.Exp)
}

// A non-timestamp ts would sort above every real timestamp and sit in
// all recency windows forever, so it must never reach the store.
func TestIngestBatchRejectsUnparseableTimestamp(t *testing.T) {
	s := openTestStore(t)
	ing := New(s, "test")

	bad := rawEvent("did:plc:a", "at://t/1", "spam")
	bad["ts"] = "zzz-definitely-not-a-timestamp"

	res, err := ing.IngestBatch([]map[string]any{
		bad,
		rawEvent("did:plc:a", "at://t/2", "spam"),
	}, ingestNow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 0, res.Skipped[0].Index)

	since := store.FormatTS(ingestNow.Add(-24 * time.Hour))
	stats, err := s.EventStatsAll(since, since, since)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["did:plc:a"].CountTotal)
	assert.Equal(t, "2024-06-01T10:00:00Z", stats["did:plc:a"].LastEventTS)
}

func TestIngestBatchSkipsMalformedAndContinues(t *testing.T) {
	s := openTestStore(t)
	ing := New(s, "test")

	res, err := ing.IngestBatch([]map[string]any{
		rawEvent("did:plc:a", "at://t/1", "spam"),
		{"uri": "at://broken"}, // no val, no issuer
		rawEvent("did:plc:a", "at://t/2", "spam"),
	}, ingestNow)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 1, res.Skipped[0].Index)
}

func TestIngestBatchDuplicatesAreCountedNotErrors(t *testing.T) {
	s := openTestStore(t)
	ing := New(s, "test")
	batch := []map[string]any{rawEvent("did:plc:a", "at://t/1", "spam")}

	res, err := ing.IngestBatch(batch, ingestNow)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = ing.IngestBatch(batch, ingestNow)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestIngestBatchTracksObservedSrc(t *testing.T) {
	s := openTestStore(t)
	ing := New(s, "test")

	_, err := ing.IngestBatch([]map[string]any{rawEvent("did:plc:a", "at://t/1", "spam")}, ingestNow)
	require.NoError(t, err)

	l, err := s.GetLabeler("did:plc:a")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.ObservedAsSrc)

	records, err := s.ListEvidence("did:plc:a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, store.FlagObservedAsSrc, records[0].Type)
}

func TestFromReaderUnwrapsLabelEnvelope(t *testing.T) {
	s := openTestStore(t)
	ing := New(s, "test")

	jsonl := strings.Join([]string{
		`{"label":{"labeler_did":"did:plc:a","uri":"at://t/1","val":"spam","ts":"2024-06-01T10:00:00Z"}}`,
		``,
		`{"labeler_did":"did:plc:a","uri":"at://t/2","val":"spam","ts":"2024-06-01T10:01:00Z"}`,
	}, "\n")

	res, err := ing.FromReader(strings.NewReader(jsonl), ingestNow)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestFromServiceFollowsCursorAndRecordsOutcomes(t *testing.T) {
	s := openTestStore(t)

	pages := map[string]string{
		"": `{"cursor":"c1","labels":[
			{"labeler_did":"did:plc:a","uri":"at://t/1","val":"spam","ts":"2024-06-01T10:00:00Z"}]}`,
		"c1": `{"labels":[]}`,
	}
	var gotCursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.label.queryLabels", r.URL.Path)
		cursor := r.URL.Query().Get("cursor")
		gotCursors = append(gotCursors, cursor)
		w.Write([]byte(pages[cursor]))
	}))
	defer srv.Close()

	ing := New(s, "test")
	total, err := ing.FromService(context.Background(), srv.URL, []string{"did:plc:a", "did:plc:b"}, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"", "c1"}, gotCursors)

	// Cursor persisted for the next poll.
	cursor, err := ing.Cursor()
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor)
}

func TestFromServiceRecordsFailureOutcome(t *testing.T) {
	s := openTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ing := New(s, "test")
	_, err := ing.FromService(context.Background(), srv.URL, []string{"did:plc:a"}, 100, 10)
	assert.Error(t, err)
}
