// Package ingest is the boundary between the raw upstream label feed
// and the append-only event store. Raw events are schema-validated and
// normalized here; malformed ones are skipped with a reason and never
// abort a batch.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"labelwatch/internal/logging"
	"labelwatch/internal/receipt"
	"labelwatch/internal/store"
)

//go:embed schema/label-event.schema.json
var labelEventSchemaJSON string

var labelEventSchema = jsonschema.MustCompileString(
	"label-event.schema.json", labelEventSchemaJSON)

var validDID = regexp.MustCompile(`^did:(plc|web):[a-zA-Z0-9._:%-]{1,256}$`)

// SkipReport explains one raw event dropped during normalization.
type SkipReport struct {
	Index  int
	Reason string
}

// Normalize validates one raw decoded event against the embedded
// schema and maps it into a LabelEvent with its identity hash. The
// hash covers every distinguishing raw field, so re-ingesting the same
// upstream event always lands on the same row.
func Normalize(raw map[string]any, now time.Time) (*store.LabelEvent, error) {
	if err := labelEventSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("validate raw event: %w", err)
	}

	labelerDID := stringField(raw, "labeler_did")
	src := stringField(raw, "src")
	if labelerDID == "" {
		labelerDID = src
	}

	neg := false
	if v, ok := raw["neg"].(bool); ok {
		neg = v
	}

	// Signatures sometimes arrive as {"$bytes": "..."} envelopes.
	sig := stringField(raw, "sig")
	if m, ok := raw["sig"].(map[string]any); ok {
		sig = stringField(m, "$bytes")
	}

	// Timestamps are stored as text and compared lexicographically, so
	// both ts and exp must parse and land in the canonical UTC form.
	ts := stringField(raw, "ts")
	if ts == "" {
		ts = store.FormatTS(now)
	} else {
		parsed, err := store.ParseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse event ts %q: %w", ts, err)
		}
		ts = store.FormatTS(parsed)
	}

	exp := stringField(raw, "exp")
	if exp != "" {
		parsed, err := store.ParseTS(exp)
		if err != nil {
			return nil, fmt.Errorf("parse event exp %q: %w", exp, err)
		}
		exp = store.FormatTS(parsed)
	}

	ev := &store.LabelEvent{
		LabelerDID: labelerDID,
		Src:        src,
		URI:        stringField(raw, "uri"),
		CID:        stringField(raw, "cid"),
		Val:        stringField(raw, "val"),
		Neg:        neg,
		Exp:        exp,
		Sig:        sig,
		TS:         ts,
	}

	hash, err := identityHash(ev)
	if err != nil {
		return nil, err
	}
	ev.EventHash = hash
	return ev, nil
}

// identityHash digests the canonical form of the distinguishing fields.
func identityHash(ev *store.LabelEvent) (string, error) {
	negInt := 0
	if ev.Neg {
		negInt = 1
	}
	hash, err := receipt.HashValue(map[string]any{
		"labeler_did": ev.LabelerDID,
		"src":         ev.Src,
		"uri":         ev.URI,
		"cid":         ev.CID,
		"val":         ev.Val,
		"neg":         negInt,
		"exp":         ev.Exp,
		"sig":         ev.Sig,
		"ts":          ev.TS,
	})
	if err != nil {
		return "", fmt.Errorf("hash event identity: %w", err)
	}
	return hash, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Result summarizes one ingestion batch.
type Result struct {
	Inserted   int
	Duplicates int
	Skipped    []SkipReport
}

// Ingester appends normalized events to the store, tracking cursors
// and recording outcome telemetry per attempt.
type Ingester struct {
	store  *store.Store
	client *http.Client
	log    *logging.Logger
	source string
}

// New creates an Ingester writing to st. source names the feed in
// cursor keys and outcome rows.
func New(st *store.Store, source string) *Ingester {
	return &Ingester{
		store:  st,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logging.Default().WithComponent("ingest"),
		source: source,
	}
}

func cursorKey(source string) string {
	return "ingest_cursor:" + source
}

// Cursor returns the persisted feed cursor, "" when none.
func (i *Ingester) Cursor() (string, error) {
	return i.store.GetMeta(cursorKey(i.source))
}

// IngestBatch normalizes and appends a batch of raw events inside one
// transaction, so a batch lands whole or not at all. Malformed events
// are skipped with a reason; duplicates are counted, not errors. Each
// event's issuer is registered and its observed-as-source sticky flag
// recorded.
func (i *Ingester) IngestBatch(raws []map[string]any, now time.Time) (*Result, error) {
	tx, err := i.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &Result{}
	evidenceSeen := make(map[string]bool)

	for idx, raw := range raws {
		ev, err := Normalize(raw, now)
		if err != nil {
			res.Skipped = append(res.Skipped, SkipReport{Index: idx, Reason: err.Error()})
			i.log.Warn("skipping malformed event", "index", idx, "error", err)
			continue
		}

		if err := tx.UpsertLabeler(ev.LabelerDID, ev.TS, ""); err != nil {
			return res, err
		}

		srcDID := ev.Src
		if srcDID == "" {
			srcDID = ev.LabelerDID
		}
		if validDID.MatchString(srcDID) && !evidenceSeen[srcDID] {
			if err := tx.UpsertLabeler(srcDID, ev.TS, ""); err != nil {
				return res, err
			}
			if err := tx.UpsertEvidence(srcDID, store.FlagObservedAsSrc, true, ev.TS, "ingest"); err != nil {
				return res, err
			}
			evidenceSeen[srcDID] = true
		}

		outcome, err := tx.AppendEvent(ev)
		if err != nil {
			return res, err
		}
		if outcome == store.AppendInserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// queryLabelsResponse is the upstream page shape.
type queryLabelsResponse struct {
	Cursor string           `json:"cursor"`
	Labels []map[string]any `json:"labels"`
}

// fetchPage requests one page of labels from the upstream service.
func (i *Ingester) fetchPage(ctx context.Context, serviceURL string, sources []string, cursor string, limit int) (*queryLabelsResponse, int, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Add("uriPatterns", "*")
	for _, src := range sources {
		params.Add("sources", src)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	endpoint := strings.TrimRight(serviceURL, "/") + "/xrpc/com.atproto.label.queryLabels?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build label query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("query labels: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("query labels: unexpected status %d", resp.StatusCode)
	}

	var page queryLabelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode label page: %w", err)
	}
	return &page, resp.StatusCode, nil
}

// FromService polls the upstream feed from the persisted cursor,
// appending up to maxPages pages. The cursor advances only after a
// page's events are stored, so a crash replays rather than skips.
// Outcome telemetry is recorded per configured DID under one attempt
// ID.
func (i *Ingester) FromService(ctx context.Context, serviceURL string, dids []string, limit, maxPages int) (int, error) {
	attemptID := uuid.NewString()
	started := time.Now()
	nowTS := store.FormatTS(started)

	cursor, err := i.Cursor()
	if err != nil {
		return 0, err
	}

	total := 0
	seen := make(map[string]bool)

	for page := 0; page < maxPages; page++ {
		resp, httpStatus, err := i.fetchPage(ctx, serviceURL, dids, cursor, limit)
		if err != nil {
			i.recordOutcomes(dids, nowTS, attemptID, classifyFetchError(err), 0, httpStatus, started, err)
			return total, err
		}
		if len(resp.Labels) == 0 {
			break
		}

		res, err := i.IngestBatch(resp.Labels, started)
		if err != nil {
			return total, err
		}
		total += res.Inserted
		for _, raw := range resp.Labels {
			if did := stringField(raw, "labeler_did"); did != "" {
				seen[did] = true
			} else if src := stringField(raw, "src"); src != "" {
				seen[src] = true
			}
		}

		cursor = resp.Cursor
		if cursor != "" {
			if err := i.store.SetMeta(cursorKey(i.source), cursor); err != nil {
				return total, err
			}
		} else {
			break
		}
	}

	latency := int(time.Since(started).Milliseconds())
	for _, did := range dids {
		outcome := "partial"
		if seen[did] {
			outcome = "success"
		}
		if err := i.store.InsertIngestOutcome(&store.IngestOutcome{
			LabelerDID: did, TS: nowTS, AttemptID: attemptID,
			Outcome: outcome, EventsFetched: total, LatencyMs: &latency,
			Source: i.source,
		}); err != nil {
			return total, err
		}
	}

	i.log.Info("ingest pass complete", "inserted", total, "attempt", attemptID)
	return total, nil
}

func (i *Ingester) recordOutcomes(dids []string, ts, attemptID, outcome string, fetched, httpStatus int, started time.Time, cause error) {
	latency := int(time.Since(started).Milliseconds())
	summary := cause.Error()
	if len(summary) > 200 {
		summary = summary[:200]
	}
	for _, did := range dids {
		row := &store.IngestOutcome{
			LabelerDID: did, TS: ts, AttemptID: attemptID,
			Outcome: outcome, EventsFetched: fetched, LatencyMs: &latency,
			ErrorType: outcome, ErrorSummary: summary, Source: i.source,
		}
		if httpStatus != 0 {
			row.HTTPStatus = &httpStatus
		}
		if err := i.store.InsertIngestOutcome(row); err != nil {
			i.log.Error("record ingest outcome", "labeler", did, "error", err)
		}
	}
}

func classifyFetchError(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// FromFixture ingests a JSONL file of raw events. Lines wrapping the
// event under a "label" key are unwrapped; blank lines are ignored.
func (i *Ingester) FromFixture(path string, now time.Time) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return i.FromReader(f, now)
}

// FromReader ingests JSONL raw events from r.
func (i *Ingester) FromReader(r io.Reader, now time.Time) (*Result, error) {
	var raws []map[string]any
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, fmt.Errorf("parse fixture line %d: %w", line, err)
		}
		if inner, ok := obj["label"].(map[string]any); ok {
			obj = inner
		}
		raws = append(raws, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return i.IngestBatch(raws, now)
}
