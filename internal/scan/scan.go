// Package scan orchestrates one evaluation pass: classification,
// regime derivation with hysteresis, detection rules, and the audit
// records tying them together. A pass runs inside one store
// transaction; any failure rolls the whole pass back.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"labelwatch/internal/classify"
	"labelwatch/internal/config"
	"labelwatch/internal/derive"
	"labelwatch/internal/logging"
	"labelwatch/internal/receipt"
	"labelwatch/internal/rules"
	"labelwatch/internal/store"
)

// Orchestrator runs evaluation passes against one store.
type Orchestrator struct {
	store *store.Store
	cfg   *config.Config
	log   *logging.Logger
}

// New creates an Orchestrator.
func New(st *store.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store: st,
		cfg:   cfg,
		log:   logging.Default().WithComponent("scan"),
	}
}

// Summary reports one pass's outcome.
type Summary struct {
	Labelers        int
	Alerts          int
	Suppressed      int
	Dropped         int
	ReceiptsEmitted int
	RegimeChanges   int
}

// RunScan executes one full evaluation pass at now: for every tracked
// labeler it reclassifies from accumulated evidence, advances the
// regime hysteresis state, scores the three dials, runs the detection
// rules over windowed history, and persists alerts and change receipts.
// Scan counters increment for every labeler regardless of findings.
// The pass commits atomically or not at all.
func (o *Orchestrator) RunScan(ctx context.Context, now time.Time) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary, err := o.runPass(tx, now, true)
	if err != nil {
		return nil, err
	}

	if err := tx.IncrementScanCounts(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	o.log.Info("scan pass complete",
		"labelers", summary.Labelers,
		"alerts", summary.Alerts,
		"suppressed", summary.Suppressed,
		"receipts", summary.ReceiptsEmitted)
	return summary, nil
}

// RunDerive executes classification and derivation only, without the
// detection rules or the scan counter. Useful for recomputing regimes
// after a policy change.
func (o *Orchestrator) RunDerive(ctx context.Context, now time.Time) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := o.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary, err := o.runPass(tx, now, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return summary, nil
}

func (o *Orchestrator) runPass(tx *store.Tx, now time.Time, withRules bool) (*Summary, error) {
	ts := store.FormatTS(now)

	// Reference labelers are registered even before their first event so
	// every pass evaluates them under the stricter thresholds.
	for _, did := range o.cfg.Ingest.ReferenceDIDs {
		if err := tx.UpsertLabeler(did, ts, ""); err != nil {
			return nil, err
		}
		if err := tx.SetReference(did, true); err != nil {
			return nil, err
		}
	}

	labelers, err := tx.ListLabelers()
	if err != nil {
		return nil, err
	}

	signals, err := buildSignals(tx, o.cfg, labelers, now)
	if err != nil {
		return nil, err
	}

	configHash, err := receipt.ConfigHash(o.cfg.ReceiptMap())
	if err != nil {
		return nil, fmt.Errorf("hash config: %w", err)
	}

	summary := &Summary{Labelers: len(labelers)}
	ruleParams := o.ruleParams()
	gatePolicy := o.gatePolicy()

	for i := range labelers {
		l := &labelers[i]
		s := signals[l.DID]

		cls, err := o.classifyLabeler(tx, l, ts)
		if err != nil {
			return nil, err
		}
		// Derivation sees this pass's classification, not last week's.
		s.VisibilityClass = cls.VisibilityClass
		s.Auditability = cls.Auditability
		s.ClassificationConfidence = cls.Confidence

		emitted, regimeChanged, err := o.deriveLabeler(tx, l, s, ts)
		if err != nil {
			return nil, err
		}
		summary.ReceiptsEmitted += emitted
		if regimeChanged {
			summary.RegimeChanges++
		}

		if !withRules {
			continue
		}

		gate := rules.GateFor(s.FirstSeenHoursAgo, s.EventCountTotal, l.ScanCount, gatePolicy)
		subject := rules.Subject{
			LabelerDID:   l.DID,
			Auditability: cls.Auditability,
			IsReference:  l.IsReference,
			Gate:         gate,
		}

		events, err := tx.WindowedEvents(l.DID,
			store.FormatTS(now.Add(-ruleParams.Lookback())), ts)
		if err != nil {
			return nil, err
		}

		for _, finding := range rules.Evaluate(subject, events, ruleParams, now) {
			if finding.Suppression != "" && o.cfg.Warmup.SuppressAlerts {
				summary.Dropped++
				continue
			}
			if err := o.persistFinding(tx, finding, configHash); err != nil {
				return nil, err
			}
			if finding.Suppression != "" {
				summary.Suppressed++
			} else {
				summary.Alerts++
			}
		}
	}

	return summary, nil
}

// classifyLabeler reruns the classifier from the profile's sticky
// evidence and writes the result back.
func (o *Orchestrator) classifyLabeler(tx *store.Tx, l *store.Labeler, ts string) (classify.Classification, error) {
	if classify.LikelyTestDev(l.Handle, l.DisplayName) && !l.LikelyTestDev {
		if err := tx.UpsertEvidence(l.DID, store.FlagLikelyTestDev, true, ts, "classify"); err != nil {
			return classify.Classification{}, err
		}
		l.LikelyTestDev = true
	}

	cls := classify.Classify(classify.Evidence{
		DeclaredRecord:    l.DeclaredRecord,
		HasLabelerService: l.HasLabelerService,
		HasLabelKey:       l.HasLabelKey,
		ObservedAsSrc:     l.ObservedAsSrc,
		ProbeResult:       l.EndpointStatus,
	})

	err := tx.UpdateClassification(l.DID, store.ClassificationUpdate{
		VisibilityClass:   cls.VisibilityClass,
		ReachabilityState: cls.ReachabilityState,
		Auditability:      cls.Auditability,
		Confidence:        cls.Confidence,
		Reason:            cls.Reason,
		Version:           cls.Version,
		ClassifiedAt:      ts,
	})
	if err != nil {
		return classify.Classification{}, err
	}
	return cls, nil
}

// deriveLabeler advances the hysteresis state, scores the three dials,
// emits change receipts, and writes the derived state back. Returns
// the number of receipts emitted and whether the committed regime
// changed.
func (o *Orchestrator) deriveLabeler(tx *store.Tx, l *store.Labeler, s derive.Signals, ts string) (int, bool, error) {
	candidate := derive.ClassifyRegime(s)

	state := derive.State{
		Committed:    l.RegimeState,
		Pending:      l.RegimePending,
		PendingCount: l.RegimePendingCount,
	}
	next, regimeChanged := derive.Step(state, candidate.State, o.cfg.Derive.HysteresisScans)

	effective := derive.RegimeResult{State: next.Committed, ReasonCodes: candidate.ReasonCodes}

	auditRisk := derive.ScoreAuditabilityRisk(s)
	infRisk := derive.ScoreInferenceRisk(s, effective)
	coherence := derive.ScoreTemporalCoherence(s, effective)

	inputHash, err := receipt.HashValue(map[string]any{
		"visibility_class":           s.VisibilityClass,
		"event_count_30d":            s.EventCount30d,
		"probe_count_30d":            s.ProbeCount30d,
		"probe_success_ratio_30d":    round3(s.ProbeSuccessRatio30d),
		"probe_transition_count_30d": s.ProbeTransitionCount30d,
		"dormancy_days":              round1(s.DormancyDays),
		"scan_count":                 s.ScanCount,
	})
	if err != nil {
		return 0, false, fmt.Errorf("hash derive inputs: %w", err)
	}

	emitted := 0
	transitions := []struct {
		receiptType string
		prev, next  string
		reasons     []string
	}{
		{"regime", l.RegimeState, effective.State, effective.ReasonCodes},
		{"auditability_risk", scoreString(l.AuditabilityRisk), strconv.Itoa(auditRisk.Score), auditRisk.ReasonCodes},
		{"inference_risk", scoreString(l.InferenceRisk), strconv.Itoa(infRisk.Score), infRisk.ReasonCodes},
		{"temporal_coherence", scoreString(l.TemporalCoherence), strconv.Itoa(coherence.Score), coherence.ReasonCodes},
	}
	for _, tr := range transitions {
		if tr.prev == tr.next {
			continue
		}
		if err := tx.InsertDerivedReceipt(&store.DerivedReceipt{
			LabelerDID:        l.DID,
			ReceiptType:       tr.receiptType,
			DerivationVersion: derive.Version,
			Trigger:           "scan",
			TS:                ts,
			InputHash:         inputHash,
			PreviousValue:     tr.prev,
			NewValue:          tr.next,
			ReasonCodesJSON:   mustJSON(tr.reasons),
		}); err != nil {
			return emitted, false, err
		}
		emitted++
	}

	err = tx.UpdateDerived(l.DID, store.DerivedUpdate{
		RegimeState:         effective.State,
		RegimeReasonCodes:   mustJSON(effective.ReasonCodes),
		AuditabilityRisk:    auditRisk.Score,
		AuditabilityBand:    auditRisk.Band,
		AuditabilityReasons: mustJSON(auditRisk.ReasonCodes),
		InferenceRisk:       infRisk.Score,
		InferenceBand:       infRisk.Band,
		InferenceReasons:    mustJSON(infRisk.ReasonCodes),
		TemporalCoherence:   coherence.Score,
		CoherenceBand:       coherence.Band,
		CoherenceReasons:    mustJSON(coherence.ReasonCodes),
		DeriveVersion:       derive.Version,
		DerivedAt:           ts,
		RegimePending:       next.Pending,
		RegimePendingCount:  next.PendingCount,
		AuditabilityPrev:    l.AuditabilityRisk,
		InferencePrev:       l.InferenceRisk,
		CoherencePrev:       l.TemporalCoherence,
	})
	if err != nil {
		return emitted, false, err
	}
	return emitted, regimeChanged, nil
}

func (o *Orchestrator) persistFinding(tx *store.Tx, f rules.Finding, configHash string) error {
	receiptHash, err := receipt.ReceiptHash(f.RuleID, f.LabelerDID, f.TS, f.Inputs, f.EvidenceHashes, configHash)
	if err != nil {
		return fmt.Errorf("hash finding receipt: %w", err)
	}
	inputsJSON, err := receipt.Canonicalize(f.Inputs)
	if err != nil {
		return fmt.Errorf("canonicalize finding inputs: %w", err)
	}
	evidence := f.EvidenceHashes
	if evidence == nil {
		evidence = []string{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence hashes: %w", err)
	}

	return tx.InsertAlert(&store.Alert{
		RuleID:             f.RuleID,
		LabelerDID:         f.LabelerDID,
		TS:                 f.TS,
		InputsJSON:         string(inputsJSON),
		EvidenceHashesJSON: string(evidenceJSON),
		ConfigHash:         configHash,
		ReceiptHash:        receiptHash,
		Suppression:        f.Suppression,
	})
}

func (o *Orchestrator) ruleParams() rules.Params {
	r := o.cfg.Rules
	return rules.Params{
		WindowMinutes:            r.WindowMinutes,
		BaselineHours:            r.BaselineHours,
		SpikeK:                   r.SpikeK,
		SpikeKAudited:            r.SpikeKAudited,
		MinCurrentCount:          r.MinCurrentCount,
		FlipFlopWindowHours:      r.FlipFlopWindowHours,
		ConcentrationWindowHours: r.ConcentrationWindowHours,
		ConcentrationThreshold:   r.ConcentrationThreshold,
		ConcentrationMinLabels:   r.ConcentrationMinLabels,
		ChurnWindowHours:         r.ChurnWindowHours,
		ChurnThreshold:           r.ChurnThreshold,
		ChurnMinTargets:          r.ChurnMinTargets,
		MaxEventsPerScan:         r.MaxEventsPerScan,
		MaxEvidence:              r.MaxEvidence,
	}
}

func (o *Orchestrator) gatePolicy() rules.GatePolicy {
	return rules.GatePolicy{
		WarmupEnabled:     o.cfg.Warmup.Enabled,
		WarmupMinAgeHours: o.cfg.Warmup.MinAgeHours,
		WarmupMinEvents:   o.cfg.Warmup.MinEvents,
		WarmupMinScans:    o.cfg.Warmup.MinScans,
		SparseMinEvents:   o.cfg.Rules.SparseMinEvents,
	}
}

// buildSignals assembles every labeler's derive inputs from a handful
// of grouped queries instead of per-labeler round trips.
func buildSignals(tx *store.Tx, cfg *config.Config, labelers []store.Labeler, now time.Time) (map[string]derive.Signals, error) {
	ts24h := store.FormatTS(now.Add(-24 * time.Hour))
	ts7d := store.FormatTS(now.Add(-7 * 24 * time.Hour))
	ts30d := store.FormatTS(now.Add(-30 * 24 * time.Hour))

	eventStats, err := tx.EventStatsAll(ts24h, ts7d, ts30d)
	if err != nil {
		return nil, err
	}
	hourly, err := tx.HourlyCountsAll(ts7d)
	if err != nil {
		return nil, err
	}
	timestamps, err := tx.EventTimestampsAll(ts7d)
	if err != nil {
		return nil, err
	}
	probeStats, err := tx.ProbeStatsAll(ts7d, ts30d)
	if err != nil {
		return nil, err
	}
	receiptCounts, err := tx.ReceiptCountsAll(ts30d)
	if err != nil {
		return nil, err
	}

	// One slot per hour of the trailing week, oldest first.
	hourKeys := make([]string, 168)
	for i := range hourKeys {
		hourKeys[i] = now.UTC().Add(-time.Duration(167-i) * time.Hour).Format("2006-01-02 15")
	}

	signals := make(map[string]derive.Signals, len(labelers))
	for _, l := range labelers {
		ev := eventStats[l.DID]

		hourlyCounts := make([]int, len(hourKeys))
		for i, hk := range hourKeys {
			hourlyCounts[i] = hourly[l.DID][hk]
		}

		// Dormancy from the last event, else from first observation; a
		// labeler with neither is treated as long dormant.
		dormancyDays := 999.0
		if ev.LastEventTS != "" {
			if t, err := store.ParseTS(ev.LastEventTS); err == nil {
				dormancyDays = now.Sub(t).Hours() / 24
			}
		} else if l.FirstSeen != "" {
			if t, err := store.ParseTS(l.FirstSeen); err == nil {
				dormancyDays = now.Sub(t).Hours() / 24
			}
		}

		ageHours := 0.0
		if l.FirstSeen != "" {
			if t, err := store.ParseTS(l.FirstSeen); err == nil {
				ageHours = now.Sub(t).Hours()
			}
		}

		pr := probeStats[l.DID]
		rc := receiptCounts[l.DID]

		signals[l.DID] = derive.Signals{
			LabelerDID:               l.DID,
			VisibilityClass:          l.VisibilityClass,
			Auditability:             l.Auditability,
			ClassificationConfidence: l.ClassificationConfidence,
			LikelyTestDev:            l.LikelyTestDev,
			FirstSeenHoursAgo:        ageHours,
			ScanCount:                l.ScanCount,
			EventCountTotal:          ev.CountTotal,

			WarmupEnabled:     cfg.Warmup.Enabled,
			WarmupMinAgeHours: cfg.Warmup.MinAgeHours,
			WarmupMinEvents:   cfg.Warmup.MinEvents,
			WarmupMinScans:    cfg.Warmup.MinScans,

			EventCount24h:    ev.Count24h,
			EventCount7d:     ev.Count7d,
			EventCount30d:    ev.Count30d,
			HourlyCounts7d:   hourlyCounts,
			InterarrivalSecs: interarrivals(timestamps[l.DID]),
			DormancyDays:     dormancyDays,

			ProbeCount30d:           pr.Count30d,
			ProbeSuccessRatio30d:    pr.SuccessRatio30d,
			ProbeTransitionCount30d: pr.TransitionCount,
			ProbeLastStatus:         l.EndpointStatus,
			ProbeStatuses7d:         pr.Statuses7d,
			ProbeRecentFailStreak:   pr.RecentFailStreak,

			ClassTransitionCount30d:      rc["regime"],
			ConfidenceTransitionCount30d: rc["inference_risk"],

			DeclaredRecord:    l.DeclaredRecord,
			HasLabelerService: l.HasLabelerService,
			HasLabelKey:       l.HasLabelKey,
			ObservedAsSrc:     l.ObservedAsSrc,
		}
	}
	return signals, nil
}

// interarrivals converts ordered timestamps into gaps in seconds.
func interarrivals(timestamps []string) []float64 {
	if len(timestamps) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(timestamps)-1)
	var prev time.Time
	for i, ts := range timestamps {
		t, err := store.ParseTS(ts)
		if err != nil {
			continue
		}
		if i > 0 && !prev.IsZero() {
			gaps = append(gaps, t.Sub(prev).Seconds())
		}
		prev = t
	}
	return gaps
}

func scoreString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		// A []string cannot fail to marshal.
		return "[]"
	}
	return string(b)
}
