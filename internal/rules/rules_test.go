package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelwatch/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		WindowMinutes:            15,
		BaselineHours:            24,
		SpikeK:                   10,
		SpikeKAudited:            20,
		MinCurrentCount:          50,
		FlipFlopWindowHours:      24,
		ConcentrationWindowHours: 24,
		ConcentrationThreshold:   0.25,
		ConcentrationMinLabels:   10,
		ChurnWindowHours:         24,
		ChurnThreshold:           0.8,
		ChurnMinTargets:          5,
		MaxEventsPerScan:         200000,
		MaxEvidence:              50,
	}
}

func readySubject() Subject {
	return Subject{LabelerDID: "did:plc:a", Auditability: "low", Gate: GateReady}
}

var eventSeq int

func eventAt(age time.Duration, uri, val string, neg bool) store.LabelEvent {
	eventSeq++
	return store.LabelEvent{
		LabelerDID: "did:plc:a",
		URI:        uri,
		Val:        val,
		Neg:        neg,
		TS:         store.FormatTS(testNow.Add(-age)),
		EventHash:  fmt.Sprintf("h%04d", eventSeq),
	}
}

// burst returns n events spread inside the recent window.
func burst(n int, uri string) []store.LabelEvent {
	events := make([]store.LabelEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, eventAt(time.Duration(i+1)*time.Second, uri, "spam", false))
	}
	return events
}

func findByRule(findings []Finding, ruleID string) *Finding {
	for i := range findings {
		if findings[i].RuleID == ruleID {
			return &findings[i]
		}
	}
	return nil
}

func TestRateSpikeZeroBaselineFloor(t *testing.T) {
	// Baseline empty, 60 recent events, floor 50: fires.
	findings := Evaluate(readySubject(), burst(60, "at://t"), testParams(), testNow)
	f := findByRule(findings, RuleRateSpike)
	require.NotNil(t, f)
	assert.Equal(t, 60, f.Inputs["current_count"])
	assert.Equal(t, 0, f.Inputs["baseline_count"])
	assert.Equal(t, true, f.Inputs["baseline_zero"])
	assert.NotContains(t, f.Inputs, "ratio")
	assert.Empty(t, f.Suppression)
}

func TestRateSpikeZeroBaselineBelowFloor(t *testing.T) {
	findings := Evaluate(readySubject(), burst(49, "at://t"), testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleRateSpike))
}

func TestRateSpikeRatio(t *testing.T) {
	// 100 baseline events over 24h vs 50 events in 15 min: ratio ~47.5.
	var events []store.LabelEvent
	for i := 0; i < 100; i++ {
		events = append(events, eventAt(time.Duration(30+i*10)*time.Minute, "at://base", "spam", false))
	}
	events = append(events, burst(50, "at://t")...)

	findings := Evaluate(readySubject(), events, testParams(), testNow)
	f := findByRule(findings, RuleRateSpike)
	require.NotNil(t, f)
	assert.InDelta(t, 47.5, f.Inputs["ratio"].(float64), 0.1)
}

func TestRateSpikeAuditedTier(t *testing.T) {
	// Ratio ~14: above the base threshold, below the audited one.
	var events []store.LabelEvent
	for i := 0; i < 100; i++ {
		events = append(events, eventAt(time.Duration(30+i*10)*time.Minute, "at://base", "spam", false))
	}
	events = append(events, burst(15, "at://t")...)

	base := Evaluate(readySubject(), events, testParams(), testNow)
	require.NotNil(t, findByRule(base, RuleRateSpike))

	audited := readySubject()
	audited.Auditability = "high"
	assert.Nil(t, findByRule(Evaluate(audited, events, testParams(), testNow), RuleRateSpike))

	reference := readySubject()
	reference.IsReference = true
	assert.Nil(t, findByRule(Evaluate(reference, events, testParams(), testNow), RuleRateSpike))
}

func TestFlipFlopTriple(t *testing.T) {
	events := []store.LabelEvent{
		eventAt(3*time.Hour, "at://x", "spam", false),
		eventAt(2*time.Hour, "at://x", "spam", true),
		eventAt(1*time.Hour, "at://x", "spam", false),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	f := findByRule(findings, RuleFlipFlop)
	require.NotNil(t, f)
	assert.Equal(t, 1, f.Inputs["flip_flop_count"])
	assert.Len(t, f.EvidenceHashes, 3)
}

func TestFlipFlopApplyNegateOnlyNeverFires(t *testing.T) {
	events := []store.LabelEvent{
		eventAt(3*time.Hour, "at://x", "spam", false),
		eventAt(2*time.Hour, "at://x", "spam", true),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleFlipFlop))
}

func TestFlipFlopDistinguishesPairs(t *testing.T) {
	// Alternation split across different values is not a flip-flop.
	events := []store.LabelEvent{
		eventAt(4*time.Hour, "at://x", "spam", false),
		eventAt(3*time.Hour, "at://x", "rude", true),
		eventAt(2*time.Hour, "at://x", "spam", false),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleFlipFlop))
}

func TestFlipFlopOutsideWindowIgnored(t *testing.T) {
	events := []store.LabelEvent{
		eventAt(30*time.Hour, "at://x", "spam", false), // outside 24h
		eventAt(2*time.Hour, "at://x", "spam", true),
		eventAt(1*time.Hour, "at://x", "spam", false),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleFlipFlop))
}

func TestHHI(t *testing.T) {
	// All events on one target: maximal concentration.
	assert.InDelta(t, 1.0, HHI(map[string]int{"a": 10, "b": 0, "c": 0}), 1e-9)
	// Spread 4/3/3: low concentration.
	assert.InDelta(t, 0.34, HHI(map[string]int{"a": 4, "b": 3, "c": 3}), 1e-9)
	assert.Zero(t, HHI(nil))
}

func TestTargetConcentrationFires(t *testing.T) {
	findings := Evaluate(readySubject(), burst(10, "at://only"), testParams(), testNow)
	f := findByRule(findings, RuleTargetConcentration)
	require.NotNil(t, f)
	assert.InDelta(t, 1.0, f.Inputs["hhi"].(float64), 1e-9)
	assert.Equal(t, 1, f.Inputs["distinct_targets"])
}

func TestTargetConcentrationSpreadDoesNotFire(t *testing.T) {
	var events []store.LabelEvent
	for i := 0; i < 12; i++ {
		events = append(events, eventAt(time.Duration(i+1)*time.Minute, fmt.Sprintf("at://t%d", i), "spam", false))
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleTargetConcentration))
}

func TestTargetConcentrationBelowVolumeFloor(t *testing.T) {
	findings := Evaluate(readySubject(), burst(9, "at://only"), testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleTargetConcentration))
}

func TestJaccardDistance(t *testing.T) {
	set := func(ks ...string) map[string]struct{} {
		m := make(map[string]struct{})
		for _, k := range ks {
			m[k] = struct{}{}
		}
		return m
	}
	// {t1,t2,t3} vs {t3,t4,t5}: 1 - 1/5 = 0.8.
	assert.InDelta(t, 0.8, JaccardDistance(set("t1", "t2", "t3"), set("t3", "t4", "t5")), 1e-9)
	assert.Zero(t, JaccardDistance(set("a"), set("a")))
	assert.Zero(t, JaccardDistance(nil, nil))
	assert.InDelta(t, 1.0, JaccardDistance(set("a"), set("b")), 1e-9)
}

func TestChurnIndexFires(t *testing.T) {
	// First half targets {t1,t2,t3}, second half {t3,t4,t5}: 0.8.
	events := []store.LabelEvent{
		eventAt(20*time.Hour, "t1", "spam", false),
		eventAt(19*time.Hour, "t2", "spam", false),
		eventAt(18*time.Hour, "t3", "spam", false),
		eventAt(4*time.Hour, "t3", "spam", false),
		eventAt(3*time.Hour, "t4", "spam", false),
		eventAt(2*time.Hour, "t5", "spam", false),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	f := findByRule(findings, RuleChurnIndex)
	require.NotNil(t, f)
	assert.InDelta(t, 0.8, f.Inputs["jaccard_distance"].(float64), 1e-9)
	assert.Equal(t, 5, f.Inputs["union_targets"])
	assert.Equal(t, 1, f.Inputs["intersection_targets"])
}

func TestChurnIndexStableTargetsDoNotFire(t *testing.T) {
	var events []store.LabelEvent
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("t%d", i)
		events = append(events, eventAt(time.Duration(20-i)*time.Hour, uri, "spam", false))
		events = append(events, eventAt(time.Duration(5-i)*time.Hour, uri, "spam", false))
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleChurnIndex))
}

func TestChurnIndexBelowUnionFloor(t *testing.T) {
	events := []store.LabelEvent{
		eventAt(20*time.Hour, "t1", "spam", false),
		eventAt(2*time.Hour, "t2", "spam", false),
	}
	findings := Evaluate(readySubject(), events, testParams(), testNow)
	assert.Nil(t, findByRule(findings, RuleChurnIndex))
}

func TestWarmingUpQuarantinesFindings(t *testing.T) {
	s := readySubject()
	s.Gate = GateWarmingUp
	findings := Evaluate(s, burst(60, "at://only"), testParams(), testNow)
	require.NotEmpty(t, findings)
	for _, f := range findings {
		assert.Equal(t, SuppressionWarmingUp, f.Suppression, f.RuleID)
		assert.Equal(t, "warming_up", f.Inputs["gate"], f.RuleID)
	}
}

func TestSparseSuppressesRateRulesOnly(t *testing.T) {
	s := readySubject()
	s.Gate = GateSparse
	findings := Evaluate(s, burst(60, "at://only"), testParams(), testNow)

	assert.Nil(t, findByRule(findings, RuleRateSpike))
	assert.Nil(t, findByRule(findings, RuleChurnIndex))

	conc := findByRule(findings, RuleTargetConcentration)
	require.NotNil(t, conc)
	assert.Empty(t, conc.Suppression, "sparse pattern findings are visible")
	assert.Equal(t, "sparse", conc.Inputs["gate"])
}

func TestEvidenceTruncatedEarliestFirst(t *testing.T) {
	p := testParams()
	p.MaxEvidence = 5

	// Ascending ts order: the earliest events survive truncation.
	var events []store.LabelEvent
	for i := 0; i < 60; i++ {
		events = append(events, eventAt(time.Duration(60-i)*time.Second, "at://only", "spam", false))
	}
	findings := Evaluate(readySubject(), events, p, testNow)
	f := findByRule(findings, RuleRateSpike)
	require.NotNil(t, f)
	require.Len(t, f.EvidenceHashes, 5)
	assert.Equal(t, events[0].EventHash, f.EvidenceHashes[0])
	assert.Equal(t, events[4].EventHash, f.EvidenceHashes[4])
}

func TestGateFor(t *testing.T) {
	policy := GatePolicy{
		WarmupEnabled:     true,
		WarmupMinAgeHours: 48,
		WarmupMinEvents:   20,
		WarmupMinScans:    3,
		SparseMinEvents:   20,
	}

	assert.Equal(t, GateWarmingUp, GateFor(10, 1000, 10, policy), "too young")
	assert.Equal(t, GateWarmingUp, GateFor(100, 5, 10, policy), "too few events")
	assert.Equal(t, GateWarmingUp, GateFor(100, 1000, 1, policy), "too few scans")
	assert.Equal(t, GateReady, GateFor(100, 1000, 10, policy))

	noWarmup := policy
	noWarmup.WarmupEnabled = false
	assert.Equal(t, GateSparse, GateFor(10, 5, 1, noWarmup), "sparse when warmup disabled")
	assert.Equal(t, GateReady, GateFor(10, 100, 1, noWarmup))
}
