// Package rules implements the detection rules over windowed event
// history: rate spikes, flip-flop label churn, target concentration,
// and target-set churn. Pure functions over already-fetched events;
// persistence and receipt hashing stay in the orchestrator.
package rules

import (
	"time"

	"labelwatch/internal/store"
)

// Rule identifiers, stable across versions: they key alerts and
// receipts.
const (
	RuleRateSpike           = "label_rate_spike"
	RuleFlipFlop            = "flip_flop"
	RuleTargetConcentration = "target_concentration"
	RuleChurnIndex          = "churn_index"
)

// SuppressionWarmingUp marks findings quarantined because the labeler
// is still inside the warm-up gate.
const SuppressionWarmingUp = "warming_up"

// Gate is the evaluation gate for one labeler.
type Gate int

const (
	// GateReady evaluates every rule normally.
	GateReady Gate = iota
	// GateWarmingUp evaluates every rule but quarantines findings.
	GateWarmingUp
	// GateSparse suppresses rate rules; pattern rules still run, tagged.
	GateSparse
)

// String returns the gate name used in finding inputs.
func (g Gate) String() string {
	switch g {
	case GateWarmingUp:
		return "warming_up"
	case GateSparse:
		return "sparse"
	default:
		return "ready"
	}
}

// GatePolicy holds the warm-up and sparsity floors.
type GatePolicy struct {
	WarmupEnabled     bool
	WarmupMinAgeHours int
	WarmupMinEvents   int
	WarmupMinScans    int
	SparseMinEvents   int
}

// GateFor decides the gate for one labeler. Warm-up wins over sparse:
// a young labeler is quarantined even when it is also low-volume. An
// unknown age (negative) is treated as brand new.
func GateFor(ageHours float64, totalEvents, scanCount int, p GatePolicy) Gate {
	if p.WarmupEnabled {
		if ageHours < float64(p.WarmupMinAgeHours) ||
			totalEvents < p.WarmupMinEvents ||
			scanCount < p.WarmupMinScans {
			return GateWarmingUp
		}
	}
	if totalEvents < p.SparseMinEvents {
		return GateSparse
	}
	return GateReady
}

// Params holds the rule policy constants, mirrored into the config
// hash so every finding is reproducible against the policy that
// produced it.
type Params struct {
	WindowMinutes   int
	BaselineHours   int
	SpikeK          float64
	SpikeKAudited   float64
	MinCurrentCount int

	FlipFlopWindowHours int

	ConcentrationWindowHours int
	ConcentrationThreshold   float64
	ConcentrationMinLabels   int

	ChurnWindowHours int
	ChurnThreshold   float64
	ChurnMinTargets  int

	MaxEventsPerScan int
	MaxEvidence      int
}

// Subject is the per-labeler evaluation context.
type Subject struct {
	LabelerDID   string
	Auditability string
	IsReference  bool
	Gate         Gate
}

// Finding is one fired rule before receipt hashing.
type Finding struct {
	RuleID         string
	LabelerDID     string
	TS             string
	Inputs         map[string]any
	EvidenceHashes []string
	Suppression    string
}

// Lookback returns how far back the orchestrator must fetch events for
// all rules to see their full windows.
func (p Params) Lookback() time.Duration {
	maxHours := p.BaselineHours
	for _, h := range []int{p.FlipFlopWindowHours, p.ConcentrationWindowHours, p.ChurnWindowHours} {
		if h > maxHours {
			maxHours = h
		}
	}
	return time.Duration(maxHours) * time.Hour
}

// Evaluate runs every rule for one labeler over its fetched events.
// Events must be ordered by timestamp ascending and cover Lookback()
// before now. Sparse labelers skip the rate rules (spike, churn): a
// rate over almost no data is noise, while the pattern rules
// (flip-flop, concentration) stay meaningful and run tagged. Warming-up
// labelers run everything but every finding carries the quarantine
// marker.
func Evaluate(s Subject, events []store.LabelEvent, p Params, now time.Time) []Finding {
	var findings []Finding

	rateRulesActive := s.Gate != GateSparse
	if rateRulesActive {
		if f := rateSpike(s, events, p, now); f != nil {
			findings = append(findings, *f)
		}
	}
	if f := flipFlop(s, events, p, now); f != nil {
		findings = append(findings, *f)
	}
	if f := targetConcentration(s, events, p, now); f != nil {
		findings = append(findings, *f)
	}
	if rateRulesActive {
		if f := churnIndex(s, events, p, now); f != nil {
			findings = append(findings, *f)
		}
	}

	for i := range findings {
		if s.Gate == GateWarmingUp {
			findings[i].Suppression = SuppressionWarmingUp
		}
		if s.Gate != GateReady {
			findings[i].Inputs["gate"] = s.Gate.String()
		}
	}
	return findings
}

// spikeThreshold picks the rate-ratio tier. Labelers whose behavior is
// independently verifiable get the stricter threshold: a spike from a
// fully auditable source is less alarming than the same spike from an
// opaque one.
func spikeThreshold(s Subject, p Params) float64 {
	if s.IsReference || s.Auditability == "high" {
		return p.SpikeKAudited
	}
	return p.SpikeK
}

func rateSpike(s Subject, events []store.LabelEvent, p Params, now time.Time) *Finding {
	curStart := store.FormatTS(now.Add(-time.Duration(p.WindowMinutes) * time.Minute))
	curEnd := store.FormatTS(now)
	baseStart := store.FormatTS(now.Add(-time.Duration(p.BaselineHours) * time.Hour))

	var curCount, baseCount int
	var evidence []string
	for _, ev := range events {
		switch {
		case ev.TS >= curStart && ev.TS < curEnd:
			curCount++
			if len(evidence) < p.MaxEvidence {
				evidence = append(evidence, ev.EventHash)
			}
		case ev.TS >= baseStart && ev.TS < curStart:
			baseCount++
		}
	}

	windowMins := p.WindowMinutes
	if windowMins < 1 {
		windowMins = 1
	}
	curRate := float64(curCount) / float64(windowMins)
	baseMins := p.BaselineHours*60 - p.WindowMinutes
	if baseMins < 1 {
		baseMins = 1
	}
	baseRate := float64(baseCount) / float64(baseMins)

	threshold := spikeThreshold(s, p)
	inputs := map[string]any{
		"current_count":         curCount,
		"baseline_count":        baseCount,
		"current_rate_per_min":  curRate,
		"baseline_rate_per_min": baseRate,
		"window_minutes":        p.WindowMinutes,
		"baseline_hours":        p.BaselineHours,
		"spike_k":               threshold,
	}

	triggered := false
	if baseRate > 0 {
		ratio := curRate / baseRate
		// JSON receipts cannot carry infinities, so the ratio is only
		// reported on the finite path.
		inputs["ratio"] = ratio
		triggered = ratio >= threshold
	} else {
		inputs["baseline_zero"] = true
		triggered = curCount >= p.MinCurrentCount
	}

	if !triggered {
		return nil
	}
	return &Finding{
		RuleID:         RuleRateSpike,
		LabelerDID:     s.LabelerDID,
		TS:             store.FormatTS(now),
		Inputs:         inputs,
		EvidenceHashes: evidence,
	}
}

func flipFlop(s Subject, events []store.LabelEvent, p Params, now time.Time) *Finding {
	start := store.FormatTS(now.Add(-time.Duration(p.FlipFlopWindowHours) * time.Hour))
	end := store.FormatTS(now)

	type pair struct{ uri, val string }
	grouped := make(map[pair][]store.LabelEvent)
	var order []pair
	for _, ev := range events {
		if ev.TS < start || ev.TS >= end {
			continue
		}
		k := pair{ev.URI, ev.Val}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], ev)
	}

	var matchHashes []string
	count := 0
	for _, k := range order {
		// apply -> negate -> re-apply on the same (target, value) pair
		state := 0
		var chain []string
		for _, ev := range grouped[k] {
			switch {
			case state == 0 && !ev.Neg:
				state = 1
				chain = []string{ev.EventHash}
			case state == 1 && ev.Neg:
				state = 2
				chain = append(chain, ev.EventHash)
			case state == 2 && !ev.Neg:
				chain = append(chain, ev.EventHash)
				count++
				matchHashes = append(matchHashes, chain...)
				state = 0
				chain = nil
			}
		}
		if count >= p.MaxEventsPerScan {
			break
		}
	}

	if count == 0 {
		return nil
	}
	if len(matchHashes) > p.MaxEvidence {
		matchHashes = matchHashes[:p.MaxEvidence]
	}
	return &Finding{
		RuleID:     RuleFlipFlop,
		LabelerDID: s.LabelerDID,
		TS:         store.FormatTS(now),
		Inputs: map[string]any{
			"flip_flop_count": count,
			"window_hours":    p.FlipFlopWindowHours,
		},
		EvidenceHashes: matchHashes,
	}
}

// HHI is the Herfindahl-Hirschman Index of a categorical distribution:
// the sum of squared shares, 1.0 when everything hits one category.
func HHI(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	var hhi float64
	for _, c := range counts {
		share := float64(c) / float64(total)
		hhi += share * share
	}
	return hhi
}

func targetConcentration(s Subject, events []store.LabelEvent, p Params, now time.Time) *Finding {
	start := store.FormatTS(now.Add(-time.Duration(p.ConcentrationWindowHours) * time.Hour))
	end := store.FormatTS(now)

	counts := make(map[string]int)
	total := 0
	var evidence []string
	for _, ev := range events {
		if ev.TS < start || ev.TS >= end {
			continue
		}
		counts[ev.URI]++
		total++
		if len(evidence) < p.MaxEvidence {
			evidence = append(evidence, ev.EventHash)
		}
	}

	if total < p.ConcentrationMinLabels {
		return nil
	}
	hhi := HHI(counts)
	if hhi < p.ConcentrationThreshold {
		return nil
	}
	return &Finding{
		RuleID:     RuleTargetConcentration,
		LabelerDID: s.LabelerDID,
		TS:         store.FormatTS(now),
		Inputs: map[string]any{
			"hhi":              hhi,
			"event_count":      total,
			"distinct_targets": len(counts),
			"window_hours":     p.ConcentrationWindowHours,
			"threshold":        p.ConcentrationThreshold,
		},
		EvidenceHashes: evidence,
	}
}

// JaccardDistance is 1 - |A∩B| / |A∪B| over two sets; 0 when both are
// empty.
func JaccardDistance(a, b map[string]struct{}) float64 {
	union := len(a)
	intersection := 0
	for k := range b {
		if _, ok := a[k]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

func churnIndex(s Subject, events []store.LabelEvent, p Params, now time.Time) *Finding {
	window := time.Duration(p.ChurnWindowHours) * time.Hour
	start := store.FormatTS(now.Add(-window))
	mid := store.FormatTS(now.Add(-window / 2))
	end := store.FormatTS(now)

	first := make(map[string]struct{})
	second := make(map[string]struct{})
	var evidence []string
	for _, ev := range events {
		if ev.TS < start || ev.TS >= end {
			continue
		}
		if ev.TS < mid {
			first[ev.URI] = struct{}{}
		} else {
			second[ev.URI] = struct{}{}
		}
		if len(evidence) < p.MaxEvidence {
			evidence = append(evidence, ev.EventHash)
		}
	}

	union := make(map[string]struct{}, len(first)+len(second))
	for k := range first {
		union[k] = struct{}{}
	}
	for k := range second {
		union[k] = struct{}{}
	}
	if len(union) < p.ChurnMinTargets {
		return nil
	}

	distance := JaccardDistance(first, second)
	if distance < p.ChurnThreshold {
		return nil
	}
	return &Finding{
		RuleID:     RuleChurnIndex,
		LabelerDID: s.LabelerDID,
		TS:         store.FormatTS(now),
		Inputs: map[string]any{
			"jaccard_distance":     distance,
			"first_half_targets":   len(first),
			"second_half_targets":  len(second),
			"union_targets":        len(union),
			"intersection_targets": len(first) + len(second) - len(union),
			"window_hours":         p.ChurnWindowHours,
			"threshold":            p.ChurnThreshold,
		},
		EvidenceHashes: evidence,
	}
}
