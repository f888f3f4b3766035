// Package derive turns accumulated labeler history into a behavioral
// regime and three risk/coherence scores. Pure functions over a signals
// bundle: no database, no network, deterministic and testable.
//
// The four outputs are deliberately independent dials. They answer
// different questions (how verifiable, how risky to infer from, how
// temporally self-consistent) and are never collapsed into one
// composite score here.
package derive

import (
	"fmt"
	"math"
)

// Version tags derived values and their receipts.
const Version = "derive_v1"

// Regime states, in cascade priority order.
const (
	RegimeWarmingUp       = "warming_up"
	RegimeInactive        = "inactive"
	RegimeFlapping        = "flapping"
	RegimeDegraded        = "degraded"
	RegimeGhostDeclared   = "ghost_declared"
	RegimeDarkOperational = "dark_operational"
	RegimeBursty          = "bursty"
	RegimeStable          = "stable"
)

// Signals is the per-labeler input bundle, assembled by the scan
// orchestrator from batched store queries.
type Signals struct {
	LabelerDID               string
	VisibilityClass          string
	Auditability             string
	ClassificationConfidence string
	LikelyTestDev            bool

	FirstSeenHoursAgo float64
	ScanCount         int
	EventCountTotal   int

	WarmupEnabled     bool
	WarmupMinAgeHours int
	WarmupMinEvents   int
	WarmupMinScans    int

	EventCount24h     int
	EventCount7d      int
	EventCount30d     int
	HourlyCounts7d    []int
	InterarrivalSecs  []float64
	DormancyDays      float64

	ProbeCount30d           int
	ProbeSuccessRatio30d    float64
	ProbeTransitionCount30d int
	ProbeLastStatus         string
	ProbeStatuses7d         []string
	ProbeRecentFailStreak   int

	ClassTransitionCount30d      int
	ConfidenceTransitionCount30d int

	DeclaredRecord    bool
	HasLabelerService bool
	HasLabelKey       bool
	ObservedAsSrc     bool
}

// RegimeResult is a candidate regime with its reason codes.
type RegimeResult struct {
	State       string
	ReasonCodes []string
}

// ScoreResult is one 0-100 dial with its band and reason codes.
type ScoreResult struct {
	Score       int
	Band        string
	ReasonCodes []string
}

func clamp(v float64) int {
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

func band(score int) string {
	switch {
	case score < 34:
		return "low"
	case score < 67:
		return "medium"
	default:
		return "high"
	}
}

func warmingUp(s Signals) (bool, []string) {
	if !s.WarmupEnabled {
		return false, nil
	}
	var reasons []string
	if s.FirstSeenHoursAgo < float64(s.WarmupMinAgeHours) {
		reasons = append(reasons, "warmup_age")
	}
	if s.EventCountTotal < s.WarmupMinEvents {
		reasons = append(reasons, "warmup_low_volume")
	}
	if s.ScanCount < s.WarmupMinScans {
		reasons = append(reasons, "warmup_low_scans")
	}
	if len(reasons) == 0 {
		return false, nil
	}
	return true, append([]string{"warmup_active"}, reasons...)
}

func mixedStatuses(statuses []string) bool {
	seen := make(map[string]struct{})
	for _, s := range statuses {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	return len(seen) >= 2
}

// BurstinessIndex measures how spiky hourly event counts are, 0-100.
// Variance-to-mean-squared ratio, scaled; an empty or all-zero window
// scores 0.
func BurstinessIndex(hourlyCounts []int) float64 {
	if len(hourlyCounts) == 0 {
		return 0
	}
	var sum float64
	for _, c := range hourlyCounts {
		sum += float64(c)
	}
	mean := sum / float64(len(hourlyCounts))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, c := range hourlyCounts {
		d := float64(c) - mean
		variance += d * d
	}
	variance /= float64(len(hourlyCounts))
	raw := variance / (mean * mean) * 25.0
	return math.Max(0, math.Min(100, raw))
}

// CadenceIrregularity measures inter-arrival jitter as a coefficient of
// variation, 0-100. Fewer than two usable samples means the cadence is
// unknown; that scores a neutral 50.
func CadenceIrregularity(interarrivalSecs []float64) float64 {
	var vals []float64
	for _, v := range interarrivalSecs {
		if v > 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) < 2 {
		return 50
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if mean <= 0 {
		return 50
	}
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	cv := math.Sqrt(variance) / mean
	return math.Max(0, math.Min(100, cv*25.0))
}

// ClassifyRegime computes the candidate regime via a priority cascade:
// warm-up, then dormancy, then probe pathologies, then declaration
// mismatches, then activity shape, with stable as the active fallback.
func ClassifyRegime(s Signals) RegimeResult {
	if warming, reasons := warmingUp(s); warming {
		return RegimeResult{RegimeWarmingUp, reasons}
	}

	if s.DormancyDays >= 30 && s.EventCount30d == 0 {
		reasons := []string{"dormant_30d"}
		if s.DeclaredRecord {
			reasons = append(reasons, "declared_no_recent_activity")
		}
		return RegimeResult{RegimeInactive, reasons}
	}

	if s.ProbeTransitionCount30d >= 6 && mixedStatuses(s.ProbeStatuses7d) {
		return RegimeResult{RegimeFlapping, []string{
			"probe_flapping_30d",
			fmt.Sprintf("probe_transitions_%d", s.ProbeTransitionCount30d),
		}}
	}

	if (s.DeclaredRecord || s.HasLabelerService) &&
		s.ProbeCount30d >= 5 && s.ProbeSuccessRatio30d < 0.4 {
		reasons := []string{"probe_success_low", "declared_or_service_present"}
		if s.ProbeRecentFailStreak >= 3 {
			reasons = append(reasons, "probe_fail_streak")
		}
		return RegimeResult{RegimeDegraded, reasons}
	}

	if s.DeclaredRecord && s.EventCount30d <= 2 {
		reasons := []string{"declared_low_activity"}
		switch s.ProbeLastStatus {
		case "auth_required", "down", "timeout":
			reasons = append(reasons, "probe_"+s.ProbeLastStatus)
		}
		return RegimeResult{RegimeGhostDeclared, reasons}
	}

	if s.ObservedAsSrc && !s.DeclaredRecord && !s.HasLabelerService && s.EventCount7d > 0 {
		return RegimeResult{RegimeDarkOperational, []string{
			"observed_without_declaration",
			"no_labeler_service_in_did",
		}}
	}

	if b := BurstinessIndex(s.HourlyCounts7d); s.EventCount7d >= 10 && b >= 65 {
		return RegimeResult{RegimeBursty, []string{
			"high_burstiness",
			fmt.Sprintf("burstiness_%d", int(b)),
		}}
	}

	if s.EventCount30d >= 20 &&
		s.ProbeSuccessRatio30d >= 0.7 &&
		s.ProbeTransitionCount30d <= 2 &&
		s.ClassTransitionCount30d <= 1 &&
		s.DormancyDays < 7 {
		return RegimeResult{RegimeStable, []string{
			"sustained_activity", "probe_consistent", "low_class_churn",
		}}
	}

	if s.EventCount30d > 0 {
		return RegimeResult{RegimeStable, []string{"active_no_strong_pattern"}}
	}

	return RegimeResult{RegimeInactive, []string{"insufficient_signal"}}
}

// ScoreAuditabilityRisk scores how hard it is to independently verify
// this labeler's behavior, 0-100, higher is worse.
func ScoreAuditabilityRisk(s Signals) ScoreResult {
	var score float64
	var reasons []string

	visibilityWeights := map[string]float64{
		"declared":        10,
		"protocol_public": 25,
		"observed_only":   70,
		"unresolved":      80,
	}
	if w, ok := visibilityWeights[s.VisibilityClass]; ok {
		score += w
	} else {
		score += 80
	}
	reasons = append(reasons, "visibility_"+s.VisibilityClass)

	score += tierWeight(s.Auditability, 0, 10, 20)
	reasons = append(reasons, "auditability_"+s.Auditability)

	if !s.DeclaredRecord {
		score += 8
		reasons = append(reasons, "missing_declared_record")
	}
	if !s.HasLabelerService {
		score += 10
		reasons = append(reasons, "missing_labeler_service")
	}
	if !s.HasLabelKey {
		score += 5
		reasons = append(reasons, "missing_label_key")
	}

	if s.ProbeCount30d == 0 {
		score += 20
		reasons = append(reasons, "no_probe_history")
	} else {
		if s.ProbeSuccessRatio30d < 0.4 {
			score += 15
			reasons = append(reasons, "probe_success_low")
		} else if s.ProbeSuccessRatio30d < 0.7 {
			score += 8
			reasons = append(reasons, "probe_success_mixed")
		}
		if s.ProbeTransitionCount30d >= 6 {
			score += 12
			reasons = append(reasons, "probe_flapping_30d")
		} else if s.ProbeTransitionCount30d >= 3 {
			score += 6
			reasons = append(reasons, "probe_some_flapping")
		}
	}

	if s.VisibilityClass == "observed_only" && s.EventCount30d > 0 {
		score += 10
		reasons = append(reasons, "active_observed_only")
	}

	if warming, _ := warmingUp(s); warming {
		score += 5
		reasons = append(reasons, "warmup_active")
	}

	score += tierWeight(s.ClassificationConfidence, 0, 4, 10)
	reasons = append(reasons, "classification_confidence_"+s.ClassificationConfidence)

	final := clamp(score)
	return ScoreResult{final, band(final), reasons}
}

// ScoreInferenceRisk scores how much any conclusion about this labeler
// rests on weak or churning evidence, 0-100, higher is worse. Takes the
// effective regime so hysteresis-damped states score consistently with
// what consumers see.
func ScoreInferenceRisk(s Signals, regime RegimeResult) ScoreResult {
	var score float64
	var reasons []string

	if warming, _ := warmingUp(s); warming {
		score += 35
		reasons = append(reasons, "warmup_active")
	}

	switch {
	case s.EventCount30d == 0:
		score += 25
		reasons = append(reasons, "no_events_30d")
	case s.EventCount30d < 5:
		score += 18
		reasons = append(reasons, "very_low_volume_30d")
	case s.EventCount30d < 20:
		score += 10
		reasons = append(reasons, "low_volume_30d")
	}

	switch {
	case s.ProbeCount30d == 0:
		score += 15
		reasons = append(reasons, "no_probe_history")
	case s.ProbeCount30d < 5:
		score += 8
		reasons = append(reasons, "sparse_probe_history")
	}

	if s.ProbeTransitionCount30d >= 6 {
		score += 15
		reasons = append(reasons, "probe_flapping_30d")
	} else if s.ProbeTransitionCount30d >= 3 {
		score += 8
		reasons = append(reasons, "probe_some_flapping")
	}

	if s.ClassTransitionCount30d >= 3 {
		score += 20
		reasons = append(reasons, "high_class_churn")
	} else if s.ClassTransitionCount30d >= 1 {
		score += 10
		reasons = append(reasons, "recent_class_change")
	}

	if s.ConfidenceTransitionCount30d >= 3 {
		score += 10
		reasons = append(reasons, "confidence_churn")
	} else if s.ConfidenceTransitionCount30d >= 1 {
		score += 5
		reasons = append(reasons, "confidence_changed")
	}

	score += tierWeight(s.ClassificationConfidence, 0, 8, 18)
	reasons = append(reasons, "classification_confidence_"+s.ClassificationConfidence)

	if irr := CadenceIrregularity(s.InterarrivalSecs); irr >= 70 {
		score += 12
		reasons = append(reasons, "cadence_irregularity_high")
	} else if irr >= 40 {
		score += 6
		reasons = append(reasons, "cadence_irregularity_medium")
	}

	regimeAdj := map[string]float64{
		RegimeStable:          -8,
		RegimeFlapping:        10,
		RegimeDegraded:        10,
		RegimeGhostDeclared:   8,
		RegimeDarkOperational: 8,
	}
	score += regimeAdj[regime.State]
	reasons = append(reasons, "regime_"+regime.State)

	if s.LikelyTestDev {
		// Reason code only; test instances are noisy, not risky.
		reasons = append(reasons, "likely_test_dev")
	}

	final := clamp(score)
	return ScoreResult{final, band(final), reasons}
}

// ScoreTemporalCoherence scores how self-consistent the labeler's
// behavior is over time, 0-100, higher is better.
func ScoreTemporalCoherence(s Signals, regime RegimeResult) ScoreResult {
	score := 50.0
	var reasons []string

	switch {
	case s.EventCount30d >= 50:
		score += 20
		reasons = append(reasons, "volume_high_30d")
	case s.EventCount30d >= 20:
		score += 10
		reasons = append(reasons, "volume_good_30d")
	case s.EventCount30d < 5:
		score -= 15
		reasons = append(reasons, "volume_low_30d")
	}

	if s.DormancyDays >= 30 {
		score -= 25
		reasons = append(reasons, "dormant_30d")
	} else if s.DormancyDays >= 7 {
		score -= 10
		reasons = append(reasons, "dormant_7d")
	}

	if s.ProbeTransitionCount30d >= 6 {
		score -= 20
		reasons = append(reasons, "probe_flapping_30d")
	} else if s.ProbeTransitionCount30d >= 3 {
		score -= 10
		reasons = append(reasons, "probe_some_flapping")
	}

	if s.ClassTransitionCount30d >= 3 {
		score -= 15
		reasons = append(reasons, "high_class_churn")
	} else if s.ClassTransitionCount30d >= 1 {
		score -= 8
		reasons = append(reasons, "recent_class_change")
	}

	if irr := CadenceIrregularity(s.InterarrivalSecs); irr >= 70 {
		score -= 15
		reasons = append(reasons, "cadence_irregularity_high")
	} else if irr >= 40 {
		score -= 8
		reasons = append(reasons, "cadence_irregularity_medium")
	}

	if warming, _ := warmingUp(s); warming {
		score -= 20
		reasons = append(reasons, "warmup_active")
	}

	regimeAdj := map[string]float64{
		RegimeStable:          10,
		RegimeBursty:          -8,
		RegimeFlapping:        -8,
		RegimeDegraded:        -8,
		RegimeDarkOperational: -8,
		RegimeGhostDeclared:   -6,
		RegimeWarmingUp:       -6,
	}
	score += regimeAdj[regime.State]
	reasons = append(reasons, "regime_"+regime.State)

	final := clamp(score)
	return ScoreResult{final, band(final), reasons}
}

func tierWeight(tier string, high, medium, low float64) float64 {
	switch tier {
	case "high":
		return high
	case "medium":
		return medium
	case "low":
		return low
	default:
		return low
	}
}
