// Package classify derives a labeler's visibility, reachability, and
// auditability classification from structured evidence. Pure functions:
// no network, no database, deterministic for a given evidence set.
package classify

import (
	"regexp"
	"strings"
)

// Version tags every classification so stored results can be traced to
// the decision table that produced them.
const Version = "v1"

// Visibility classes, strongest declaration first.
const (
	VisibilityDeclared       = "declared"
	VisibilityProtocolPublic = "protocol_public"
	VisibilityObservedOnly   = "observed_only"
	VisibilityUnresolved     = "unresolved"
)

// Reachability states, taken directly from the latest probe outcome.
const (
	ReachabilityAccessible   = "accessible"
	ReachabilityAuthRequired = "auth_required"
	ReachabilityDown         = "down"
	ReachabilityUnknown      = "unknown"
)

// Tier values used for auditability and confidence.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// Evidence is the structured input to the classifier: which surfaces a
// labeler has been observed on, plus the latest probe outcome ("" when
// never probed).
type Evidence struct {
	DeclaredRecord    bool
	HasLabelerService bool
	HasLabelKey       bool
	ObservedAsSrc     bool
	ProbeResult       string
}

// Classification is the classifier's output. Never an error: evidence
// that supports no conclusion maps to unresolved/unknown/low.
type Classification struct {
	VisibilityClass   string
	ReachabilityState string
	Auditability      string
	Confidence        string
	Reason            string
	Version           string
}

// Classify runs the visibility decision tree over the evidence:
// declared record wins, then a DID-document labeler service, then
// observation as an event source, else unresolved. Reachability comes
// only from the probe; auditability follows from visibility plus
// reachability.
func Classify(ev Evidence) Classification {
	reachability := ReachabilityUnknown
	switch ev.ProbeResult {
	case ReachabilityAccessible, ReachabilityAuthRequired, ReachabilityDown:
		reachability = ev.ProbeResult
	}

	var visibility, auditability string
	var reasons []string

	switch {
	case ev.DeclaredRecord:
		visibility = VisibilityDeclared
		reasons = append(reasons, "declared")
		if ev.HasLabelerService {
			reasons = append(reasons, "did_service")
		}
		if ev.HasLabelKey {
			reasons = append(reasons, "did_label_key")
		}
		switch reachability {
		case ReachabilityAccessible:
			auditability = TierHigh
			reasons = append(reasons, "probe_accessible")
		case ReachabilityAuthRequired:
			auditability = TierMedium
			reasons = append(reasons, "probe_auth_required")
		case ReachabilityDown:
			auditability = TierMedium
			reasons = append(reasons, "probe_down")
		default:
			auditability = TierMedium
			reasons = append(reasons, "not_probed")
		}

	case ev.HasLabelerService:
		visibility = VisibilityProtocolPublic
		auditability = TierMedium
		reasons = append(reasons, "protocol_public")
		if ev.HasLabelKey {
			reasons = append(reasons, "did_label_key")
		}
		switch reachability {
		case ReachabilityAccessible:
			reasons = append(reasons, "probe_accessible")
		case ReachabilityAuthRequired:
			reasons = append(reasons, "probe_auth_required")
		case ReachabilityDown:
			reasons = append(reasons, "probe_down")
		}

	case ev.ObservedAsSrc:
		visibility = VisibilityObservedOnly
		auditability = TierLow
		reasons = append(reasons, "observed_only_no_declaration")

	default:
		visibility = VisibilityUnresolved
		auditability = TierLow
		reasons = append(reasons, "unresolved")
	}

	if ev.ObservedAsSrc && visibility != VisibilityObservedOnly {
		reasons = append(reasons, "observed_src")
	}

	return Classification{
		VisibilityClass:   visibility,
		ReachabilityState: reachability,
		Auditability:      auditability,
		Confidence:        confidence(ev),
		Reason:            strings.Join(reasons, "+"),
		Version:           Version,
	}
}

// confidence weighs evidence by independence. Probe outcomes and direct
// observation as an event source are strong (independently collected);
// declarations and DID-document fields are medium (self-asserted).
func confidence(ev Evidence) string {
	strong, medium := 0, 0

	switch ev.ProbeResult {
	case ReachabilityAccessible, ReachabilityAuthRequired, ReachabilityDown:
		strong++
	}
	if ev.ObservedAsSrc {
		strong++
	}
	if ev.DeclaredRecord {
		medium++
	}
	if ev.HasLabelerService {
		medium++
	}
	if ev.HasLabelKey {
		medium++
	}

	switch {
	case strong >= 2 || (strong >= 1 && medium >= 2):
		return TierHigh
	case (strong >= 1 && medium >= 1) || medium >= 2:
		return TierMedium
	default:
		return TierLow
	}
}

var testDevPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btest\b`),
	regexp.MustCompile(`(?i)\bdev\b`),
	regexp.MustCompile(`(?i)\bdemo\b`),
	regexp.MustCompile(`(?i)\bexample\b`),
	regexp.MustCompile(`(?i)\bsandbox\b`),
	regexp.MustCompile(`(?i)\btmp\b`),
	regexp.MustCompile(`(?i)\bfoo\b`),
	regexp.MustCompile(`(?i)\bbar\b`),
	regexp.MustCompile(`(?i)^test[-.]`),
	regexp.MustCompile(`(?i)[-.]test$`),
	regexp.MustCompile(`(?i)^dev[-.]`),
	regexp.MustCompile(`(?i)[-.]dev$`),
}

// LikelyTestDev reports whether the handle or display name looks like a
// test or development instance. Heuristic only; the result feeds a
// sticky flag and a scoring reason code, never a hard exclusion.
func LikelyTestDev(handle, displayName string) bool {
	for _, text := range []string{handle, displayName} {
		if text == "" {
			continue
		}
		for _, pat := range testDevPatterns {
			if pat.MatchString(text) {
				return true
			}
		}
	}
	return false
}
