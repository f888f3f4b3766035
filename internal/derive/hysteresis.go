package derive

// State is the persisted regime hysteresis state for one labeler.
// Committed is the regime consumers see; Pending is a candidate waiting
// for enough consecutive confirmations to commit.
type State struct {
	Committed    string
	Pending      string
	PendingCount int
}

// Step advances the hysteresis state with this pass's candidate regime
// and reports whether the committed regime changed.
//
// Rules: an empty committed regime accepts the candidate immediately
// (first derivation). A candidate equal to the committed regime clears
// any pending transition. A candidate equal to the pending one bumps
// the counter and commits once it reaches threshold. Any other
// candidate restarts the pending counter at 1. A single noisy pass can
// therefore never flip the visible regime when threshold >= 2.
func Step(s State, candidate string, threshold int) (State, bool) {
	if threshold < 1 {
		threshold = 1
	}

	switch {
	case s.Committed == "":
		return State{Committed: candidate}, candidate != ""

	case candidate == s.Committed:
		return State{Committed: s.Committed}, false

	case candidate == s.Pending:
		count := s.PendingCount + 1
		if count >= threshold {
			return State{Committed: candidate}, true
		}
		return State{Committed: s.Committed, Pending: candidate, PendingCount: count}, false

	default:
		return State{Committed: s.Committed, Pending: candidate, PendingCount: 1}, false
	}
}
