package chainsync

// AncestorPhase distinguishes the two phases of the common ancestor search.
type AncestorPhase int

const (
	// PhaseExponentialBackoff probes blocks at exponentially growing
	// distances below the starting point until a match is found.
	PhaseExponentialBackoff AncestorPhase = iota
	// PhaseBinarySearch narrows the interval between the last matching and
	// last mismatching probe.
	PhaseBinarySearch
)

// AncestorSearchState is the pure state of an in-flight ancestor search. It
// never touches the database or the network; the orchestrator owns both the
// probing requests and the hash comparisons.
type AncestorSearchState struct {
	Phase AncestorPhase

	// NextDistanceToTip is the gap to probe next, doubling on every
	// mismatch. Only meaningful during exponential backoff.
	NextDistanceToTip uint64

	// Left is the highest block number known to match, Right the lowest
	// known (or assumed) not to. Only meaningful during binary search.
	Left  uint64
	Right uint64
}

// newAncestorSearch starts a search with the first probe at the given
// number.
func newAncestorSearch() AncestorSearchState {
	return AncestorSearchState{
		Phase:             PhaseExponentialBackoff,
		NextDistanceToTip: 1,
	}
}

// handleAncestorSearch advances the search given the outcome of probing
// probed: hashMatch tells whether the peer's block at that number equals
// ours. It returns the successor state and the next number to probe, or
// done=true when the search has converged on the common ancestor (the last
// matching probe).
func handleAncestorSearch(
	state AncestorSearchState,
	probed uint64,
	hashMatch bool,
) (next AncestorSearchState, probe uint64, done bool) {

	switch state.Phase {
	case PhaseExponentialBackoff:
		if hashMatch && state.NextDistanceToTip == 1 {
			// The tip itself matched.
			return state, 0, true
		}
		if hashMatch {
			// A match after at least one mismatch: the boundary lies
			// between this probe and the previous one.
			left := probed
			right := left + state.NextDistanceToTip/2
			middle := left + (right-left)/2
			next = AncestorSearchState{Phase: PhaseBinarySearch, Left: left, Right: right}
			return next, middle, false
		}
		distance := state.NextDistanceToTip
		var nextProbe uint64
		if probed > distance {
			nextProbe = probed - distance
		}
		next = AncestorSearchState{Phase: PhaseExponentialBackoff, NextDistanceToTip: distance * 2}
		return next, nextProbe, false

	case PhaseBinarySearch:
		left, right := state.Left, state.Right
		if left >= probed {
			// The interval has degenerated; left is the answer.
			return state, 0, true
		}
		if hashMatch {
			left = probed
		} else {
			right = probed
		}
		middle := left + (right-left)/2
		next = AncestorSearchState{Phase: PhaseBinarySearch, Left: left, Right: right}
		if middle == probed {
			return next, 0, true
		}
		return next, middle, false

	default:
		return state, 0, true
	}
}
