package monitor

import "time"

// Classify turns one observation into a Detection. Pure function.
//
// previous is Unknown when the target has never been observed. A first
// observation of an unavailable target is Unchanged, not a transition;
// a first observation of an available target notifies (the whole point
// of watching a code is catching it open).
func Classify(target string, previous, current Availability, fetchErr error, at time.Time) Detection {
	d := Detection{Target: target, Previous: previous, Current: current, At: at}

	if fetchErr != nil {
		// Nothing was observed; state stays as it was.
		d.Kind = FetchFailed
		d.Current = previous
		d.Err = fetchErr.Error()
		return d
	}

	switch {
	case previous == Unknown && current == Available:
		d.Kind = BecameAvailable
	case previous == Unknown:
		d.Kind = Unchanged
	case previous == Available && current == Unavailable:
		d.Kind = BecameUnavailable
	case previous == Unavailable && current == Available:
		d.Kind = BecameAvailable
	default:
		d.Kind = Unchanged
	}
	return d
}
