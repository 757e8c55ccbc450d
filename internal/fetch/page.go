package fetch

import (
	"strings"

	"tfmon/internal/monitor"
)

// Negative markers win over positive ones: TestFlight renders "join the
// beta" copy even on pages that then say the beta is full.
var negativeMarkers = []string{
	"beta is full",
	"currently full",
	"this beta is full",
	"no longer accepting new testers",
	"this beta isn't accepting",
	"beta has ended",
	"not available",
	"unavailable",
}

var positiveMarkers = []string{
	"join the beta",
	"accepting testers",
	"beta signup",
	"open beta",
}

// Interpret maps invite-page HTML onto an availability state using
// case-insensitive substring heuristics. Pages matching neither set are
// treated as unavailable; a false "slot open" alert costs more goodwill
// than a missed one.
func Interpret(body string) monitor.Availability {
	lower := strings.ToLower(body)
	for _, m := range negativeMarkers {
		if strings.Contains(lower, m) {
			return monitor.Unavailable
		}
	}
	for _, m := range positiveMarkers {
		if strings.Contains(lower, m) {
			return monitor.Available
		}
	}
	return monitor.Unavailable
}
