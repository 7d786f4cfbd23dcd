package domain

import (
	"math"
	"time"
)

// RemainingDays computes the member's remaining entitlement balance,
// accounting for paused intervals. While the member is paused the balance
// is frozen at the pause instant; after a resume the entitlement end has
// already been extended, so elapsed time excludes the paused gap.
func RemainingDays(m *Member, now time.Time) int {
	if m.EntitlementStart == nil || m.EntitlementEnd == nil {
		return 0
	}
	start := *m.EntitlementStart
	end := *m.EntitlementEnd
	if !end.After(start) {
		return 0
	}

	totalDays := end.Sub(start).Hours() / 24

	// Not started yet: the whole window remains.
	if now.Before(start) {
		return roundDays(totalDays)
	}

	var activeDaysElapsed float64
	switch {
	case m.Status == MemberStatusPaused && m.PausedAt != nil:
		// Frozen at the pause instant.
		activeDaysElapsed = m.PausedAt.Sub(start).Hours() / 24
	case m.PausedAt != nil && m.ResumedAt != nil:
		// Post-resume (or legacy rows where pausedAt was never cleared):
		// time between pause and resume never counts.
		sinceResume := now.Sub(*m.ResumedAt).Hours() / 24
		if sinceResume < 0 {
			sinceResume = 0
		}
		activeDaysElapsed = m.PausedAt.Sub(start).Hours()/24 + sinceResume
	default:
		activeDaysElapsed = now.Sub(start).Hours() / 24
	}

	remaining := roundDays(totalDays - activeDaysElapsed)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func roundDays(days float64) int {
	return int(math.Round(days))
}
