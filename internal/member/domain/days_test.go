package domain

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestRemainingDaysNoWindow(t *testing.T) {
	m := &Member{Status: MemberStatusActive}
	if got := RemainingDays(m, date(2024, 1, 10)); got != 0 {
		t.Fatalf("remaining = %d, want 0 without an entitlement window", got)
	}
}

func TestRemainingDaysBeforeStart(t *testing.T) {
	m := &Member{
		Status:           MemberStatusActive,
		EntitlementStart: ptr(date(2024, 2, 1)),
		EntitlementEnd:   ptr(date(2024, 3, 2)),
	}
	if got := RemainingDays(m, date(2024, 1, 15)); got != 30 {
		t.Fatalf("remaining = %d, want full 30 before start", got)
	}
}

func TestRemainingDaysRunningMember(t *testing.T) {
	m := &Member{
		Status:           MemberStatusActive,
		EntitlementStart: ptr(date(2024, 1, 1)),
		EntitlementEnd:   ptr(date(2024, 1, 31)),
	}
	if got := RemainingDays(m, date(2024, 1, 11)); got != 20 {
		t.Fatalf("remaining = %d, want 20", got)
	}
}

func TestRemainingDaysFrozenWhilePaused(t *testing.T) {
	m := &Member{
		Status:           MemberStatusPaused,
		EntitlementStart: ptr(date(2024, 1, 1)),
		EntitlementEnd:   ptr(date(2024, 1, 31)),
		PausedAt:         ptr(date(2024, 1, 20)),
	}

	// The balance is frozen at the pause instant no matter how much wall
	// clock time passes.
	for _, now := range []time.Time{date(2024, 1, 20), date(2024, 1, 25), date(2024, 3, 1)} {
		if got := RemainingDays(m, now); got != 11 {
			t.Fatalf("remaining at %s = %d, want 11", now.Format("2006-01-02"), got)
		}
	}
}

func TestRemainingDaysPreservedAcrossPauseResume(t *testing.T) {
	// Paused 2024-01-20, resumed 2024-01-25. The resume extended the
	// entitlement end by the 5 paused days, 2024-01-31 to 2024-02-05.
	m := &Member{
		Status:           MemberStatusActive,
		EntitlementStart: ptr(date(2024, 1, 1)),
		EntitlementEnd:   ptr(date(2024, 2, 5)),
		ResumedAt:        ptr(date(2024, 1, 25)),
	}

	if got := RemainingDays(m, date(2024, 1, 25)); got != 11 {
		t.Fatalf("remaining at resume = %d, want 11", got)
	}
	if got := RemainingDays(m, date(2024, 1, 30)); got != 6 {
		t.Fatalf("remaining 5 days after resume = %d, want 6", got)
	}
}

func TestRemainingDaysGapExcludedWhenPauseMarksSurvive(t *testing.T) {
	// Rows where the end was never extended keep both pause marks; the
	// gap between pause and resume never counts as elapsed time.
	m := &Member{
		Status:           MemberStatusActive,
		EntitlementStart: ptr(date(2024, 1, 1)),
		EntitlementEnd:   ptr(date(2024, 1, 31)),
		PausedAt:         ptr(date(2024, 1, 20)),
		ResumedAt:        ptr(date(2024, 1, 25)),
	}

	if got := RemainingDays(m, date(2024, 1, 25)); got != 11 {
		t.Fatalf("remaining at resume = %d, want 11", got)
	}
	if got := RemainingDays(m, date(2024, 1, 30)); got != 6 {
		t.Fatalf("remaining 5 days after resume = %d, want 6", got)
	}
	// A clock reading just before the recorded resume never goes negative.
	if got := RemainingDays(m, date(2024, 1, 24)); got != 11 {
		t.Fatalf("remaining before resume instant = %d, want 11", got)
	}
}

func TestRemainingDaysNeverNegative(t *testing.T) {
	m := &Member{
		Status:           MemberStatusActive,
		EntitlementStart: ptr(date(2024, 1, 1)),
		EntitlementEnd:   ptr(date(2024, 1, 31)),
	}
	if got := RemainingDays(m, date(2024, 6, 1)); got != 0 {
		t.Fatalf("remaining long after expiry = %d, want 0", got)
	}
}
