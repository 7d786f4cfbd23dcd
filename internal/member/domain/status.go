package domain

import (
	"math"
	"time"
)

// DerivedState is the calculator's verdict on an entitlement window.
type DerivedState string

const (
	DerivedStateActive  DerivedState = "ACTIVE"
	DerivedStateExpired DerivedState = "EXPIRED"
)

// ExpiringSoonWindowDays is the inclusive expiring-soon horizon.
const ExpiringSoonWindowDays = 7

// DerivedStatus is the single source of truth for "is this membership
// active". The stored Member.Status flag is a cache of this.
type DerivedStatus struct {
	Active        bool
	State         DerivedState
	DaysRemaining *int
	ExpiringSoon  bool
}

// DeriveStatus maps an entitlement end instant to a derived status. Both
// instants are normalized to start-of-day in the reference zone so a
// membership ending today still counts as active.
func DeriveStatus(entitlementEnd *time.Time, now time.Time, loc *time.Location) DerivedStatus {
	if entitlementEnd == nil {
		return DerivedStatus{Active: false, State: DerivedStateExpired}
	}

	endDay := StartOfDay(*entitlementEnd, loc)
	nowDay := StartOfDay(now, loc)

	days := daysBetween(nowDay, endDay)
	if days < 0 {
		days = 0
	}

	active := !endDay.Before(nowDay)
	state := DerivedStateExpired
	if active {
		state = DerivedStateActive
	}

	return DerivedStatus{
		Active:        active,
		State:         state,
		DaysRemaining: &days,
		ExpiringSoon:  active && days <= ExpiringSoonWindowDays,
	}
}

// StartOfDay truncates an instant to midnight in the reference zone.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// daysBetween counts calendar days from a to b; both must be start-of-day
// in the same zone. Rounding absorbs 23h/25h DST days.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// StatusFilter selects members by derived status in list queries.
type StatusFilter string

const (
	StatusFilterActive       StatusFilter = "active"
	StatusFilterExpired      StatusFilter = "expired"
	StatusFilterExpiringSoon StatusFilter = "expiring_soon"
)

// Condition renders the SQL predicate equivalent to DeriveStatus for
// a list filter. List filters and single-entity views share these three
// comparisons so they can never disagree.
func (f StatusFilter) Condition(now time.Time, loc *time.Location) (string, []any, bool) {
	nowDay := StartOfDay(now, loc)
	switch f {
	case StatusFilterActive:
		return "entitlement_end IS NOT NULL AND entitlement_end >= ?", []any{nowDay}, true
	case StatusFilterExpired:
		return "entitlement_end IS NULL OR entitlement_end < ?", []any{nowDay}, true
	case StatusFilterExpiringSoon:
		horizon := nowDay.AddDate(0, 0, ExpiringSoonWindowDays+1)
		return "entitlement_end IS NOT NULL AND entitlement_end >= ? AND entitlement_end < ?", []any{nowDay, horizon}, true
	default:
		return "", nil, false
	}
}
