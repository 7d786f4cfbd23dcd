package domain

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDeriveStatusNilEnd(t *testing.T) {
	got := DeriveStatus(nil, date(2024, 1, 15), time.UTC)
	if got.Active {
		t.Fatal("nil entitlement end must derive inactive")
	}
	if got.State != DerivedStateExpired {
		t.Fatalf("state = %s, want %s", got.State, DerivedStateExpired)
	}
	if got.DaysRemaining != nil {
		t.Fatal("nil entitlement end must have no days remaining")
	}
}

func TestDeriveStatusBoundaries(t *testing.T) {
	end := date(2024, 1, 20)

	cases := []struct {
		name         string
		now          time.Time
		active       bool
		state        DerivedState
		remaining    int
		expiringSoon bool
	}{
		{"end day is still active", date(2024, 1, 20), true, DerivedStateActive, 0, true},
		{"day after end is expired", date(2024, 1, 21), false, DerivedStateExpired, 0, false},
		{"inside window", date(2024, 1, 14), true, DerivedStateActive, 6, true},
		{"window boundary day", date(2024, 1, 13), true, DerivedStateActive, 7, true},
		{"just outside window", date(2024, 1, 12), true, DerivedStateActive, 8, false},
		// Intraday times normalize to the same day.
		{"late evening on end day", time.Date(2024, 1, 20, 23, 59, 0, 0, time.UTC), true, DerivedStateActive, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(&end, tc.now, time.UTC)
			if got.Active != tc.active {
				t.Fatalf("active = %v, want %v", got.Active, tc.active)
			}
			if got.State != tc.state {
				t.Fatalf("state = %s, want %s", got.State, tc.state)
			}
			if got.DaysRemaining == nil {
				t.Fatal("days remaining must be set when entitlement end is set")
			}
			if *got.DaysRemaining != tc.remaining {
				t.Fatalf("days remaining = %d, want %d", *got.DaysRemaining, tc.remaining)
			}
			if got.ExpiringSoon != tc.expiringSoon {
				t.Fatalf("expiring soon = %v, want %v", got.ExpiringSoon, tc.expiringSoon)
			}
		})
	}
}

func TestDeriveStatusTimezoneNormalization(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// 18:00 UTC on the 19th is already 01:00 on the 20th in Jakarta.
	// The reference zone decides which calendar day it is.
	end := time.Date(2024, 1, 20, 0, 0, 0, 0, jakarta)
	now := time.Date(2024, 1, 19, 18, 0, 0, 0, time.UTC)

	got := DeriveStatus(&end, now, jakarta)
	if !got.Active {
		t.Fatal("member must still be active on the entitlement end day in the reference zone")
	}
	if *got.DaysRemaining != 0 {
		t.Fatalf("days remaining = %d, want 0", *got.DaysRemaining)
	}
}

func TestStatusFilterCondition(t *testing.T) {
	now := date(2024, 1, 10)

	for _, f := range []StatusFilter{StatusFilterActive, StatusFilterExpired, StatusFilterExpiringSoon} {
		cond, args, ok := f.Condition(now, time.UTC)
		if !ok {
			t.Fatalf("filter %s must produce a condition", f)
		}
		if cond == "" || len(args) == 0 {
			t.Fatalf("filter %s produced empty condition", f)
		}
	}

	if _, _, ok := StatusFilter("bogus").Condition(now, time.UTC); ok {
		t.Fatal("unknown filter must not produce a condition")
	}
}
