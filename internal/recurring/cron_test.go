package recurring

import (
	"testing"
	"time"
)

func TestParseExpr_RejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseExpr("* * *", ""); err == nil {
		t.Fatal("expected error for a 3-field expression")
	}
}

func TestParseExpr_DefaultsToUTC(t *testing.T) {
	expr, err := ParseExpr("0 9 * * *", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if expr.loc != time.UTC {
		t.Errorf("expected UTC location, got %v", expr.loc)
	}
}

func TestExpr_MatchesEveryMinute(t *testing.T) {
	expr, err := ParseExpr("* * * * *", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !expr.matchesAt(time.Date(2026, 7, 30, 13, 45, 0, 0, time.UTC)) {
		t.Error("wildcard expression should match any minute")
	}
}

func TestExpr_MatchesDailyAtNine(t *testing.T) {
	expr, err := ParseExpr("0 9 * * *", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !expr.matchesAt(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)) {
		t.Error("expected a match at 09:00")
	}
	if expr.matchesAt(time.Date(2026, 7, 30, 9, 1, 0, 0, time.UTC)) {
		t.Error("expected no match at 09:01")
	}
}

func TestExpr_StepAndRangeFields(t *testing.T) {
	expr, err := ParseExpr("*/15 9-17 * * 1-5", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 2026-07-30 is a Thursday.
	if !expr.matchesAt(time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC)) {
		t.Error("expected match at weekday 10:30 (step-of-15 minute)")
	}
	if expr.matchesAt(time.Date(2026, 7, 30, 10, 31, 0, 0, time.UTC)) {
		t.Error("expected no match at :31")
	}
	// 2026-08-01 is a Saturday.
	if expr.matchesAt(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)) {
		t.Error("expected no match on a Saturday")
	}
}

func TestExpr_DayOfWeekZeroAndSevenBothMeanSunday(t *testing.T) {
	exprZero, err := ParseExpr("0 0 * * 0", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	exprSeven, err := ParseExpr("0 0 * * 7", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 2026-08-02 is a Sunday.
	sunday := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	if !exprZero.matchesAt(sunday) {
		t.Error("day-of-week 0 should match Sunday")
	}
	if !exprSeven.matchesAt(sunday) {
		t.Error("day-of-week 7 should also match Sunday")
	}
}

func TestOccurrences_ReturnsEveryFiredMinuteInWindow(t *testing.T) {
	expr, err := ParseExpr("*/30 * * * *", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	after := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	upTo := time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC)

	got := expr.Occurrences(after, upTo)
	want := []time.Time{
		time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC),
		time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOccurrences_ExcludesTheAfterInstantItself(t *testing.T) {
	expr, err := ParseExpr("0 * * * *", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	at := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	got := expr.Occurrences(at, at)
	if len(got) != 0 {
		t.Errorf("expected no occurrences for an empty (after, after] window, got %v", got)
	}
}

func TestOccurrences_BoundsUnboundedCatchUp(t *testing.T) {
	expr, err := ParseExpr("0 0 1 1 *", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// A template that was never ticked (zero time) must not trigger a scan
	// spanning decades; the search window is clamped.
	got := expr.Occurrences(time.Time{}, time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	for _, t := range got {
		if time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC).Sub(t) > maxCatchUpMinutes*time.Minute {
			t.Errorf("occurrence %v falls outside the bounded catch-up window", t)
		}
	}
}
