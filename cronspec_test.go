package sentinelzero

import (
	"testing"
	"time"
)

// TestCronDayOfMonthOnlyRestricted exercises a day-of-month restriction with
// day-of-week left wildcard: the next fire is governed purely by the
// day-of-month field, independent of what weekday it lands on.
func TestCronDayOfMonthOnlyRestricted(t *testing.T) {
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC) // Saturday
	got, err := nextCronFire("0 0 1 * *", now, time.UTC)
	if err != nil {
		t.Fatalf("nextCronFire: %v", err)
	}
	want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) // Thursday
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestCronDayOfWeekOnlyRestricted exercises a day-of-week restriction with
// day-of-month left wildcard: the next fire is governed purely by the
// day-of-week field.
func TestCronDayOfWeekOnlyRestricted(t *testing.T) {
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC) // Saturday
	got, err := nextCronFire("0 0 * * 1", now, time.UTC)
	if err != nil {
		t.Fatalf("nextCronFire: %v", err)
	}
	want := time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC) // next Monday
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestCronDayOfMonthAndDayOfWeekUnion asserts §4.E's documented convention
// explicitly (spec.md §9: "implementers should assert it in tests rather
// than infer from behavior"): when both day-of-month and day-of-week are
// restricted, a day matches if EITHER field matches, not both. 2024-01-22
// is a Monday but not the 1st of the month; 2024-02-01 is the 1st but not
// a Monday. If the fields were ANDed instead of ORed, neither date would
// match and the next fire would land far later (the next day that is both
// the 1st of a month and a Monday).
func TestCronDayOfMonthAndDayOfWeekUnion(t *testing.T) {
	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC) // Saturday
	got, err := nextCronFire("0 0 1 * 1", now, time.UTC)
	if err != nil {
		t.Fatalf("nextCronFire: %v", err)
	}
	want := time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC) // the nearer of the two: Monday beats day-1
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v (union of day-of-month=1 and day-of-week=Monday)", got, want)
	}
}
