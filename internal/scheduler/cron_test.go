package scheduler

import (
	"testing"
	"time"
)

func mustParseCron(t *testing.T, expr string) *CronExpr {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func TestNextRunEveryMinute(t *testing.T) {
	c := mustParseCron(t, "* * * * *")
	after := time.Date(2026, 7, 30, 10, 15, 30, 0, time.UTC)
	next, err := c.NextRun(after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 30, 10, 16, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if !next.After(after) {
		t.Fatalf("next_run must be strictly after `after`")
	}
}

func TestNextRunDailyAt9(t *testing.T) {
	c := mustParseCron(t, "0 9 * * *")
	after := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	next, err := c.NextRun(after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunWeekdaysUsesSundayZeroConvention(t *testing.T) {
	// "0 9 * * 1-5" = weekdays, Monday(1)-Friday(5), 0=Sunday.
	c := mustParseCron(t, "0 9 * * 1-5")

	// 2026-08-01 is a Saturday; next weekday 9am run should be Monday 2026-08-03.
	after := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if after.Weekday() != time.Saturday {
		t.Fatalf("test fixture assumption broken: %v is not a Saturday", after)
	}

	next, err := c.NextRun(after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v (Monday)", next, want)
	}
}

func TestNextRunEvery15Minutes(t *testing.T) {
	c := mustParseCron(t, "*/15 * * * *")
	after := time.Date(2026, 7, 30, 10, 16, 0, 0, time.UTC)
	next, err := c.NextRun(after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 7, 30, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestParseCronRejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseCron("* * * *"); err == nil {
		t.Fatal("expected error for 4-field expression")
	}
}

func TestParseCronRejectsOutOfRange(t *testing.T) {
	if _, err := ParseCron("60 * * * *"); err == nil {
		t.Fatal("expected error for minute 60")
	}
}

func TestNextRunFirstOfMonth(t *testing.T) {
	c := mustParseCron(t, "0 0 1 * *")
	after := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	next, err := c.NextRun(after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
