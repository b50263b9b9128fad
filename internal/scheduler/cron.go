package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField is one parsed field of a five-field cron expression: the set
// of matching values, or all=true to mean "match anything" (a bare "*").
type cronField struct {
	all    bool
	values map[int]bool
}

func (f cronField) matches(v int) bool {
	if f.all {
		return true
	}
	return f.values[v]
}

// CronExpr is a parsed five-field classic cron expression: minute hour
// day-of-month month day-of-week. Day-of-week uses 0=Sunday, matching
// Go's time.Weekday natively — unlike the Python original this is
// grounded on, which compared a 0=Sunday field against
// datetime.weekday()'s 0=Monday, a likely latent bug this
// implementation does not carry forward (see SPEC_FULL.md Decisions).
type CronExpr struct {
	minute  cronField
	hour    cronField
	dom     cronField
	month   cronField
	dow     cronField
	source  string
}

// ParseCron parses a five-field cron expression. Each field supports
// "*", "N", "N-M", "*/N", and comma-separated lists of any of those.
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	ranges := [5][2]int{
		{0, 59}, // minute
		{0, 23}, // hour
		{1, 31}, // day of month
		{1, 12}, // month
		{0, 6},  // day of week, 0=Sunday
	}

	parsed := make([]cronField, 5)
	for i, f := range fields {
		cf, err := parseCronField(f, ranges[i][0], ranges[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron field %d (%q): %w", i, f, err)
		}
		parsed[i] = cf
	}

	return &CronExpr{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
		source: expr,
	}, nil
}

func parseCronField(field string, min, max int) (cronField, error) {
	values := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		if part == "*" {
			return cronField{all: true}, nil
		}

		if strings.HasPrefix(part, "*/") {
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			for v := min; v <= max; v += step {
				values[v] = true
			}
			continue
		}

		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, err1 := strconv.Atoi(part[:idx])
			hi, err2 := strconv.Atoi(part[idx+1:])
			if err1 != nil || err2 != nil || lo > hi {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
			for v := lo; v <= hi; v++ {
				values[v] = true
			}
			continue
		}

		n, err := strconv.Atoi(part)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid value %q", part)
		}
		if n < min || n > max {
			return cronField{}, fmt.Errorf("value %d out of range [%d,%d]", n, min, max)
		}
		values[n] = true
	}

	if len(values) == 0 {
		return cronField{}, fmt.Errorf("empty field %q", field)
	}
	return cronField{values: values}, nil
}

// NextRun searches forward from after at minute granularity for the next
// time matching all five fields, bounded to one year out. Returns an
// error if no match is found within that bound — matching spec.md §4.7's
// "raises if no match is found".
func (c *CronExpr) NextRun(after time.Time) (time.Time, error) {
	// Start at the next whole minute strictly after `after`.
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(1, 0, 0)

	for t.Before(limit) {
		if c.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching run time for cron %q within one year of %s", c.source, after)
}

func (c *CronExpr) matches(t time.Time) bool {
	if !c.minute.matches(t.Minute()) {
		return false
	}
	if !c.hour.matches(t.Hour()) {
		return false
	}
	if !c.month.matches(int(t.Month())) {
		return false
	}

	// All five fields must match — the gateway does not implement the
	// classic cron day-of-month/day-of-week OR-special-case; neither did
	// the source this is grounded on.
	if !c.dom.matches(t.Day()) {
		return false
	}
	return c.dow.matches(int(t.Weekday()))
}

// String returns the original expression text.
func (c *CronExpr) String() string { return c.source }
