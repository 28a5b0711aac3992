package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCronExpr is returned by NewCronTrigger when the expression
// cannot be parsed.
var ErrInvalidCronExpr = fmt.Errorf("invalid cron expression")

var cronMacros = map[string]string{
	"@yearly":  "0 0 1 1 *",
	"@monthly": "0 0 1 * *",
	"@weekly":  "0 0 * * 0",
	"@daily":   "0 0 * * *",
	"@hourly":  "0 * * * *",
}

// CronTrigger fires on a 5-field cron schedule (minute hour dom month
// dow), with a cursor that advances on every Next() call so fire
// times are strictly increasing.
type CronTrigger struct {
	minutes, hours, daysOfMonth, months, daysOfWeek []int
	expr                                            string
	cursor                                          time.Time
}

// NewCronTrigger parses a 5-field cron expression (or one of the
// @yearly/@monthly/@weekly/@daily/@hourly macros) and returns a
// trigger whose cursor starts at startAt (now, if zero).
func NewCronTrigger(expr string, startAt time.Time) (*CronTrigger, error) {
	raw := strings.TrimSpace(expr)
	if replacement, ok := cronMacros[strings.ToLower(raw)]; ok {
		raw = replacement
	}

	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCronExpr, len(fields))
	}

	ct := &CronTrigger{expr: raw}
	var err error
	if ct.minutes, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("%w: minute: %v", ErrInvalidCronExpr, err)
	}
	if ct.hours, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("%w: hour: %v", ErrInvalidCronExpr, err)
	}
	if ct.daysOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("%w: day-of-month: %v", ErrInvalidCronExpr, err)
	}
	if ct.months, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("%w: month: %v", ErrInvalidCronExpr, err)
	}
	if ct.daysOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, fmt.Errorf("%w: day-of-week: %v", ErrInvalidCronExpr, err)
	}

	if startAt.IsZero() {
		startAt = time.Now()
	}
	ct.cursor = startAt
	return ct, nil
}

// String returns the original (macro-expanded) cron expression.
func (ct *CronTrigger) String() string { return ct.expr }

// Next returns the next activation strictly after the current cursor,
// searching up to 4 years ahead, and advances the cursor to that
// point. Returns (zero, false) if nothing matched within the window.
func (ct *CronTrigger) Next() (time.Time, bool) {
	from := ct.cursor
	t := from.Add(time.Minute - time.Duration(from.Second())*time.Second -
		time.Duration(from.Nanosecond())).Truncate(time.Minute)
	if !t.After(from) {
		t = t.Add(time.Minute)
	}

	limit := t.Add(4 * 365 * 24 * time.Hour)
	for t.Before(limit) {
		if !intIn(ct.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(ct.daysOfMonth, t.Day()) || !intIn(ct.daysOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(ct.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !intIn(ct.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		ct.cursor = t
		return t, true
	}

	return time.Time{}, false
}

func intIn(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return intRange(min, max, 1), nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		partValues, err := parseCronPart(part, min, max)
		if err != nil {
			return nil, err
		}
		values = append(values, partValues...)
	}

	values = uniqueSorted(values)
	if len(values) == 0 {
		return nil, fmt.Errorf("no values resolved for field %q", field)
	}
	return values, nil
}

func parseCronPart(part string, min, max int) ([]int, error) {
	stepParts := strings.SplitN(part, "/", 2)
	step := 1
	if len(stepParts) == 2 {
		var err error
		if step, err = strconv.Atoi(stepParts[1]); err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", stepParts[1])
		}
	}

	rangeStr := stepParts[0]
	if rangeStr == "*" {
		return intRange(min, max, step), nil
	}

	if strings.Contains(rangeStr, "-") {
		bounds := strings.SplitN(rangeStr, "-", 2)
		lo, err1 := strconv.Atoi(bounds[0])
		hi, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil || lo > hi || lo < min || hi > max {
			return nil, fmt.Errorf("invalid range %q", rangeStr)
		}
		return intRange(lo, hi, step), nil
	}

	v, err := strconv.Atoi(rangeStr)
	if err != nil || v < min || v > max {
		return nil, fmt.Errorf("invalid value %q", rangeStr)
	}
	return []int{v}, nil
}

func intRange(lo, hi, step int) []int {
	var out []int
	for v := lo; v <= hi; v += step {
		out = append(out, v)
	}
	return out
}

func uniqueSorted(vals []int) []int {
	seen := make(map[int]struct{}, len(vals))
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
