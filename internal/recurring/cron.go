package recurring

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field is a parsed cron field: either "every value matches" (wildcard) or
// an explicit set of allowed values.
type field struct {
	wildcard bool
	values   map[int]bool
}

func (f field) matches(v int) bool {
	if f.wildcard {
		return true
	}
	return f.values[v]
}

// Expr is a parsed standard five-field cron expression (minute hour
// day-of-month month day-of-week), evaluated against a specific IANA
// location. No cron library exists anywhere in the retrieval pack, so this
// is a small from-scratch evaluator rather than a borrowed one.
type Expr struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
	loc    *time.Location
}

// ParseExpr parses a cron expression and resolves it against the named
// IANA timezone. An empty timezone defaults to UTC.
func ParseExpr(cronExpr, timezone string) (*Expr, error) {
	parts := strings.Fields(cronExpr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("recurring: cron expression %q must have 5 fields", cronExpr)
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("recurring: load timezone %q: %w", timezone, err)
		}
		loc = l
	}

	minute, err := parseField(parts[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("recurring: minute field: %w", err)
	}
	hour, err := parseField(parts[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("recurring: hour field: %w", err)
	}
	dom, err := parseField(parts[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("recurring: day-of-month field: %w", err)
	}
	month, err := parseField(parts[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("recurring: month field: %w", err)
	}
	dow, err := parseField(parts[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("recurring: day-of-week field: %w", err)
	}

	return &Expr{minute: minute, hour: hour, dom: dom, month: month, dow: dow, loc: loc}, nil
}

// parseField parses one comma-separated cron field made of "*", a number,
// a range "a-b", or a step "a-b/n" / "*/n". A value outside [min, max] is
// an error.
func parseField(raw string, min, max int) (field, error) {
	if raw == "*" {
		return field{wildcard: true}, nil
	}

	values := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		rangeStr, step := part, 1
		if i := strings.Index(part, "/"); i >= 0 {
			rangeStr = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return field{}, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		lo, hi := min, max
		if rangeStr != "*" {
			if i := strings.Index(rangeStr, "-"); i >= 0 {
				a, err1 := strconv.Atoi(rangeStr[:i])
				b, err2 := strconv.Atoi(rangeStr[i+1:])
				if err1 != nil || err2 != nil {
					return field{}, fmt.Errorf("invalid range %q", rangeStr)
				}
				lo, hi = a, b
			} else {
				v, err := strconv.Atoi(rangeStr)
				if err != nil {
					return field{}, fmt.Errorf("invalid value %q", rangeStr)
				}
				lo, hi = v, v
			}
		}
		if lo < min || hi > max || lo > hi {
			return field{}, fmt.Errorf("value %q out of range [%d,%d]", rangeStr, min, max)
		}
		for v := lo; v <= hi; v += step {
			values[v] = true
		}
	}
	return field{values: values}, nil
}

// matchesAt reports whether t (truncated to the minute) satisfies every
// field of the expression, in the expression's configured location.
func (e *Expr) matchesAt(t time.Time) bool {
	t = t.In(e.loc)
	dow := int(t.Weekday())
	return e.minute.matches(t.Minute()) &&
		e.hour.matches(t.Hour()) &&
		e.dom.matches(t.Day()) &&
		e.month.matches(int(t.Month())) &&
		(e.dow.matches(dow) || (dow == 0 && e.dow.matches(7)))
}

// maxCatchUpMinutes bounds how far back Occurrences will walk looking for
// fired instants, so a template that has been disabled or unreachable for a
// long time cannot make a single tick scan years of minutes.
const maxCatchUpMinutes = 7 * 24 * 60

// Occurrences returns every minute-aligned instant in (after, upTo] at
// which e fires, oldest first. The search is bounded to maxCatchUpMinutes
// back from upTo: a gap larger than that mints at most that many
// catch-up instances rather than scanning unbounded history.
func (e *Expr) Occurrences(after, upTo time.Time) []time.Time {
	if !after.Before(upTo) {
		return nil
	}
	start := after
	if upTo.Sub(after) > time.Duration(maxCatchUpMinutes)*time.Minute {
		start = upTo.Add(-time.Duration(maxCatchUpMinutes) * time.Minute)
	}

	start = start.Truncate(time.Minute)
	var out []time.Time
	for t := start.Add(time.Minute); !t.After(upTo); t = t.Add(time.Minute) {
		if t.After(after) && e.matchesAt(t) {
			out = append(out, t)
		}
	}
	return out
}
