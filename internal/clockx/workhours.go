package clockx

import (
	"fmt"
	"time"
)

// WorkHours describes a project's local-time working window, per the data
// model's SwarmProject.workHours* fields.
type WorkHours struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string // IANA timezone, e.g. "America/Chicago"
}

// IsSet reports whether the project defines a working-hours window at all.
func (w WorkHours) IsSet() bool {
	return w.Start != "" && w.End != "" && w.Timezone != ""
}

// Within reports whether at is inside the window [Start, End) once converted
// to the configured timezone. A malformed timezone or time string fails
// open (returns true) so a misconfiguration never silently hides work.
func (w WorkHours) Within(at time.Time) (bool, error) {
	if !w.IsSet() {
		return true, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return true, fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}
	local := at.In(loc)

	startMin, err := parseHHMM(w.Start)
	if err != nil {
		return true, fmt.Errorf("parse work_hours_start %q: %w", w.Start, err)
	}
	endMin, err := parseHHMM(w.End)
	if err != nil {
		return true, fmt.Errorf("parse work_hours_end %q: %w", w.End, err)
	}

	nowMin := local.Hour()*60 + local.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}
	// Window wraps past midnight (e.g. 22:00-06:00).
	return nowMin >= startMin || nowMin < endMin, nil
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}
