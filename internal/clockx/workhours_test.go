package clockx

import (
	"testing"
	"time"
)

func TestWorkHoursWithin(t *testing.T) {
	wh := WorkHours{Start: "09:00", End: "17:00", Timezone: "America/Chicago"}

	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before hours", time.Date(2026, 1, 5, 3, 0, 0, 0, loc), false},
		{"during hours", time.Date(2026, 1, 5, 10, 0, 0, 0, loc), true},
		{"at start", time.Date(2026, 1, 5, 9, 0, 0, 0, loc), true},
		{"at end (exclusive)", time.Date(2026, 1, 5, 17, 0, 0, 0, loc), false},
		{"after hours", time.Date(2026, 1, 5, 20, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wh.Within(tt.at)
			if err != nil {
				t.Fatalf("Within: %v", err)
			}
			if got != tt.want {
				t.Errorf("Within(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestWorkHoursUnset(t *testing.T) {
	var wh WorkHours
	got, err := wh.Within(time.Now())
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	if !got {
		t.Errorf("unset work hours should always be within window")
	}
}

func TestWorkHoursWraparound(t *testing.T) {
	wh := WorkHours{Start: "22:00", End: "06:00", Timezone: "UTC"}
	loc := time.UTC

	if ok, _ := wh.Within(time.Date(2026, 1, 1, 23, 0, 0, 0, loc)); !ok {
		t.Errorf("expected 23:00 to be within wraparound window")
	}
	if ok, _ := wh.Within(time.Date(2026, 1, 1, 3, 0, 0, 0, loc)); !ok {
		t.Errorf("expected 03:00 to be within wraparound window")
	}
	if ok, _ := wh.Within(time.Date(2026, 1, 1, 12, 0, 0, 0, loc)); ok {
		t.Errorf("expected noon to be outside wraparound window")
	}
}
