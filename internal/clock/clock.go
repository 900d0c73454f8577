// Package clock provides the broker's calendar arithmetic and the two fixed
// zones: Amsterdam for scheduling boundaries, MSK for user-facing rendering.
// Current-time reads go through an injected clockwork.Clock in each service.
package clock

import "time"

// Amsterdam is the calendar zone for the daily report and coverage boundaries.
var Amsterdam = mustLoad("Europe/Amsterdam")

// MSK is the fixed +3 display zone for user-facing timestamps.
var MSK = time.FixedZone("MSK", 3*60*60)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata is compiled in via the time/tzdata import in cmd.
		panic("clock: load " + name + ": " + err.Error())
	}
	return loc
}

// AddMonths extends end by months whole calendar months, anchored at
// max(now, end). A non-positive months never shortens the window.
func AddMonths(now, end time.Time, months int) time.Time {
	base := end
	if now.After(base) {
		base = now
	}
	if months <= 0 {
		return base
	}
	return base.AddDate(0, months, 0)
}

// DaysUntil returns the number of whole days from now until t, rounded up,
// floored at zero.
func DaysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// AmsterdamDate returns the Amsterdam-local calendar date of t as YYYY-MM-DD.
func AmsterdamDate(t time.Time) string {
	return t.In(Amsterdam).Format("2006-01-02")
}

// AfterAmsterdamNoon reports whether t falls at or after 12:00 local time on
// its Amsterdam calendar day.
func AfterAmsterdamNoon(t time.Time) bool {
	local := t.In(Amsterdam)
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, Amsterdam)
	return !local.Before(noon)
}
