package schedule

import (
	"time"
)

const dayLayout = "2006-01-02"

// Trigger yields the most recent boundary at or before an instant.
type Trigger interface {
	Boundary(now time.Time) time.Time
}

// MonthlyBoundary fires at 00:00 on the first day of every month.
type MonthlyBoundary struct {
	Location *time.Location
}

// Boundary returns midnight of the first day of the month containing now.
func (m MonthlyBoundary) Boundary(now time.Time) time.Time {
	local := now.In(locationOrUTC(m.Location))
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, local.Location())
}

// DailyAt fires once a day at Hour:Minute.
type DailyAt struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Boundary returns today's Hour:Minute when it has passed, otherwise yesterday's.
func (d DailyAt) Boundary(now time.Time) time.Time {
	local := now.In(locationOrUTC(d.Location))
	today := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, local.Location())
	if today.After(local) {
		return time.Date(local.Year(), local.Month(), local.Day()-1, d.Hour, d.Minute, 0, 0, local.Location())
	}
	return today
}

func locationOrUTC(location *time.Location) *time.Location {
	if location == nil {
		return time.UTC
	}
	return location
}

func dayOf(instant time.Time, location *time.Location) string {
	return instant.In(locationOrUTC(location)).Format(dayLayout)
}
