package scheduler

import (
	"fmt"
	"time"

	"github.com/isometry/adsync/internal/settings"
)

// NextRun returns the first scheduled occurrence strictly after now. The
// result is in the schedule's timezone.
func NextRun(s settings.SyncSettings, now time.Time) (time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	hour, minute, err := s.Clock()
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sync time: %w", err)
	}

	now = now.In(loc)
	y, m, d := now.Date()

	switch s.Frequency {
	case settings.FrequencyHourly:
		next := time.Date(y, m, d, now.Hour(), minute, 0, 0, loc)
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next, nil

	case settings.FrequencyDaily:
		next := time.Date(y, m, d, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
		}
		return next, nil

	case settings.FrequencyWeekly:
		ahead := (s.DayOfWeek - int(now.Weekday()) + 7) % 7
		next := time.Date(y, m, d+ahead, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, m, d+ahead+7, hour, minute, 0, 0, loc)
		}
		return next, nil

	case settings.FrequencyMonthly:
		next := monthly(y, m, s.DayOfMonth, hour, minute, loc)
		if !next.After(now) {
			next = monthly(y, m+1, s.DayOfMonth, hour, minute, loc)
		}
		return next, nil
	}

	return time.Time{}, fmt.Errorf("unknown sync frequency %q", s.Frequency)
}

// monthly returns day of the given month, clamped to the month's length.
func monthly(y int, m time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	day = min(max(day, 1), last)
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

// plan returns the next automatic run for st. The calendar schedule takes
// precedence; without it the directory's auto-sync interval is counted from
// anchor. ok is false when nothing is scheduled.
func plan(st settings.Settings, now, anchor time.Time) (next time.Time, ok bool, err error) {
	if !st.LDAP.IsEnabled {
		return time.Time{}, false, nil
	}

	if st.Sync.Enabled {
		next, err := NextRun(st.Sync, now)
		if err != nil {
			return time.Time{}, false, err
		}
		return next, true, nil
	}

	if st.LDAP.AutoSync && st.LDAP.SyncIntervalMinutes > 0 {
		next := anchor.Add(time.Duration(st.LDAP.SyncIntervalMinutes) * time.Minute)
		if next.Before(now) {
			next = now
		}
		return next, true, nil
	}

	return time.Time{}, false, nil
}
