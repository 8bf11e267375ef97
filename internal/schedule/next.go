package schedule

import "time"

// maxSearchYears bounds Next for schedules that can never fire (e.g. Feb 31)
const maxSearchYears = 5

// Next returns the first matching instant strictly after t, or the zero time
// if none exists within the search horizon. It makes Schedule usable as a
// robfig/cron Schedule.
func (s *Schedule) Next(t time.Time) time.Time {
	loc := t.Location()
	t = t.Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(maxSearchYears, 0, 0)

	for t.Before(limit) {
		if !s.Month.Matches(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.DayOfMonth.Matches(t.Day()) || !s.DayOfWeek.Matches(DayOfWeek(t)) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.Hour.Matches(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !s.Minute.Matches(t.Minute()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, loc)
			continue
		}
		if !s.Second.Matches(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
	return time.Time{}
}
