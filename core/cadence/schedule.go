package cadence

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	// Business calendars must resolve zones on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// Calendar describes working hours in a timezone. Weekdays use 1=Mon..7=Sun.
type Calendar struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	weekdays  [8]bool
}

// NewCalendar validates and builds a calendar. Empty weekdays mean Monday to Friday.
func NewCalendar(tz string, start, end int, weekdays []int) (*Calendar, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	if start < 0 || end > 24 || start >= end {
		return nil, fmt.Errorf("business hours %d-%d invalid", start, end)
	}
	if len(weekdays) == 0 {
		weekdays = []int{1, 2, 3, 4, 5}
	}
	c := &Calendar{Location: loc, StartHour: start, EndHour: end}
	for _, d := range weekdays {
		if d < 1 || d > 7 {
			return nil, fmt.Errorf("weekday %d out of range 1..7", d)
		}
		c.weekdays[d] = true
	}
	return c, nil
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func (c *Calendar) dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(c.Location).Date()
	return time.Date(y, m, d, c.StartHour, 0, 0, 0, c.Location),
		time.Date(y, m, d, c.EndHour, 0, 0, 0, c.Location)
}

// Open reports whether t falls inside working hours.
func (c *Calendar) Open(t time.Time) bool {
	lt := t.In(c.Location)
	if !c.weekdays[isoWeekday(lt)] {
		return false
	}
	open, closing := c.dayBounds(lt)
	return !lt.Before(open) && lt.Before(closing)
}

// NextOpen returns t when it is inside working hours, otherwise the next opening.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.Location)
	for i := 0; i < 8; i++ {
		day := lt.AddDate(0, 0, i)
		if !c.weekdays[isoWeekday(day)] {
			continue
		}
		open, closing := c.dayBounds(day)
		if i > 0 || lt.Before(open) {
			return open
		}
		if lt.Before(closing) {
			return t
		}
	}
	return t
}

// AddBusinessMinutes advances t by minutes counted only inside working hours.
func (c *Calendar) AddBusinessMinutes(t time.Time, minutes int) time.Time {
	cur := c.NextOpen(t)
	remaining := time.Duration(minutes) * time.Minute
	for remaining > 0 {
		_, closing := c.dayBounds(cur)
		avail := closing.Sub(cur)
		if remaining <= avail {
			return cur.Add(remaining)
		}
		remaining -= avail
		cur = c.NextOpen(closing)
	}
	return cur
}

// Scheduler derives due times from template scheduling rules.
type Scheduler struct {
	defaults *Calendar
	cache    sync.Map
}

// NewScheduler uses defaults for templates that do not declare their own hours.
func NewScheduler(defaults *Calendar) *Scheduler {
	if defaults == nil {
		defaults, _ = NewCalendar("UTC", 9, 18, nil)
	}
	return &Scheduler{defaults: defaults}
}

// CalendarFor returns the template calendar, falling back to the defaults for
// any field the template leaves unset.
func (s *Scheduler) CalendarFor(tpl *Template) *Calendar {
	if tpl == nil || (tpl.Timezone == "" && tpl.BusinessHoursStart == 0 && tpl.BusinessHoursEnd == 0 && len(tpl.AllowedWeekdays) == 0) {
		return s.defaults
	}
	key := tpl.ID + "@" + strconv.Itoa(tpl.Version)
	if c, ok := s.cache.Load(key); ok {
		return c.(*Calendar)
	}
	tz := tpl.Timezone
	if tz == "" {
		tz = s.defaults.Location.String()
	}
	start, end := tpl.BusinessHoursStart, tpl.BusinessHoursEnd
	if start == 0 && end == 0 {
		start, end = s.defaults.StartHour, s.defaults.EndHour
	}
	weekdays := tpl.AllowedWeekdays
	if len(weekdays) == 0 {
		for d := 1; d <= 7; d++ {
			if s.defaults.weekdays[d] {
				weekdays = append(weekdays, d)
			}
		}
	}
	cal, err := NewCalendar(tz, start, end, weekdays)
	if err != nil {
		// Templates are validated on save; an invalid one still schedules.
		return s.defaults
	}
	s.cache.Store(key, cal)
	return cal
}

// DueAt computes when step should run given the earliest acceptable time base.
// Day-pattern steps never run before started_at's date plus their day offset;
// business-hours templates are pushed to the next opening.
func (s *Scheduler) DueAt(tpl *Template, inst *Instance, step *Step, base time.Time) time.Time {
	due := base
	cal := s.CalendarFor(tpl)
	if tpl.ScheduleMode == ScheduleDayPattern && step != nil && step.DayOffset != nil {
		started := inst.StartedAt.In(cal.Location)
		y, m, d := started.Date()
		hour, minute := started.Hour(), started.Minute()
		if tpl.RespectBusinessHours {
			hour, minute = cal.StartHour, 0
		}
		target := time.Date(y, m, d+*step.DayOffset, hour, minute, 0, 0, cal.Location)
		if target.After(due) {
			due = target
		}
	}
	if tpl.RespectBusinessHours {
		due = cal.NextOpen(due)
	}
	return due.UTC()
}

// AddBusinessMinutes adds working minutes on the template's calendar.
func (s *Scheduler) AddBusinessMinutes(tpl *Template, base time.Time, minutes int) time.Time {
	return s.CalendarFor(tpl).AddBusinessMinutes(base, minutes).UTC()
}
