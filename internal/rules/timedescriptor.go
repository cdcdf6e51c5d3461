package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RepeatingMode selects how a calendar or time-event item recurs.
type RepeatingMode string

// The repeating modes. Wire enum names.
const (
	RepeatingModeNone    RepeatingMode = "RepeatingModeNone"
	RepeatingModeHourly  RepeatingMode = "RepeatingModeHourly"
	RepeatingModeDaily   RepeatingMode = "RepeatingModeDaily"
	RepeatingModeWeekly  RepeatingMode = "RepeatingModeWeekly"
	RepeatingModeMonthly RepeatingMode = "RepeatingModeMonthly"
	RepeatingModeYearly  RepeatingMode = "RepeatingModeYearly"
)

// ParseRepeatingMode converts a wire string to a RepeatingMode.
func ParseRepeatingMode(s string) (RepeatingMode, error) {
	switch RepeatingMode(s) {
	case RepeatingModeNone, RepeatingModeHourly, RepeatingModeDaily,
		RepeatingModeWeekly, RepeatingModeMonthly, RepeatingModeYearly:
		return RepeatingMode(s), nil
	}
	return "", fmt.Errorf("unknown repeating mode %q", s)
}

// RepeatingOption describes recurrence: a mode plus the week days (ISO,
// 1=Monday..7=Sunday) or month days (1..31) it applies to.
type RepeatingOption struct {
	Mode      RepeatingMode `json:"mode"`
	WeekDays  []int         `json:"weekDays,omitempty"`
	MonthDays []int         `json:"monthDays,omitempty"`
}

// IsValid checks mode/day-set consistency: weekly requires weekDays,
// monthly requires monthDays, every other mode requires both sets empty.
func (r RepeatingOption) IsValid() bool {
	for _, d := range r.WeekDays {
		if d < 1 || d > 7 {
			return false
		}
	}
	for _, d := range r.MonthDays {
		if d < 1 || d > 31 {
			return false
		}
	}
	switch r.Mode {
	case RepeatingModeWeekly:
		return len(r.WeekDays) > 0 && len(r.MonthDays) == 0
	case RepeatingModeMonthly:
		return len(r.MonthDays) > 0 && len(r.WeekDays) == 0
	case RepeatingModeNone, RepeatingModeHourly, RepeatingModeDaily, RepeatingModeYearly, "":
		return len(r.WeekDays) == 0 && len(r.MonthDays) == 0
	}
	return false
}

func (r RepeatingOption) mode() RepeatingMode {
	if r.Mode == "" {
		return RepeatingModeNone
	}
	return r.Mode
}

func (r RepeatingOption) containsWeekDay(iso int) bool {
	for _, d := range r.WeekDays {
		if d == iso {
			return true
		}
	}
	return false
}

func (r RepeatingOption) containsMonthDay(day int) bool {
	for _, d := range r.MonthDays {
		if d == day {
			return true
		}
	}
	return false
}

// isoWeekday maps Go's Sunday-based weekday to ISO 1=Monday..7=Sunday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// parseTimeOfDay parses "HH:mm" into hour and minute.
func parseTimeOfDay(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh, mm, nil
}

// CalendarItem defines a recurring interval: either an absolute start
// (DateTime, epoch seconds) or a local start time of day, plus a duration
// in minutes. Contains reports whether a moment falls inside any
// instance of the interval.
type CalendarItem struct {
	DateTime  *int64           `json:"datetime,omitempty"`
	StartTime string           `json:"startTime,omitempty"`
	Duration  int              `json:"duration"`
	Repeating *RepeatingOption `json:"repeating,omitempty"`
}

func (ci CalendarItem) repeating() RepeatingOption {
	if ci.Repeating == nil {
		return RepeatingOption{Mode: RepeatingModeNone}
	}
	return *ci.Repeating
}

// Validate checks structural consistency: exactly one of DateTime and
// StartTime, duration of at least one minute, a valid repeating option,
// and an absolute start only repeating never or yearly.
func (ci CalendarItem) Validate() RuleError {
	hasDT := ci.DateTime != nil
	hasST := ci.StartTime != ""
	if hasDT == hasST {
		return RuleErrorInvalidCalendarItem
	}
	if ci.Duration < 1 {
		return RuleErrorInvalidCalendarItem
	}
	if hasST {
		if _, _, err := parseTimeOfDay(ci.StartTime); err != nil {
			return RuleErrorInvalidCalendarItem
		}
	}
	rep := ci.repeating()
	if !rep.IsValid() {
		return RuleErrorInvalidRepeatingOption
	}
	if hasDT && rep.mode() != RepeatingModeNone && rep.mode() != RepeatingModeYearly {
		return RuleErrorInvalidRepeatingOption
	}
	if hasST && rep.mode() == RepeatingModeYearly {
		return RuleErrorInvalidRepeatingOption
	}
	return RuleErrorNoError
}

// Contains reports whether t lies inside any instance of the interval,
// evaluated in the given location.
func (ci CalendarItem) Contains(t time.Time, loc *time.Location) bool {
	t = t.In(loc)
	dur := time.Duration(ci.Duration) * time.Minute
	rep := ci.repeating()

	if ci.DateTime != nil {
		start := time.Unix(*ci.DateTime, 0).In(loc)
		switch rep.mode() {
		case RepeatingModeNone:
			return !t.Before(start) && t.Before(start.Add(dur))
		case RepeatingModeYearly:
			occ := time.Date(t.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), 0, 0, loc)
			if occ.After(t) {
				occ = occ.AddDate(-1, 0, 0)
			}
			return !t.Before(occ) && t.Before(occ.Add(dur))
		}
		return false
	}

	hh, mm, err := parseTimeOfDay(ci.StartTime)
	if err != nil {
		return false
	}

	// Walk backwards over occurrence starts, most recent first, until an
	// occurrence is too old to still cover t.
	switch rep.mode() {
	case RepeatingModeNone, RepeatingModeDaily:
		for back := 0; back <= ci.Duration/(24*60)+1; back++ {
			day := t.AddDate(0, 0, -back)
			occ := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
			if occ.After(t) {
				continue
			}
			if t.Before(occ.Add(dur)) {
				return true
			}
		}
	case RepeatingModeHourly:
		for back := 0; back <= ci.Duration/60+1; back++ {
			h := t.Add(-time.Duration(back) * time.Hour)
			occ := time.Date(h.Year(), h.Month(), h.Day(), h.Hour(), mm, 0, 0, loc)
			if occ.After(t) {
				continue
			}
			if t.Before(occ.Add(dur)) {
				return true
			}
		}
	case RepeatingModeWeekly:
		for back := 0; back <= ci.Duration/(24*60)+7; back++ {
			day := t.AddDate(0, 0, -back)
			if !rep.containsWeekDay(isoWeekday(day)) {
				continue
			}
			occ := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
			if occ.After(t) {
				continue
			}
			if t.Before(occ.Add(dur)) {
				return true
			}
		}
	case RepeatingModeMonthly:
		for back := 0; back <= ci.Duration/(24*60)+31; back++ {
			day := t.AddDate(0, 0, -back)
			if !rep.containsMonthDay(day.Day()) {
				continue
			}
			occ := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
			if occ.After(t) {
				continue
			}
			if t.Before(occ.Add(dur)) {
				return true
			}
		}
	}
	return false
}

// TimeEventItem defines discrete fire instants: an absolute moment
// (DateTime, epoch seconds) or a local time of day, recurring per the
// repeating option.
type TimeEventItem struct {
	DateTime  *int64           `json:"datetime,omitempty"`
	Time      string           `json:"time,omitempty"`
	Repeating *RepeatingOption `json:"repeating,omitempty"`
}

func (ti TimeEventItem) repeating() RepeatingOption {
	if ti.Repeating == nil {
		return RepeatingOption{Mode: RepeatingModeNone}
	}
	return *ti.Repeating
}

// Validate checks structural consistency, mirroring CalendarItem.
func (ti TimeEventItem) Validate() RuleError {
	hasDT := ti.DateTime != nil
	hasT := ti.Time != ""
	if hasDT == hasT {
		return RuleErrorInvalidTimeEventItem
	}
	if hasT {
		if _, _, err := parseTimeOfDay(ti.Time); err != nil {
			return RuleErrorInvalidTimeEventItem
		}
	}
	rep := ti.repeating()
	if !rep.IsValid() {
		return RuleErrorInvalidRepeatingOption
	}
	if hasDT && rep.mode() != RepeatingModeNone && rep.mode() != RepeatingModeYearly {
		return RuleErrorInvalidRepeatingOption
	}
	if hasT && rep.mode() == RepeatingModeYearly {
		return RuleErrorInvalidRepeatingOption
	}
	return RuleErrorNoError
}

// FiresBetween reports whether any instance falls in (last, now],
// evaluated in the given location. The window is half-open so an instant
// seen by one tick is never seen again by the next.
func (ti TimeEventItem) FiresBetween(last, now time.Time, loc *time.Location) bool {
	if !now.After(last) {
		return false
	}
	last = last.In(loc)
	now = now.In(loc)
	rep := ti.repeating()

	inWindow := func(occ time.Time) bool {
		return last.Before(occ) && !now.Before(occ)
	}

	if ti.DateTime != nil {
		dt := time.Unix(*ti.DateTime, 0).In(loc)
		switch rep.mode() {
		case RepeatingModeNone:
			return inWindow(dt)
		case RepeatingModeYearly:
			for year := last.Year(); year <= now.Year(); year++ {
				occ := time.Date(year, dt.Month(), dt.Day(), dt.Hour(), dt.Minute(), 0, 0, loc)
				if inWindow(occ) {
					return true
				}
			}
		}
		return false
	}

	hh, mm, err := parseTimeOfDay(ti.Time)
	if err != nil {
		return false
	}

	switch rep.mode() {
	case RepeatingModeHourly:
		const maxHours = 24 * 400
		start := time.Date(last.Year(), last.Month(), last.Day(), last.Hour(), mm, 0, 0, loc)
		for i := 0; i <= maxHours; i++ {
			occ := start.Add(time.Duration(i) * time.Hour)
			if occ.After(now) {
				break
			}
			if inWindow(occ) {
				return true
			}
		}
	default:
		const maxDays = 400
		day := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)
		for i := 0; i <= maxDays; i++ {
			d := day.AddDate(0, 0, i)
			if d.After(now) {
				break
			}
			switch rep.mode() {
			case RepeatingModeWeekly:
				if !rep.containsWeekDay(isoWeekday(d)) {
					continue
				}
			case RepeatingModeMonthly:
				if !rep.containsMonthDay(d.Day()) {
					continue
				}
			}
			occ := time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, loc)
			if inWindow(occ) {
				return true
			}
		}
	}
	return false
}

// TimeDescriptor combines calendar windows with discrete time events.
// Either list may be empty; an all-empty descriptor imposes no time
// constraint at all.
type TimeDescriptor struct {
	CalendarItems  []CalendarItem  `json:"calendarItems,omitempty"`
	TimeEventItems []TimeEventItem `json:"timeEventItems,omitempty"`
}

// IsEmpty reports whether the descriptor constrains nothing.
func (td TimeDescriptor) IsEmpty() bool {
	return len(td.CalendarItems) == 0 && len(td.TimeEventItems) == 0
}

// Validate checks every contained item.
func (td TimeDescriptor) Validate() RuleError {
	for _, ci := range td.CalendarItems {
		if err := ci.Validate(); !err.OK() {
			return err
		}
	}
	for _, ti := range td.TimeEventItems {
		if err := ti.Validate(); !err.OK() {
			return err
		}
	}
	return RuleErrorNoError
}

// ContainsTime reports whether any calendar item contains t. Callers
// handle the empty-list case (no calendar constraint means time-active).
func (td TimeDescriptor) ContainsTime(t time.Time, loc *time.Location) bool {
	for _, ci := range td.CalendarItems {
		if ci.Contains(t, loc) {
			return true
		}
	}
	return false
}
