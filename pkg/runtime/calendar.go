package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BusinessCalendar maps a base instant plus a duration description to a
// concrete due instant. The resource parameter names the calendar to use;
// jobs store the resource they were created with and pass the same one for
// every repeat computation.
type BusinessCalendar interface {
	ComputeDueDate(base time.Time, desc string, resource string) (time.Time, error)
}

// Calendar describes one set of business hours. The zero value is not
// useful; use NewCalendar for the conventional 9-17 Monday-Friday week.
type Calendar struct {
	// DayStart and DayEnd are hours of the day bounding business time.
	DayStart int
	DayEnd   int
	// Workdays holds the weekdays that count as business days.
	Workdays map[time.Weekday]bool
}

// NewCalendar returns a 9-to-17, Monday-through-Friday calendar.
func NewCalendar() *Calendar {
	return &Calendar{
		DayStart: 9,
		DayEnd:   17,
		Workdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
	}
}

// CalendarSet is the default BusinessCalendar implementation: a default
// calendar plus named calendar resources.
type CalendarSet struct {
	def   *Calendar
	named map[string]*Calendar
}

// NewCalendarSet returns a CalendarSet with the given default calendar.
// A nil def selects NewCalendar().
func NewCalendarSet(def *Calendar) *CalendarSet {
	if def == nil {
		def = NewCalendar()
	}
	return &CalendarSet{def: def, named: map[string]*Calendar{}}
}

// Register adds a named calendar resource.
func (s *CalendarSet) Register(resource string, c *Calendar) {
	s.named[resource] = c
}

// SetDefault replaces the default calendar. Jobs that stored a named
// resource are unaffected, which is exactly the point of storing it.
func (s *CalendarSet) SetDefault(c *Calendar) {
	s.def = c
}

// ComputeDueDate implements BusinessCalendar.
func (s *CalendarSet) ComputeDueDate(base time.Time, desc string, resource string) (time.Time, error) {
	cal := s.def
	if resource != "" {
		named, ok := s.named[resource]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown calendar resource %q", resource)
		}
		cal = named
	}

	d, business, err := parseDurationDesc(desc)
	if err != nil {
		return time.Time{}, err
	}
	if !business {
		return base.Add(d), nil
	}
	return cal.addBusinessTime(base, d), nil
}

// parseDurationDesc understands "<n> [business] <unit>" descriptions like
// "30 seconds" or "2 business hours", plus plain Go durations ("90s").
func parseDurationDesc(desc string) (time.Duration, bool, error) {
	fields := strings.Fields(strings.TrimSpace(desc))
	switch len(fields) {
	case 1:
		d, err := time.ParseDuration(fields[0])
		if err != nil {
			return 0, false, fmt.Errorf("bad duration description %q: %w", desc, err)
		}
		return d, false, nil
	case 2, 3:
	default:
		return 0, false, fmt.Errorf("bad duration description %q", desc)
	}

	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad duration description %q: %w", desc, err)
	}

	business := false
	unit := fields[1]
	if len(fields) == 3 {
		if fields[1] != "business" {
			return 0, false, fmt.Errorf("bad duration description %q", desc)
		}
		business = true
		unit = fields[2]
	}

	var scale time.Duration
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "millisecond", "milli":
		scale = time.Millisecond
	case "second", "sec":
		scale = time.Second
	case "minute", "min":
		scale = time.Minute
	case "hour":
		scale = time.Hour
	case "day":
		scale = 24 * time.Hour
	case "week":
		scale = 7 * 24 * time.Hour
	default:
		return 0, false, fmt.Errorf("bad duration unit %q in %q", unit, desc)
	}

	return time.Duration(n * float64(scale)), business, nil
}

// addBusinessTime consumes d worth of business time starting at base.
// "Business days" count as full business-day lengths (DayEnd-DayStart
// hours), so "1 business day" from Friday 10:00 lands Monday 10:00.
func (c *Calendar) addBusinessTime(base time.Time, d time.Duration) time.Time {
	dayLen := time.Duration(c.DayEnd-c.DayStart) * time.Hour
	// Days in the description were scaled by 24h; rescale them to
	// business-day lengths.
	if d >= 24*time.Hour {
		days := d / (24 * time.Hour)
		d = days*dayLen + d%(24*time.Hour)
	}

	t := c.nextBusinessInstant(base)
	for d > 0 {
		dayEnd := time.Date(t.Year(), t.Month(), t.Day(), c.DayEnd, 0, 0, 0, t.Location())
		remaining := dayEnd.Sub(t)
		if d <= remaining {
			return t.Add(d)
		}
		d -= remaining
		t = c.nextBusinessInstant(dayEnd)
	}
	return t
}

// nextBusinessInstant rolls t forward to the nearest instant inside
// business hours.
func (c *Calendar) nextBusinessInstant(t time.Time) time.Time {
	for {
		dayStart := time.Date(t.Year(), t.Month(), t.Day(), c.DayStart, 0, 0, 0, t.Location())
		dayEnd := time.Date(t.Year(), t.Month(), t.Day(), c.DayEnd, 0, 0, 0, t.Location())

		if !c.Workdays[t.Weekday()] || !t.Before(dayEnd) {
			t = dayStart.AddDate(0, 0, 1)
			continue
		}
		if t.Before(dayStart) {
			return dayStart
		}
		return t
	}
}
