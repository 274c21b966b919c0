// Package market answers "what session is the exchange in right now" for the
// scheduler and the order lifecycle manager. Session windows are computed in
// exchange-local time so daylight-saving shifts are handled by the timezone
// database, not by offset arithmetic.
package market

import (
	"time"

	"github.com/pkg/errors"
)

// Session is the trading-session state at an instant.
type Session int

const (
	SessionClosed Session = iota
	SessionPreOpen
	SessionRegular
	SessionAfterHours
)

func (s Session) String() string {
	switch s {
	case SessionPreOpen:
		return "pre_open"
	case SessionRegular:
		return "regular"
	case SessionAfterHours:
		return "after_hours"
	default:
		return "closed"
	}
}

// Windows are the session boundaries of one trading day, in exchange time.
type Windows struct {
	PreOpen       time.Time
	Open          time.Time
	Close         time.Time
	AfterHoursEnd time.Time
}

// Calendar is the market-calendar boundary consumed by the core.
type Calendar interface {
	// Session reports the session state at the given instant.
	Session(at time.Time) Session
	// Windows returns the session boundaries of the instant's trading day;
	// ok is false on weekends and full holidays.
	Windows(at time.Time) (Windows, bool)
}

// USCalendar implements Calendar for US equity sessions: pre-open 04:00,
// regular 09:30-16:00, after hours until 20:00 Eastern. Holiday and
// early-close dates are static tables keyed by exchange-local date.
type USCalendar struct {
	loc         *time.Location
	holidays    map[string]struct{}
	earlyCloses map[string]struct{}
}

// NewUSCalendar loads the exchange timezone and the built-in holiday tables.
func NewUSCalendar() (*USCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, errors.Wrap(err, "load exchange timezone")
	}
	return &USCalendar{
		loc:         loc,
		holidays:    usHolidays(),
		earlyCloses: usEarlyCloses(),
	}, nil
}

func (c *USCalendar) Windows(at time.Time) (Windows, bool) {
	local := at.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Windows{}, false
	}
	key := local.Format("2006-01-02")
	if _, holiday := c.holidays[key]; holiday {
		return Windows{}, false
	}

	day := func(hour, min int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day(), hour, min, 0, 0, c.loc)
	}

	w := Windows{
		PreOpen:       day(4, 0),
		Open:          day(9, 30),
		Close:         day(16, 0),
		AfterHoursEnd: day(20, 0),
	}
	if _, early := c.earlyCloses[key]; early {
		w.Close = day(13, 0)
		w.AfterHoursEnd = day(17, 0)
	}
	return w, true
}

func (c *USCalendar) Session(at time.Time) Session {
	w, ok := c.Windows(at)
	if !ok {
		return SessionClosed
	}
	local := at.In(c.loc)
	switch {
	case local.Before(w.PreOpen) || !local.Before(w.AfterHoursEnd):
		return SessionClosed
	case local.Before(w.Open):
		return SessionPreOpen
	case local.Before(w.Close):
		return SessionRegular
	default:
		return SessionAfterHours
	}
}

// usHolidays lists full market closures. Extend per year as needed.
func usHolidays() map[string]struct{} {
	dates := []string{
		// 2025
		"2025-01-01", "2025-01-20", "2025-02-17", "2025-04-18",
		"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01",
		"2025-11-27", "2025-12-25",
		// 2026
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
		"2026-11-26", "2026-12-25",
	}
	m := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		m[d] = struct{}{}
	}
	return m
}

// usEarlyCloses lists half days: 13:00 close, shortened after-hours.
func usEarlyCloses() map[string]struct{} {
	dates := []string{
		"2025-07-03", "2025-11-28", "2025-12-24",
		"2026-11-27", "2026-12-24",
	}
	m := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		m[d] = struct{}{}
	}
	return m
}
