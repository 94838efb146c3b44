package store

import (
	"math"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Session statuses.
const (
	StatusOnTime        = "On time"
	StatusLate          = "Late"
	StatusLeftEarly     = "Left early"
	StatusLateLeftEarly = "Late, left early"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

func (c Clock) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

// Workday holds the standard shift and lunch break used to judge sessions.
type Workday struct {
	Start      Clock
	End        Clock
	LunchStart Clock
	LunchEnd   Clock
}

// DefaultWorkday is 07:30 to 16:30 with lunch 11:40 to 12:40.
var DefaultWorkday = Workday{
	Start:      Clock{7, 30},
	End:        Clock{16, 30},
	LunchStart: Clock{11, 40},
	LunchEnd:   Clock{12, 40},
}

// sessionAction is what a store must do with the session row after an event.
type sessionAction int

const (
	sessionUnchanged sessionAction = iota
	sessionInsert
	sessionUpdate
)

// CheckInStatus is Late strictly after the shift start.
func (w Workday) CheckInStatus(at time.Time) string {
	if at.After(w.Start.on(at)) {
		return StatusLate
	}
	return StatusOnTime
}

// SessionStatus judges a completed session against the shift.
func (w Workday) SessionStatus(in, out time.Time) string {
	late := in.After(w.Start.on(in))
	early := out.Before(w.End.on(out))
	switch {
	case late && early:
		return StatusLateLeftEarly
	case late:
		return StatusLate
	case early:
		return StatusLeftEarly
	default:
		return StatusOnTime
	}
}

// WorkingHours is the raw span between check-in and check-out, rounded to
// two decimals. A check-out earlier in the day than the check-in is treated
// as past midnight.
func WorkingHours(in, out time.Time) float64 {
	out = out.In(in.Location())
	y, m, d := in.Date()
	outSameDay := time.Date(y, m, d, out.Hour(), out.Minute(), out.Second(), out.Nanosecond(), in.Location())
	if outSameDay.Before(in) {
		outSameDay = outSameDay.Add(24 * time.Hour)
	}
	return math.Round(outSameDay.Sub(in).Hours()*100) / 100
}

// CreditedHours is the time that counts toward the shift: it starts no earlier
// than the shift start, ends no later than the shift end, and excludes the
// lunch break when the session spans it. An open session on the current day
// is credited up to now.
func (w Workday) CreditedHours(s types.WorkSession, now time.Time) float64 {
	if s.CheckIn == nil {
		return 0
	}
	in := *s.CheckIn
	start := in
	if shift := w.Start.on(in); start.Before(shift) {
		start = shift
	}

	var end time.Time
	switch {
	case s.CheckOut != nil:
		end = *s.CheckOut
	case sameDay(in, now):
		end = now
	default:
		return 0
	}
	if shiftEnd := w.End.on(in); end.After(shiftEnd) {
		end = shiftEnd
	}

	minutes := end.Sub(start).Minutes()
	if start.Before(w.LunchEnd.on(in)) && end.After(w.LunchStart.on(in)) {
		minutes -= 60
	}
	if minutes <= 0 {
		return 0
	}
	return math.Round(minutes/60*100) / 100
}

// apply folds an attendance event into the day's session. existing is nil
// when the employee has no session for that day yet.
func (w Workday) apply(existing *types.WorkSession, employeeID string, kind types.CheckKind, at time.Time) (types.WorkSession, sessionAction, error) {
	switch kind {
	case types.CheckIn:
		if existing != nil {
			return *existing, sessionUnchanged, nil
		}
		in := at
		return types.WorkSession{
			EmployeeID: employeeID,
			WorkDate:   dateOf(at),
			CheckIn:    &in,
			Status:     w.CheckInStatus(at),
		}, sessionInsert, nil

	case types.CheckOut:
		if existing == nil || existing.CheckIn == nil {
			return types.WorkSession{}, sessionUnchanged, ErrNotCheckedIn
		}
		if existing.CheckOut != nil {
			return *existing, sessionUnchanged, nil
		}
		s := *existing
		out := at
		s.CheckOut = &out
		s.WorkingHours = WorkingHours(*s.CheckIn, at)
		s.Status = w.SessionStatus(*s.CheckIn, at)
		return s, sessionUpdate, nil
	}
	return types.WorkSession{}, sessionUnchanged, ErrUnknownKind
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
