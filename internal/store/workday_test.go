package store

import (
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestCheckInStatus(t *testing.T) {
	w := DefaultWorkday
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"Early", at(7, 0), StatusOnTime},
		{"Exactly On Time", at(7, 30), StatusOnTime},
		{"One Minute Late", at(7, 31), StatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.CheckInStatus(tt.in); got != tt.want {
				t.Errorf("CheckInStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionStatus(t *testing.T) {
	w := DefaultWorkday
	tests := []struct {
		name    string
		in, out time.Time
		want    string
	}{
		{"Full Day", at(7, 25), at(16, 30), StatusOnTime},
		{"Late", at(8, 0), at(17, 0), StatusLate},
		{"Left Early", at(7, 0), at(15, 0), StatusLeftEarly},
		{"Both", at(9, 0), at(15, 0), StatusLateLeftEarly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.SessionStatus(tt.in, tt.out); got != tt.want {
				t.Errorf("SessionStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkingHours(t *testing.T) {
	tests := []struct {
		name    string
		in, out time.Time
		want    float64
	}{
		{"Regular", at(7, 30), at(16, 30), 9},
		{"Rounded", at(8, 0), at(8, 20), 0.33},
		{"Overnight", at(22, 0), at(6, 0), 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WorkingHours(tt.in, tt.out); got != tt.want {
				t.Errorf("WorkingHours() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreditedHours(t *testing.T) {
	w := DefaultWorkday
	ptr := func(t time.Time) *time.Time { return &t }

	tests := []struct {
		name string
		s    types.WorkSession
		now  time.Time
		want float64
	}{
		{"No Check In", types.WorkSession{}, at(12, 0), 0},
		{"Full Day Minus Lunch", types.WorkSession{CheckIn: ptr(at(7, 0)), CheckOut: ptr(at(18, 0))}, at(18, 0), 8},
		{"Morning Only", types.WorkSession{CheckIn: ptr(at(8, 0)), CheckOut: ptr(at(11, 0))}, at(18, 0), 3},
		{"Open Session Today", types.WorkSession{CheckIn: ptr(at(7, 30)), CheckOut: nil}, at(10, 30), 3},
		{"Open Session Past Day", types.WorkSession{CheckIn: ptr(at(7, 30))}, at(10, 30).AddDate(0, 0, 1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.CreditedHours(tt.s, tt.now); got != tt.want {
				t.Errorf("CreditedHours() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	w := DefaultWorkday
	in := at(7, 45)
	open := &types.WorkSession{ID: 4, EmployeeID: "E001", WorkDate: dateOf(in), CheckIn: &in, Status: StatusLate}

	t.Run("First Check In Inserts", func(t *testing.T) {
		got, action, err := w.apply(nil, "E001", types.CheckIn, in)
		if err != nil || action != sessionInsert {
			t.Fatalf("apply() = %v, %v; want insert", action, err)
		}
		if got.Status != StatusLate || !got.WorkDate.Equal(dateOf(in)) || !got.CheckIn.Equal(in) {
			t.Errorf("Unexpected session: %+v", got)
		}
	})

	t.Run("Repeat Check In Is Ignored", func(t *testing.T) {
		_, action, err := w.apply(open, "E001", types.CheckIn, at(8, 0))
		if err != nil || action != sessionUnchanged {
			t.Errorf("apply() = %v, %v; want unchanged", action, err)
		}
	})

	t.Run("Check Out Without Session", func(t *testing.T) {
		_, _, err := w.apply(nil, "E001", types.CheckOut, at(16, 0))
		if !errors.Is(err, ErrNotCheckedIn) {
			t.Errorf("Expected ErrNotCheckedIn, got %v", err)
		}
	})

	t.Run("Check Out Updates", func(t *testing.T) {
		got, action, err := w.apply(open, "E001", types.CheckOut, at(16, 45))
		if err != nil || action != sessionUpdate {
			t.Fatalf("apply() = %v, %v; want update", action, err)
		}
		if got.ID != 4 || got.WorkingHours != 9 || got.Status != StatusLate {
			t.Errorf("Unexpected session: %+v", got)
		}
		if open.CheckOut != nil {
			t.Error("apply must not mutate the existing session")
		}
	})

	t.Run("Repeat Check Out Is Ignored", func(t *testing.T) {
		out := at(16, 45)
		closed := *open
		closed.CheckOut = &out
		_, action, err := w.apply(&closed, "E001", types.CheckOut, at(17, 0))
		if err != nil || action != sessionUnchanged {
			t.Errorf("apply() = %v, %v; want unchanged", action, err)
		}
	})

	t.Run("Unknown Kind", func(t *testing.T) {
		_, _, err := w.apply(nil, "E001", "Break", in)
		if !errors.Is(err, ErrUnknownKind) {
			t.Errorf("Expected ErrUnknownKind, got %v", err)
		}
	})
}

func TestStoredConfidence(t *testing.T) {
	if got := storedConfidence(0.85); got != 85 {
		t.Errorf("storedConfidence(0.85) = %v, want 85", got)
	}
	if got := storedConfidence(0.123456); got != 12.35 {
		t.Errorf("storedConfidence(0.123456) = %v, want 12.35", got)
	}
}

func TestParseEncoding(t *testing.T) {
	vec, err := parseEncoding("[1, 2.5,-3]", 3)
	if err != nil {
		t.Fatalf("parseEncoding failed: %v", err)
	}
	if vec[0] != 1 || vec[1] != 2.5 || vec[2] != -3 {
		t.Errorf("Unexpected vector: %v", vec)
	}
	if _, err := parseEncoding("1,2", 3); err == nil {
		t.Error("Expected error for wrong width")
	}
	if _, err := parseEncoding("1,x,3", 3); err == nil {
		t.Error("Expected error for bad value")
	}

	round, err := parseEncoding(formatEncoding([]float32{0.25, -1, 3e-5}), 3)
	if err != nil || round[2] != 3e-5 {
		t.Errorf("formatEncoding did not round trip: %v %v", round, err)
	}
}
