package recognition

import (
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// NotificationKind tells the presentation layer what happened.
type NotificationKind int

const (
	// AttendanceBatch carries the outcomes of one recognition cycle's commits.
	AttendanceBatch NotificationKind = iota
	// CameraStalled is raised once per run of consecutive read failures.
	CameraStalled
	// CameraLost is sent when the camera stream ends for good. The loop exits
	// right after it.
	CameraLost
)

func (k NotificationKind) String() string {
	switch k {
	case AttendanceBatch:
		return "attendance"
	case CameraStalled:
		return "camera_stalled"
	case CameraLost:
		return "camera_lost"
	default:
		return "unknown"
	}
}

// MarshalText lets the kind appear as a string in JSON.
func (k NotificationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the result of one attendance write.
type Outcome struct {
	EmployeeID string          `json:"employee_id"`
	Name       string          `json:"name"`
	Kind       types.CheckKind `json:"kind"`
	Similarity float64         `json:"similarity"`
	Time       time.Time       `json:"time"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message"`
}

// OK reports whether the event was stored.
func (o Outcome) OK() bool { return o.Err == nil }

// Notification is sent to the presentation layer. Sends never block the loop.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Time     time.Time        `json:"time"`
	Outcomes []Outcome        `json:"outcomes,omitempty"`
	Message  string           `json:"message"`
}

func outcomeFor(w pendingWrite, err error) Outcome {
	o := Outcome{
		EmployeeID: w.rec.EmployeeID,
		Name:       w.name,
		Kind:       w.rec.Kind,
		Similarity: w.rec.Confidence,
		Time:       w.rec.Timestamp,
		Err:        err,
	}
	if err != nil {
		o.Error = err.Error()
		o.Message = fmt.Sprintf("❌ Error: %s", w.name)
	} else {
		o.Message = fmt.Sprintf("✅ %s: %s - %.0f%%", w.rec.Kind, w.name, w.rec.Confidence*100)
	}
	return o
}

func batchNotification(outcomes []Outcome) Notification {
	msgs := make([]string, len(outcomes))
	var at time.Time
	for i, o := range outcomes {
		msgs[i] = o.Message
		if o.Time.After(at) {
			at = o.Time
		}
	}
	return Notification{
		Kind:     AttendanceBatch,
		Time:     at,
		Outcomes: outcomes,
		Message:  strings.Join(msgs, "\n"),
	}
}
