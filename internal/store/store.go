package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrNotCheckedIn is returned for a Check Out with no check-in that day.
	ErrNotCheckedIn = errors.New("no check-in recorded for today")
	// ErrNotFound is returned when an employee does not exist.
	ErrNotFound = errors.New("employee not found")
	// ErrUnknownKind is returned for an event kind other than Check In or Check Out.
	ErrUnknownKind = errors.New("unknown attendance kind")
)

// Repository is the attendance store used by the CLI and the recognition loop.
type Repository interface {
	CachedEmbeddings(ctx context.Context) (map[string]types.KnownFace, error)
	RecordEvent(ctx context.Context, rec types.AttendanceRecord) error

	AddEmployee(ctx context.Context, e types.Employee) error
	RenameEmployee(ctx context.Context, id, name string) error
	DeleteEmployee(ctx context.Context, id string) error
	ListEmployees(ctx context.Context) ([]types.Employee, error)
	AddEncoding(ctx context.Context, employeeID string, vec []float32) error
	ClosestEmployee(ctx context.Context, vec []float32) (string, float64, error)

	WorkSessions(ctx context.Context, from, to time.Time) ([]types.WorkSession, error)
	AttendanceLogs(ctx context.Context, employeeID string, day time.Time) ([]types.AttendanceEvent, error)

	Reset(ctx context.Context) error
	Close() error
}

// storedConfidence converts a 0..1 similarity to the percentage kept in the
// log, rounded to two decimals.
func storedConfidence(c float64) float64 {
	return math.Round(c*100*100) / 100
}

// formatEncoding renders an embedding as comma-separated floats.
func formatEncoding(vec []float32) string {
	var b strings.Builder
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return b.String()
}

// parseEncoding reads a comma-separated embedding of exactly dim values.
func parseEncoding(s string, dim int) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	parts := strings.Split(s, ",")
	if len(parts) != dim {
		return nil, fmt.Errorf("expected %d values, got %d", dim, len(parts))
	}
	vec := make([]float32, dim)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
