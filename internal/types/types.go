package types

import (
	"image"
	"math"
	"time"
)

// EmbeddingDim is the width of the face embeddings produced by the analysis worker.
const EmbeddingDim = 512

// BBox is a face bounding box in frame pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Center returns the midpoint of the box.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Translate shifts the box by dx, dy.
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Rect converts the box to an integer rectangle clipped to bounds.
func (b BBox) Rect(bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Floor(b.X1)), int(math.Floor(b.Y1)),
		int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)),
	)
	return r.Intersect(bounds)
}

// Embedding is an L2-normalised face feature vector.
type Embedding []float32

// RawFace is a candidate exactly as the analysis backend reported it.
type RawFace struct {
	Box       BBox
	Score     float64
	Embedding []float32
}

// DetectedFace is a validated, ranked detection. Embedding is nil when the
// backend could not produce one or it failed the quality gate.
type DetectedFace struct {
	Box        BBox
	Confidence float64
	Embedding  Embedding
	Crop       *image.RGBA
}

// KnownFace is an enrolled identity as held in the matching cache.
type KnownFace struct {
	EmployeeID string
	Name       string
	Embedding  []float32
}

// CheckKind is the attendance event type a session records.
type CheckKind string

const (
	CheckIn  CheckKind = "Check In"
	CheckOut CheckKind = "Check Out"
)

// Valid reports whether k is one of the known kinds.
func (k CheckKind) Valid() bool {
	return k == CheckIn || k == CheckOut
}

// Recognition is the outcome for one face slot in the latest processed frame.
type Recognition struct {
	Slot       int     `json:"slot"`
	EmployeeID string  `json:"employee_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	Similarity float64 `json:"similarity"`
	Box        BBox    `json:"box"`
	Unknown    bool    `json:"unknown"`
}

// AttendanceRecord is what the recognition loop hands to the store.
type AttendanceRecord struct {
	EmployeeID string
	Kind       CheckKind
	Confidence float64
	Timestamp  time.Time
	Evidence   image.Image
}

// AttendanceEvent is a persisted attendance log row.
type AttendanceEvent struct {
	ID           string
	EmployeeID   string
	Kind         CheckKind
	Timestamp    time.Time
	Confidence   float64
	EvidencePath string
}

// Employee is an enrolled person.
type Employee struct {
	ID         string
	FullName   string
	Department string
	Position   string
	CreatedAt  time.Time
	Encodings  int
}

// WorkSession is the per-employee, per-day roll-up of check-in and check-out.
type WorkSession struct {
	ID           int64
	EmployeeID   string
	FullName     string
	WorkDate     time.Time
	CheckIn      *time.Time
	CheckOut     *time.Time
	WorkingHours float64
	Status       string
	Note         string
}

// Frame is a captured image with its position in the capture sequence.
type Frame struct {
	Seq        uint64
	Image      *image.RGBA
	CapturedAt time.Time
}

// AnnotatedFrame is a frame with overlays already rendered, ready for display.
type AnnotatedFrame struct {
	Seq        uint64
	Image      *image.RGBA
	CapturedAt time.Time
}
