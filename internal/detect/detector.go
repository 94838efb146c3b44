package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrBackend wraps every failure of the face-analysis backend.
var ErrBackend = errors.New("face analysis backend failed")

// Backend runs face detection and embedding extraction on a single image.
// Boxes are reported relative to the top-left corner of img.
type Backend interface {
	Analyze(ctx context.Context, img image.Image) ([]types.RawFace, error)
}

// Reference face size for the ranking score.
const idealFaceArea = 120 * 120

// Options tune validation, capping and caching.
type Options struct {
	ConfidenceThreshold float64
	MinFaceArea         float64
	MaxFaceArea         float64
	MinAspect           float64
	MaxAspect           float64
	MaxFaces            int
	CacheWindow         time.Duration
	CropMargin          float64
	// ROI limits analysis to a sub-rectangle of the frame. Empty means the whole frame.
	ROI image.Rectangle
}

// DefaultOptions is the balanced preset.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.6,
		MinFaceArea:         800,
		MaxFaceArea:         400 * 400,
		MinAspect:           0.6,
		MaxAspect:           1.6,
		MaxFaces:            3,
		CacheWindow:         33 * time.Millisecond,
		CropMargin:          0.1,
	}
}

// Stats summarises detector activity.
type Stats struct {
	Calls         uint64        `json:"calls"`
	CacheHits     uint64        `json:"cache_hits"`
	Enhanced      uint64        `json:"enhanced"`
	Failures      uint64        `json:"failures"`
	FacesReturned uint64        `json:"faces_returned"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

// Detector wraps a Backend with enhancement, a short-lived result cache,
// validation and ranking.
type Detector struct {
	backend  Backend
	enhancer *Enhancer
	now      func() time.Time

	mu       sync.Mutex
	opts     Options
	cached   []types.DetectedFace
	cachedAt time.Time
	stats    Stats
	latency  time.Duration
	timed    uint64
}

// New returns a Detector in front of backend.
func New(backend Backend, opts Options) *Detector {
	return &Detector{
		backend:  backend,
		enhancer: NewEnhancer(),
		now:      time.Now,
		opts:     opts,
	}
}

// SetClock replaces the time source. Used by tests.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Options returns the current options.
func (d *Detector) Options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// SetMaxFaces changes how many candidates are kept per frame.
func (d *Detector) SetMaxFaces(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > 0 {
		d.opts.MaxFaces = n
	}
}

// SetROI restricts analysis to r. An empty rectangle restores the full frame.
func (d *Detector) SetROI(r image.Rectangle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.ROI = r
	d.cached = nil
}

// ClearCache drops the cached result.
func (d *Detector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
	d.cachedAt = time.Time{}
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	if d.timed > 0 {
		s.AvgLatency = d.latency / time.Duration(d.timed)
	}
	return s
}

// WarmUp runs the backend a few times on a blank frame so the first real
// frame does not pay model initialisation.
func (d *Detector) WarmUp(ctx context.Context, width, height, runs int) error {
	blank := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < runs; i++ {
		if _, err := d.backend.Analyze(ctx, blank); err != nil {
			return fmt.Errorf("%w: warm-up run %d: %v", ErrBackend, i+1, err)
		}
	}
	log.Printf("[Detector] Warm-up complete (%d runs)", runs)
	return nil
}

// Detect returns the validated faces in frame, best first. The frame is only
// read. On backend failure the returned error wraps ErrBackend and no faces
// are returned.
func (d *Detector) Detect(ctx context.Context, frame *image.RGBA) ([]types.DetectedFace, error) {
	d.mu.Lock()
	opts := d.opts
	now := d.now()
	d.stats.Calls++
	if d.cached != nil && now.Sub(d.cachedAt) < opts.CacheWindow {
		d.stats.CacheHits++
		faces := d.cached
		d.mu.Unlock()
		return faces, nil
	}
	d.mu.Unlock()

	start := time.Now()
	input, enhanced := d.enhancer.Apply(frame)

	bounds := frame.Bounds()
	analyzed := image.Image(input)
	offset := image.Point{}
	if roi := opts.ROI.Intersect(bounds); !roi.Empty() && roi != bounds {
		analyzed = input.SubImage(roi)
		offset = roi.Min
	}

	raw, err := d.backend.Analyze(ctx, analyzed)
	if err != nil {
		d.mu.Lock()
		d.stats.Failures++
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	if opts.MaxFaces > 0 && len(raw) > opts.MaxFaces {
		raw = raw[:opts.MaxFaces]
	}

	faces := make([]types.DetectedFace, 0, len(raw))
	scores := make([]float64, 0, len(raw))
	for _, rf := range raw {
		box := rf.Box.Translate(float64(offset.X), float64(offset.Y))
		if !validFace(box, rf.Score, bounds, opts) {
			continue
		}
		faces = append(faces, types.DetectedFace{
			Box:        box,
			Confidence: rf.Score,
			Embedding:  match.Prepare(rf.Embedding),
			Crop:       Crop(input, box, opts.CropMargin),
		})
		scores = append(scores, rankScore(box, rf.Score, bounds))
	}
	if len(faces) > 1 {
		sort.Stable(byScore{faces: faces, scores: scores})
	}

	elapsed := time.Since(start)
	d.mu.Lock()
	d.cached = faces
	d.cachedAt = d.now()
	if enhanced {
		d.stats.Enhanced++
	}
	d.stats.FacesReturned += uint64(len(faces))
	d.latency += elapsed
	d.timed++
	d.mu.Unlock()

	return faces, nil
}

// validFace applies the confidence, size, aspect and bounds checks.
func validFace(b types.BBox, score float64, bounds image.Rectangle, opts Options) bool {
	if score < opts.ConfidenceThreshold {
		return false
	}
	if b.X1 < 0 || b.Y1 < 0 || b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return false
	}
	if b.X1 >= float64(bounds.Max.X) || b.Y1 >= float64(bounds.Max.Y) {
		return false
	}
	area := b.Area()
	if area < opts.MinFaceArea {
		return false
	}
	if opts.MaxFaceArea > 0 && area > opts.MaxFaceArea {
		return false
	}
	aspect := b.Width() / b.Height()
	return aspect >= opts.MinAspect && aspect <= opts.MaxAspect
}

// rankScore combines confidence, size and proximity to the frame centre.
func rankScore(b types.BBox, conf float64, bounds image.Rectangle) float64 {
	sizeScore := math.Min(b.Area()/idealFaceArea, 1.0)

	cx := float64(bounds.Min.X+bounds.Max.X) / 2
	cy := float64(bounds.Min.Y+bounds.Max.Y) / 2
	fx, fy := b.Center()
	maxDist := math.Hypot(float64(bounds.Dx())/2, float64(bounds.Dy())/2)
	centerScore := 0.0
	if maxDist > 0 {
		centerScore = 1 - math.Hypot(fx-cx, fy-cy)/maxDist
	}

	return 0.6*conf + 0.25*sizeScore + 0.15*centerScore
}

type byScore struct {
	faces  []types.DetectedFace
	scores []float64
}

func (s byScore) Len() int           { return len(s.faces) }
func (s byScore) Less(i, j int) bool { return s.scores[i] > s.scores[j] }
func (s byScore) Swap(i, j int) {
	s.faces[i], s.faces[j] = s.faces[j], s.faces[i]
	s.scores[i], s.scores[j] = s.scores[j], s.scores[i]
}

// Crop copies the box plus a proportional margin, clamped to the image.
func Crop(img *image.RGBA, b types.BBox, margin float64) *image.RGBA {
	mx := b.Width() * margin
	my := b.Height() * margin
	padded := types.BBox{X1: b.X1 - mx, Y1: b.Y1 - my, X2: b.X2 + mx, Y2: b.Y2 + my}
	r := padded.Rect(img.Bounds())
	if r.Empty() {
		return nil
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
