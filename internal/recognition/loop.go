// Package recognition runs the capture, detect, match and decide cycle for one
// camera session and hands frames and attendance results to the presentation
// layer over channels.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/decision"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrAlreadyRunning is returned by a second Start. A Loop runs once.
	ErrAlreadyRunning = errors.New("recognition loop already started")
	// ErrStopTimeout is returned when the loop did not exit within StopTimeout
	// and was cancelled.
	ErrStopTimeout = errors.New("recognition loop did not stop in time")
)

// FrameSource is the camera. Close must be safe to call more than once.
type FrameSource interface {
	Read(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// SourceOpener opens the camera when the session starts.
type SourceOpener func(ctx context.Context) (FrameSource, error)

// FaceDetector finds faces and their embeddings. It must only read the frame.
type FaceDetector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]types.DetectedFace, error)
}

// Store is the part of the attendance store the loop needs.
type Store interface {
	match.Source
	RecordEvent(ctx context.Context, rec types.AttendanceRecord) error
}

// Config tunes a Loop.
type Config struct {
	MatchThreshold        float64
	ConfidenceThreshold   float64
	HighConfidence        float64
	HistorySize           int
	MaxConcurrentFaces    int
	Interval              time.Duration
	CacheRefresh          time.Duration
	Cooldown              time.Duration
	CooldownGatesFastPath bool
	StopTimeout           time.Duration
	StoreTimeout          time.Duration
	CheckKind             types.CheckKind

	// StallThreshold is the number of consecutive failed reads that raise a
	// CameraStalled notification.
	StallThreshold int
	// WriteQueue bounds the batches waiting for the store writer.
	WriteQueue int
}

// ConfigFrom maps the recognition section of the application config.
func ConfigFrom(rc config.RecognitionConfig) Config {
	return Config{
		MatchThreshold:        rc.MatchThreshold,
		ConfidenceThreshold:   rc.ConfidenceThreshold,
		HighConfidence:        rc.HighConfidence,
		HistorySize:           rc.HistorySize,
		MaxConcurrentFaces:    rc.MaxConcurrentFaces,
		Interval:              rc.Interval,
		CacheRefresh:          rc.CacheRefresh,
		Cooldown:              rc.Cooldown,
		CooldownGatesFastPath: rc.CooldownGatesFastPath,
		StopTimeout:           rc.StopTimeout,
		StoreTimeout:          rc.StoreTimeout,
		CheckKind:             types.CheckKind(rc.CheckKind),
		StallThreshold:        30,
		WriteQueue:            8,
	}
}

func (c *Config) fill() {
	if c.MatchThreshold == 0 {
		c.MatchThreshold = match.DefaultThreshold
	}
	if c.MaxConcurrentFaces <= 0 {
		c.MaxConcurrentFaces = 5
	}
	if c.CacheRefresh <= 0 {
		c.CacheRefresh = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 3 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if !c.CheckKind.Valid() {
		c.CheckKind = types.CheckIn
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 30
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 8
	}
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	Running             bool    `json:"running"`
	Frames              int64   `json:"frames"`
	FPS                 float64 `json:"fps"`
	Cycles              int64   `json:"recognition_cycles"`
	Detected            int     `json:"detected"`
	Recognized          int     `json:"recognized"`
	Unknown             int     `json:"unknown"`
	CacheSize           int     `json:"cache_size"`
	Commits             int64   `json:"commits"`
	Failures            int64   `json:"failures"`
	DetectFailures      int64   `json:"detect_failures"`
	AcquisitionFailures int64   `json:"acquisition_failures"`
	ActiveCooldowns     int     `json:"active_cooldowns"`
}

type multiMode struct {
	maxFaces int
	cooldown time.Duration
}

type pendingWrite struct {
	name string
	rec  types.AttendanceRecord
}

// Loop is one camera session. The worker goroutine owns the cache, the
// decision engine and the current recognitions; everything else reads
// snapshots.
type Loop struct {
	cfg      Config
	open     SourceOpener
	detector FaceDetector
	store    Store
	matcher  match.Matcher
	cache    *match.Cache
	engine   *decision.Engine
	now      func() time.Time

	frames chan types.AnnotatedFrame
	notes  chan Notification

	mu          sync.Mutex
	started     bool
	src         FrameSource
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once

	stopping  atomic.Bool
	running   atomic.Bool
	clearReq  atomic.Bool
	modeReq   atomic.Pointer[multiMode]
	checkKind atomic.Value // types.CheckKind
	recs      atomic.Pointer[[]types.Recognition]

	framesRead    atomic.Int64
	fpsBits       atomic.Uint64
	cycles        atomic.Int64
	cacheSize     atomic.Int64
	cooldowns     atomic.Int64
	commits       atomic.Int64
	failures      atomic.Int64
	detectFails   atomic.Int64
	acquireFails  atomic.Int64
	dropWarnedAt  time.Time
	droppedFrames int
}

// New builds a Loop. Nothing runs until Start.
func New(open SourceOpener, detector FaceDetector, store Store, cfg Config) *Loop {
	cfg.fill()
	l := &Loop{
		cfg:      cfg,
		open:     open,
		detector: detector,
		store:    store,
		matcher:  match.New(cfg.MatchThreshold),
		cache:    match.NewCache(store, cfg.CacheRefresh, types.EmbeddingDim),
		engine: decision.NewEngine(decision.Policy{
			HighConfidence:        cfg.HighConfidence,
			ConfidenceThreshold:   cfg.ConfidenceThreshold,
			Cooldown:              cfg.Cooldown,
			HistorySize:           cfg.HistorySize,
			CooldownGatesFastPath: cfg.CooldownGatesFastPath,
		}),
		now:    time.Now,
		frames: make(chan types.AnnotatedFrame, 2),
		notes:  make(chan Notification, 16),
	}
	l.checkKind.Store(cfg.CheckKind)
	empty := []types.Recognition{}
	l.recs.Store(&empty)
	return l
}

// SetClock replaces the time source. Used by tests.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
	l.cache.SetClock(now)
}

// Frames delivers annotated frames. It is closed when the loop exits.
func (l *Loop) Frames() <-chan types.AnnotatedFrame { return l.frames }

// Notifications delivers attendance and camera notifications. It is closed
// when the loop exits.
func (l *Loop) Notifications() <-chan Notification { return l.notes }

// Start opens the camera and launches the worker. A camera that cannot be
// opened is reported here and the session does not start.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyRunning
	}

	src, err := l.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.started = true
	l.src = src
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.run(ctx)
	log.Printf("[Loop] Session started (%s)", l.CheckKind())
	return nil
}

// Stop asks the worker to exit and waits up to StopTimeout. If it is still
// running, its context is cancelled, the camera is released and
// ErrStopTimeout is returned.
func (l *Loop) Stop() error {
	l.mu.Lock()
	started, done, cancel := l.started, l.done, l.cancel
	l.mu.Unlock()
	if !started {
		return nil
	}

	l.stopping.Store(true)
	select {
	case <-done:
		cancel()
		return nil
	case <-time.After(l.cfg.StopTimeout):
	}

	log.Printf("[Loop] Worker did not stop within %v, forcing", l.cfg.StopTimeout)
	cancel()
	l.release()
	return ErrStopTimeout
}

// Done is closed once the worker has exited.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

func (l *Loop) release() {
	l.releaseOnce.Do(func() {
		if err := l.src.Close(); err != nil {
			log.Printf("[Loop] Camera release failed: %v", err)
		}
	})
}

// CheckKind is the event kind committed for recognised faces.
func (l *Loop) CheckKind() types.CheckKind {
	return l.checkKind.Load().(types.CheckKind)
}

// SetCheckKind switches between Check In and Check Out.
func (l *Loop) SetCheckKind(k types.CheckKind) error {
	if !k.Valid() {
		return fmt.Errorf("invalid check kind %q", k)
	}
	l.checkKind.Store(k)
	return nil
}

// ClearCache resets the decision engine, reloads the known faces and clears
// the current recognitions at the start of the next cycle.
func (l *Loop) ClearCache() {
	l.clearReq.Store(true)
}

// SetMultiPersonMode changes how many faces are evaluated per cycle and the
// per-person cooldown. It takes effect at the start of the next cycle.
func (l *Loop) SetMultiPersonMode(maxFaces int, cooldown time.Duration) {
	l.modeReq.Store(&multiMode{maxFaces: maxFaces, cooldown: cooldown})
}

// Recognitions returns the recognitions of the latest processed frame.
func (l *Loop) Recognitions() []types.Recognition {
	return *l.recs.Load()
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	recs := l.Recognitions()
	s := Stats{
		Running:             l.running.Load(),
		Frames:              l.framesRead.Load(),
		FPS:                 math.Float64frombits(l.fpsBits.Load()),
		Cycles:              l.cycles.Load(),
		Detected:            len(recs),
		CacheSize:           int(l.cacheSize.Load()),
		Commits:             l.commits.Load(),
		Failures:            l.failures.Load(),
		DetectFailures:      l.detectFails.Load(),
		AcquisitionFailures: l.acquireFails.Load(),
		ActiveCooldowns:     int(l.cooldowns.Load()),
	}
	for _, r := range recs {
		if r.Unknown {
			s.Unknown++
		} else {
			s.Recognized++
		}
	}
	return s
}

func (l *Loop) run(ctx context.Context) {
	writes := make(chan []pendingWrite, l.cfg.WriteQueue)
	results := make(chan []Outcome, l.cfg.WriteQueue)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.writer(ctx, writes, results)
	}()

	defer func() {
		close(writes)
		go func() {
			wg.Wait()
			close(results)
		}()
		for outcomes := range results {
			l.applyOutcomes(outcomes)
		}
		l.release()
		l.running.Store(false)
		close(l.notes)
		close(l.frames)
		close(l.done)
		log.Printf("[Loop] Session stopped after %d frames", l.framesRead.Load())
	}()

	var (
		seq             uint64
		lastRecognition time.Time
		readFailures    int
		fpsCount        int
		fpsWindow       = l.now()
	)

	for {
		if l.stopping.Load() || ctx.Err() != nil {
			return
		}

	drain:
		for {
			select {
			case outcomes := <-results:
				l.applyOutcomes(outcomes)
			default:
				break drain
			}
		}

		if l.clearReq.Swap(false) {
			l.resetState()
		}
		if m := l.modeReq.Swap(nil); m != nil {
			l.applyMode(*m)
		}

		img, err := l.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, camera.ErrClosed) {
				log.Printf("[Loop] Camera stream ended: %v", err)
				l.notify(Notification{
					Kind:    CameraLost,
					Time:    l.now(),
					Message: "❌ Camera disconnected, recognition stopped",
				})
				return
			}
			readFailures++
			l.acquireFails.Add(1)
			if readFailures == l.cfg.StallThreshold {
				log.Printf("[Loop] Camera stalled: %d consecutive read failures: %v", readFailures, err)
				l.notify(Notification{
					Kind:    CameraStalled,
					Time:    l.now(),
					Message: fmt.Sprintf("⚠️ Camera not responding (%v)", err),
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(readBackoff):
			}
			continue
		}
		if readFailures >= l.cfg.StallThreshold {
			log.Printf("[Loop] Camera recovered after %d failed reads", readFailures)
		}
		readFailures = 0

		seq++
		l.framesRead.Add(1)
		now := l.now()
		fpsCount++
		if elapsed := now.Sub(fpsWindow); elapsed >= time.Second {
			l.fpsBits.Store(math.Float64bits(float64(fpsCount) / elapsed.Seconds()))
			fpsCount = 0
			fpsWindow = now
		}

		if lastRecognition.IsZero() || now.Sub(lastRecognition) >= l.cfg.Interval {
			l.recognize(ctx, img, now, writes)
			lastRecognition = now
		}

		l.emitFrame(types.AnnotatedFrame{
			Seq:        seq,
			Image:      l.render(img),
			CapturedAt: now,
		})
	}
}

const readBackoff = 10 * time.Millisecond

// recognize runs one detect, match and decide pass and queues this frame's
// commits as a single batch.
func (l *Loop) recognize(ctx context.Context, img *image.RGBA, now time.Time, writes chan<- []pendingWrite) {
	l.cycles.Add(1)

	if _, err := l.cache.RefreshIfStale(ctx); err != nil {
		log.Printf("[Loop] Keeping %d cached faces: %v", l.cache.Len(), err)
	}
	l.cacheSize.Store(int64(l.cache.Len()))

	faces, err := l.detector.Detect(ctx, img)
	if err != nil {
		l.detectFails.Add(1)
		log.Printf("[Loop] Detection failed: %v", err)
		faces = nil
	}
	if len(faces) > l.cfg.MaxConcurrentFaces {
		faces = faces[:l.cfg.MaxConcurrentFaces]
	}

	entries := l.cache.Entries()
	kind := l.CheckKind()
	recs := make([]types.Recognition, 0, len(faces))
	var batch []pendingWrite

	for i, f := range faces {
		rec := types.Recognition{Slot: i, Box: f.Box, Unknown: true}
		if f.Embedding != nil {
			if m, ok := l.matcher.BestMatch(f.Embedding, entries, l.cfg.ConfidenceThreshold); ok {
				rec.EmployeeID = m.EmployeeID
				rec.Name = m.Name
				rec.Similarity = m.Similarity
				rec.Unknown = false

				if l.engine.ShouldCommit(m.EmployeeID, m.Similarity, now) {
					ar := types.AttendanceRecord{
						EmployeeID: m.EmployeeID,
						Kind:       kind,
						Confidence: m.Similarity,
						Timestamp:  now,
					}
					// A nil *image.RGBA must not become a non-nil image.Image.
					if f.Crop != nil {
						ar.Evidence = f.Crop
					}
					batch = append(batch, pendingWrite{name: m.Name, rec: ar})
				}
			}
		}
		recs = append(recs, rec)
	}
	l.recs.Store(&recs)
	l.cooldowns.Store(int64(l.engine.ActiveCooldowns(now)))

	if len(batch) == 0 {
		return
	}
	select {
	case writes <- batch:
	default:
		// The writer is backed up; report the batch as failed so it can retry.
		outcomes := make([]Outcome, len(batch))
		for i, w := range batch {
			outcomes[i] = outcomeFor(w, errWriteQueueFull)
		}
		l.applyOutcomes(outcomes)
	}
}

var errWriteQueueFull = errors.New("attendance write queue full")

// writer records batches in order. Each write gets its own timeout.
func (l *Loop) writer(ctx context.Context, writes <-chan []pendingWrite, results chan<- []Outcome) {
	for batch := range writes {
		outcomes := make([]Outcome, len(batch))
		for i, w := range batch {
			wctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
			err := l.store.RecordEvent(wctx, w.rec)
			cancel()
			outcomes[i] = outcomeFor(w, err)
		}
		results <- outcomes
	}
}

// applyOutcomes feeds write results back into the engine and emits one
// notification for the batch.
func (l *Loop) applyOutcomes(outcomes []Outcome) {
	for _, o := range outcomes {
		if o.Err != nil {
			l.engine.Failed(o.EmployeeID)
			l.failures.Add(1)
			log.Printf("[Loop] %s for %s failed: %v", o.Kind, o.EmployeeID, o.Err)
			continue
		}
		l.engine.Committed(o.EmployeeID, o.Time)
		l.commits.Add(1)
		log.Printf("[Loop] %s: %s (%.3f)", o.Kind, o.EmployeeID, o.Similarity)
	}
	l.notify(batchNotification(outcomes))
}

func (l *Loop) resetState() {
	l.engine.Reset()
	l.cache.Invalidate()
	if c, ok := l.detector.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
	empty := []types.Recognition{}
	l.recs.Store(&empty)
	log.Printf("[Loop] Cache and tracking state cleared")
}

func (l *Loop) applyMode(m multiMode) {
	if m.maxFaces > 0 {
		l.cfg.MaxConcurrentFaces = m.maxFaces
		if s, ok := l.detector.(interface{ SetMaxFaces(int) }); ok {
			s.SetMaxFaces(m.maxFaces)
		}
	}
	if m.cooldown > 0 {
		l.engine.SetCooldown(m.cooldown)
	}
	log.Printf("[Loop] Multi-person mode: %d faces, %v cooldown", l.cfg.MaxConcurrentFaces, l.engine.Policy().Cooldown)
}

func (l *Loop) render(img *image.RGBA) *image.RGBA {
	recs := l.Recognitions()
	hud := overlay.HUD{
		FPS:       math.Float64frombits(l.fpsBits.Load()),
		Detected:  len(recs),
		CheckKind: l.CheckKind(),
	}
	for _, r := range recs {
		if r.Unknown {
			hud.Unknown++
		} else {
			hud.Recognized++
		}
	}
	return overlay.Render(img, recs, hud, overlay.Thresholds{
		High:    l.cfg.HighConfidence,
		Confirm: l.cfg.ConfidenceThreshold,
	})
}

// emitFrame never blocks; a lagging consumer loses frames.
func (l *Loop) emitFrame(f types.AnnotatedFrame) {
	select {
	case l.frames <- f:
	default:
		l.droppedFrames++
		if now := l.now(); now.Sub(l.dropWarnedAt) >= 10*time.Second {
			log.Printf("[Loop] Presentation is lagging, %d frames dropped", l.droppedFrames)
			l.dropWarnedAt = now
		}
	}
}

func (l *Loop) notify(n Notification) {
	select {
	case l.notes <- n:
	default:
		log.Printf("[Loop] Notification dropped: %s", n.Message)
	}
}
