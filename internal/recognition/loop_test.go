package recognition

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
)

type fakeSource struct {
	frame  *image.RGBA
	fail   bool
	closes atomic.Int32
}

func (s *fakeSource) Read(ctx context.Context) (*image.RGBA, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	if s.fail {
		return nil, errors.New("no frame")
	}
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeDetector struct {
	faces []types.DetectedFace
	delay time.Duration
}

func (d *fakeDetector) Detect(ctx context.Context, frame *image.RGBA) ([]types.DetectedFace, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.faces, nil
}

type fakeStore struct {
	mu        sync.Mutex
	known     map[string]types.KnownFace
	records   []types.AttendanceRecord
	failFirst int
}

func (s *fakeStore) CachedEmbeddings(ctx context.Context) (map[string]types.KnownFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known, nil
}

func (s *fakeStore) RecordEvent(ctx context.Context, rec types.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		return errors.New("database is down")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) Records() []types.AttendanceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.AttendanceRecord(nil), s.records...)
}

func unitVec(seed float64) []float32 {
	v := make([]float32, types.EmbeddingDim)
	var sumSq float64
	for i := range v {
		x := math.Sin(float64(i+1) * seed)
		v[i] = float32(x)
		sumSq += x * x
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(sumSq))
	}
	return v
}

// vecWithSimilarity rotates base towards an orthogonal direction until the
// blended similarity equals target.
func vecWithSimilarity(t *testing.T, base []float32, target float64) []float32 {
	t.Helper()
	other := unitVec(1.3)
	var dot float64
	for i := range base {
		dot += float64(base[i]) * float64(other[i])
	}
	ortho := make([]float64, len(base))
	var norm float64
	for i := range base {
		ortho[i] = float64(other[i]) - dot*float64(base[i])
		norm += ortho[i] * ortho[i]
	}
	norm = math.Sqrt(norm)

	at := func(theta float64) []float32 {
		v := make([]float32, len(base))
		for i := range base {
			v[i] = float32(math.Cos(theta)*float64(base[i]) + math.Sin(theta)*ortho[i]/norm)
		}
		return v
	}

	lo, hi := 0.0, math.Pi/2
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		sim, _ := match.Similarity(base, at(mid))
		if sim > target {
			lo = mid
		} else {
			hi = mid
		}
	}
	v := at(lo)
	if sim, _ := match.Similarity(base, v); math.Abs(sim-target) > 1e-4 {
		t.Fatalf("could not build vector with similarity %v, got %v", target, sim)
	}
	return v
}

func testConfig() Config {
	return Config{
		MatchThreshold:        0.5,
		ConfidenceThreshold:   0.6,
		HighConfidence:        0.7,
		HistorySize:           3,
		MaxConcurrentFaces:    5,
		Interval:              time.Millisecond,
		CacheRefresh:          time.Minute,
		Cooldown:              time.Hour,
		CooldownGatesFastPath: true,
		StopTimeout:           time.Second,
		StoreTimeout:          time.Second,
		CheckKind:             types.CheckIn,
	}
}

func newTestLoop(src *fakeSource, det FaceDetector, store *fakeStore, cfg Config) *Loop {
	open := func(ctx context.Context) (FrameSource, error) { return src, nil }
	return New(open, det, store, cfg)
}

func waitNotification(t *testing.T, l *Loop, kind NotificationKind) Notification {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-l.Notifications():
			if !ok {
				t.Fatal("notifications closed")
			}
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s notification", kind)
		}
	}
}

func TestLoop_CommitsConfidentMatch(t *testing.T) {
	base := unitVec(0.7)
	store := &fakeStore{known: map[string]types.KnownFace{
		"E001": {EmployeeID: "E001", Name: "Alice", Embedding: base},
	}}
	face := types.DetectedFace{
		Box:        types.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90},
		Confidence: 0.95,
		Embedding:  vecWithSimilarity(t, base, 0.85),
	}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: []types.DetectedFace{face}}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := waitNotification(t, l, AttendanceBatch)

	if len(n.Outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(n.Outcomes))
	}
	o := n.Outcomes[0]
	if !o.OK() || o.EmployeeID != "E001" || o.Kind != types.CheckIn {
		t.Errorf("Unexpected outcome: %+v", o)
	}
	if math.Abs(o.Similarity-0.85) > 1e-3 {
		t.Errorf("Expected similarity ~0.85, got %v", o.Similarity)
	}
	if o.Message != "✅ Check In: Alice - 85%" {
		t.Errorf("Unexpected message %q", o.Message)
	}

	recs := l.Recognitions()
	if len(recs) != 1 || recs[0].Unknown || recs[0].EmployeeID != "E001" {
		t.Errorf("Unexpected recognitions: %+v", recs)
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("Expected exactly 1 stored event inside the cooldown, got %d", len(records))
	}
	if records[0].Kind != types.CheckIn || math.Abs(records[0].Confidence-0.85) > 1e-3 {
		t.Errorf("Unexpected record: %+v", records[0])
	}
	if got := src.closes.Load(); got != 1 {
		t.Errorf("Expected camera released once, got %d", got)
	}
	if s := l.Stats(); s.Commits != 1 || s.Running {
		t.Errorf("Unexpected stats after stop: %+v", s)
	}
}

func TestLoop_FaceWithoutEmbeddingIsUnknown(t *testing.T) {
	store := &fakeStore{known: map[string]types.KnownFace{
		"E001": {EmployeeID: "E001", Name: "Alice", Embedding: unitVec(0.7)},
	}}
	face := types.DetectedFace{Box: types.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.9}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: []types.DetectedFace{face}}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for l.Stats().Cycles < 5 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	recs := l.Recognitions()
	if len(recs) != 1 || !recs[0].Unknown || recs[0].EmployeeID != "" {
		t.Errorf("Expected one unknown face, got %+v", recs)
	}
	if got := len(store.Records()); got != 0 {
		t.Errorf("Expected no store writes, got %d", got)
	}
}

func TestLoop_StoreFailureRetries(t *testing.T) {
	base := unitVec(0.7)
	store := &fakeStore{
		known:     map[string]types.KnownFace{"E001": {EmployeeID: "E001", Name: "Alice", Embedding: base}},
		failFirst: 1,
	}
	face := types.DetectedFace{Box: types.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.9, Embedding: base}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: []types.DetectedFace{face}}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	first := waitNotification(t, l, AttendanceBatch)
	if first.Outcomes[0].OK() || first.Message != "❌ Error: Alice" {
		t.Errorf("Expected a failure first, got %+v", first)
	}
	// No cooldown after a failure, so the next cycle retries.
	second := waitNotification(t, l, AttendanceBatch)
	if !second.Outcomes[0].OK() {
		t.Errorf("Expected the retry to succeed, got %+v", second)
	}
}

func TestLoop_CheckOutKind(t *testing.T) {
	base := unitVec(0.7)
	store := &fakeStore{known: map[string]types.KnownFace{"E001": {EmployeeID: "E001", Name: "Alice", Embedding: base}}}
	face := types.DetectedFace{Box: types.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.9, Embedding: base}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: []types.DetectedFace{face}}, store, testConfig())

	if err := l.SetCheckKind("Lunch"); err == nil {
		t.Error("Expected error for invalid check kind")
	}
	if err := l.SetCheckKind(types.CheckOut); err != nil {
		t.Fatalf("SetCheckKind failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	n := waitNotification(t, l, AttendanceBatch)
	if n.Outcomes[0].Kind != types.CheckOut {
		t.Errorf("Expected Check Out, got %s", n.Outcomes[0].Kind)
	}
}

func TestLoop_CameraOpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	l := New(func(ctx context.Context) (FrameSource, error) { return nil, openErr },
		&fakeDetector{}, &fakeStore{}, testConfig())

	err := l.Start(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("Expected camera error, got %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop on a session that never started should be a no-op, got %v", err)
	}
}

func TestLoop_StartTwice(t *testing.T) {
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	l := newTestLoop(src, &fakeDetector{}, &fakeStore{}, testConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestLoop_StopReleasesCameraOnce(t *testing.T) {
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	l := newTestLoop(src, &fakeDetector{}, &fakeStore{}, testConfig())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if got := src.closes.Load(); got != 1 {
		t.Errorf("Expected 1 camera release, got %d", got)
	}
	for range l.Frames() {
	}
	if _, ok := <-l.Notifications(); ok {
		t.Error("Expected notifications to be closed")
	}
}

func TestLoop_StopTimeoutForcesRelease(t *testing.T) {
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	cfg := testConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	det := &fakeDetector{delay: 300 * time.Millisecond}
	l := newTestLoop(src, det, &fakeStore{}, cfg)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker enter Detect

	if err := l.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Expected ErrStopTimeout, got %v", err)
	}
	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker never exited")
	}
	if got := src.closes.Load(); got != 1 {
		t.Errorf("Expected 1 camera release, got %d", got)
	}
}

func TestLoop_CameraStalled(t *testing.T) {
	src := &fakeSource{fail: true}
	cfg := testConfig()
	cfg.StallThreshold = 3
	l := newTestLoop(src, &fakeDetector{}, &fakeStore{}, cfg)

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	n := waitNotification(t, l, CameraStalled)
	if n.Message == "" {
		t.Error("Expected a stall message")
	}
	if l.Stats().AcquisitionFailures < 3 {
		t.Errorf("Expected at least 3 acquisition failures, got %d", l.Stats().AcquisitionFailures)
	}
}

func TestLoop_ClearCacheResetsRecognitions(t *testing.T) {
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	det := &fakeDetector{}
	l := newTestLoop(src, det, &fakeStore{}, testConfig())
	recs := []types.Recognition{{Slot: 0, Unknown: true}}
	l.recs.Store(&recs)

	l.resetState()
	if got := l.Recognitions(); len(got) != 0 {
		t.Errorf("Expected recognitions cleared, got %+v", got)
	}
}

func TestConfigFill(t *testing.T) {
	var c Config
	c.fill()
	if c.MatchThreshold != match.DefaultThreshold || c.MaxConcurrentFaces != 5 || c.CheckKind != types.CheckIn {
		t.Errorf("Unexpected defaults: %+v", c)
	}
	if c.StallThreshold != 30 || c.StopTimeout != 3*time.Second {
		t.Errorf("Unexpected defaults: %+v", c)
	}
}

type failingDetector struct{}

func (failingDetector) Detect(ctx context.Context, frame *image.RGBA) ([]types.DetectedFace, error) {
	return nil, errors.New("face analysis backend failed: worker exited")
}

func TestLoop_DetectorFailureYieldsNoFaces(t *testing.T) {
	store := &fakeStore{known: map[string]types.KnownFace{
		"E001": {EmployeeID: "E001", Name: "Alice", Embedding: unitVec(0.7)},
	}}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 16, 16))}
	l := newTestLoop(src, failingDetector{}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Frames keep flowing while every detection fails.
	for i := 0; i < 3; i++ {
		select {
		case f := <-l.Frames():
			if f.Image == nil {
				t.Fatal("Expected an annotated image")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for a frame")
		}
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if l.Stats().DetectFailures == 0 {
		t.Error("Expected detector failures to be counted")
	}
	if recs := l.Recognitions(); len(recs) != 0 {
		t.Errorf("Expected no recognitions, got %+v", recs)
	}
	if len(store.Records()) != 0 {
		t.Error("Expected no store writes")
	}
}

type limitingDetector struct {
	fakeDetector
	maxFaces atomic.Int32
}

func (d *limitingDetector) SetMaxFaces(n int) { d.maxFaces.Store(int32(n)) }

func TestLoop_MultiPersonModeLimitsFaces(t *testing.T) {
	known := map[string]types.KnownFace{}
	var faces []types.DetectedFace
	for i, id := range []string{"E001", "E002", "E003"} {
		vec := unitVec(0.7 + float64(i))
		known[id] = types.KnownFace{EmployeeID: id, Name: id, Embedding: vec}
		faces = append(faces, types.DetectedFace{
			Box:        types.BBox{X1: float64(10 + 50*i), Y1: 10, X2: float64(50 + 50*i), Y2: 50},
			Confidence: 0.9,
			Embedding:  vec,
		})
	}
	store := &fakeStore{known: known}
	det := &limitingDetector{fakeDetector: fakeDetector{faces: faces}}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, det, store, testConfig())

	l.SetMultiPersonMode(1, time.Hour)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := waitNotification(t, l, AttendanceBatch)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(n.Outcomes) != 1 || n.Outcomes[0].EmployeeID != "E001" {
		t.Errorf("Expected a single commit for E001, got %+v", n.Outcomes)
	}
	if recs := l.Recognitions(); len(recs) != 1 {
		t.Errorf("Expected 1 recognition, got %d", len(recs))
	}
	if got := det.maxFaces.Load(); got != 1 {
		t.Errorf("Expected the detector limit to be set to 1, got %d", got)
	}
	if got := len(store.Records()); got != 1 {
		t.Errorf("Expected 1 stored event, got %d", got)
	}
}

type endedSource struct {
	reads  atomic.Int32
	closes atomic.Int32
}

func (s *endedSource) Read(ctx context.Context) (*image.RGBA, error) {
	s.reads.Add(1)
	return nil, camera.ErrClosed
}

func (s *endedSource) Close() error {
	s.closes.Add(1)
	return nil
}

func TestLoop_CameraClosedEndsSession(t *testing.T) {
	src := &endedSource{}
	open := func(ctx context.Context) (FrameSource, error) { return src, nil }
	l := New(open, &fakeDetector{}, &fakeStore{}, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := waitNotification(t, l, CameraLost)
	if n.Message == "" {
		t.Error("Expected a message for the lost camera")
	}

	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop kept running after the camera stream ended")
	}
	if l.Stats().Running {
		t.Error("Expected Running to be false")
	}
	if got := src.reads.Load(); got != 1 {
		t.Errorf("Expected a single read, got %d", got)
	}
	if got := src.closes.Load(); got != 1 {
		t.Errorf("Expected camera released once, got %d", got)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop after the loop ended: %v", err)
	}
}

func TestLoop_FaceWithoutCropStoresNoEvidence(t *testing.T) {
	base := unitVec(0.7)
	store := &fakeStore{known: map[string]types.KnownFace{
		"E001": {EmployeeID: "E001", Name: "Alice", Embedding: base},
	}}
	face := types.DetectedFace{
		Box:        types.BBox{X1: 10, Y1: 10, X2: 90, Y2: 90},
		Confidence: 0.95,
		Embedding:  base,
		Crop:       nil,
	}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: []types.DetectedFace{face}}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNotification(t, l, AttendanceBatch)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Evidence != nil {
		t.Errorf("Expected a nil evidence interface, got %#v", records[0].Evidence)
	}
}

func TestLoop_SameCycleCommitsShareOneNotification(t *testing.T) {
	alice, bob := unitVec(0.7), unitVec(1.9)
	store := &fakeStore{known: map[string]types.KnownFace{
		"E001": {EmployeeID: "E001", Name: "Alice", Embedding: alice},
		"E002": {EmployeeID: "E002", Name: "Bob", Embedding: bob},
	}}
	faces := []types.DetectedFace{
		{Box: types.BBox{X1: 10, Y1: 10, X2: 60, Y2: 60}, Confidence: 0.95, Embedding: alice},
		{Box: types.BBox{X1: 90, Y1: 10, X2: 140, Y2: 60}, Confidence: 0.9, Embedding: bob},
	}
	src := &fakeSource{frame: image.NewRGBA(image.Rect(0, 0, 160, 120))}
	l := newTestLoop(src, &fakeDetector{faces: faces}, store, testConfig())

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := waitNotification(t, l, AttendanceBatch)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if len(n.Outcomes) != 2 {
		t.Fatalf("Expected both commits in one notification, got %+v", n.Outcomes)
	}
	got := map[string]bool{n.Outcomes[0].EmployeeID: true, n.Outcomes[1].EmployeeID: true}
	if !got["E001"] || !got["E002"] {
		t.Errorf("Expected E001 and E002, got %+v", n.Outcomes)
	}
	if n.Message != "✅ Check In: Alice - 100%\n✅ Check In: Bob - 100%" {
		t.Errorf("Unexpected batch message %q", n.Message)
	}

	// The long cooldown means no further batch can follow.
	for extra := range l.Notifications() {
		if extra.Kind == AttendanceBatch {
			t.Errorf("Expected a single batch, got another: %+v", extra)
		}
	}
	if got := len(store.Records()); got != 2 {
		t.Errorf("Expected 2 stored events, got %d", got)
	}
}
