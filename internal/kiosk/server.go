// Package kiosk is the presentation layer: it serves the annotated camera
// feed, pushes attendance notifications over WebSocket and exposes a small
// control API for the recognition session.
package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Provider is the running recognition session.
type Provider interface {
	Stats() recognition.Stats
	Recognitions() []types.Recognition
	CheckKind() types.CheckKind
	SetCheckKind(types.CheckKind) error
	ClearCache()
}

// DetectorStats reports detector counters. It is optional.
type DetectorStats interface {
	Stats() detect.Stats
}

// Options configures the server.
type Options struct {
	Addr        string
	JPEGQuality int
	// History is how many recent notifications /api/v1/notifications keeps.
	History int
}

// Server serves one kiosk session.
type Server struct {
	opts     Options
	provider Provider
	detector DetectorStats
	hub      *Hub
	router   *chi.Mux
	http     *http.Server

	latest atomic.Pointer[[]byte]

	mu      sync.Mutex
	viewers map[chan []byte]struct{}
	history []recognition.Notification

	// OnNotify is called for every notification after it is broadcast.
	OnNotify func(recognition.Notification)
}

// NewServer builds the router. det may be nil.
func NewServer(opts Options, p Provider, det DetectorStats) *Server {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}
	if opts.History <= 0 {
		opts.History = 50
	}
	r := chi.NewRouter()
	s := &Server{
		opts:     opts,
		provider: p,
		detector: det,
		hub:      NewHub(),
		router:   r,
		viewers:  make(map[chan []byte]struct{}),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/stream.mjpg", s.handleStream)
	r.Get("/snapshot.jpg", s.handleSnapshot)
	r.Handle("/ws/attendance", s.hub)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/recognitions", s.handleRecognitions)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/check-kind", s.handleGetCheckKind)
		r.Post("/check-kind", s.handleSetCheckKind)
		r.Post("/cache/clear", s.handleClearCache)
	})

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.Printf("[Kiosk] Listening on %s", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and ends open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for ch := range s.viewers {
		close(ch)
		delete(s.viewers, ch)
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// Consume forwards the loop's output until both channels are closed or ctx
// is done.
func (s *Server) Consume(ctx context.Context, frames <-chan types.AnnotatedFrame, notes <-chan recognition.Notification) {
	for frames != nil || notes != nil {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.PublishFrame(f)
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			s.PublishNotification(n)
		}
	}
}

// PublishFrame encodes f and hands it to the snapshot endpoint and every
// open stream. Slow viewers skip frames.
func (s *Server) PublishFrame(f types.AnnotatedFrame) {
	if f.Image == nil {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		log.Printf("[Kiosk] Failed to encode frame %d: %v", f.Seq, err)
		return
	}
	data := buf.Bytes()
	s.latest.Store(&data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.viewers {
		select {
		case ch <- data:
		default:
		}
	}
}

// PublishNotification broadcasts n and keeps it in the recent history.
func (s *Server) PublishNotification(n recognition.Notification) {
	s.mu.Lock()
	s.history = append(s.history, n)
	if over := len(s.history) - s.opts.History; over > 0 {
		s.history = s.history[over:]
	}
	s.mu.Unlock()

	s.hub.Broadcast(n)
	if s.OnNotify != nil {
		s.OnNotify(n)
	}
}

func (s *Server) addViewer() chan []byte {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.viewers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) removeViewer(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[ch]; ok {
		delete(s.viewers, ch)
		close(ch)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.addViewer()
	defer s.removeViewer(ch)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	if latest := s.latest.Load(); latest != nil {
		if err := writePart(w, *latest); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	_, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\r\n")
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	latest := s.latest.Load()
	if latest == nil {
		respondError(w, http.StatusServiceUnavailable, "no frame available")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(*latest)))
	w.Write(*latest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.provider.Stats()
	status := "ok"
	if !st.Running {
		status = "stopped"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

type statsResponse struct {
	Loop      recognition.Stats `json:"loop"`
	Detector  *detect.Stats     `json:"detector,omitempty"`
	WSClients int               `json:"ws_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Loop: s.provider.Stats(), WSClients: s.hub.ClientCount()}
	if s.detector != nil {
		ds := s.detector.Stats()
		resp.Detector = &ds
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecognitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.provider.Recognitions())
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]recognition.Notification{}, s.history...)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, out)
}

type checkKindRequest struct {
	Kind types.CheckKind `json:"kind"`
}

func (s *Server) handleGetCheckKind(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, checkKindRequest{Kind: s.provider.CheckKind()})
}

func (s *Server) handleSetCheckKind(w http.ResponseWriter, r *http.Request) {
	var req checkKindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.provider.SetCheckKind(req.Kind); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Printf("[Kiosk] Check kind set to %s", req.Kind)
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.provider.ClearCache()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "clearing"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
