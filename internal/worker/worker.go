package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// Config controls how the analysis process is launched.
type Config struct {
	Python        string
	Script        string
	DetectionSize int
	Threshold     float64
	ReadTimeout   time.Duration
	JPEGQuality   int
}

// Face is one decoded detection from the worker.
type Face struct {
	Box   [4]int32
	Vec   []float32
	Score float32
	Thumb []byte
}

// PythonWorker drives the face-analysis process over a length-prefixed
// protocol. Requests go to stdin; responses come back on a dedicated FD 3
// pipe so Python logging on stdout/stderr cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg       Config
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewPythonWorker starts the analysis process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	args := []string{"-u", cfg.Script}
	if cfg.DetectionSize > 0 {
		args = append(args, "--det-size", strconv.Itoa(cfg.DetectionSize))
	}
	if cfg.Threshold > 0 {
		args = append(args, "--threshold", strconv.FormatFloat(cfg.Threshold, 'f', 2, 64))
	}
	py := utils.NewSafeCommandContext(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Communicate sends one request and reads one response. Protocol: [Length][Data].
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.cfg.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends a JPEG and decodes the detections.
//
// Response: [Status:0][NumFaces] then per face [Box 4xint32][Vec 512xfloat32][Score float32][ThumbLen][Thumb],
// or [Status:1][MsgLen][Msg] on a worker-side error.
func (w *PythonWorker) ProcessFrame(jpegData []byte) ([]Face, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.Communicate(jpegData)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) ([]Face, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}

	faces := make([]Face, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var f Face
		if err := binary.Read(r, binary.BigEndian, &f.Box); err != nil {
			return nil, fmt.Errorf("face %d: box: %w", i, err)
		}
		var vec [types.EmbeddingDim]float32
		if err := binary.Read(r, binary.BigEndian, &vec); err != nil {
			return nil, fmt.Errorf("face %d: vector: %w", i, err)
		}
		f.Vec = vec[:]
		if err := binary.Read(r, binary.BigEndian, &f.Score); err != nil {
			return nil, fmt.Errorf("face %d: score: %w", i, err)
		}
		var thumbLen uint32
		if err := binary.Read(r, binary.BigEndian, &thumbLen); err != nil {
			return nil, fmt.Errorf("face %d: thumb length: %w", i, err)
		}
		if thumbLen > uint32(r.Len()) {
			return nil, fmt.Errorf("face %d: thumb length %d exceeds payload", i, thumbLen)
		}
		f.Thumb = make([]byte, thumbLen)
		if _, err := io.ReadFull(r, f.Thumb); err != nil {
			return nil, fmt.Errorf("face %d: thumb: %w", i, err)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Analyze encodes img and runs it through the worker. It satisfies detect.Backend.
func (w *PythonWorker) Analyze(ctx context.Context, img image.Image) ([]types.RawFace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quality := w.cfg.JPEGQuality
	if quality <= 0 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	faces, err := w.ProcessFrame(buf.Bytes())
	if err != nil {
		return nil, err
	}

	// Boxes stay relative to the top-left of the encoded image.
	out := make([]types.RawFace, len(faces))
	for i, f := range faces {
		out[i] = types.RawFace{
			Box: types.BBox{
				X1: float64(f.Box[0]), Y1: float64(f.Box[1]),
				X2: float64(f.Box[2]), Y2: float64(f.Box[3]),
			},
			Score:     float64(f.Score),
			Embedding: f.Vec,
		}
	}
	return out, nil
}

// ErrClosed is returned by Close on a worker that was already shut down.
var ErrClosed = errors.New("worker already closed")

// Close shuts the process down and waits for it to exit.
func (w *PythonWorker) Close() error {
	err := ErrClosed
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()
		err = nil
		if w.Cmd != nil {
			err = w.Cmd.Wait()
		}
	})
	return err
}
