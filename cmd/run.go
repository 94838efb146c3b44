package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/kiosk"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// RunOptions are the command-line overrides for a kiosk session.
type RunOptions struct {
	Device   string
	Backend  string
	Mode     string
	Addr     string
	CheckOut bool
	NoWarmUp bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the attendance kiosk on a camera",
	Long:  "Opens the camera, recognises enrolled employees and records attendance. The annotated feed is served at /stream.mjpg.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyRunOptions(Cfg, runOpts); err != nil {
			return err
		}
		return runKiosk(cmd.Context(), Cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Device, "device", "i", "", "Camera device, index or video file")
	runCmd.Flags().StringVar(&runOpts.Backend, "backend", "", "Camera backend: ffmpeg or gocv")
	runCmd.Flags().StringVarP(&runOpts.Mode, "mode", "m", "", "Detector preset: balanced, ultra_fast or high_accuracy")
	runCmd.Flags().StringVar(&runOpts.Addr, "addr", "", "Kiosk HTTP listen address")
	runCmd.Flags().BoolVar(&runOpts.CheckOut, "check-out", false, "Record Check Out instead of Check In")
	runCmd.Flags().BoolVar(&runOpts.NoWarmUp, "no-warmup", false, "Skip the detector warm-up")
	rootCmd.AddCommand(runCmd)
}

// applyRunOptions folds the flags into cfg and validates the result.
func applyRunOptions(cfg *config.Config, opts RunOptions) error {
	if opts.Device != "" {
		cfg.Camera.Device = opts.Device
	}
	if opts.Backend != "" {
		cfg.Camera.Backend = opts.Backend
	}
	if opts.Mode != "" {
		if err := cfg.ApplyMode(opts.Mode); err != nil {
			return err
		}
	}
	if opts.Addr != "" {
		cfg.Kiosk.Addr = opts.Addr
	}
	if opts.CheckOut {
		cfg.Recognition.CheckKind = string(types.CheckOut)
	}
	if opts.NoWarmUp {
		cfg.Detector.WarmUp = false
	}
	return cfg.Validate()
}

func detectorOptions(cfg config.DetectorConfig) detect.Options {
	opts := detect.DefaultOptions()
	opts.ConfidenceThreshold = cfg.ConfidenceThreshold
	opts.MinFaceArea = cfg.MinFaceArea
	opts.MaxFaceArea = cfg.MaxFaceArea
	opts.MaxFaces = cfg.MaxFaces
	opts.CacheWindow = cfg.CacheWindow
	opts.ROI = cfg.Region()
	return opts
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Python:        cfg.Worker.Python,
		Script:        cfg.Worker.Script,
		DetectionSize: cfg.Worker.DetectionSize,
		Threshold:     cfg.Detector.ConfidenceThreshold,
		ReadTimeout:   cfg.Worker.Timeout,
	}
}

func runKiosk(ctx context.Context, cfg *config.Config) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	det := detect.New(w, detectorOptions(cfg.Detector))
	if cfg.Detector.WarmUp {
		fmt.Fprintln(os.Stderr, "🔥 Warming up detector...")
		width, height := cfg.Camera.Width, cfg.Camera.Height
		if width <= 0 || height <= 0 {
			width, height = 640, 480
		}
		if err := det.WarmUp(ctx, width, height, 3); err != nil {
			utils.ShowError("Detector warm-up failed", err, w.Cmd)
			return err
		}
	}

	open := func(ctx context.Context) (recognition.FrameSource, error) {
		src, err := camera.Open(ctx, cfg.Camera)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	loop := recognition.New(open, det, DB, recognition.ConfigFrom(cfg.Recognition))

	server := kiosk.NewServer(kiosk.Options{Addr: cfg.Kiosk.Addr, JPEGQuality: cfg.Kiosk.JPEGQuality}, loop, det)
	server.OnNotify = func(n recognition.Notification) {
		fmt.Fprintln(os.Stderr, n.Message)
	}

	if err := loop.Start(ctx); err != nil {
		utils.ShowError("Failed to start recognition", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🎥 Kiosk running (%s) on http://%s/stream.mjpg\n", loop.CheckKind(), displayAddr(cfg.Kiosk.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		server.Consume(gctx, loop.Frames(), loop.Notifications())
		return nil
	})
	g.Go(func() error {
		var ended error
		select {
		case <-gctx.Done():
		case <-loop.Done():
			ended = errCameraLost
		}
		fmt.Fprintln(os.Stderr, "\n🛑 Stopping kiosk...")
		stopErr := loop.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		if ended != nil {
			return ended
		}
		return stopErr
	})

	if err := g.Wait(); err != nil {
		utils.ShowError("Kiosk session ended with an error", err, w.Cmd)
		return err
	}

	st := loop.Stats()
	fmt.Fprintf(os.Stderr, "✨ Session complete: %d frames, %d check-ins recorded, %d failed writes\n", st.Frames, st.Commits, st.Failures)
	return nil
}

var errCameraLost = errors.New("camera stream ended")

// displayAddr turns a bare ":port" listen address into something clickable.
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
