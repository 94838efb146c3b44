package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// EnrollOptions describe the employee being enrolled.
type EnrollOptions struct {
	Name       string
	Department string
	Position   string
	Force      bool
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <employee_id> <image_or_dir>...",
	Short: "Enroll an employee's face from one or more photos",
	Long:  "Runs face analysis on each photo, keeps the best face per photo and stores the averaged embedding for the employee.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], args[1:], enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Full name (required for a new employee)")
	enrollCmd.Flags().StringVar(&enrollOpts.Department, "department", "", "Department")
	enrollCmd.Flags().StringVar(&enrollOpts.Position, "position", "", "Position")
	enrollCmd.Flags().BoolVarP(&enrollOpts.Force, "force", "f", false, "Enroll even if the face already matches another employee")
	rootCmd.AddCommand(enrollCmd)
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// collectImages expands directories (non-recursively) and returns the image
// files in a stable order.
func collectImages(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// averageEmbedding sums the embeddings and normalises the result. It returns
// nil when the vectors disagree in size or the mean is not a usable embedding.
func averageEmbedding(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	sum := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		if len(v) != len(sum) {
			return nil
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	return match.Prepare(sum)
}

func loadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

func findEmployee(ctx context.Context, id string) (*types.Employee, error) {
	employees, err := DB.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	for i := range employees {
		if employees[i].ID == id {
			return &employees[i], nil
		}
	}
	return nil, nil
}

func runEnroll(ctx context.Context, employeeID string, paths []string, opts EnrollOptions) error {
	existing, err := findEmployee(ctx, employeeID)
	if err != nil {
		utils.ShowError("Failed to look up employee", err, nil)
		return err
	}
	if existing == nil && opts.Name == "" {
		return fmt.Errorf("employee %s is new: --name is required", employeeID)
	}

	files, err := collectImages(paths)
	if err != nil {
		utils.ShowError("Failed to read input photos", err, nil)
		return err
	}
	if len(files) == 0 {
		return errors.New("no .jpg or .png photos found")
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	// Every photo is a fresh frame, so the short-lived result cache is off.
	detOpts := detectorOptions(Cfg.Detector)
	detOpts.CacheWindow = 0
	det := detect.New(w, detOpts)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🧑 Enrolling "+employeeID),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var vecs [][]float32
	var skipped []string
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := loadRGBA(path)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (%v)", filepath.Base(path), err))
			bar.Add(1)
			continue
		}
		faces, err := det.Detect(ctx, img)
		if err != nil {
			bar.Finish()
			utils.ShowError("Face analysis failed", err, w.Cmd)
			return err
		}
		if len(faces) == 0 || faces[0].Embedding == nil {
			skipped = append(skipped, fmt.Sprintf("%s (no usable face)", filepath.Base(path)))
			bar.Add(1)
			continue
		}
		vecs = append(vecs, faces[0].Embedding)
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s\n", s)
	}

	vec := averageEmbedding(vecs)
	if vec == nil {
		return fmt.Errorf("no usable face found in %d photo(s)", len(files))
	}

	closest, dist, err := DB.ClosestEmployee(ctx, vec)
	if err != nil {
		utils.ShowError("Failed to check for duplicate enrollment", err, nil)
		return err
	}
	if closest != "" && closest != employeeID && 1-dist >= Cfg.Recognition.HighConfidence {
		fmt.Fprintf(os.Stderr, "⚠️  This face matches employee %s (%.0f%%)\n", closest, (1-dist)*100)
		if !opts.Force {
			return fmt.Errorf("face already enrolled as %s (use --force to enroll anyway)", closest)
		}
	}

	emp := types.Employee{ID: employeeID, FullName: opts.Name, Department: opts.Department, Position: opts.Position}
	if existing != nil {
		if emp.FullName == "" {
			emp.FullName = existing.FullName
		}
		if emp.Department == "" {
			emp.Department = existing.Department
		}
		if emp.Position == "" {
			emp.Position = existing.Position
		}
	}
	if err := DB.AddEmployee(ctx, emp); err != nil {
		utils.ShowError("Failed to save employee", err, nil)
		return err
	}
	if err := DB.AddEncoding(ctx, employeeID, vec); err != nil {
		utils.ShowError("Failed to save face encoding", err, nil)
		return err
	}

	fmt.Printf("✅ Enrolled %s (%s) from %d of %d photo(s)\n", emp.FullName, employeeID, len(vecs), len(files))
	return nil
}
