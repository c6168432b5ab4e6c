package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"videoscan/internal/align"
	"videoscan/internal/config"
)

// RealityScan drives the external headless alignment CLI. One value is
// one engine session: the instance name keeps concurrent runs of the
// tool apart and is otherwise opaque.
type RealityScan struct {
	exe      string
	tempDir  string
	instance string
	log      *slog.Logger

	mu      sync.Mutex
	current *exec.Cmd
}

func New(cfg config.Engine, logger *slog.Logger) *RealityScan {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealityScan{
		exe:      cfg.ExecutablePath,
		tempDir:  cfg.TempDirectory,
		instance: fmt.Sprintf("videoscan_%s", time.Now().Format("20060102_150405")),
		log:      logger,
	}
}

// Available reports whether the engine executable can be found.
func (e *RealityScan) Available() bool {
	_, err := exec.LookPath(e.exe)
	return err == nil
}

// Run aligns the image set and parses the engine's component report.
// The call blocks for the external process's full runtime.
func (e *RealityScan) Run(ctx context.Context, images []align.Frame, quality align.Quality) (align.Result, error) {
	if len(images) == 0 {
		e.log.Warn("alignment requested with zero images, skipping engine call")
		return align.EmptyResult(0), nil
	}

	exe, err := exec.LookPath(e.exe)
	if err != nil {
		return align.Result{}, fmt.Errorf("%w: %s", align.ErrEngineUnavailable, e.exe)
	}

	sessionDir := filepath.Join(e.tempDir, e.instance)
	imageDir := filepath.Join(sessionDir, "images")
	if err := e.stageImages(images, imageDir); err != nil {
		return align.Result{}, fmt.Errorf("%w: staging images: %v", align.ErrEngineExecution, err)
	}

	reportPath := filepath.Join(sessionDir, "components.json")
	os.Remove(reportPath)

	args := []string{
		"-headless",
		"-setInstanceName", e.instance,
		"-addFolder", imageDir,
		"-set", fmt.Sprintf("alignQuality=%s", quality),
		"-align",
		"-exportReport", reportPath,
		"-quit",
	}

	e.log.Info("engine alignment starting", "images", len(images), "quality", quality, "instance", e.instance)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = sessionDir

	e.mu.Lock()
	e.current = cmd
	e.mu.Unlock()

	out, err := cmd.CombinedOutput()

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	if err != nil {
		return align.Result{}, fmt.Errorf("%w: %v: %s", align.ErrEngineExecution, err, tail(out, 400))
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return align.Result{}, fmt.Errorf("%w: report missing: %v", align.ErrEngineResultParse, err)
	}

	res, err := ParseReport(data)
	if err != nil {
		return align.Result{}, err
	}
	e.log.Info("engine alignment finished",
		"components", len(res.Components),
		"ratio", res.AlignmentRatio,
		"mean_error", res.MeanReprojectionError,
	)
	return res, nil
}

// Abort terminates an alignment in flight, best-effort. A run that has
// already returned is unaffected.
func (e *RealityScan) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.Process != nil {
		e.log.Info("terminating engine process", "pid", e.current.Process.Pid)
		_ = e.current.Process.Kill()
	}
}

// stageImages links the working set into the session image folder so the
// engine sees one flat directory. Symlinks are preferred; copying is the
// fallback for filesystems that refuse them.
func (e *RealityScan) stageImages(images []align.Frame, imageDir string) error {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return err
	}
	for _, f := range images {
		dst := filepath.Join(imageDir, f.ImageName())
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(f.ImagePath, dst); err != nil {
			if err := copyFile(f.ImagePath, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

type reportComponent struct {
	ID                int      `json:"id"`
	ImageCount        int      `json:"image_count"`
	ReprojectionError float64  `json:"reprojection_error"`
	Images            []string `json:"images"`
}

type report struct {
	TotalImages     int               `json:"total_images"`
	Components      []reportComponent `json:"components"`
	UnalignedImages []string          `json:"unaligned_images"`
}

// ParseReport decodes the engine's JSON component report into a Result.
// The alignment ratio and mean reprojection error are derived here; a
// structurally impossible report is a parse error, not a zero value.
func ParseReport(data []byte) (align.Result, error) {
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return align.Result{}, fmt.Errorf("%w: %v", align.ErrEngineResultParse, err)
	}
	if rep.TotalImages < 0 {
		return align.Result{}, fmt.Errorf("%w: negative total_images", align.ErrEngineResultParse)
	}

	res := align.Result{
		TotalImages:         rep.TotalImages,
		UnalignedImageNames: rep.UnalignedImages,
	}

	aligned := 0
	weightedError := 0.0
	for _, c := range rep.Components {
		if c.ImageCount < 0 || c.ReprojectionError < 0 {
			return align.Result{}, fmt.Errorf("%w: component %d has negative fields", align.ErrEngineResultParse, c.ID)
		}
		if c.ImageCount != len(c.Images) {
			return align.Result{}, fmt.Errorf("%w: component %d image_count %d does not match %d member names",
				align.ErrEngineResultParse, c.ID, c.ImageCount, len(c.Images))
		}
		res.Components = append(res.Components, align.Component{
			ID:                c.ID,
			ImageCount:        c.ImageCount,
			ReprojectionError: c.ReprojectionError,
			MemberImageNames:  c.Images,
		})
		aligned += c.ImageCount
		weightedError += c.ReprojectionError * float64(c.ImageCount)
	}

	if rep.TotalImages > 0 {
		res.AlignmentRatio = float64(aligned) / float64(rep.TotalImages)
	}
	if aligned > 0 {
		res.MeanReprojectionError = weightedError / float64(aligned)
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
