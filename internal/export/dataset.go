package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"videoscan/internal/align"
	"videoscan/internal/config"
)

// Dataset writes the reconstruction-ready output layout for a finished
// run: aligned images, sparse/dense placeholders for downstream tools,
// the camera pose CSV and a machine-readable run summary.
type Dataset struct {
	cfg config.Export
	log *slog.Logger
}

func NewDataset(cfg config.Export, logger *slog.Logger) *Dataset {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dataset{cfg: cfg, log: logger}
}

// Metadata summarizes the run for the dataset consumer.
type Metadata struct {
	GeneratedAt           time.Time `json:"generated_at"`
	StopReason            string    `json:"stop_reason"`
	Iterations            int       `json:"iterations"`
	TotalImages           int       `json:"total_images"`
	AlignedImages         int       `json:"aligned_images"`
	ComponentCount        int       `json:"component_count"`
	AlignmentRatio        float64   `json:"alignment_ratio"`
	MeanReprojectionError float64   `json:"mean_reprojection_error"`
	QualityScore          float64   `json:"quality_score"`
	SourceVideos          []string  `json:"source_videos"`
}

// Write lays out the dataset directory:
//
//	<outputDir>/dataset/
//	  images/    aligned frames only
//	  sparse/    reserved for the downstream sparse model
//	  dense/     reserved for the downstream dense model
//	  logs/      iteration history
//	  cameras.csv
//	  metadata.json
func (d *Dataset) Write(outputDir string, frames []align.Frame, res align.Result, reason align.StopReason, history []align.IterationRecord, score float64) (string, error) {
	root := filepath.Join(outputDir, "dataset")
	for _, sub := range []string{"images", "sparse", "dense", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", err
		}
	}

	aligned := alignedNames(res)
	copied := 0
	for _, f := range frames {
		if _, ok := aligned[f.ImageName()]; !ok {
			continue
		}
		dst := filepath.Join(root, "images", f.ImageName())
		if err := copyFile(f.ImagePath, dst); err != nil {
			return "", fmt.Errorf("copying %s: %w", f.ImageName(), err)
		}
		copied++
	}

	if d.cfg.GenerateCameraCSV {
		if err := d.writeCameraCSV(filepath.Join(root, "cameras.csv"), frames, aligned); err != nil {
			return "", err
		}
	}

	if err := writeHistory(filepath.Join(root, "logs", "iterations.json"), history); err != nil {
		return "", err
	}

	meta := Metadata{
		GeneratedAt:           time.Now().UTC(),
		StopReason:            string(reason),
		Iterations:            len(history),
		TotalImages:           res.TotalImages,
		AlignedImages:         res.AlignedImageCount(),
		ComponentCount:        len(res.Components),
		AlignmentRatio:        res.AlignmentRatio,
		MeanReprojectionError: res.MeanReprojectionError,
		QualityScore:          score,
		SourceVideos:          sourceVideos(frames),
	}
	if err := writeJSON(filepath.Join(root, "metadata.json"), meta); err != nil {
		return "", err
	}

	d.log.Info("dataset written", "path", root, "images", copied, "stop_reason", reason)
	return root, nil
}

// writeCameraCSV records the capture timing per aligned image so pose
// priors can be seeded downstream.
func (d *Dataset) writeCameraCSV(path string, frames []align.Frame, aligned map[string]struct{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"image", "video", "timestamp_sec", "kind", "face"}); err != nil {
		return err
	}
	for _, fr := range frames {
		if _, ok := aligned[fr.ImageName()]; !ok {
			continue
		}
		row := []string{
			fr.ImageName(),
			filepath.Base(fr.VideoSource),
			strconv.FormatFloat(fr.Timestamp, 'f', 3, 64),
			string(fr.Kind),
			fr.FaceID,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func alignedNames(res align.Result) map[string]struct{} {
	names := make(map[string]struct{})
	for _, c := range res.Components {
		for _, n := range c.MemberImageNames {
			names[n] = struct{}{}
		}
	}
	return names
}

func sourceVideos(frames []align.Frame) []string {
	seen := make(map[string]struct{})
	var videos []string
	for _, f := range frames {
		if _, ok := seen[f.VideoSource]; ok {
			continue
		}
		seen[f.VideoSource] = struct{}{}
		videos = append(videos, filepath.Base(f.VideoSource))
	}
	return videos
}

func writeHistory(path string, history []align.IterationRecord) error {
	if history == nil {
		history = []align.IterationRecord{}
	}
	return writeJSON(path, history)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
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
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
