package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"gopkg.in/gographics/imagick.v3/imagick"

	"videoscan/internal/config"
)

// Gate decides whether a decoded candidate frame may enter the working
// image set.
type Gate interface {
	Accept(ctx context.Context, imagePath string) (bool, error)
}

// AcceptAll admits every frame; the fallback when no gate tooling exists.
type AcceptAll struct{}

func (AcceptAll) Accept(ctx context.Context, imagePath string) (bool, error) {
	return true, nil
}

// Chain runs gates in order; the first rejection wins.
type Chain []Gate

func (c Chain) Accept(ctx context.Context, imagePath string) (bool, error) {
	for _, g := range c {
		ok, err := g.Accept(ctx, imagePath)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// NewGate assembles the configured gate chain.
func NewGate(cfg config.QualityGate, logger *slog.Logger) Gate {
	if !cfg.Enabled {
		return AcceptAll{}
	}
	var chain Chain
	if cfg.UseImageStats {
		chain = append(chain, &StatsGate{MinBrightness: cfg.MinBrightness, MinSharpness: cfg.MinSharpness})
	}
	if cfg.DetectorCommand != "" {
		chain = append(chain, &DetectorGate{
			Command:    cfg.DetectorCommand,
			Args:       cfg.DetectorArgs,
			Confidence: cfg.ConfidenceThreshold,
			AreaRatio:  cfg.AreaRatioThreshold,
			log:        logger,
		})
	}
	if len(chain) == 0 {
		return AcceptAll{}
	}
	return chain
}

// detection is one box reported by the detector CLI.
type detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

type detectorOutput struct {
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	Detections []detection `json:"detections"`
}

// DetectorGate shells out to an object-detector CLI and rejects frames
// where a person is both confident and prominent: bystanders walking
// through the scene poison the reconstruction.
type DetectorGate struct {
	Command    string
	Args       []string
	Confidence float64
	AreaRatio  float64
	log        *slog.Logger
}

func (g *DetectorGate) Accept(ctx context.Context, imagePath string) (bool, error) {
	args := append(append([]string{}, g.Args...), imagePath)
	out, err := exec.CommandContext(ctx, g.Command, args...).Output()
	if err != nil {
		return false, fmt.Errorf("detector failed: %w", err)
	}
	var res detectorOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return false, fmt.Errorf("detector output unreadable: %w", err)
	}
	reject := rejectByDetections(res, g.Confidence, g.AreaRatio)
	if reject && g.log != nil {
		g.log.Debug("frame rejected by detector", "image", imagePath)
	}
	return !reject, nil
}

func rejectByDetections(res detectorOutput, confidence, areaRatio float64) bool {
	total := res.Width * res.Height
	if total <= 0 {
		return false
	}
	for _, d := range res.Detections {
		if d.Class != "person" || d.Confidence < confidence {
			continue
		}
		area := (d.X2 - d.X1) * (d.Y2 - d.Y1)
		if area/total >= areaRatio {
			return true
		}
	}
	return false
}

// quantumRange normalizes 16-bit MagickWand channel statistics.
const quantumRange = 65535.0

// StatsGate rejects frames that are too dark or too flat to contribute
// features, using native image statistics.
type StatsGate struct {
	MinBrightness float64
	MinSharpness  float64
}

func (g *StatsGate) Accept(ctx context.Context, imagePath string) (bool, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(imagePath); err != nil {
		return false, fmt.Errorf("read image: %w", err)
	}
	mean, stddev, err := mw.GetImageChannelMean(imagick.CHANNELS_GRAY)
	if err != nil {
		return false, fmt.Errorf("image statistics: %w", err)
	}

	if mean/quantumRange < g.MinBrightness {
		return false, nil
	}
	// A flat luminance distribution is a cheap blur/featureless proxy.
	if stddev/quantumRange < g.MinSharpness {
		return false, nil
	}
	return true, nil
}
