package overlay

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/andresmejia3/memeface/internal/types"
)

// Detector finds the landmarks of the single face in a still image.
// A nil result with a nil error means no face was found.
type Detector interface {
	DetectOne(ctx context.Context, img image.Image) (*types.FaceLandmarks, error)
}

// Result is the outcome of one overlay generation.
type Result struct {
	Image     image.Image
	Landmarks *types.FaceLandmarks
	Features  *FeatureSet
}

// Decorated reports whether features were actually drawn.
func (r Result) Decorated() bool { return r.Features != nil }

// Generate detects the face in img and paints features on it. Every failure
// along the way degrades to the unmodified photo; nothing is returned as an
// error because the undecorated photo is still a usable substitute.
func Generate(ctx context.Context, det Detector, img image.Image, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	res := Result{Image: img}
	if det == nil {
		logger.Warn("no face detector available, using photo as is")
		return res
	}

	lm, err := det.DetectOne(ctx, img)
	if err != nil {
		logger.Warn("face detection failed, using photo as is", "err", err)
		return res
	}
	if lm == nil {
		logger.Info("no face detected for feature overlay")
		return res
	}
	res.Landmarks = lm

	out, err := ApplyFeatures(img, lm)
	if err != nil {
		var me *MalformedLandmarksError
		if errors.As(err, &me) {
			logger.Warn("detector returned malformed landmarks, using photo as is",
				"group", me.Group, "points", me.Got, "need", me.Need)
		} else {
			logger.Error("feature overlay failed, using photo as is", "err", err)
		}
		return res
	}

	fs, _ := Features(lm)
	res.Image = out
	res.Features = &fs
	return res
}
