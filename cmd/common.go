package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/memeface/internal/detect"
	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/store"
	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/utils"
	"github.com/andresmejia3/memeface/internal/worker"
)

// stillOptions selects where the face photo comes from.
type stillOptions struct {
	Image  string // file path or data: URL
	Camera string // capture device; wins over Image when set
	Format string
	Delay  time.Duration
}

func (o stillOptions) validate() error {
	if o.Image == "" && o.Camera == "" {
		return errors.New("either --image or --camera is required")
	}
	if o.Delay < 0 {
		return fmt.Errorf("capture delay must not be negative, got %v", o.Delay)
	}
	return nil
}

// readStill loads the face photo.
func readStill(ctx context.Context, o stillOptions) (image.Image, error) {
	if o.Camera != "" {
		slog.Info("capturing still from camera", "device", o.Camera, "delay", o.Delay)
		data, err := utils.CaptureStill(ctx, o.Format, o.Camera, o.Delay)
		if err != nil {
			return nil, err
		}
		return overlay.Decode(data)
	}
	if strings.HasPrefix(o.Image, "data:") {
		return overlay.DecodeDataURL(o.Image)
	}
	data, err := os.ReadFile(o.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return overlay.Decode(data)
}

// newBackend builds the configured detector backend. id tells engine
// processes apart.
func newBackend(id int) (string, detect.Backend) {
	d := cfg.Detector
	if d.Backend == "worker" {
		return "worker", worker.NewLandmarkWorker(id, d.WorkerCommand...)
	}
	return "pigo", detect.NewPigo(detect.PigoConfig{
		ModelDir:     d.ModelDir,
		FaceCascade:  d.FaceCascade,
		PupilCascade: d.PupilCascade,
		LandmarkDir:  d.LandmarkDir,
		MinSize:      d.MinSize,
		MaxSize:      d.MaxSize,
		ShiftFactor:  d.ShiftFactor,
		ScaleFactor:  d.ScaleFactor,
		IoUThreshold: d.IoUThreshold,
		MinScore:     d.MinScore,
		Perturbs:     detect.DefaultPigoConfig().Perturbs,
	})
}

// newDetector returns an initialized adapter. A model load failure is logged
// and yields an adapter that finds no faces, so callers degrade instead of
// failing.
func newDetector(ctx context.Context, id int) *detect.Adapter {
	name, backend := newBackend(id)
	a := detect.New(name, backend, slog.Default())
	if err := a.Initialize(ctx); err != nil {
		slog.Warn("face detection unavailable, continuing without it", "err", err)
	}
	return a
}

// trackSource resolves a head track location: "db:<asset>" reads from
// PostgreSQL, http(s) URLs are fetched, anything else is a file.
func trackSource(ctx context.Context, location string) (track.Source, error) {
	if asset, ok := strings.CutPrefix(location, "db:"); ok {
		if asset == "" {
			return nil, errors.New("db: track location needs an asset name")
		}
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		return store.TrackSource{Store: db, Asset: asset}, nil
	}
	if location == "" {
		return nil, errors.New("no head track location given")
	}
	return track.ParseSource(location), nil
}
