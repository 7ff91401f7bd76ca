package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"

	pigo "github.com/esimov/pigo/core"

	"github.com/andresmejia3/memeface/internal/types"
)

// PigoConfig locates the pigo cascades and tunes the face search.
type PigoConfig struct {
	ModelDir     string  // base location of every cascade
	FaceCascade  string  // face finder cascade file, e.g. "facefinder"
	PupilCascade string  // pupil localization cascade file, e.g. "puploc"
	LandmarkDir  string  // directory of facial landmark point cascades, e.g. "lps"
	MinSize      int     // smallest face, pixels
	MaxSize      int     // largest face, pixels
	ShiftFactor  float64 // sliding window step, relative to window size
	ScaleFactor  float64 // window growth between scales
	IoUThreshold float64 // overlap at which detections are merged
	MinScore     float64 // detections below this quality are dropped
	Perturbs     int     // pupil/landmark localization perturbations
}

// DefaultPigoConfig returns the settings of the pigo reference tooling.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		ModelDir:     "models",
		FaceCascade:  "facefinder",
		PupilCascade: "puploc",
		LandmarkDir:  "lps",
		MinSize:      60,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinScore:     5.0,
		Perturbs:     63,
	}
}

// Landmark cascades used for the mouth.
const (
	mouthCornerCascade = "lp84"
)

var lipCascades = []string{"lp93", "lp82", "lp81"}

// Pigo is a pure Go detector backend built on pigo's pixel-intensity
// comparison cascades.
type Pigo struct {
	cfg        PigoConfig
	classifier *pigo.Pigo
	pupils     *pigo.PuplocCascade
	landmarks  map[string][]*pigo.FlpCascade
}

// NewPigo returns an unloaded backend.
func NewPigo(cfg PigoConfig) *Pigo {
	return &Pigo{cfg: cfg}
}

func (p *Pigo) Load(ctx context.Context) error {
	faceData, err := os.ReadFile(filepath.Join(p.cfg.ModelDir, p.cfg.FaceCascade))
	if err != nil {
		return fmt.Errorf("read face cascade: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(faceData)
	if err != nil {
		return fmt.Errorf("unpack face cascade: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pupilData, err := os.ReadFile(filepath.Join(p.cfg.ModelDir, p.cfg.PupilCascade))
	if err != nil {
		return fmt.Errorf("read pupil cascade: %w", err)
	}
	pupils, err := pigo.NewPuplocCascade().UnpackCascade(pupilData)
	if err != nil {
		return fmt.Errorf("unpack pupil cascade: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	landmarks, err := pupils.ReadCascadeDir(filepath.Join(p.cfg.ModelDir, p.cfg.LandmarkDir))
	if err != nil {
		return fmt.Errorf("read landmark cascades: %w", err)
	}
	if len(landmarks[mouthCornerCascade]) == 0 {
		return fmt.Errorf("landmark cascade %q not found in %s", mouthCornerCascade, p.cfg.LandmarkDir)
	}

	p.classifier, p.pupils, p.landmarks = classifier, pupils, landmarks
	return nil
}

func (p *Pigo) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	if p.classifier == nil {
		return nil, errors.New("pigo models not loaded")
	}

	gray := pigo.RgbToGrayscale(zeroOrigin(img))
	b := img.Bounds()
	params := pigo.ImageParams{Pixels: gray, Rows: b.Dy(), Cols: b.Dx(), Dim: b.Dx()}

	dets := p.classifier.RunCascade(pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: params,
	}, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.cfg.IoUThreshold)

	var faces []types.Face
	for _, det := range dets {
		if float64(det.Q) < p.cfg.MinScore {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := float64(det.Scale)
		faces = append(faces, types.Face{
			Box: types.Box{
				X:      float64(det.Col) - size/2,
				Y:      float64(det.Row) - size/2,
				Width:  size,
				Height: size,
			},
			Score:     float64(det.Q),
			Landmarks: p.locate(det, params),
		})
	}
	return faces, nil
}

// locate finds pupils, then mouth points relative to them. It returns nil
// when either pupil or the mouth corners cannot be localized.
func (p *Pigo) locate(det pigo.Detection, params pigo.ImageParams) *types.FaceLandmarks {
	scale := float32(det.Scale)
	left := p.pupils.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: p.cfg.Perturbs,
	}, params, 0.0, false)
	right := p.pupils.RunDetector(pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: p.cfg.Perturbs,
	}, params, 0.0, false)
	if !found(left) || !found(right) {
		return nil
	}

	corner := p.landmarks[mouthCornerCascade][0]
	c1 := corner.GetLandmarkPoint(left, right, params, p.cfg.Perturbs, false)
	c2 := corner.GetLandmarkPoint(left, right, params, p.cfg.Perturbs, true)
	if !found(c1) || !found(c2) {
		return nil
	}
	mouthLeft, mouthRight := toPoint(c1), toPoint(c2)
	if mouthLeft.X > mouthRight.X {
		mouthLeft, mouthRight = mouthRight, mouthLeft
	}

	var lips []types.Point
	for _, name := range lipCascades {
		for _, flp := range p.landmarks[name] {
			if pt := flp.GetLandmarkPoint(left, right, params, p.cfg.Perturbs, false); found(pt) {
				lips = append(lips, toPoint(pt))
			}
		}
	}
	top, bottom := lipExtents(mouthLeft, mouthRight, lips)

	eyeRadius := float64(det.Scale) * 0.1
	return &types.FaceLandmarks{
		Mouth:    MouthOutline(mouthLeft, mouthRight, top, bottom),
		LeftEye:  EyeOutline(toPoint(left), eyeRadius),
		RightEye: EyeOutline(toPoint(right), eyeRadius),
	}
}

func found(pl *pigo.Puploc) bool {
	return pl != nil && pl.Row > 0 && pl.Col > 0
}

func toPoint(pl *pigo.Puploc) types.Point {
	return types.Point{X: float64(pl.Col), Y: float64(pl.Row)}
}

func zeroOrigin(img image.Image) image.Image {
	b := img.Bounds()
	if b.Min == (image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func (p *Pigo) Close() error {
	p.classifier, p.pupils, p.landmarks = nil, nil, nil
	return nil
}
