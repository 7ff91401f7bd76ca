// Package overlay draws cartoon facial features onto a still photo from its
// detected landmarks.
package overlay

import (
	"fmt"
	"image/color"

	"github.com/andresmejia3/memeface/internal/types"
)

// Feature geometry, in still-image pixels.
const (
	MustacheRadiusX = 25.0
	MustacheRadiusY = 10.0
	mustacheSpread  = 5.0
	mustacheLift    = 10.0

	ScleraRadius = 15.0
	PupilRadius  = 5.0
)

// Mouth and eye points the geometry reads, 68-point layout.
const (
	mouthLeftCorner  = 0
	mouthRightCorner = 6
	eyeCornerA       = 0
	eyeCornerB       = 3
)

var (
	MustacheColor = color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	ScleraColor   = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	PupilColor    = color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
)

// MalformedLandmarksError means the detector returned a point group too short
// to index. It is a detector contract violation, not a user error.
type MalformedLandmarksError struct {
	Group string
	Need  int
	Got   int
}

func (e *MalformedLandmarksError) Error() string {
	return fmt.Sprintf("malformed landmarks: %s has %d points, need at least %d", e.Group, e.Got, e.Need)
}

// Ellipse is a filled ellipse; Rotation is in radians.
type Ellipse struct {
	Center   types.Point
	RadiusX  float64
	RadiusY  float64
	Rotation float64
}

// Circle is a filled circle.
type Circle struct {
	Center types.Point
	Radius float64
}

// Eye is a sclera with a pupil painted over it.
type Eye struct {
	Sclera Circle
	Pupil  Circle
}

// FeatureSet is every primitive drawn for one face, in paint order:
// both mustache halves, then each eye's sclera, then each eye's pupil.
type FeatureSet struct {
	Mustache [2]Ellipse
	Eyes     [2]Eye
}

// Features computes the primitives for lm without touching any pixels.
func Features(lm *types.FaceLandmarks) (FeatureSet, error) {
	var fs FeatureSet
	if lm == nil {
		return fs, &MalformedLandmarksError{Group: "face", Need: 1}
	}
	if err := need("mouth", lm.Mouth, mouthRightCorner+1); err != nil {
		return fs, err
	}
	if err := need("left eye", lm.LeftEye, eyeCornerB+1); err != nil {
		return fs, err
	}
	if err := need("right eye", lm.RightEye, eyeCornerB+1); err != nil {
		return fs, err
	}

	left, right := lm.Mouth[mouthLeftCorner], lm.Mouth[mouthRightCorner]
	midY := (left.Y+right.Y)/2 - mustacheLift
	fs.Mustache[0] = Ellipse{
		Center:  types.Point{X: left.X - mustacheSpread, Y: midY},
		RadiusX: MustacheRadiusX,
		RadiusY: MustacheRadiusY,
	}
	fs.Mustache[1] = Ellipse{
		Center:  types.Point{X: right.X + mustacheSpread, Y: midY},
		RadiusX: MustacheRadiusX,
		RadiusY: MustacheRadiusY,
	}

	for i, eye := range [2][]types.Point{lm.LeftEye, lm.RightEye} {
		c := eye[eyeCornerA].Midpoint(eye[eyeCornerB])
		fs.Eyes[i] = Eye{
			Sclera: Circle{Center: c, Radius: ScleraRadius},
			Pupil:  Circle{Center: c, Radius: PupilRadius},
		}
	}
	return fs, nil
}

func need(group string, pts []types.Point, n int) error {
	if len(pts) < n {
		return &MalformedLandmarksError{Group: group, Need: n, Got: len(pts)}
	}
	return nil
}
