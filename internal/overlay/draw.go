package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"

	"github.com/andresmejia3/memeface/internal/types"
)

// kappa places cubic Bezier control points so four segments trace a quarter
// ellipse each.
const kappa = 0.5522847498307936

// ApplyFeatures paints the mustache and eyes for lm onto a copy of img.
// A nil lm means "no face found" and returns img itself, untouched.
// On malformed landmarks img is returned together with the error so callers
// can fall back to it.
func ApplyFeatures(img image.Image, lm *types.FaceLandmarks) (image.Image, error) {
	if lm == nil {
		return img, nil
	}
	fs, err := Features(lm)
	if err != nil {
		return img, err
	}

	// Coordinates are relative to the image origin, so normalize to a
	// zero-based canvas the size of the photo.
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	Paint(dst, fs)
	return dst, nil
}

// Paint fills every primitive of fs onto dst in paint order.
func Paint(dst *image.RGBA, fs FeatureSet) {
	p := newPainter(dst)
	for _, e := range fs.Mustache {
		p.fillEllipse(e, MustacheColor)
	}
	for _, eye := range fs.Eyes {
		p.fillCircle(eye.Sclera, ScleraColor)
	}
	for _, eye := range fs.Eyes {
		p.fillCircle(eye.Pupil, PupilColor)
	}
}

type painter struct {
	dst *image.RGBA
	z   *vector.Rasterizer
}

func newPainter(dst *image.RGBA) *painter {
	b := dst.Bounds()
	return &painter{dst: dst, z: vector.NewRasterizer(b.Dx(), b.Dy())}
}

func (p *painter) fillCircle(c Circle, col color.Color) {
	p.fillEllipse(Ellipse{Center: c.Center, RadiusX: c.Radius, RadiusY: c.Radius}, col)
}

func (p *painter) fillEllipse(e Ellipse, col color.Color) {
	b := p.dst.Bounds()
	p.z.Reset(b.Dx(), b.Dy())

	sin, cos := math.Sincos(e.Rotation)
	pt := func(ux, uy float64) (float32, float32) {
		x := e.Center.X + ux*e.RadiusX*cos - uy*e.RadiusY*sin - float64(b.Min.X)
		y := e.Center.Y + ux*e.RadiusX*sin + uy*e.RadiusY*cos - float64(b.Min.Y)
		return float32(x), float32(y)
	}

	// Unit-circle quadrants: right -> bottom -> left -> top.
	quads := [4][3][2]float64{
		{{1, kappa}, {kappa, 1}, {0, 1}},
		{{-kappa, 1}, {-1, kappa}, {-1, 0}},
		{{-1, -kappa}, {-kappa, -1}, {0, -1}},
		{{kappa, -1}, {1, -kappa}, {1, 0}},
	}
	p.z.MoveTo(pt(1, 0))
	for _, q := range quads {
		bx, by := pt(q[0][0], q[0][1])
		cx, cy := pt(q[1][0], q[1][1])
		dx, dy := pt(q[2][0], q[2][1])
		p.z.CubeTo(bx, by, cx, cy, dx, dy)
	}
	p.z.ClosePath()
	p.z.Draw(p.dst, b, image.NewUniform(col), image.Point{})
}
