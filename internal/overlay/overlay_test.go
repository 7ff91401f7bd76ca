package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"testing"

	"github.com/andresmejia3/memeface/internal/types"
)

var background = color.RGBA{R: 0x80, G: 0xa0, B: 0x60, A: 0xff}

func testPhoto(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	return img
}

// testLandmarks builds a 68-point style face: 12 mouth points whose corners
// sit at mouth[0] and mouth[6], and 6 points per eye.
func testLandmarks(mouthLeft, mouthRight, leftA, leftB, rightA, rightB types.Point) *types.FaceLandmarks {
	mouth := make([]types.Point, 12)
	for i := range mouth {
		mouth[i] = mouthLeft.Midpoint(mouthRight)
	}
	mouth[0], mouth[6] = mouthLeft, mouthRight

	eye := func(a, b types.Point) []types.Point {
		pts := make([]types.Point, 6)
		for i := range pts {
			pts[i] = a.Midpoint(b)
		}
		pts[0], pts[3] = a, b
		return pts
	}
	return &types.FaceLandmarks{
		Mouth:    mouth,
		LeftEye:  eye(leftA, leftB),
		RightEye: eye(rightA, rightB),
	}
}

func defaultLandmarks() *types.FaceLandmarks {
	return testLandmarks(
		types.Point{X: 100, Y: 200}, types.Point{X: 140, Y: 200},
		types.Point{X: 50, Y: 80}, types.Point{X: 60, Y: 80},
		types.Point{X: 180, Y: 80}, types.Point{X: 190, Y: 80},
	)
}

func TestFeaturesGeometry(t *testing.T) {
	fs, err := Features(defaultLandmarks())
	if err != nil {
		t.Fatalf("Features failed: %v", err)
	}

	wantMustache := [2]Ellipse{
		{Center: types.Point{X: 95, Y: 190}, RadiusX: 25, RadiusY: 10},
		{Center: types.Point{X: 145, Y: 190}, RadiusX: 25, RadiusY: 10},
	}
	if fs.Mustache != wantMustache {
		t.Errorf("Mustache = %+v, want %+v", fs.Mustache, wantMustache)
	}

	wantLeft := types.Point{X: 55, Y: 80}
	if fs.Eyes[0].Sclera.Center != wantLeft || fs.Eyes[0].Pupil.Center != wantLeft {
		t.Errorf("left eye centered at %+v / %+v, want %+v", fs.Eyes[0].Sclera.Center, fs.Eyes[0].Pupil.Center, wantLeft)
	}
	if fs.Eyes[0].Sclera.Radius != 15 || fs.Eyes[0].Pupil.Radius != 5 {
		t.Errorf("eye radii = %v/%v, want 15/5", fs.Eyes[0].Sclera.Radius, fs.Eyes[0].Pupil.Radius)
	}
	wantRight := types.Point{X: 185, Y: 80}
	if fs.Eyes[1].Sclera.Center != wantRight {
		t.Errorf("right eye centered at %+v, want %+v", fs.Eyes[1].Sclera.Center, wantRight)
	}
}

func TestFeaturesUnevenMouth(t *testing.T) {
	lm := testLandmarks(
		types.Point{X: 100, Y: 210}, types.Point{X: 150, Y: 190},
		types.Point{X: 0, Y: 0}, types.Point{X: 10, Y: 10},
		types.Point{X: 20, Y: 0}, types.Point{X: 30, Y: 10},
	)
	fs, err := Features(lm)
	if err != nil {
		t.Fatal(err)
	}
	// midY = (210+190)/2 - 10
	if fs.Mustache[0].Center.Y != 190 || fs.Mustache[1].Center.Y != 190 {
		t.Errorf("mustache y = %v/%v, want 190", fs.Mustache[0].Center.Y, fs.Mustache[1].Center.Y)
	}
	if fs.Eyes[0].Sclera.Center != (types.Point{X: 5, Y: 5}) {
		t.Errorf("left eye center = %+v, want (5,5)", fs.Eyes[0].Sclera.Center)
	}
}

func TestFeaturesMalformed(t *testing.T) {
	full := defaultLandmarks()
	tests := []struct {
		name  string
		lm    *types.FaceLandmarks
		group string
	}{
		{"short mouth", &types.FaceLandmarks{Mouth: full.Mouth[:6], LeftEye: full.LeftEye, RightEye: full.RightEye}, "mouth"},
		{"empty mouth", &types.FaceLandmarks{LeftEye: full.LeftEye, RightEye: full.RightEye}, "mouth"},
		{"short left eye", &types.FaceLandmarks{Mouth: full.Mouth, LeftEye: full.LeftEye[:3], RightEye: full.RightEye}, "left eye"},
		{"short right eye", &types.FaceLandmarks{Mouth: full.Mouth, LeftEye: full.LeftEye, RightEye: full.RightEye[:1]}, "right eye"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Features(tt.lm)
			var me *MalformedLandmarksError
			if !errors.As(err, &me) {
				t.Fatalf("expected *MalformedLandmarksError, got %v", err)
			}
			if me.Group != tt.group {
				t.Errorf("Group = %q, want %q", me.Group, tt.group)
			}
		})
	}
}

func TestApplyFeaturesAbsentLandmarks(t *testing.T) {
	img := testPhoto(64, 48)
	before := append([]uint8(nil), img.Pix...)

	out, err := ApplyFeatures(img, nil)
	if err != nil {
		t.Fatalf("ApplyFeatures failed: %v", err)
	}
	if out != image.Image(img) {
		t.Error("absent landmarks should return the input image itself")
	}
	if !bytes.Equal(img.Pix, before) {
		t.Error("input pixels were modified")
	}
}

func TestApplyFeaturesPaintsPrimitives(t *testing.T) {
	img := testPhoto(240, 240)
	before := append([]uint8(nil), img.Pix...)

	out, err := ApplyFeatures(img, defaultLandmarks())
	if err != nil {
		t.Fatalf("ApplyFeatures failed: %v", err)
	}
	if !bytes.Equal(img.Pix, before) {
		t.Fatal("ApplyFeatures must not write to its input")
	}

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"left mustache center", 95, 190, MustacheColor},
		{"right mustache center", 145, 190, MustacheColor},
		{"left mustache inside x radius", 75, 190, MustacheColor},
		{"above mustache", 95, 175, background},
		{"left pupil", 55, 80, PupilColor},
		{"left sclera ring", 65, 80, ScleraColor},
		{"left sclera ring vertical", 55, 70, ScleraColor},
		{"outside left eye", 75, 80, background},
		{"right pupil", 185, 80, PupilColor},
		{"right sclera ring", 175, 80, ScleraColor},
		{"far corner", 5, 235, background},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := color.RGBAModel.Convert(out.At(tt.x, tt.y)).(color.RGBA)
			if got != tt.want {
				t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestApplyFeaturesDeterministic(t *testing.T) {
	img := testPhoto(240, 240)
	lm := defaultLandmarks()

	a, err := ApplyFeatures(img, lm)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ApplyFeatures(img, lm)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.(*image.RGBA).Pix, b.(*image.RGBA).Pix) {
		t.Error("identical input produced different pixels")
	}
}

func TestApplyFeaturesNonZeroOrigin(t *testing.T) {
	full := testPhoto(300, 300)
	sub := full.SubImage(image.Rect(20, 20, 260, 260))

	out, err := ApplyFeatures(sub, defaultLandmarks())
	if err != nil {
		t.Fatal(err)
	}
	if out.Bounds() != image.Rect(0, 0, 240, 240) {
		t.Fatalf("bounds = %v, want zero-based 240x240", out.Bounds())
	}
	got := color.RGBAModel.Convert(out.At(55, 80)).(color.RGBA)
	if got != PupilColor {
		t.Errorf("pupil pixel = %v, want %v", got, PupilColor)
	}
}

type fakeDetector struct {
	lm  *types.FaceLandmarks
	err error
}

func (f fakeDetector) DetectOne(ctx context.Context, img image.Image) (*types.FaceLandmarks, error) {
	return f.lm, f.err
}

func TestGenerateFallbacks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	img := testPhoto(240, 240)
	short := defaultLandmarks()
	short.Mouth = short.Mouth[:5]

	tests := []struct {
		name      string
		det       Detector
		decorated bool
	}{
		{"no detector", nil, false},
		{"detector error", fakeDetector{err: errors.New("inference crashed")}, false},
		{"no face", fakeDetector{}, false},
		{"malformed landmarks", fakeDetector{lm: short}, false},
		{"face", fakeDetector{lm: defaultLandmarks()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Generate(context.Background(), tt.det, img, logger)
			if res.Decorated() != tt.decorated {
				t.Fatalf("Decorated() = %v, want %v", res.Decorated(), tt.decorated)
			}
			if !tt.decorated && res.Image != image.Image(img) {
				t.Error("fallback should hand back the unmodified photo")
			}
		})
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testPhoto(8, 8)); err != nil {
		t.Fatal(err)
	}
	img, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	url, err := EncodeDataURL(img)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix([]byte(url), []byte("data:image/jpeg;base64,")) {
		t.Errorf("unexpected data URL prefix: %.30s", url)
	}
	back, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("DecodeDataURL failed: %v", err)
	}
	if back.Bounds() != img.Bounds() {
		t.Errorf("bounds = %v, want %v", back.Bounds(), img.Bounds())
	}

	for _, bad := range []string{"hello", "data:image/png;base64", "data:image/png;base64,!!!"} {
		if _, err := DecodeDataURL(bad); err == nil {
			t.Errorf("DecodeDataURL(%q) should fail", bad)
		}
	}
}
