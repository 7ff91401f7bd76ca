package types

// Point is a 2D position in the pixel space of the image it was measured on.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Midpoint returns the point halfway between p and q.
func (p Point) Midpoint(q Point) Point {
	return Point{X: (p.X + q.X) / 2, Y: (p.Y + q.Y) / 2}
}

// FaceLandmarks holds the named point groups of one detected face.
// Groups follow the 68-point layout: Mouth[0] and Mouth[6] are the lip corners,
// eye index 0 and 3 are the eye corners.
type FaceLandmarks struct {
	Mouth    []Point `json:"mouth"`
	LeftEye  []Point `json:"left_eye"`
	RightEye []Point `json:"right_eye"`
}

// Box is an axis-aligned rectangle given by its top-left corner and size.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Center returns the box center.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Face is a single detection: where the face is, how sure the detector was,
// and its landmarks when the backend produces them.
type Face struct {
	Box       Box
	Score     float64
	Landmarks *FaceLandmarks
}

// HeadBox is the recorded head position for one frame of the background video,
// in source-video pixels.
type HeadBox struct {
	FrameIndex int     `json:"frameIndex"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Box drops the frame index.
func (h HeadBox) Box() Box {
	return Box{X: h.X, Y: h.Y, Width: h.Width, Height: h.Height}
}

// FrameTask represents a single decoded frame sent to an engine for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// ErrorResult captures the error object returned by a worker process on failure
type ErrorResult struct {
	Error string `json:"error"`
}
