package compositor

import (
	"math"

	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/types"
)

// SubstituteScale enlarges the head box so the substitute face covers the
// whole head, hair included.
const SubstituteScale = 1.2

// FrameIndex maps a playback time in seconds to a head track frame at the
// default 30 fps.
func FrameIndex(t float64) int {
	return FrameIndexAt(t, track.DefaultFrameRate)
}

// FrameIndexAt maps a playback time to a frame at fps. Times before the start
// (or NaN) map to frame 0.
func FrameIndexAt(t, fps float64) int {
	if fps <= 0 {
		fps = track.DefaultFrameRate
	}
	if !(t > 0) {
		return 0
	}
	return int(math.Floor(t * fps))
}

// Rect is a destination rectangle in canvas pixels. Coordinates may be
// fractional and may extend past the canvas.
type Rect struct {
	X, Y, Width, Height float64
}

// SubstituteRect scales box by SubstituteScale about its center.
func SubstituteRect(box types.Box) Rect {
	w := box.Width * SubstituteScale
	h := box.Height * SubstituteScale
	return Rect{
		X:      box.X - (w-box.Width)/2,
		Y:      box.Y - (h-box.Height)/2,
		Width:  w,
		Height: h,
	}
}
