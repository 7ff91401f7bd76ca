package compositor

import (
	"image"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Canvas is the output surface. At most one session owns it at a time; only
// the owner draws.
type Canvas struct {
	mu    sync.RWMutex
	img   *image.RGBA
	owner string
}

// NewCanvas returns an empty 0x0 canvas.
func NewCanvas() *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rectangle{})}
}

// Resize replaces the surface with a cleared w x h one.
func (c *Canvas) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.img = image.NewRGBA(image.Rect(0, 0, max(w, 0), max(h, 0)))
}

// Bounds returns the current surface bounds.
func (c *Canvas) Bounds() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img.Bounds()
}

// Owner returns the id of the session that owns the canvas, "" if none.
func (c *Canvas) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

func (c *Canvas) claim(id string) {
	c.mu.Lock()
	c.owner = id
	c.mu.Unlock()
}

func (c *Canvas) release(id string) {
	c.mu.Lock()
	if c.owner == id {
		c.owner = ""
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of the current surface.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// At returns the color at (x, y).
func (c *Canvas) At(x, y int) (r, g, b, a uint8) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !(image.Point{X: x, Y: y}.In(c.img.Bounds())) {
		return 0, 0, 0, 0
	}
	p := c.img.PixOffset(x, y)
	return c.img.Pix[p], c.img.Pix[p+1], c.img.Pix[p+2], c.img.Pix[p+3]
}

// drawVideo lets v paint the whole surface.
func (c *Canvas) drawVideo(v Video) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v.DrawFrame(c.img, c.img.Bounds())
}

// DrawImage scales src into r, composited over the current contents.
func (c *Canvas) DrawImage(src image.Image, r Rect) {
	sb := src.Bounds()
	if sb.Empty() || r.Width <= 0 || r.Height <= 0 {
		return
	}
	sx := r.Width / float64(sb.Dx())
	sy := r.Height / float64(sb.Dy())
	s2d := f64.Aff3{
		sx, 0, r.X - sx*float64(sb.Min.X),
		0, sy, r.Y - sy*float64(sb.Min.Y),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	draw.BiLinear.Transform(c.img, s2d, src, sb, draw.Over, nil)
}
