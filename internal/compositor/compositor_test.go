package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/types"
)

var (
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	blue  = color.RGBA{B: 0xff, A: 0xff}
	red   = color.RGBA{R: 0xff, A: 0xff}
)

// manualScheduler runs callbacks only when the test says so.
type manualScheduler struct {
	posts  []func()
	frames []func()
}

func (m *manualScheduler) RequestFrame(fn func()) { m.frames = append(m.frames, fn) }
func (m *manualScheduler) Post(fn func())         { m.posts = append(m.posts, fn) }

func (m *manualScheduler) flush() {
	for len(m.posts) > 0 {
		fn := m.posts[0]
		m.posts = m.posts[1:]
		fn()
	}
}

func (m *manualScheduler) tick() {
	m.flush()
	frames := m.frames
	m.frames = nil
	for _, fn := range frames {
		fn()
	}
}

type fakeVideo struct {
	w, h      int
	ready     bool
	listeners map[int]func()
	nextID    int
	t         float64
	paused    bool
	ended     bool
	playErr   error
	draws     int
}

func newFakeVideo(w, h int) *fakeVideo {
	return &fakeVideo{w: w, h: h, paused: true, listeners: map[int]func(){}}
}

func (v *fakeVideo) Ready() bool { return v.ready }

func (v *fakeVideo) OnReady(fn func()) func() {
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return func() { delete(v.listeners, id) }
}

func (v *fakeVideo) becomeReady() {
	v.ready = true
	for _, fn := range v.listeners {
		fn()
	}
}

func (v *fakeVideo) Size() (int, int)     { return v.w, v.h }
func (v *fakeVideo) CurrentTime() float64 { return v.t }
func (v *fakeVideo) Paused() bool         { return v.paused }
func (v *fakeVideo) Ended() bool          { return v.ended }

func (v *fakeVideo) DrawFrame(dst draw.Image, r image.Rectangle) {
	v.draws++
	draw.Draw(dst, r, image.NewUniform(blue), image.Point{}, draw.Src)
}

func (v *fakeVideo) Play() error {
	if v.playErr != nil {
		return v.playErr
	}
	v.paused = false
	return nil
}

type staticSource struct {
	t   *track.HeadTrack
	err error
}

func (s staticSource) Fetch(ctx context.Context) (*track.HeadTrack, error) { return s.t, s.err }
func (s staticSource) String() string                                    { return "static" }

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func testTrack(t *testing.T, fps float64) *track.HeadTrack {
	t.Helper()
	tr, err := track.New([]types.HeadBox{
		{FrameIndex: 0, X: 10, Y: 10, Width: 50, Height: 50},
		{FrameIndex: 30, X: 10, Y: 10, Width: 50, Height: 50},
	}, fps, "test")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func pixel(c *Canvas, x, y int) color.RGBA {
	r, g, b, a := c.At(x, y)
	return color.RGBA{R: r, G: g, B: b, A: a}
}

func TestFrameIndex(t *testing.T) {
	tests := []struct {
		t    float64
		want int
	}{
		{0, 0},
		{0.033, 0},
		{0.034, 1},
		{1.0, 30},
		{-1, 0},
		{10.5, 315},
	}
	for _, tt := range tests {
		if got := FrameIndex(tt.t); got != tt.want {
			t.Errorf("FrameIndex(%v) = %d, want %d", tt.t, got, tt.want)
		}
	}
	if got := FrameIndexAt(0.5, 60); got != 30 {
		t.Errorf("FrameIndexAt(0.5, 60) = %d, want 30", got)
	}
	if got := FrameIndexAt(1, 0); got != 30 {
		t.Errorf("FrameIndexAt with no rate = %d, want the 30 fps default", got)
	}
}

func TestSubstituteRect(t *testing.T) {
	got := SubstituteRect(types.Box{X: 10, Y: 10, Width: 50, Height: 50})
	want := Rect{X: 5, Y: 5, Width: 60, Height: 60}
	if got != want {
		t.Errorf("SubstituteRect = %+v, want %+v", got, want)
	}
}

func TestSessionLifecycle(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(100, 80)
	comp := New(sched, quiet)

	s, err := comp.Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(10, 10, red), Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.State() != Idle || canvas.Owner() != "" {
		t.Fatal("nothing should happen before the display runs the activation")
	}

	sched.flush()
	if s.State() != AwaitingReady {
		t.Fatalf("state = %v, want awaiting-ready", s.State())
	}
	if canvas.Owner() != s.ID() {
		t.Error("session should own the canvas")
	}
	if vid.paused {
		t.Error("Play should have been called")
	}

	vid.becomeReady()
	sched.flush()
	if s.State() != Drawing {
		t.Fatalf("state = %v, want drawing", s.State())
	}
	if canvas.Bounds() != image.Rect(0, 0, 100, 80) {
		t.Errorf("canvas bounds = %v, want video size", canvas.Bounds())
	}
	if len(vid.listeners) != 0 {
		t.Error("ready listener should be removed once fired")
	}

	// Frame 0 has a box: substitute covers (5,5)-(65,65).
	checks := []struct {
		x, y int
		want color.RGBA
	}{
		{35, 35, red},
		{62, 62, red},
		{2, 2, blue},
		{68, 68, blue},
		{90, 70, blue},
	}
	for _, c := range checks {
		if got := pixel(canvas, c.x, c.y); got != c.want {
			t.Errorf("frame 0 pixel (%d,%d) = %v, want %v", c.x, c.y, got, c.want)
		}
	}

	// Frame 15 is a gap: only the video is drawn.
	vid.t = 0.5
	sched.tick()
	if got := pixel(canvas, 35, 35); got != blue {
		t.Errorf("gap frame pixel = %v, want video only", got)
	}

	vid.t = 1.0
	sched.tick()
	if got := pixel(canvas, 35, 35); got != red {
		t.Errorf("frame 30 pixel = %v, want substitute", got)
	}

	vid.ended = true
	sched.tick()
	if s.State() != Stopped {
		t.Fatalf("state = %v, want stopped after the video ended", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed")
	}
	if len(sched.frames) != 0 {
		t.Error("a stopped session must not reschedule")
	}

	want := Stats{Frames: 4, Overlays: 3, Misses: 1}
	if got := s.Stats(); got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestDeclaredFrameRate(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(100, 80)
	vid.ready = true
	vid.t = 0.5 // frame 30 at 60 fps, a gap at 30 fps

	s, err := New(sched, quiet).Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(4, 4, red), Track: staticSource{t: testTrack(t, 60)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()
	if got := s.Stats(); got.Overlays != 1 {
		t.Errorf("Stats = %+v, want the 60 fps frame to match", got)
	}
}

func TestStopBeforeReady(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(100, 80)
	comp := New(sched, quiet)

	s, err := comp.Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(4, 4, red), Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()

	comp.Stop()
	sched.flush()
	if s.State() != Stopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	if len(vid.listeners) != 0 {
		t.Error("Stop should deregister the ready listener")
	}

	vid.becomeReady()
	sched.tick()
	if vid.draws != 0 || !canvas.Bounds().Empty() {
		t.Error("a stopped session must not touch the canvas")
	}
}

func TestReadyAfterStopIsNoop(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(100, 80)

	s, err := New(sched, quiet).Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(4, 4, red), Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()

	vid.becomeReady() // queues the ready callback
	s.Stop()
	sched.tick()
	if vid.draws != 0 || s.Stats().Frames != 0 {
		t.Error("queued ready callback ran after Stop")
	}
}

func TestNewSessionTakesOverCanvas(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	comp := New(sched, quiet)
	tr := staticSource{t: testTrack(t, 0)}

	v1 := newFakeVideo(100, 80)
	v1.ready = true
	s1, err := comp.Start(context.Background(), Request{Video: v1, Canvas: canvas, Substitute: solid(4, 4, red), Track: tr})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()
	if s1.State() != Drawing {
		t.Fatalf("s1 state = %v, want drawing", s1.State())
	}

	v2 := newFakeVideo(120, 90)
	v2.ready = true
	s2, err := comp.Start(context.Background(), Request{Video: v2, Canvas: canvas, Substitute: solid(4, 4, red), Track: tr})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()

	if s1.State() != Stopped {
		t.Errorf("s1 state = %v, want stopped", s1.State())
	}
	if canvas.Owner() != s2.ID() {
		t.Error("s2 should own the canvas")
	}

	before := s1.Stats().Frames
	sched.tick() // s1's pending frame callback fires here
	if s1.Stats().Frames != before {
		t.Error("superseded session drew a frame")
	}
	if s2.Stats().Frames != 2 {
		t.Errorf("s2 frames = %d, want 2", s2.Stats().Frames)
	}
	if canvas.Bounds() != image.Rect(0, 0, 120, 90) {
		t.Errorf("canvas bounds = %v, want s2's video size", canvas.Bounds())
	}
}

func TestDrawWithoutOwnershipIsNoop(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(10, 10)
	vid.ready = true

	s, err := New(sched, quiet).Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(4, 4, red), Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.flush()
	canvas.claim("someone-else")
	sched.tick()
	if s.Stats().Frames != 1 {
		t.Errorf("frames = %d, want only the first draw", s.Stats().Frames)
	}
	if s.State() != Stopped {
		t.Errorf("state = %v, want stopped after losing the canvas", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after losing the canvas")
	}
	if canvas.Owner() != "someone-else" {
		t.Errorf("owner = %q, the new owner must keep the canvas", canvas.Owner())
	}
	sched.tick()
	if s.Stats().Frames != 1 {
		t.Errorf("frames = %d after stop", s.Stats().Frames)
	}
}

func TestAutoplayFailureStillDrawsFirstFrame(t *testing.T) {
	sched := &manualScheduler{}
	canvas := NewCanvas()
	vid := newFakeVideo(10, 10)
	vid.ready = true
	vid.playErr = errors.New("autoplay blocked")

	s, err := New(sched, quiet).Start(context.Background(), Request{
		Video: vid, Canvas: canvas, Substitute: solid(4, 4, red), Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.tick()
	if s.Stats().Frames != 1 || s.State() != Stopped {
		t.Errorf("frames = %d state = %v, want one frame then stopped", s.Stats().Frames, s.State())
	}
}

func TestSubstituteFromDataURL(t *testing.T) {
	url, err := overlay.EncodeDataURL(solid(8, 8, red))
	if err != nil {
		t.Fatal(err)
	}
	sched := &manualScheduler{}
	vid := newFakeVideo(100, 80)
	vid.ready = true

	s, err := New(sched, quiet).Start(context.Background(), Request{
		Video: vid, Canvas: NewCanvas(), SubstituteURL: url, Track: staticSource{t: testTrack(t, 0)},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sched.flush()
	if s.Stats().Overlays != 1 {
		t.Errorf("Stats = %+v, want one overlay", s.Stats())
	}
}

func TestStartSetupErrors(t *testing.T) {
	good := staticSource{t: &track.HeadTrack{}}
	tests := []struct {
		name     string
		req      func(v Video, c *Canvas) Request
		loadErr  bool
		resource string
	}{
		{"no video", func(v Video, c *Canvas) Request {
			return Request{Canvas: c, Substitute: solid(2, 2, red), Track: good}
		}, false, "video"},
		{"no canvas", func(v Video, c *Canvas) Request {
			return Request{Video: v, Substitute: solid(2, 2, red), Track: good}
		}, false, "canvas"},
		{"no image", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, Track: good}
		}, false, "substitute image"},
		{"bad data url", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, SubstituteURL: "data:image/png;base64,AAAA", Track: good}
		}, false, "substitute image"},
		{"empty image", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, Substitute: image.NewRGBA(image.Rectangle{}), Track: good}
		}, false, "substitute image"},
		{"track unreachable", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, Substitute: solid(2, 2, red), Track: staticSource{err: errors.New("connection refused")}}
		}, true, ""},
		{"source returns no track", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, Substitute: solid(2, 2, red), Track: staticSource{}}
		}, true, ""},
		{"no track source", func(v Video, c *Canvas) Request {
			return Request{Video: v, Canvas: c, Substitute: solid(2, 2, red)}
		}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &manualScheduler{}
			canvas := NewCanvas()
			vid := newFakeVideo(10, 10)

			s, err := New(sched, quiet).Start(context.Background(), tt.req(vid, canvas))
			if s != nil || err == nil {
				t.Fatalf("Start = %v, %v; want an error", s, err)
			}
			if tt.loadErr {
				var le *track.LoadError
				if !errors.As(err, &le) {
					t.Errorf("expected *track.LoadError, got %v", err)
				}
			} else {
				var de *DrawSetupError
				if !errors.As(err, &de) {
					t.Fatalf("expected *DrawSetupError, got %v", err)
				}
				if de.Resource != tt.resource {
					t.Errorf("Resource = %q, want %q", de.Resource, tt.resource)
				}
			}

			sched.tick()
			if len(sched.posts) != 0 || canvas.Owner() != "" || !canvas.Bounds().Empty() || vid.draws != 0 {
				t.Error("a failed setup must leave the canvas untouched")
			}
		})
	}
}

func TestDisplayRunsCallbacks(t *testing.T) {
	d := NewDisplay(500, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	posted := make(chan struct{})
	framed := make(chan struct{})
	d.Post(func() {
		close(posted)
		// Requests from the display goroutine itself must not deadlock.
		d.RequestFrame(func() { close(framed) })
	})

	for name, ch := range map[string]chan struct{}{"post": posted, "frame": framed} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s callback never ran", name)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCanvasDrawImageFractional(t *testing.T) {
	c := NewCanvas()
	c.Resize(20, 20)
	c.DrawImage(solid(3, 3, red), Rect{X: 4.5, Y: 4.5, Width: 9, Height: 9})

	if got := pixel(c, 9, 9); got != red {
		t.Errorf("center pixel = %v, want red", got)
	}
	if got := pixel(c, 2, 2); got != (color.RGBA{}) {
		t.Errorf("outside pixel = %v, want untouched", got)
	}
	snap := c.Snapshot()
	c.Resize(20, 20)
	if snap.RGBAAt(9, 9) != red {
		t.Error("Snapshot should be independent of later draws")
	}
}
