package cmd

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/memeface/internal/compositor"
	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/types"
)

// deadClip never produces a frame. done is closed when its decoder has exited.
type deadClip struct {
	done chan struct{}
	err  error
}

func (c *deadClip) Ready() bool                                 { return false }
func (c *deadClip) OnReady(fn func()) func()                    { return func() {} }
func (c *deadClip) Size() (int, int)                            { return 4, 4 }
func (c *deadClip) CurrentTime() float64                        { return 0 }
func (c *deadClip) Paused() bool                                { return true }
func (c *deadClip) Ended() bool                                 { return true }
func (c *deadClip) DrawFrame(dst draw.Image, r image.Rectangle) {}
func (c *deadClip) Play() error                                 { return nil }
func (c *deadClip) Frames() int                                 { return 0 }
func (c *deadClip) Done() <-chan struct{}                       { return c.done }
func (c *deadClip) Err() error                                  { return c.err }
func (c *deadClip) Close() error                                { return nil }

type fixedSource struct{ t *track.HeadTrack }

func (s fixedSource) Fetch(ctx context.Context) (*track.HeadTrack, error) { return s.t, nil }
func (s fixedSource) String() string                                    { return "fixed" }

// runPlayOnce plays c once on a live display and fails the test if playOnce
// does not return within a few seconds.
func runPlayOnce(t *testing.T, ctx context.Context, c clip) error {
	t.Helper()
	prev := openClip
	openClip = func(ctx context.Context, path string) (clip, error) { return c, nil }
	t.Cleanup(func() { openClip = prev })

	tr, err := track.New([]types.HeadBox{{FrameIndex: 0, X: 0, Y: 0, Width: 2, Height: 2}}, 0, "fixed")
	if err != nil {
		t.Fatal(err)
	}

	displayCtx, stop := context.WithCancel(context.Background())
	defer stop()
	display := compositor.NewDisplay(120, nil)
	go display.Run(displayCtx)

	res := overlay.Result{Image: image.NewRGBA(image.Rect(0, 0, 2, 2))}
	opts := PlayOptions{VideoPath: "clip.mp4", Loops: 1}

	errc := make(chan error, 1)
	go func() {
		_, err := playOnce(ctx, compositor.New(display, nil), compositor.NewCanvas(), res, fixedSource{t: tr}, opts, 1, -1)
		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("playOnce did not return")
		return nil
	}
}

func TestPlayOnceDecoderFailsBeforeFirstFrame(t *testing.T) {
	c := &deadClip{done: make(chan struct{}), err: errors.New("moov atom not found")}
	close(c.done)

	err := runPlayOnce(t, context.Background(), c)
	if err == nil || !strings.Contains(err.Error(), "moov atom not found") {
		t.Errorf("err = %v, want the decoder failure", err)
	}
}

func TestPlayOnceDecoderProducesNothing(t *testing.T) {
	c := &deadClip{done: make(chan struct{})}
	close(c.done)

	err := runPlayOnce(t, context.Background(), c)
	if err == nil || !strings.Contains(err.Error(), "no frames") {
		t.Errorf("err = %v, want a no-frames error", err)
	}
}

func TestPlayOnceCancelled(t *testing.T) {
	c := &deadClip{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := runPlayOnce(t, ctx, c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDecorationSummary(t *testing.T) {
	mouth := []types.Point{{X: 100, Y: 200}, {}, {}, {}, {}, {}, {X: 140, Y: 210}}
	lm := &types.FaceLandmarks{
		Mouth:    mouth,
		LeftEye:  []types.Point{{X: 80, Y: 100}, {}, {}, {X: 110, Y: 100}},
		RightEye: []types.Point{{X: 150, Y: 100}, {}, {}, {X: 180, Y: 100}},
	}
	fs, err := overlay.Features(lm)
	if err != nil {
		t.Fatal(err)
	}

	got := decorationSummary(overlay.Result{Landmarks: lm, Features: &fs})
	if !strings.Contains(got, "mouth at 120,205") {
		t.Errorf("summary = %q, want the mouth center", got)
	}

	got = decorationSummary(overlay.Result{})
	if !strings.Contains(got, "No face features") {
		t.Errorf("undecorated summary = %q", got)
	}
}
