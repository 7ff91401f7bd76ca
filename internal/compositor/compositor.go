// Package compositor replays a video onto a canvas and pastes a substitute
// face wherever the head track says the head is.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/track"
)

// DrawSetupError means a session could not be set up because a required
// resource is missing or unusable.
type DrawSetupError struct {
	Resource string
	Err      error
}

func (e *DrawSetupError) Error() string {
	return fmt.Sprintf("draw setup: %s: %v", e.Resource, e.Err)
}

func (e *DrawSetupError) Unwrap() error { return e.Err }

// Request describes one playback.
type Request struct {
	Video  Video
	Canvas *Canvas
	// Substitute is the face to paste. When nil, SubstituteURL (a data URL)
	// is decoded instead.
	Substitute    image.Image
	SubstituteURL string
	Track         track.Source
}

// Compositor starts sessions and makes sure only the latest one draws.
type Compositor struct {
	sched  Scheduler
	logger *slog.Logger

	current *Session // display goroutine only
}

// New returns a compositor whose sessions run on sched.
func New(sched Scheduler, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{sched: sched, logger: logger}
}

// Start validates req, decodes the substitute and loads the head track, then
// hands the new session to the display goroutine, which stops the previous
// session, gives the canvas to the new one and starts playback. A setup
// failure returns before anything touches the canvas.
func (c *Compositor) Start(ctx context.Context, req Request) (*Session, error) {
	if req.Video == nil {
		return nil, &DrawSetupError{Resource: "video", Err: errors.New("no video element")}
	}
	if req.Canvas == nil {
		return nil, &DrawSetupError{Resource: "canvas", Err: errors.New("no canvas")}
	}

	sub := req.Substitute
	if sub == nil {
		if req.SubstituteURL == "" {
			return nil, &DrawSetupError{Resource: "substitute image", Err: errors.New("no image given")}
		}
		img, err := overlay.DecodeDataURL(req.SubstituteURL)
		if err != nil {
			return nil, &DrawSetupError{Resource: "substitute image", Err: err}
		}
		sub = img
	}
	if sub.Bounds().Empty() {
		return nil, &DrawSetupError{Resource: "substitute image", Err: errors.New("image is empty")}
	}

	t, err := track.Load(ctx, req.Track)
	if err != nil {
		c.logger.Error("head track unavailable, not starting playback", "err", err)
		return nil, err
	}
	c.logger.Info("head track loaded", "source", t.Source(), "frames", t.Len(), "fps", t.FrameRate())

	s := newSession(req.Video, req.Canvas, t, sub, c.sched, c.logger)
	c.sched.Post(func() {
		if c.current != nil {
			c.current.Stop()
		}
		c.current = s
		req.Canvas.claim(s.id)
		s.Start()
		if err := req.Video.Play(); err != nil {
			// Like a blocked autoplay: the first frame is still drawn.
			s.logger.Warn("video playback did not start", "err", err)
		}
	})
	return s, nil
}

// Stop stops the current session, if any.
func (c *Compositor) Stop() {
	c.sched.Post(func() {
		if c.current != nil {
			c.current.Stop()
			c.current = nil
		}
	})
}
