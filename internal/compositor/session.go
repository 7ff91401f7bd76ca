package compositor

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/memeface/internal/track"
)

// Video is the background clip being played.
type Video interface {
	// Ready reports whether frame data is available.
	Ready() bool
	// OnReady registers fn to run (on any goroutine) when frame data becomes
	// available. The returned func removes the listener.
	OnReady(fn func()) (remove func())
	// Size returns the intrinsic frame size.
	Size() (w, h int)
	// CurrentTime returns the playback position in seconds.
	CurrentTime() float64
	Paused() bool
	Ended() bool
	// DrawFrame paints the current frame into r of dst.
	DrawFrame(dst draw.Image, r image.Rectangle)
	// Play starts playback.
	Play() error
}

// State is the lifecycle stage of a Session.
type State int32

const (
	Idle State = iota
	AwaitingReady
	Drawing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReady:
		return "awaiting-ready"
	case Drawing:
		return "drawing"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Stats counts what a session drew.
type Stats struct {
	Frames   int // video frames painted
	Overlays int // frames that also got the substitute face
	Misses   int // frames with no head box in the track
}

// Session binds one substitute image and one head track to a video and a
// canvas. Start, Stop and the draw step must run on the display goroutine;
// ID, State, Stats and Done are safe from anywhere.
type Session struct {
	id         string
	video      Video
	canvas     *Canvas
	track      *track.HeadTrack
	substitute image.Image
	sched      Scheduler
	logger     *slog.Logger

	state       atomic.Int32
	removeReady func()

	statsMu sync.Mutex
	stats   Stats

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(video Video, canvas *Canvas, t *track.HeadTrack, substitute image.Image, sched Scheduler, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		video:      video,
		canvas:     canvas,
		track:      t,
		substitute: substitute,
		sched:      sched,
		logger:     logger.With("session", id[:8]),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Start waits for the video to have frame data, then begins drawing.
func (s *Session) Start() {
	if s.State() != Idle {
		return
	}
	s.state.Store(int32(AwaitingReady))
	if s.video.Ready() {
		s.sched.Post(s.onReady)
		return
	}
	s.removeReady = s.video.OnReady(func() { s.sched.Post(s.onReady) })
	s.logger.Debug("waiting for video data")
}

func (s *Session) onReady() {
	if s.State() != AwaitingReady {
		return
	}
	s.dropListener()
	s.state.Store(int32(Drawing))

	w, h := s.video.Size()
	s.canvas.Resize(w, h)
	s.logger.Debug("video ready, drawing", "width", w, "height", h)
	s.draw()
}

func (s *Session) draw() {
	if s.State() != Drawing {
		return
	}
	if s.canvas.Owner() != s.id {
		s.logger.Debug("canvas taken by another session, stopping")
		s.finish()
		return
	}

	s.canvas.drawVideo(s.video)
	frame := FrameIndexAt(s.video.CurrentTime(), s.track.FrameRate())
	box, ok := s.track.Get(frame)
	if ok {
		s.canvas.DrawImage(s.substitute, SubstituteRect(box.Box()))
	}

	s.statsMu.Lock()
	s.stats.Frames++
	if ok {
		s.stats.Overlays++
	} else {
		s.stats.Misses++
	}
	s.statsMu.Unlock()

	if s.video.Paused() || s.video.Ended() {
		s.logger.Debug("playback finished", "frame", frame)
		s.finish()
		return
	}
	s.sched.RequestFrame(s.draw)
}

// Stop ends the session. A draw already scheduled becomes a no-op.
func (s *Session) Stop() {
	if s.State() == Stopped {
		return
	}
	s.dropListener()
	s.finish()
}

func (s *Session) dropListener() {
	if s.removeReady != nil {
		s.removeReady()
		s.removeReady = nil
	}
}

func (s *Session) finish() {
	s.state.Store(int32(Stopped))
	s.canvas.release(s.id)
	s.doneOnce.Do(func() { close(s.done) })
}
