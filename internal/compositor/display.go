package compositor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs callbacks on the single display goroutine.
type Scheduler interface {
	// RequestFrame runs fn once, at the next display refresh.
	RequestFrame(fn func())
	// Post runs fn as soon as possible.
	Post(fn func())
}

// DefaultRefreshRate is the display refresh rate in Hz.
const DefaultRefreshRate = 60

// Display is a Scheduler backed by one goroutine and a refresh ticker.
type Display struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	posts  []func()
	frames []func()
	wake   chan struct{}
}

// NewDisplay returns a display refreshing at hz (DefaultRefreshRate if <= 0).
func NewDisplay(hz float64, logger *slog.Logger) *Display {
	if hz <= 0 {
		hz = DefaultRefreshRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		interval: time.Duration(float64(time.Second) / hz),
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

func (d *Display) RequestFrame(fn func()) {
	d.mu.Lock()
	d.frames = append(d.frames, fn)
	d.mu.Unlock()
}

func (d *Display) Post(fn func()) {
	d.mu.Lock()
	d.posts = append(d.posts, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the display until ctx is done. All callbacks run on the calling
// goroutine, one at a time.
func (d *Display) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Debug("display started", "interval", d.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.runPosts()
		case <-ticker.C:
			d.runPosts()
			d.mu.Lock()
			frames := d.frames
			d.frames = nil
			d.mu.Unlock()
			// Frames requested while these run wait for the next tick.
			for _, fn := range frames {
				fn()
			}
		}
	}
}

func (d *Display) runPosts() {
	for {
		d.mu.Lock()
		posts := d.posts
		d.posts = nil
		d.mu.Unlock()
		if len(posts) == 0 {
			return
		}
		for _, fn := range posts {
			fn()
		}
	}
}
