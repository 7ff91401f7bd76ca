// Package video plays a clip through an ffmpeg decoder pipe and exposes it as
// a compositor.Video.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/memeface/internal/utils"
)

// startFunc opens the raw RGBA frame stream. wait reaps the producer.
type startFunc func(ctx context.Context) (frames io.ReadCloser, wait func() error, err error)

// Player decodes frames on its own goroutine into a pair of reused buffers.
// The display reads the front buffer; the decoder fills the back one and
// swaps them.
type Player struct {
	ctx    context.Context
	path   string
	info   utils.VideoInfo
	start  startFunc
	logger *slog.Logger

	mu        sync.RWMutex
	front     *image.RGBA
	back      *image.RGBA
	frames    int
	ready     bool
	playing   bool
	started   bool
	ended     bool
	err       error
	listeners map[int]func()
	nextID    int

	cancel context.CancelFunc
	done   chan struct{}
}

// Open probes the clip at path. Decoding starts on Play and stops when ctx
// is done or Close is called.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Player, error) {
	info, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	p := newPlayer(ctx, path, info, logger)
	p.start = p.ffmpeg
	return p, nil
}

func newPlayer(ctx context.Context, path string, info utils.VideoInfo, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Player{
		ctx:       ctx,
		path:      path,
		info:      info,
		logger:    logger.With("video", path),
		front:     image.NewRGBA(image.Rect(0, 0, info.Width, info.Height)),
		back:      image.NewRGBA(image.Rect(0, 0, info.Width, info.Height)),
		listeners: map[int]func(){},
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (p *Player) ffmpeg(ctx context.Context) (io.ReadCloser, func() error, error) {
	cmd := utils.NewFFmpegRawCmd(ctx, p.path, true)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	wait := func() error {
		if err := cmd.Wait(); err != nil {
			if cmd.Stderr.Len() > 0 {
				return fmt.Errorf("%w: %s", err, cmd.Stderr.String())
			}
			return err
		}
		return nil
	}
	return out, wait, nil
}

// Info returns the probed stream parameters.
func (p *Player) Info() utils.VideoInfo { return p.info }

func (p *Player) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Player) OnReady(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Player) Size() (int, int) { return p.info.Width, p.info.Height }

// CurrentTime returns the presentation time of the frame in the front buffer.
func (p *Player) CurrentTime() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.frames == 0 {
		return 0
	}
	return float64(p.frames-1) / p.info.FPS
}

// Frames returns how many frames have been decoded so far.
func (p *Player) Frames() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frames
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.playing
}

func (p *Player) Ended() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ended
}

// Done is closed when the decoder exits.
func (p *Player) Done() <-chan struct{} { return p.done }

// Err returns the decoder failure, if any.
func (p *Player) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *Player) DrawFrame(dst draw.Image, r image.Rectangle) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready {
		return
	}
	if r.Size() == p.front.Bounds().Size() {
		draw.Draw(dst, r, p.front, image.Point{}, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, r, p.front, p.front.Bounds(), draw.Src, nil)
}

// Play starts the decoder. A player plays once; Play after that is a no-op.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	if p.info.FPS <= 0 || p.info.Width <= 0 || p.info.Height <= 0 {
		return fmt.Errorf("cannot play %s: invalid stream parameters %+v", p.path, p.info)
	}
	p.started = true
	p.playing = true
	go p.decode()
	return nil
}

func (p *Player) decode() {
	defer close(p.done)

	err := p.run()
	if errors.Is(err, context.Canceled) || p.ctx.Err() != nil {
		err = nil
	}

	p.mu.Lock()
	p.playing = false
	p.ended = true
	p.err = err
	frames := p.frames
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("video decoding failed", "err", err, "frames", frames)
		return
	}
	p.logger.Debug("video ended", "frames", frames)
}

func (p *Player) run() error {
	r, wait, err := p.start(p.ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	frameSize := len(p.back.Pix)
	for {
		// back is only touched by this goroutine between swaps.
		if _, err := io.ReadFull(r, p.back.Pix[:frameSize]); err != nil {
			r.Close()
			werr := wait()
			if errors.Is(err, io.EOF) {
				return werr
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				p.logger.Warn("truncated final frame dropped")
				return werr
			}
			return errors.Join(err, werr)
		}

		p.mu.Lock()
		p.front, p.back = p.back, p.front
		p.frames++
		var fire []func()
		if !p.ready {
			p.ready = true
			for _, fn := range p.listeners {
				fire = append(fire, fn)
			}
		}
		p.mu.Unlock()

		for _, fn := range fire {
			fn()
		}
	}
}

// Close stops decoding and waits for the decoder to exit.
func (p *Player) Close() error {
	p.cancel()
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if started {
		<-p.done
	}
	return p.Err()
}
