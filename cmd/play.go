package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/memeface/internal/compositor"
	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/utils"
	"github.com/andresmejia3/memeface/internal/video"
)

// PlayOptions holds the flags of the play command.
type PlayOptions struct {
	Still       stillOptions
	VideoPath   string
	Track       string
	Loops       int
	RefreshRate float64
}

var playOpts PlayOptions

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Decorate a face photo and play it over the head-tracked clip",
	Long: `Detects the face in a photo (file, data URL or camera), draws a mustache and
cartoon eyes on it, then replays the background clip while pasting the
decorated face wherever the head track places the head.

Head track locations: a file path, an http(s) URL, or db:<asset> for a track
imported into PostgreSQL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := playOpts
		applyPlayDefaults(cmd, &opts)
		if err := validatePlayOptions(opts); err != nil {
			return err
		}
		return runPlay(cmd.Context(), opts)
	},
}

func init() {
	f := playCmd.Flags()
	f.StringVarP(&playOpts.Still.Image, "image", "i", "", "Face photo: a file path or a data: URL")
	f.StringVar(&playOpts.Still.Camera, "camera", "", "Capture the photo from this camera device instead (e.g. /dev/video0)")
	f.StringVar(&playOpts.Still.Format, "camera-format", "", "ffmpeg input format of the camera (default from config)")
	f.DurationVar(&playOpts.Still.Delay, "capture-delay", 0, "Wait before grabbing the camera frame (default from config)")
	f.StringVar(&playOpts.VideoPath, "video", "", "Background clip (default from config)")
	f.StringVarP(&playOpts.Track, "track", "t", "", "Head track location (default from config)")
	f.IntVarP(&playOpts.Loops, "loops", "l", 1, "Number of times to play the clip")
	f.Float64Var(&playOpts.RefreshRate, "refresh", 0, "Display refresh rate in Hz (default from config)")
	rootCmd.AddCommand(playCmd)
}

// applyPlayDefaults fills options the user did not set from the config.
func applyPlayDefaults(cmd *cobra.Command, o *PlayOptions) {
	if o.VideoPath == "" {
		o.VideoPath = cfg.Playback.Video
	}
	if o.Track == "" {
		o.Track = cfg.Playback.Track
	}
	if o.RefreshRate == 0 {
		o.RefreshRate = cfg.Playback.RefreshRate
	}
	if o.Still.Format == "" {
		o.Still.Format = cfg.Camera.Format
	}
	if !cmd.Flags().Changed("capture-delay") {
		o.Still.Delay = cfg.Camera.Delay
	}
}

// validatePlayOptions ensures all CLI arguments are valid before starting heavy processes.
func validatePlayOptions(o PlayOptions) error {
	if err := o.Still.validate(); err != nil {
		return err
	}
	if o.Still.Camera == "" && !isDataURL(o.Still.Image) {
		if err := checkFile(o.Still.Image, "image"); err != nil {
			return err
		}
	}
	if err := checkFile(o.VideoPath, "video"); err != nil {
		return err
	}
	if o.Track == "" {
		return errors.New("a head track location is required")
	}
	if o.Loops < 1 {
		return fmt.Errorf("loops must be >= 1, got %d", o.Loops)
	}
	if o.RefreshRate <= 0 {
		return fmt.Errorf("refresh rate must be positive, got %v", o.RefreshRate)
	}
	return nil
}

func runPlay(ctx context.Context, opts PlayOptions) error {
	// 1. Face photo
	still, err := readStill(ctx, opts.Still)
	if err != nil {
		return fmt.Errorf("failed to load face photo: %w", err)
	}

	// 2. Detection + overlay, degrading to the plain photo
	det := newDetector(ctx, 0)
	defer det.Close()
	res := overlay.Generate(ctx, det, still, slog.Default())
	fmt.Fprintln(os.Stderr, decorationSummary(res))

	src, err := trackSource(ctx, opts.Track)
	if err != nil {
		return err
	}

	// 3. Display thread
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	display := compositor.NewDisplay(opts.RefreshRate, slog.Default())
	go display.Run(ctx)

	comp := compositor.New(display, slog.Default())
	canvas := compositor.NewCanvas()

	totalFrames := utils.GetTotalFrames(ctx, opts.VideoPath)
	if totalFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalFrames = -1
	}

	// 4. Playback loops, each a fresh session
	var total compositor.Stats
	for loop := 1; loop <= opts.Loops; loop++ {
		stats, err := playOnce(ctx, comp, canvas, res, src, opts, loop, totalFrames)
		if err != nil {
			return err
		}
		total.Frames += stats.Frames
		total.Overlays += stats.Overlays
		total.Misses += stats.Misses
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎬 PLAYBACK SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "Loops:             %d\n", opts.Loops)
	fmt.Fprintf(os.Stderr, "Frames drawn:      %d\n", total.Frames)
	fmt.Fprintf(os.Stderr, "Face overlays:     %d\n", total.Overlays)
	fmt.Fprintf(os.Stderr, "Frames w/o head:   %d\n", total.Misses)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return nil
}

// decorationSummary describes what the overlay step did to the photo.
func decorationSummary(res overlay.Result) string {
	if !res.Decorated() || res.Landmarks == nil || len(res.Landmarks.Mouth) < 7 {
		return "🙂 No face features drawn, using the photo as is"
	}
	// Points 0 and 6 are the lip corners.
	mouth := res.Landmarks.Mouth[0].Midpoint(res.Landmarks.Mouth[6])
	return fmt.Sprintf("🥸 Face decorated (mouth at %.0f,%.0f)", mouth.X, mouth.Y)
}

// clip is the part of *video.Player that playback drives.
type clip interface {
	compositor.Video
	Frames() int
	Done() <-chan struct{}
	Err() error
	Close() error
}

var openClip = func(ctx context.Context, path string) (clip, error) {
	p, err := video.Open(ctx, path, slog.Default())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func playOnce(ctx context.Context, comp *compositor.Compositor, canvas *compositor.Canvas,
	res overlay.Result, src track.Source, opts PlayOptions, loop, totalFrames int) (compositor.Stats, error) {
	player, err := openClip(ctx, opts.VideoPath)
	if err != nil {
		return compositor.Stats{}, err
	}
	defer player.Close()

	// The track is reloaded every loop.
	sess, err := comp.Start(ctx, compositor.Request{
		Video:      player,
		Canvas:     canvas,
		Substitute: res.Image,
		Track:      src,
	})
	if err != nil {
		return compositor.Stats{}, err
	}

	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription(fmt.Sprintf("🎞️  Loop %d/%d", loop, opts.Loops)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	decoded := player.Done()
	for {
		select {
		case <-ctx.Done():
			comp.Stop()
			return sess.Stats(), ctx.Err()
		case <-sess.Done():
			bar.Set(player.Frames())
			bar.Finish()
			if err := player.Err(); err != nil {
				return sess.Stats(), fmt.Errorf("video playback failed: %w", err)
			}
			return sess.Stats(), nil
		case <-decoded:
			decoded = nil
			if player.Frames() == 0 {
				// Never became ready, so the session would wait forever.
				comp.Stop()
				if err := player.Err(); err != nil {
					return sess.Stats(), fmt.Errorf("video playback failed: %w", err)
				}
				return sess.Stats(), errors.New("video produced no frames")
			}
			bar.Set(player.Frames())
		case <-ticker.C:
			bar.Set(player.Frames())
		}
	}
}

func isDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

func checkFile(path, what string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s file does not exist: %s", what, path)
		}
		return fmt.Errorf("unable to access %s file: %w", what, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory: %s", what, path)
	}
	return nil
}
