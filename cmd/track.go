package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/memeface/internal/detect"
	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/types"
	"github.com/andresmejia3/memeface/internal/utils"
	"github.com/andresmejia3/memeface/internal/worker"
)

const megabyte = 1024 * 1024

// GenerateOptions holds the flags of track generate.
type GenerateOptions struct {
	InputPath  string
	NumEngines int
	FPS        float64
	Output     string
	Asset      string
}

var (
	genOpts     GenerateOptions
	importAsset string
	showLimit   int
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Build, import and inspect head tracks",
}

var trackGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a head track from a video with parallel detector engines",
	Long: `Decodes the video at the track sampling rate, runs face detection on every
frame and records the chosen face box per frame. Frames without a face are
left out of the track.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGenerateOptions(&genOpts); err != nil {
			return err
		}
		return runGenerate(cmd.Context(), genOpts)
	},
}

var trackImportCmd = &cobra.Command{
	Use:   "import <location>",
	Short: "Store a head track file or URL in PostgreSQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd.Context(), args[0], importAsset)
	},
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List head tracks stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		tracks, err := db.ListTracks(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list tracks: %w", err)
		}
		if len(tracks) == 0 {
			fmt.Println("No head tracks found in database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ASSET\tSOURCE\tFPS\tBOXES\tIMPORTED")
		fmt.Fprintln(w, "-----\t------\t---\t-----\t--------")
		for _, t := range tracks {
			fps := "-"
			if t.FPS > 0 {
				fps = fmt.Sprintf("%g", t.FPS)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.Asset, t.Source, fps, t.Frames, t.ImportedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var trackShowCmd = &cobra.Command{
	Use:   "show <location|db:asset>",
	Short: "Load a head track and print its first boxes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := trackSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		t, err := track.Load(cmd.Context(), src)
		if err != nil {
			return err
		}
		return printTrack(os.Stdout, t, showLimit)
	},
}

func init() {
	f := trackGenerateCmd.Flags()
	f.StringVarP(&genOpts.InputPath, "input", "i", "", "Path to video")
	f.IntVarP(&genOpts.NumEngines, "engines", "e", 1, "Number of parallel detector engines")
	f.Float64Var(&genOpts.FPS, "fps", track.DefaultFrameRate, "Sampling rate of the track")
	f.StringVarP(&genOpts.Output, "output", "o", "-", "Where to write the track JSON (- for stdout)")
	f.StringVar(&genOpts.Asset, "import", "", "Store the track in PostgreSQL under this asset name instead of writing JSON")
	trackGenerateCmd.MarkFlagRequired("input")

	trackImportCmd.Flags().StringVarP(&importAsset, "asset", "a", "", "Asset name (default: hash of the track file)")
	trackShowCmd.Flags().IntVarP(&showLimit, "limit", "n", 10, "Number of boxes to print (0 for all)")

	trackCmd.AddCommand(trackGenerateCmd, trackImportCmd, trackListCmd, trackShowCmd)
	rootCmd.AddCommand(trackCmd)
}

// validateGenerateOptions ensures all CLI arguments are valid before starting heavy processes.
func validateGenerateOptions(o *GenerateOptions) error {
	if err := checkFile(o.InputPath, "input"); err != nil {
		return err
	}
	if o.NumEngines < 1 {
		o.NumEngines = 1
	}
	if o.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", o.FPS)
	}
	if o.Output == "" {
		o.Output = "-"
	}
	return nil
}

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() any { return make([]byte, 0, megabyte) },
}

// frameResult is one engine verdict. Box is nil when no face was found.
type frameResult struct {
	Index int
	Box   *types.HeadBox
}

// reorderBuffer releases results in frame order (engine 2 may finish before engine 1).
type reorderBuffer struct {
	next    int
	pending map[int]frameResult
}

func newReorderBuffer(first int) *reorderBuffer {
	return &reorderBuffer{next: first, pending: map[int]frameResult{}}
}

// push adds r and returns every result that is now in order.
func (b *reorderBuffer) push(r frameResult) []frameResult {
	b.pending[r.Index] = r
	var ready []frameResult
	for {
		res, ok := b.pending[b.next]
		if !ok {
			return ready
		}
		delete(b.pending, b.next)
		ready = append(ready, res)
		b.next++
	}
}

// Len returns how many results are waiting for an earlier frame.
func (b *reorderBuffer) Len() int { return len(b.pending) }

// runGenerate orchestrates track generation: engine pool, FFmpeg streaming,
// ordered aggregation and output.
func runGenerate(ctx context.Context, opts GenerateOptions) error {
	info, err := utils.ProbeVideo(ctx, opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to probe video: %w", err)
	}

	// 1. Engines. A detector that cannot load would silently yield an empty track.
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d detector engines...\n", opts.NumEngines)
	engines := make([]*detect.Adapter, 0, opts.NumEngines)
	defer func() {
		for _, e := range engines {
			e.Close()
		}
	}()
	for i := 0; i < opts.NumEngines; i++ {
		e := newDetector(ctx, i)
		engines = append(engines, e)
		if !e.Ready() {
			return errors.New("face detector unavailable, cannot generate a track")
		}
	}

	// 2. Progress
	totalFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalFrames > 0 {
		totalFrames = int(float64(totalFrames) * opts.FPS / info.FPS)
	} else {
		// Fallback to a spinner if ffprobe fails
		totalFrames = -1
	}
	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("🔍 Tracking head"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan types.FrameTask, opts.NumEngines)
	results := make(chan frameResult, opts.NumEngines*2)

	// 3. Engine pool
	var engineWG sync.WaitGroup
	for i, e := range engines {
		engineWG.Add(1)
		g.Go(func() error {
			defer engineWG.Done()
			return runEngine(gctx, i, e, tasks, results)
		})
	}
	go func() {
		engineWG.Wait()
		close(results)
	}()

	// 4. Aggregator. Must run concurrently to prevent deadlock on results.
	var boxes []types.HeadBox
	g.Go(func() error {
		buf := newReorderBuffer(0)
		for res := range results {
			for _, r := range buf.push(res) {
				bar.Add(1)
				if r.Box != nil {
					boxes = append(boxes, *r.Box)
				}
			}
		}
		if buf.Len() > 0 {
			return fmt.Errorf("%d frames were processed out of sequence and never released", buf.Len())
		}
		return nil
	})

	// 5. FFmpeg producer
	var sent int
	g.Go(func() error {
		defer close(tasks)
		return decodeFrames(gctx, opts, tasks, &sent)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	bar.Finish()

	t, err := track.New(boxes, opts.FPS, opts.InputPath)
	if err != nil {
		return fmt.Errorf("generated track is invalid: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Tracking complete. Head found in %d of %d frames.\n", t.Len(), sent)

	if opts.Asset != "" {
		return importTrack(ctx, opts.Asset, t)
	}
	return writeTrack(opts.Output, t)
}

func decodeFrames(ctx context.Context, opts GenerateOptions, tasks chan<- types.FrameTask, sent *int) error {
	ffmpeg := utils.NewFFmpegJPEGCmd(ctx, opts.InputPath, opts.FPS)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := utils.NewJPEGScanner(out)
	index := 0
	for scanner.Scan() {
		// Get buffer from pool
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case tasks <- types.FrameTask{Index: index, Data: buf}:
			index++
		case <-ctx.Done():
			ffmpeg.Wait()
			return ctx.Err()
		}
	}
	*sent = index

	if err := scanner.Err(); err != nil {
		ffmpeg.Wait()
		return fmt.Errorf("frame scanner failed: %w", err)
	}
	if err := ffmpeg.Wait(); err != nil {
		return fmt.Errorf("FFmpeg execution failed: %w: %s", err, ffmpeg.Stderr.String())
	}
	return nil
}

// runEngine detects the head in every frame it receives. A crashed worker
// stops generation; any other detection failure counts as a missing frame.
func runEngine(ctx context.Context, id int, det *detect.Adapter, tasks <-chan types.FrameTask, results chan<- frameResult) error {
	for task := range tasks {
		img, err := overlay.Decode(task.Data)
		// Return buffer to pool as soon as it is decoded
		frameBufferPool.Put(task.Data[:0])

		res := frameResult{Index: task.Index}
		if err != nil {
			slog.Warn("undecodable frame", "engine", id, "frame", task.Index, "err", err)
		} else {
			face, err := det.DetectFace(ctx, img)
			var crash *worker.CrashError
			switch {
			case errors.As(err, &crash):
				return err
			case err != nil:
				slog.Warn("detection failed", "engine", id, "frame", task.Index, "err", err)
			case face != nil:
				res.Box = &types.HeadBox{
					FrameIndex: task.Index,
					X:          face.Box.X,
					Y:          face.Box.Y,
					Width:      face.Box.Width,
					Height:     face.Box.Height,
				}
			}
		}

		select {
		case results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func writeTrack(path string, t *track.HeadTrack) error {
	var out io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(track.Document{FPS: t.DeclaredFrameRate(), Frames: t.Boxes()}); err != nil {
		return fmt.Errorf("failed to write track: %w", err)
	}
	if path != "-" {
		fmt.Fprintf(os.Stderr, "💾 Track written to %s\n", path)
	}
	return nil
}

func runImport(ctx context.Context, location, asset string) error {
	src, err := trackSource(ctx, location)
	if err != nil {
		return err
	}
	t, err := track.Load(ctx, src)
	if err != nil {
		return err
	}
	if asset == "" {
		if asset, err = utils.AssetID(location); err != nil {
			return fmt.Errorf("cannot derive an asset name from %s, pass --asset: %w", location, err)
		}
		asset = asset[:12]
	}
	return importTrack(ctx, asset, t)
}

func importTrack(ctx context.Context, asset string, t *track.HeadTrack) error {
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	n, err := db.ImportHeadTrack(ctx, asset, t)
	if err != nil {
		return fmt.Errorf("failed to import track: %w", err)
	}
	fmt.Fprintf(os.Stderr, "📥 Imported %d head boxes as %q (use --track db:%s)\n", n, asset, asset)
	return nil
}

func printTrack(out io.Writer, t *track.HeadTrack, limit int) error {
	fps := fmt.Sprintf("%g", t.FrameRate())
	if t.DeclaredFrameRate() == 0 {
		fps += " (assumed)"
	}
	fmt.Fprintf(out, "Source:   %s\n", t.Source())
	fmt.Fprintf(out, "FPS:      %s\n", fps)
	fmt.Fprintf(out, "Boxes:    %d over %d frames\n\n", t.Len(), t.Span())

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tX\tY\tWIDTH\tHEIGHT")
	fmt.Fprintln(w, "-----\t-\t-\t-----\t------")
	for i, b := range t.Boxes() {
		if limit > 0 && i >= limit {
			break
		}
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%.1f\t%.1f\n", b.FrameIndex, b.X, b.Y, b.Width, b.Height)
	}
	return w.Flush()
}
