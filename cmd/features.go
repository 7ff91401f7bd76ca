package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/types"
)

var (
	featuresStill   stillOptions
	featuresDataURL bool
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Detect the face in a photo and print the cartoon features drawn on it",
	RunE: func(cmd *cobra.Command, args []string) error {
		o := featuresStill
		if o.Format == "" {
			o.Format = cfg.Camera.Format
		}
		if !cmd.Flags().Changed("capture-delay") {
			o.Delay = cfg.Camera.Delay
		}
		if err := o.validate(); err != nil {
			return err
		}
		return runFeatures(cmd.Context(), o, featuresDataURL, os.Stdout)
	},
}

func init() {
	f := featuresCmd.Flags()
	f.StringVarP(&featuresStill.Image, "image", "i", "", "Face photo: a file path or a data: URL")
	f.StringVar(&featuresStill.Camera, "camera", "", "Capture the photo from this camera device instead")
	f.StringVar(&featuresStill.Format, "camera-format", "", "ffmpeg input format of the camera (default from config)")
	f.DurationVar(&featuresStill.Delay, "capture-delay", 0, "Wait before grabbing the camera frame (default from config)")
	f.BoolVar(&featuresDataURL, "data-url", false, "Also print the decorated photo as a JPEG data URL")
	rootCmd.AddCommand(featuresCmd)
}

func runFeatures(ctx context.Context, o stillOptions, dataURL bool, out io.Writer) error {
	still, err := readStill(ctx, o)
	if err != nil {
		return fmt.Errorf("failed to load face photo: %w", err)
	}

	det := newDetector(ctx, 0)
	defer det.Close()
	res := overlay.Generate(ctx, det, still, slog.Default())

	if !res.Decorated() {
		fmt.Fprintln(out, "No face features drawn.")
	} else {
		printFeatures(out, *res.Features)
	}

	if dataURL {
		s, err := overlay.EncodeDataURL(res.Image)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	}
	return nil
}

// printFeatures writes the primitives in paint order.
func printFeatures(out io.Writer, fs overlay.FeatureSet) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tCENTER\tRADII\tCOLOR")
	fmt.Fprintln(w, "----\t------\t-----\t-----")

	for i, e := range fs.Mustache {
		side := [2]string{"left", "right"}[i]
		fmt.Fprintf(w, "mustache (%s)\t%s\t%.0fx%.0f\t%s\n",
			side, fmtPoint(e.Center), e.RadiusX, e.RadiusY, hexColor(overlay.MustacheColor.R, overlay.MustacheColor.G, overlay.MustacheColor.B))
	}
	for i, e := range fs.Eyes {
		side := [2]string{"left", "right"}[i]
		fmt.Fprintf(w, "sclera (%s)\t%s\t%.0f\t%s\n",
			side, fmtPoint(e.Sclera.Center), e.Sclera.Radius, hexColor(overlay.ScleraColor.R, overlay.ScleraColor.G, overlay.ScleraColor.B))
	}
	for i, e := range fs.Eyes {
		side := [2]string{"left", "right"}[i]
		fmt.Fprintf(w, "pupil (%s)\t%s\t%.0f\t%s\n",
			side, fmtPoint(e.Pupil.Center), e.Pupil.Radius, hexColor(overlay.PupilColor.R, overlay.PupilColor.G, overlay.PupilColor.B))
	}
	w.Flush()
}

func fmtPoint(p types.Point) string {
	return fmt.Sprintf("%.1f,%.1f", p.X, p.Y)
}

func hexColor(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
