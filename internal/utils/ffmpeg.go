package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// VideoInfo is what ffprobe reports about the first video stream.
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func ffprobe(ctx context.Context, path string, entries string, extra ...string) (*ffprobeOutput, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	args := []string{"-v", "error", "-select_streams", "v:0"}
	args = append(args, extra...)
	args = append(args, "-show_entries", "stream="+entries, "-of", "json", path)

	cmd := NewSafeCommand(ctx, "ffprobe", args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &res, nil
}

// ProbeVideo returns the intrinsic size and frame rate of the video at path.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	res, err := ffprobe(ctx, path, "width,height,r_frame_rate,avg_frame_rate")
	if err != nil {
		return VideoInfo{}, err
	}
	s := res.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video size %dx%d", s.Width, s.Height)
	}

	// avg_frame_rate is the real rate for VFR material; r_frame_rate is the fallback.
	for _, r := range []string{s.AvgFrameRate, s.RFrameRate} {
		if fps, err := ParseRate(r); err == nil {
			info.FPS = fps
			break
		}
	}
	if info.FPS == 0 {
		return VideoInfo{}, fmt.Errorf("could not determine frame rate (%q, %q)", s.AvgFrameRate, s.RFrameRate)
	}
	return info, nil
}

// ParseRate parses ffprobe rates such as "30000/1001" or "25".
func ParseRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	d := 1.0
	if found {
		if d, err = strconv.ParseFloat(den, 64); err != nil {
			return 0, fmt.Errorf("invalid rate %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return n / d, nil
}

// GetTotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 if the count fails, allowing callers to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	// 1. Fast Path: Container Metadata. Instant, but may be "N/A" for VFR.
	if res, err := ffprobe(ctx, path, "nb_frames"); err == nil {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	} else {
		slog.Warn("cannot estimate frame count", "err", err)
		return 0
	}

	// 2. Slow Path: Count Packets
	slog.Info("metadata missing, counting frames (this may take a moment)", "path", path)
	res, err := ffprobe(ctx, path, "nb_read_packets", "-count_packets")
	if err != nil {
		slog.Warn("cannot count frames", "err", err)
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		slog.Warn("ffprobe integer parse error", "err", err)
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewJPEGScanner returns a scanner yielding one JPEG frame per token.
func NewJPEGScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return scanner
}

// NewFFmpegJPEGCmd creates a decoder pipe emitting MJPEG frames on Stdout,
// resampled to fps when fps > 0.
// -hide_banner and -loglevel error keep the stderr buffer small.
func NewFFmpegJPEGCmd(ctx context.Context, inputPath string, fps float64) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", inputPath}
	if fps > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(fps, 'f', -1, 64))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// NewFFmpegRawCmd creates a decoder pipe emitting packed RGBA frames at the
// native resolution. realtime paces output at the native frame rate.
func NewFFmpegRawCmd(ctx context.Context, inputPath string, realtime bool) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if realtime {
		args = append(args, "-re")
	}
	args = append(args, "-i", inputPath, "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// CaptureStill grabs a single JPEG frame from a camera device, skipping the
// first delay of the stream so exposure can settle.
func CaptureStill(ctx context.Context, format, device string, delay time.Duration) ([]byte, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-i", device)
	if delay > 0 {
		args = append(args, "-ss", strconv.FormatFloat(delay.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-")

	cmd := NewSafeCommand(ctx, "ffmpeg", args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var frame []byte
	scanner := NewJPEGScanner(out)
	if scanner.Scan() {
		frame = append([]byte(nil), scanner.Bytes()...)
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case scanErr != nil:
		return nil, fmt.Errorf("frame scanner failed: %w", scanErr)
	case frame == nil && waitErr != nil:
		return nil, fmt.Errorf("camera capture failed: %w: %s", waitErr, strings.TrimSpace(cmd.Stderr.String()))
	case frame == nil:
		return nil, errors.New("camera produced no frame")
	}
	return frame, nil
}
