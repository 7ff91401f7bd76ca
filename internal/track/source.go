package track

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/andresmejia3/memeface/internal/types"
)

const maxTrackBytes = 256 << 20

// rawBox mirrors one record of the track JSON. Pointers let us tell a missing
// field from a zero value.
type rawBox struct {
	FrameIndex *int     `json:"frameIndex"`
	Frame      *int     `json:"frame"`
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
}

// envelope is the self-describing form: {"fps": 30, "frames": [...]}.
type envelope struct {
	FPS    float64   `json:"fps"`
	Frames []*rawBox `json:"frames"`
}

// Document is the envelope written by track generation.
type Document struct {
	FPS    float64         `json:"fps"`
	Frames []types.HeadBox `json:"frames"`
}

// Decode parses a track document. It accepts a bare array, where element i
// describes frame i unless it names its own frame, or the envelope form.
// null elements are gaps.
func Decode(r io.Reader, source string) (*HeadTrack, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackBytes))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty document")
	}

	var records []*rawBox
	var fps float64
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		if env.Frames == nil {
			return nil, errors.New(`envelope has no "frames" array`)
		}
		if env.FPS < 0 {
			return nil, fmt.Errorf("negative fps %g", env.FPS)
		}
		records, fps = env.Frames, env.FPS
	default:
		return nil, errors.New("expected a JSON array of head boxes")
	}

	boxes := make([]types.HeadBox, 0, len(records))
	for i, rec := range records {
		if rec == nil {
			continue
		}
		box, err := rec.toHeadBox(i)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return New(boxes, fps, source)
}

func (r *rawBox) toHeadBox(position int) (types.HeadBox, error) {
	idx := position
	switch {
	case r.FrameIndex != nil:
		idx = *r.FrameIndex
	case r.Frame != nil:
		idx = *r.Frame
	}
	fields := []struct {
		name string
		v    *float64
	}{{"x", r.X}, {"y", r.Y}, {"width", r.Width}, {"height", r.Height}}
	for _, f := range fields {
		if f.v == nil {
			return types.HeadBox{}, fmt.Errorf("record %d: missing %q", position, f.name)
		}
	}
	return types.HeadBox{FrameIndex: idx, X: *r.X, Y: *r.Y, Width: *r.Width, Height: *r.Height}, nil
}

// FileSource reads a track from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(ctx context.Context) (*HeadTrack, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, s.String())
}

func (s FileSource) String() string { return s.Path }

// HTTPSource fetches a track that is served as a static resource.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context) (*HeadTrack, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return Decode(resp.Body, s.String())
}

func (s HTTPSource) String() string { return s.URL }

// ParseSource picks a source for a user-supplied location.
func ParseSource(location string) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return HTTPSource{URL: location}
	}
	return FileSource{Path: strings.TrimPrefix(location, "file://")}
}
