// Package track loads and indexes the precomputed per-frame head positions
// of the background video.
package track

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/andresmejia3/memeface/internal/types"
)

// DefaultFrameRate is the rate head tracks are assumed to be sampled at when
// they do not declare one. Asset producers must generate tracks at this rate.
const DefaultFrameRate = 30.0

// MaxFrameIndex is the highest frame index a record may carry.
const MaxFrameIndex = 10_000_000

// LoadError reports a head track that could not be fetched or parsed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load head track from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// HeadTrack is the immutable, frame-indexed sequence of head boxes for one
// video asset. Frames may be missing.
type HeadTrack struct {
	// Dense tracks index by slice, sparse ones by map.
	boxes     []types.HeadBox
	present   []bool
	sparse    map[int]types.HeadBox
	span      int
	count     int
	frameRate float64
	source    string
}

// denseLimit is the largest index span stored as a slice for n records.
func denseLimit(n int) int { return 4*n + 1024 }

// New validates boxes and builds the index. A frameRate <= 0 means "not declared".
func New(boxes []types.HeadBox, frameRate float64, source string) (*HeadTrack, error) {
	maxIdx := -1
	for i, b := range boxes {
		if b.FrameIndex < 0 {
			return nil, fmt.Errorf("record %d: negative frame index %d", i, b.FrameIndex)
		}
		if b.FrameIndex > MaxFrameIndex {
			return nil, fmt.Errorf("record %d: frame index %d exceeds %d", i, b.FrameIndex, MaxFrameIndex)
		}
		if b.Width <= 0 || b.Height <= 0 {
			return nil, fmt.Errorf("record %d (frame %d): width and height must be positive, got %gx%g",
				i, b.FrameIndex, b.Width, b.Height)
		}
		if b.FrameIndex > maxIdx {
			maxIdx = b.FrameIndex
		}
	}

	t := &HeadTrack{
		span:      maxIdx + 1,
		frameRate: frameRate,
		source:    source,
	}
	if t.span > denseLimit(len(boxes)) {
		t.sparse = make(map[int]types.HeadBox, len(boxes))
		for _, b := range boxes {
			if _, dup := t.sparse[b.FrameIndex]; dup {
				return nil, fmt.Errorf("duplicate record for frame %d", b.FrameIndex)
			}
			t.sparse[b.FrameIndex] = b
		}
		t.count = len(t.sparse)
		return t, nil
	}

	t.boxes = make([]types.HeadBox, t.span)
	t.present = make([]bool, t.span)
	for _, b := range boxes {
		if t.present[b.FrameIndex] {
			return nil, fmt.Errorf("duplicate record for frame %d", b.FrameIndex)
		}
		t.boxes[b.FrameIndex] = b
		t.present[b.FrameIndex] = true
		t.count++
	}
	return t, nil
}

// Get returns the head box recorded for frameIndex. Missing frames are a
// normal outcome (detection dropout in the source data), not an error.
func (t *HeadTrack) Get(frameIndex int) (types.HeadBox, bool) {
	if t == nil || frameIndex < 0 || frameIndex >= t.span {
		return types.HeadBox{}, false
	}
	if t.sparse != nil {
		b, ok := t.sparse[frameIndex]
		return b, ok
	}
	if !t.present[frameIndex] {
		return types.HeadBox{}, false
	}
	return t.boxes[frameIndex], true
}

// Len returns the number of frames that have a box.
func (t *HeadTrack) Len() int { return t.count }

// Span returns one past the highest recorded frame index.
func (t *HeadTrack) Span() int { return t.span }

// FrameRate returns the declared sampling rate, or DefaultFrameRate.
func (t *HeadTrack) FrameRate() float64 {
	if t.frameRate > 0 {
		return t.frameRate
	}
	return DefaultFrameRate
}

// DeclaredFrameRate returns the rate stored with the track, 0 if none was declared.
func (t *HeadTrack) DeclaredFrameRate() float64 { return t.frameRate }

// Source describes where the track was loaded from.
func (t *HeadTrack) Source() string { return t.source }

// Boxes returns the recorded boxes in frame order.
func (t *HeadTrack) Boxes() []types.HeadBox {
	out := make([]types.HeadBox, 0, t.count)
	if t.sparse != nil {
		for _, b := range t.sparse {
			out = append(out, b)
		}
		slices.SortFunc(out, func(a, b types.HeadBox) int { return cmp.Compare(a.FrameIndex, b.FrameIndex) })
		return out
	}
	for i, ok := range t.present {
		if ok {
			out = append(out, t.boxes[i])
		}
	}
	return out
}

// Source produces a head track. Implementations report their own failures;
// Load wraps them into a LoadError.
type Source interface {
	Fetch(ctx context.Context) (*HeadTrack, error)
	String() string
}

// Load fetches a track from src. Any failure is returned as *LoadError.
func Load(ctx context.Context, src Source) (*HeadTrack, error) {
	if src == nil {
		return nil, &LoadError{Source: "<nil>", Err: errors.New("no head track source configured")}
	}
	t, err := src.Fetch(ctx)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LoadError{Source: src.String(), Err: err}
	}
	if t == nil {
		return nil, &LoadError{Source: src.String(), Err: errors.New("source returned no track")}
	}
	return t, nil
}
