// Package detect wraps a face detection capability behind a small, stable
// interface: load the models once, then ask for the single face in an image.
package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/andresmejia3/memeface/internal/types"
)

// Backend is a concrete face detector.
type Backend interface {
	// Load fetches and prepares the model assets.
	Load(ctx context.Context) error
	// Detect returns every face found in img, in no particular order.
	Detect(ctx context.Context, img image.Image) ([]types.Face, error)
	Close() error
}

// ModelLoadError means the detector could not be initialized. Detection is
// unavailable for the rest of the run, but the host keeps going.
type ModelLoadError struct {
	Backend string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load %s detector models: %v", e.Backend, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Adapter tracks readiness and applies the single-face selection policy.
// It is safe for concurrent use if the backend is.
type Adapter struct {
	name    string
	backend Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	ready bool
}

// New returns an adapter around backend. name is used in logs and errors.
func New(name string, backend Backend, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{name: name, backend: backend, logger: logger.With("detector", name)}
}

// Initialize loads the backend models. On failure the adapter stays not ready
// and every later detection reports "no face".
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.backend == nil {
		return &ModelLoadError{Backend: a.name, Err: fmt.Errorf("no backend configured")}
	}
	if err := a.backend.Load(ctx); err != nil {
		a.logger.Error("failed to load face detection models", "err", err)
		return &ModelLoadError{Backend: a.name, Err: err}
	}

	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()
	a.logger.Info("face detection models loaded")
	return nil
}

// Ready reports whether Initialize succeeded.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// DetectFace returns the chosen face in img, or nil when there is none or the
// adapter is not ready.
func (a *Adapter) DetectFace(ctx context.Context, img image.Image) (*types.Face, error) {
	if !a.Ready() {
		return nil, nil
	}
	faces, err := a.backend.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%s detection failed: %w", a.name, err)
	}
	face, ok := SelectFace(faces)
	if !ok {
		return nil, nil
	}
	if len(faces) > 1 {
		a.logger.Debug("multiple faces detected, using the largest", "faces", len(faces))
	}
	return &face, nil
}

// DetectOne returns the landmarks of the chosen face, or nil when there is
// no face, the adapter is not ready, or the backend gives boxes only.
func (a *Adapter) DetectOne(ctx context.Context, img image.Image) (*types.FaceLandmarks, error) {
	face, err := a.DetectFace(ctx, img)
	if err != nil || face == nil {
		return nil, err
	}
	if face.Landmarks == nil {
		a.logger.Warn("face found but the backend returned no landmarks")
	}
	return face.Landmarks, nil
}

// Close releases the backend.
func (a *Adapter) Close() error {
	if a.backend == nil {
		return nil
	}
	a.mu.Lock()
	a.ready = false
	a.mu.Unlock()
	return a.backend.Close()
}

// SelectFace picks one face: the largest box, then the higher score, then the
// earlier index. The result depends only on the input slice.
func SelectFace(faces []types.Face) (types.Face, bool) {
	if len(faces) == 0 {
		return types.Face{}, false
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		a, b := faces[i], faces[best]
		switch {
		case a.Box.Area() > b.Box.Area():
			best = i
		case a.Box.Area() == b.Box.Area() && a.Score > b.Score:
			best = i
		}
	}
	return faces[best], true
}
