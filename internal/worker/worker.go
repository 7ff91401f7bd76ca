package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/memeface/internal/overlay"
	"github.com/andresmejia3/memeface/internal/types"
	"github.com/andresmejia3/memeface/internal/utils" // Using the SafeCommand wrapper
)

// DefaultCommand runs the bundled landmark script.
var DefaultCommand = []string{"python3", "-u", "python/landmarks.py"}

// LandmarkWorker is a detector backend that runs in a child process.
//
// Protocol: requests go to the child's stdin as [uint32 BE length][JPEG]; an
// empty request is a readiness ping. Replies come back on FD 3 as
// [uint32 BE length][JSON], keeping the child's stdout free for its own logs.
type LandmarkWorker struct {
	ID       int
	Command  []string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewLandmarkWorker returns an unstarted worker. An empty command means DefaultCommand.
func NewLandmarkWorker(id int, command ...string) *LandmarkWorker {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &LandmarkWorker{ID: id, Command: command}
}

// Load starts the child and waits for it to answer a readiness ping, which
// happens once its models are in memory.
func (w *LandmarkWorker) Load(ctx context.Context) error {
	cmd := utils.NewSafeCommand(ctx, w.Command[0], w.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	cmd.ExtraFiles = []*os.File{pw}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.mu.Lock()
	w.Cmd, w.Stdin, w.DataPipe = cmd, stdin, r
	w.mu.Unlock()

	resp, err := w.Communicate(nil)
	if err != nil {
		w.Close()
		return &CrashError{ID: w.ID, Err: err, Cmd: cmd}
	}
	res, err := decodeResponse(resp)
	if err != nil {
		w.Close()
		return err
	}
	if !res.Ready {
		w.Close()
		return fmt.Errorf("worker %d did not report ready", w.ID)
	}
	return nil
}

// Detect sends img as a JPEG and returns the faces the child found.
func (w *LandmarkWorker) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := overlay.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	return w.ProcessFrame(data)
}

// ProcessFrame runs detection on one encoded frame.
func (w *LandmarkWorker) ProcessFrame(data []byte) ([]types.Face, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, &CrashError{ID: w.ID, Err: err, Cmd: w.Cmd}
	}
	res, err := decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	return res.faces(), nil
}

// Communicate performs one framed round trip. Calls are serialized.
func (w *LandmarkWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Stdin == nil || w.DataPipe == nil {
		return nil, errors.New("worker not started")
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where a crashed child shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Close shuts the child down and reaps it.
func (w *LandmarkWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	var err error
	if w.Cmd != nil && w.Cmd.Process != nil {
		err = w.Cmd.Wait()
	}
	w.Cmd, w.Stdin, w.DataPipe = nil, nil, nil
	return err
}

// CrashError means the child died or broke the framing. Cmd, when set,
// holds whatever the child wrote to stderr.
type CrashError struct {
	ID  int
	Err error
	Cmd *utils.SafeCommand
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("landmark worker %d crashed: %v", e.ID, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

type wirePoint [2]float64

type wireFace struct {
	Box      [4]float64  `json:"box"` // x1, y1, x2, y2
	Score    float64     `json:"score"`
	Mouth    []wirePoint `json:"mouth"`
	LeftEye  []wirePoint `json:"left_eye"`
	RightEye []wirePoint `json:"right_eye"`
}

type response struct {
	Ready bool       `json:"ready"`
	Faces []wireFace `json:"faces"`
	types.ErrorResult
}

func decodeResponse(resp []byte) (*response, error) {
	var res response
	if err := json.Unmarshal(resp, &res); err != nil {
		return nil, fmt.Errorf("worker JSON malformed: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("landmark worker error: %s", res.Error)
	}
	return &res, nil
}

func (r *response) faces() []types.Face {
	faces := make([]types.Face, 0, len(r.Faces))
	for _, f := range r.Faces {
		face := types.Face{
			Box: types.Box{
				X:      f.Box[0],
				Y:      f.Box[1],
				Width:  f.Box[2] - f.Box[0],
				Height: f.Box[3] - f.Box[1],
			},
			Score: f.Score,
		}
		if len(f.Mouth)+len(f.LeftEye)+len(f.RightEye) > 0 {
			face.Landmarks = &types.FaceLandmarks{
				Mouth:    points(f.Mouth),
				LeftEye:  points(f.LeftEye),
				RightEye: points(f.RightEye),
			}
		}
		faces = append(faces, face)
	}
	return faces
}

func points(in []wirePoint) []types.Point {
	out := make([]types.Point, len(in))
	for i, p := range in {
		out[i] = types.Point{X: p[0], Y: p[1]}
	}
	return out
}
