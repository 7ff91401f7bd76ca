package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/memeface/internal/track"
	"github.com/andresmejia3/memeface/internal/types"
)

// ErrTrackNotFound is returned when no head track is stored for an asset.
var ErrTrackNotFound = errors.New("head track not found")

// Store keeps head tracks in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS head_tracks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			fps DOUBLE PRECISION NOT NULL DEFAULT 0,
			frame_count INT NOT NULL,
			imported_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS head_boxes (
			track_id TEXT NOT NULL REFERENCES head_tracks(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			width DOUBLE PRECISION NOT NULL,
			height DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (track_id, frame_index)
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// ImportHeadTrack stores t under asset, replacing any previous track for it.
// It returns the number of boxes written.
func (s *Store) ImportHeadTrack(ctx context.Context, asset string, t *track.HeadTrack) (int64, error) {
	if asset == "" {
		return 0, errors.New("asset name is required")
	}
	boxes := t.Boxes()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// 1. Clean up old data so re-imports are idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM head_boxes WHERE track_id = $1", asset); err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO head_tracks (id, source, fps, frame_count, imported_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source, fps = EXCLUDED.fps,
			frame_count = EXCLUDED.frame_count, imported_at = NOW()
	`, asset, t.Source(), t.DeclaredFrameRate(), len(boxes))
	if err != nil {
		return 0, err
	}

	// 2. Bulk load the boxes
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"head_boxes"},
		[]string{"track_id", "frame_index", "x", "y", "width", "height"},
		pgx.CopyFromSlice(len(boxes), func(i int) ([]any, error) {
			b := boxes[i]
			return []any{asset, b.FrameIndex, b.X, b.Y, b.Width, b.Height}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy head boxes: %w", err)
	}
	return n, tx.Commit(ctx)
}

// LoadHeadTrack reads the track stored for asset.
func (s *Store) LoadHeadTrack(ctx context.Context, asset string) (*track.HeadTrack, error) {
	var fps float64
	err := s.conn.QueryRow(ctx, "SELECT fps FROM head_tracks WHERE id = $1", asset).Scan(&fps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, asset)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, x, y, width, height FROM head_boxes
		WHERE track_id = $1 ORDER BY frame_index
	`, asset)
	if err != nil {
		return nil, err
	}
	boxes, err := pgx.CollectRows(rows, pgx.RowToStructByPos[types.HeadBox])
	if err != nil {
		return nil, err
	}
	return track.New(boxes, fps, TrackSource{Asset: asset}.String())
}

// TrackInfo summarizes one stored track.
type TrackInfo struct {
	Asset      string
	Source     string
	FPS        float64
	Frames     int
	ImportedAt time.Time
}

// ListTracks returns every stored track, newest first.
func (s *Store) ListTracks(ctx context.Context) ([]TrackInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, source, fps, frame_count, imported_at FROM head_tracks
		ORDER BY imported_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[TrackInfo])
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS head_boxes CASCADE;
		DROP TABLE IF EXISTS head_tracks CASCADE;
	`)
	return err
}

// TrackSource loads a head track from the store.
type TrackSource struct {
	Store *Store
	Asset string
}

func (s TrackSource) Fetch(ctx context.Context) (*track.HeadTrack, error) {
	if s.Store == nil {
		return nil, errors.New("no database connection")
	}
	return s.Store.LoadHeadTrack(ctx, s.Asset)
}

func (s TrackSource) String() string { return "postgres:" + s.Asset }
