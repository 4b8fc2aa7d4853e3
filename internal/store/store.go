package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store keeps the history of swap runs in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// Run is one recorded swap run.
type Run struct {
	ID              int64
	InputID         string
	InputPath       string
	SourcePath      string
	OutputPath      string
	MixedOutputPath string
	EveryFace       bool
	InMemory        bool
	Restore         bool
	State           string
	Frames          int
	FramesModified  int
	FacesFailed     int
	Error           string
	StartedAt       time.Time
	FinishedAt      time.Time
	// SourceEmbedding is stored only when it has the model's dimension.
	SourceEmbedding []float64
}

// IndexedFrame summarizes one entry of an in-memory run's target index.
type IndexedFrame struct {
	FrameIndex int
	FaceCount  int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS swap_runs (
			id BIGSERIAL PRIMARY KEY,
			input_id TEXT NOT NULL,
			input_path TEXT NOT NULL,
			source_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			mixed_output_path TEXT NOT NULL DEFAULT '',
			every_face BOOLEAN NOT NULL,
			in_memory BOOLEAN NOT NULL,
			restore BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			frames INT NOT NULL DEFAULT 0,
			frames_modified INT NOT NULL DEFAULT 0,
			faces_failed INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			source_embedding VECTOR(%d),
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS swap_run_frames (
			run_id BIGINT REFERENCES swap_runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			face_count INT NOT NULL,
			PRIMARY KEY (run_id, frame_index)
		);
		CREATE INDEX IF NOT EXISTS swap_runs_input_id_idx ON swap_runs (input_id);
	`, types.EmbeddingDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// RecordRun saves a run and its indexed frames in one transaction and returns the run ID.
func (s *Store) RecordRun(ctx context.Context, run Run, frames []IndexedFrame) (int64, error) {
	var embedding *string
	if len(run.SourceEmbedding) == types.EmbeddingDim {
		v := vecToString(run.SourceEmbedding)
		embedding = &v
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO swap_runs (input_id, input_path, source_path, output_path, mixed_output_path,
			every_face, in_memory, restore, state, frames, frames_modified, faces_failed, error,
			source_embedding, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::vector, $15, $16)
		RETURNING id
	`, run.InputID, run.InputPath, run.SourcePath, run.OutputPath, run.MixedOutputPath,
		run.EveryFace, run.InMemory, run.Restore, run.State, run.Frames, run.FramesModified, run.FacesFailed, run.Error,
		embedding, run.StartedAt, run.FinishedAt).Scan(&id)
	if err != nil {
		return 0, err
	}

	if len(frames) > 0 {
		rows := make([][]any, len(frames))
		for i, f := range frames {
			rows[i] = []any{id, f.FrameIndex, f.FaceCount}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"swap_run_frames"},
			[]string{"run_id", "frame_index", "face_count"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to save target index: %w", err)
		}
	}

	return id, tx.Commit(ctx)
}

const runColumns = `id, input_id, input_path, source_path, output_path, mixed_output_path,
	every_face, in_memory, restore, state, frames, frames_modified, faces_failed, error, started_at, finished_at`

func scanRuns(rows pgx.Rows) ([]Run, error) {
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.InputID, &r.InputPath, &r.SourcePath, &r.OutputPath, &r.MixedOutputPath,
			&r.EveryFace, &r.InMemory, &r.Restore, &r.State, &r.Frames, &r.FramesModified, &r.FacesFailed,
			&r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM swap_runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// RunsWithSimilarSource returns other runs whose source face is within cosine distance threshold
// of the source face of run id, nearest first.
func (s *Store) RunsWithSimilarSource(ctx context.Context, id int64, threshold float64) ([]Run, error) {
	// <=> is the cosine distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT `+prefixed("r", runColumns)+`
		FROM swap_runs r, swap_runs ref
		WHERE ref.id = $1 AND r.id <> ref.id
			AND r.source_embedding IS NOT NULL AND ref.source_embedding IS NOT NULL
			AND r.source_embedding <=> ref.source_embedding < $2
		ORDER BY r.source_embedding <=> ref.source_embedding ASC
	`, id, threshold)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// RunFrames returns the indexed frames recorded for a run in frame order.
func (s *Store) RunFrames(ctx context.Context, id int64) ([]IndexedFrame, error) {
	rows, err := s.conn.Query(ctx, `SELECT frame_index, face_count FROM swap_run_frames WHERE run_id = $1 ORDER BY frame_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []IndexedFrame
	for rows.Next() {
		var f IndexedFrame
		if err := rows.Scan(&f.FrameIndex, &f.FaceCount); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS swap_run_frames CASCADE;
		DROP TABLE IF EXISTS swap_runs CASCADE;
	`)
	return err
}
