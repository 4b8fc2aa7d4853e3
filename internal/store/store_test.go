package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestVecToString(t *testing.T) {
	if got := vecToString([]float64{1, 0.5}); got != "[1.000000,0.500000]" {
		t.Errorf("vecToString() = %q", got)
	}
	if got := vecToString(nil); got != "[]" {
		t.Errorf("vecToString(nil) = %q", got)
	}
}

func TestPrefixed(t *testing.T) {
	if got := prefixed("r", "id, state,\n\tframes"); got != "r.id, r.state, r.frames" {
		t.Errorf("prefixed() = %q", got)
	}
}

func unitVec(axis int) []float64 {
	v := make([]float64, types.EmbeddingDim)
	v[axis] = 1.0
	return v
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("deepswap_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	// --- Test Scenarios ---

	batch := Run{
		InputID: "vid_1", InputPath: "/tmp/clip.mp4", SourcePath: "/tmp/face.jpg",
		OutputPath: "/tmp/clip-swapped.mp4", MixedOutputPath: "/tmp/clip-swapped-with-audio.mp4",
		InMemory: true, Restore: true, State: "DONE", Frames: 10, FramesModified: 3,
		SourceEmbedding: unitVec(0), StartedAt: start, FinishedAt: start.Add(30 * time.Second),
	}
	batchID, err := s.RecordRun(ctx, batch, []IndexedFrame{{2, 1}, {5, 1}, {8, 2}})
	if err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	// Same source face, later run, no target index
	sameSource := Run{
		InputID: "img_1", InputPath: "/tmp/photo.png", SourcePath: "/tmp/face.jpg",
		OutputPath: "/tmp/photo-swapped.png", State: "DONE", Frames: 1, FramesModified: 1,
		SourceEmbedding: unitVec(0), StartedAt: start.Add(time.Minute), FinishedAt: start.Add(time.Minute),
	}
	if _, err := s.RecordRun(ctx, sameSource, nil); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	// Orthogonal source, and one without a usable embedding
	other := sameSource
	other.SourceEmbedding = unitVec(1)
	other.StartedAt = start.Add(2 * time.Minute)
	if _, err := s.RecordRun(ctx, other, nil); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	aborted := Run{
		InputID: "vid_2", InputPath: "/tmp/b.mp4", SourcePath: "/tmp/face.jpg", OutputPath: "/tmp/b-swapped.mp4",
		State: "ABORTED", Error: "reference face not found in frame at 500 msec",
		SourceEmbedding: []float64{1, 2}, StartedAt: start.Add(3 * time.Minute), FinishedAt: start.Add(3 * time.Minute),
	}
	if _, err := s.RecordRun(ctx, aborted, nil); err != nil {
		t.Fatalf("RecordRun with short embedding failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("Expected 4 runs, got %d", len(runs))
	}
	if runs[0].State != "ABORTED" || runs[0].Error == "" {
		t.Errorf("Expected the newest (aborted) run first, got %+v", runs[0])
	}
	last := runs[3]
	if last.ID != batchID || !last.InMemory || !last.Restore || last.FramesModified != 3 {
		t.Errorf("Batch run not stored correctly: %+v", last)
	}
	if !last.StartedAt.Equal(start) {
		t.Errorf("Expected start %v, got %v", start, last.StartedAt)
	}

	limited, err := s.ListRuns(ctx, 2)
	if err != nil || len(limited) != 2 {
		t.Errorf("Expected 2 runs with limit, got %d (%v)", len(limited), err)
	}

	frames, err := s.RunFrames(ctx, batchID)
	if err != nil {
		t.Fatalf("RunFrames failed: %v", err)
	}
	if len(frames) != 3 || frames[0].FrameIndex != 2 || frames[2].FaceCount != 2 {
		t.Errorf("Unexpected target index %+v", frames)
	}

	similar, err := s.RunsWithSimilarSource(ctx, batchID, 0.1)
	if err != nil {
		t.Fatalf("RunsWithSimilarSource failed: %v", err)
	}
	if len(similar) != 1 || similar[0].InputID != "img_1" {
		t.Errorf("Expected only the run with the same source face, got %+v", similar)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 0); err == nil {
		t.Error("Expected an error listing runs after the tables were dropped")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
