package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/processor"
	"github.com/andresmejia3/deepswap/internal/store"
	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/spf13/cobra"
)

func TestDatabaseURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	if got := databaseURL(""); got != "" {
		t.Errorf("Expected no database without flag or env, got %q", got)
	}
	if got := databaseURL("postgres://x/y"); got != "postgres://x/y" {
		t.Errorf("Flag must win, got %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "user")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "")
	t.Setenv("POSTGRES_PORT", "")
	if got := databaseURL(""); got != "postgres://user:secret@db:5432/deepswap" {
		t.Errorf("Unexpected URL from environment: %q", got)
	}
}

func TestApplySwapFlags_OnlyChangedFlags(t *testing.T) {
	c := &cobra.Command{Use: "swap"}
	var o swapFlags
	bindSwapFlags(c, &o)
	if err := c.ParseFlags([]string{"-s", "face.jpg", "--reference-time", "1500", "--restore", "--worker-timeout", "2m"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	base := config.Default()
	base.InputFile = "from-yaml.mp4"
	base.SimilarFaceDistance = 0.6

	cfg := applySwapFlags(c, o, base)
	if cfg.SourceFaceImage != "face.jpg" || cfg.ReferenceFrameTime != 1500 || !cfg.RestoreFace {
		t.Errorf("Given flags not applied: %+v", cfg)
	}
	if cfg.WorkerTimeout != 2*time.Minute {
		t.Errorf("Expected 2m timeout, got %s", cfg.WorkerTimeout)
	}
	if cfg.InputFile != "from-yaml.mp4" || cfg.SimilarFaceDistance != 0.6 {
		t.Errorf("Unset flags must not override the config file: %+v", cfg)
	}
}

func TestRunSwap_InvalidConfigFailsEarly(t *testing.T) {
	cfg := config.Default()
	cfg.SourceFaceImage = filepath.Join(t.TempDir(), "missing.jpg")
	cfg.InputFile = "clip.mp4"

	err := runSwap(context.Background(), cfg)
	var vErr *config.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError before any work starts, got %v", err)
	}
}

func TestHistoryRun(t *testing.T) {
	cfg := config.Default()
	cfg.InputFile = "clip.mp4"
	cfg.SourceFaceImage = "face.jpg"
	cfg.ProcessVideoInMemory = true

	source := &types.Face{Embedding: []float64{0.1, 0.2}}
	res := processor.Result{
		State: processor.StateAborted, Source: source, Output: "clip-swapped.mp4",
		Frames: 10, FramesModified: 3,
		Index: processor.TargetIndex{
			{FrameIndex: 2, Faces: []types.Face{{}}},
			{FrameIndex: 5, Faces: []types.Face{{}, {}}},
		},
	}
	started := time.Unix(1000, 0)
	run := historyRun(cfg, res, errors.New("broken pipe"), "abc", started, started.Add(time.Second))

	if run.State != "ABORTED" || run.Error != "broken pipe" || run.InputID != "abc" {
		t.Errorf("Unexpected run %+v", run)
	}
	if !run.InMemory || run.Frames != 10 || run.FramesModified != 3 {
		t.Errorf("Counters or mode lost: %+v", run)
	}
	if len(run.SourceEmbedding) != 2 {
		t.Error("Source embedding not carried over")
	}

	frames := indexSummary(res.Index)
	want := []store.IndexedFrame{{FrameIndex: 2, FaceCount: 1}, {FrameIndex: 5, FaceCount: 2}}
	if len(frames) != len(want) || frames[0] != want[0] || frames[1] != want[1] {
		t.Errorf("indexSummary() = %+v, want %+v", frames, want)
	}
	if indexSummary(nil) != nil {
		t.Error("Streaming runs have no index")
	}
}

func TestRunMode(t *testing.T) {
	tests := []struct {
		run  store.Run
		want string
	}{
		{store.Run{}, "reference"},
		{store.Run{EveryFace: true, Restore: true}, "every-face,restore"},
		{store.Run{InMemory: true}, "reference,in-memory"},
	}
	for _, tt := range tests {
		if got := runMode(tt.run); got != tt.want {
			t.Errorf("runMode(%+v) = %q, want %q", tt.run, got, tt.want)
		}
	}
}

func TestPrintFaces(t *testing.T) {
	var buf bytes.Buffer
	printFaces(&buf, []types.Face{
		{BBox: types.BBox{10, 20, 60, 80}, Score: 0.93, Age: 31, Gender: types.GenderFemale},
		{BBox: types.BBox{100, 20, 150, 80}, Score: 0.71, Age: 45, Gender: types.GenderMale},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected header, rule and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "0 ") || !strings.Contains(lines[2], "0.93") {
		t.Errorf("Unexpected first row %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "1 ") || !strings.Contains(lines[3], "45") {
		t.Errorf("Unexpected second row %q", lines[3])
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Drop? [y/N]") {
			t.Errorf("Prompt not shown: %q", out.String())
		}
	}
}

func TestStageProgress_NewBarPerStage(t *testing.T) {
	var buf bytes.Buffer
	p := newStageProgress(&buf)

	p.Observe(processor.StageAnalyzing, 1, 10)
	first := p.bar
	p.Observe(processor.StageAnalyzing, 2, 10)
	if p.bar != first {
		t.Error("Same stage must keep its bar")
	}
	p.Observe(processor.StageSwapping, 1, 3)
	if p.bar == first || p.stage != processor.StageSwapping {
		t.Error("A new stage must start a new bar")
	}
	p.Finish()
	if p.bar != nil {
		t.Error("Finish must drop the bar")
	}
	p.Finish()
}

func TestRemoveDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "inswapper_128.onnx"), []byte("x"), 0644)

	removeDir(dir)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected directory to be removed")
	}
}
