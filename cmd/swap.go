package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/faces"
	"github.com/andresmejia3/deepswap/internal/media"
	"github.com/andresmejia3/deepswap/internal/models"
	"github.com/andresmejia3/deepswap/internal/processor"
	"github.com/andresmejia3/deepswap/internal/store"
	"github.com/andresmejia3/deepswap/internal/transform"
	"github.com/andresmejia3/deepswap/internal/utils"
	"github.com/andresmejia3/deepswap/internal/worker"
	"github.com/spf13/cobra"
)

// swapFlags mirrors the run parameters a user can set on the command line.
// Only flags that were actually given override the config file.
type swapFlags struct {
	Source            string
	Input             string
	Output            string
	Restore           bool
	EveryFace         bool
	InMemory          bool
	ReferencePosition int
	ReferenceTime     int
	Distance          float64
	DetectionThresh   float64
	ExecutionProvider string
	ModelDir          string
	WorkerScript      string
	WorkerTimeout     time.Duration
	Debug             bool
}

var swapOpts swapFlags

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Swap the source face onto faces in an image or video",
	Example: `  deepswap swap -s face.jpg -i clip.mp4
  deepswap swap -s face.jpg -i clip.mp4 --reference-time 1500 --restore
  deepswap swap -s face.jpg -i group.png --every-face -o out.png`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = applySwapFlags(cmd, swapOpts, cfg)
		return runSwap(cmd.Context(), cfg)
	},
}

func init() {
	bindSwapFlags(swapCmd, &swapOpts)
	rootCmd.AddCommand(swapCmd)
}

// bindSwapFlags registers the run parameter flags on cmd, with the config defaults.
func bindSwapFlags(cmd *cobra.Command, o *swapFlags) {
	d := config.Default()
	f := cmd.Flags()
	f.StringVarP(&o.Source, "source", "s", "", "Image with the face to swap in")
	f.StringVarP(&o.Input, "input", "i", "", "Target image or video")
	f.StringVarP(&o.Output, "output", "o", "", "Output file (default: <input>-swapped[-restored].<ext>)")
	f.BoolVarP(&o.Restore, "restore", "r", d.RestoreFace, "Restore swapped faces")
	f.BoolVarP(&o.EveryFace, "every-face", "a", d.ProcessEveryFace, "Swap every detected face instead of the reference face")
	f.BoolVar(&o.InMemory, "in-memory", d.ProcessVideoInMemory, "Load the whole video into memory and process it in passes")
	f.IntVarP(&o.ReferencePosition, "reference-position", "p", d.ReferenceFacePosition, "Left-to-right position of the reference face")
	f.IntVarP(&o.ReferenceTime, "reference-time", "t", d.ReferenceFrameTime, "Video time (msec) of the reference frame; negative re-detects the reference in every frame")
	f.Float64Var(&o.Distance, "distance", d.SimilarFaceDistance, "Maximum squared embedding distance for a face to match the reference")
	f.Float64VarP(&o.DetectionThresh, "detection-threshold", "D", d.DetectionThreshold, "Face detection confidence threshold")
	f.StringVar(&o.ExecutionProvider, "execution-provider", d.ExecutionProvider, "ONNX Runtime execution provider for the worker")
	f.StringVar(&o.ModelDir, "model-dir", d.ModelDir, "Directory holding the model weights")
	f.StringVar(&o.WorkerScript, "worker-script", d.WorkerScript, "Python inference worker script")
	f.DurationVar(&o.WorkerTimeout, "worker-timeout", d.WorkerTimeout, "Timeout for a single worker response")
	f.BoolVarP(&o.Debug, "debug", "d", d.Debug, "Save the reference frame and enable worker debug output")
}

// applySwapFlags overrides cfg with every flag the user set explicitly.
func applySwapFlags(cmd *cobra.Command, o swapFlags, cfg config.Config) config.Config {
	set := cmd.Flags().Changed
	if set("source") {
		cfg.SourceFaceImage = o.Source
	}
	if set("input") {
		cfg.InputFile = o.Input
	}
	if set("output") {
		cfg.OutputFile = o.Output
	}
	if set("restore") {
		cfg.RestoreFace = o.Restore
	}
	if set("every-face") {
		cfg.ProcessEveryFace = o.EveryFace
	}
	if set("in-memory") {
		cfg.ProcessVideoInMemory = o.InMemory
	}
	if set("reference-position") {
		cfg.ReferenceFacePosition = o.ReferencePosition
	}
	if set("reference-time") {
		cfg.ReferenceFrameTime = o.ReferenceTime
	}
	if set("distance") {
		cfg.SimilarFaceDistance = o.Distance
	}
	if set("detection-threshold") {
		cfg.DetectionThreshold = o.DetectionThresh
	}
	if set("execution-provider") {
		cfg.ExecutionProvider = o.ExecutionProvider
	}
	if set("model-dir") {
		cfg.ModelDir = o.ModelDir
	}
	if set("worker-script") {
		cfg.WorkerScript = o.WorkerScript
	}
	if set("worker-timeout") {
		cfg.WorkerTimeout = o.WorkerTimeout
	}
	if set("debug") {
		cfg.Debug = o.Debug
	}
	return cfg
}

// runner is implemented by processor.ImageRunner and processor.VideoRunner.
type runner interface {
	Run(ctx context.Context) (processor.Result, error)
}

func runSwap(ctx context.Context, cfg config.Config) error {
	cfg = cfg.WithDerivedOutput()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return err
	}

	if err := ensureModels(ctx, cfg, cfg.RestoreFace); err != nil {
		utils.ShowError("Failed to download models", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, cfg, cfg.RestoreFace)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	analyser := faces.NewAnalyser(w, cfg, os.Stderr)
	var restorer transform.Restorer
	if cfg.RestoreFace {
		restorer = w
	}
	pipeline := transform.New(w, restorer, cfg)

	progress := newStageProgress(os.Stderr)
	proc := processor.New(cfg, analyser, pipeline, progress.Observe, os.Stderr)

	var r runner
	if media.IsVideo(cfg.InputFile) {
		r = processor.NewVideoRunner(proc, processor.FFmpegVideoIO())
	} else {
		r = processor.NewImageRunner(proc)
	}

	started := time.Now()
	res, runErr := r.Run(ctx)
	progress.Finish()
	elapsed := time.Since(started)

	recordHistory(ctx, cfg, res, runErr, started)

	var lookupErr *processor.LookupError
	switch {
	case errors.As(runErr, &lookupErr):
		// Nothing to swap is a normal outcome, not a failure
		fmt.Fprintf(os.Stderr, "❌ %v, nothing was written\n", lookupErr)
		return nil
	case runErr != nil && res.State == processor.StateDone:
		// Frames are written; only the audio remux failed
		var procErr *media.ProcessError
		errors.As(runErr, &procErr)
		utils.ShowError("Failed to restore audio", runErr, procCmd(procErr))
		fmt.Fprintf(os.Stderr, "⚠️  Video without audio saved to %s\n", res.Output)
		return runErr
	case runErr != nil:
		var procErr *media.ProcessError
		if errors.As(runErr, &procErr) {
			utils.ShowError("Video processing failed", runErr, procErr.Cmd)
		} else {
			utils.ShowError("Face swap failed", runErr, w.Cmd)
		}
		return runErr
	}

	fmt.Fprintf(os.Stderr, "✅ Processed %d frame(s), %d modified, %d face(s) skipped in %s\n",
		res.Frames, res.FramesModified, res.FacesFailed, utils.FmtDuration(elapsed))
	fmt.Fprintf(os.Stderr, "💾 Saved to %s\n", res.Output)
	if res.MixedOutput != "" {
		fmt.Fprintf(os.Stderr, "🔊 With audio: %s\n", res.MixedOutput)
	}
	return nil
}

func procCmd(e *media.ProcessError) *utils.SafeCommand {
	if e == nil {
		return nil
	}
	return e.Cmd
}

// ensureModels downloads the swap model, and the restoration model when needed.
func ensureModels(ctx context.Context, cfg config.Config, withRestorer bool) error {
	d := models.Downloader{Progress: os.Stderr}
	if _, err := d.Ensure(ctx, cfg.SwapperModelURL, cfg.SwapperModelPath()); err != nil {
		return err
	}
	if withRestorer {
		if _, err := d.Ensure(ctx, cfg.RestorerModelURL, cfg.RestorerModelPath()); err != nil {
			return err
		}
	}
	return nil
}

func startWorker(ctx context.Context, cfg config.Config, withRestorer bool) (*worker.PythonWorker, error) {
	wc := worker.Config{
		Script:             cfg.WorkerScript,
		SwapperModel:       cfg.SwapperModelPath(),
		ExecutionProvider:  cfg.ExecutionProvider,
		DetectionThreshold: cfg.DetectionThreshold,
		ReadTimeout:        cfg.WorkerTimeout,
		Debug:              cfg.Debug,
	}
	if withRestorer {
		wc.RestorerModel = cfg.RestorerModelPath()
	}
	return worker.NewPythonWorker(ctx, wc)
}

// recordHistory stores the run when a database is configured. Failures only warn.
func recordHistory(ctx context.Context, cfg config.Config, res processor.Result, runErr error, started time.Time) {
	if DB == nil {
		return
	}
	inputID, err := utils.GenerateFileID(cfg.InputFile)
	if err != nil {
		inputID = cfg.InputFile
	}
	run := historyRun(cfg, res, runErr, inputID, started, time.Now())
	// The run context may already be cancelled (Ctrl+C); the record should still land
	if _, err := DB.RecordRun(context.WithoutCancel(ctx), run, indexSummary(res.Index)); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to record run history: %v\n", err)
	}
}

func historyRun(cfg config.Config, res processor.Result, runErr error, inputID string, started, finished time.Time) store.Run {
	run := store.Run{
		InputID:         inputID,
		InputPath:       cfg.InputFile,
		SourcePath:      cfg.SourceFaceImage,
		OutputPath:      res.Output,
		MixedOutputPath: res.MixedOutput,
		EveryFace:       cfg.ProcessEveryFace,
		InMemory:        cfg.ProcessVideoInMemory,
		Restore:         cfg.RestoreFace,
		State:           res.State.String(),
		Frames:          res.Frames,
		FramesModified:  res.FramesModified,
		FacesFailed:     res.FacesFailed,
		StartedAt:       started,
		FinishedAt:      finished,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res.Source != nil {
		run.SourceEmbedding = res.Source.Embedding
	}
	return run
}

func indexSummary(index processor.TargetIndex) []store.IndexedFrame {
	if len(index) == 0 {
		return nil
	}
	frames := make([]store.IndexedFrame, len(index))
	for i, e := range index {
		frames[i] = store.IndexedFrame{FrameIndex: e.FrameIndex, FaceCount: len(e.Faces)}
	}
	return frames
}
