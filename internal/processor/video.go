package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/andresmejia3/deepswap/internal/media"
	"github.com/andresmejia3/deepswap/internal/types"
)

// FrameSource supplies the frames of a video in order.
type FrameSource interface {
	// Next returns the next frame, or io.EOF after the last one.
	Next() (*image.RGBA, error)
	// ReadAll decodes the remaining frames, calling progress (if not nil) after each one.
	ReadAll(progress func(read int)) ([]*image.RGBA, error)
	Info() media.VideoInfo
	Close() error
}

// FrameSink consumes output frames in order.
type FrameSink interface {
	Write(frame *image.RGBA) error
	WriteAll(frames []*image.RGBA, progress func(written int)) error
	Close() error
}

// VideoIO bundles the container operations a video run needs.
type VideoIO struct {
	Open        func(ctx context.Context, path string) (FrameSource, error)
	Create      func(ctx context.Context, path string, info media.VideoInfo) (FrameSink, error)
	ReadFrameAt func(ctx context.Context, path string, timestampMs int) (*image.RGBA, error)
	Mix         func(ctx context.Context, audioSource, videoSource string) (string, error)
}

// FFmpegVideoIO is the VideoIO backed by ffmpeg child processes.
func FFmpegVideoIO() VideoIO {
	return VideoIO{
		Open: func(ctx context.Context, path string) (FrameSource, error) {
			return media.OpenVideo(ctx, path)
		},
		Create: func(ctx context.Context, path string, info media.VideoInfo) (FrameSink, error) {
			return media.CreateVideo(ctx, path, info)
		},
		ReadFrameAt: media.ReadFrameAt,
		Mix:         media.Mix,
	}
}

// VideoRunner swaps faces in every frame of a video, streaming or in memory, then restores the audio.
type VideoRunner struct {
	*Processor
	io VideoIO
}

// NewVideoRunner wraps a Processor for video input.
func NewVideoRunner(p *Processor, vio VideoIO) *VideoRunner {
	return &VideoRunner{Processor: p, io: vio}
}

// Run processes the input video into the output file and remuxes the original audio next to it.
func (r *VideoRunner) Run(ctx context.Context) (Result, error) {
	res := Result{State: StateInit, Output: r.cfg.OutputFile}

	fmt.Fprintf(r.log, "📼 Processing input video %s\n", r.cfg.InputFile)

	sourceImage, err := media.ReadImage(r.cfg.SourceFaceImage)
	if err != nil {
		res.State = StateAborted
		return res, fmt.Errorf("failed to read source face image: %w", err)
	}
	source, err := r.analyser.FindSourceFace(sourceImage)
	if err != nil {
		res.State = StateAborted
		return res, err
	}
	if source == nil {
		res.State = StateAborted
		return res, &LookupError{Err: ErrSourceFaceNotFound, Where: r.cfg.SourceFaceImage}
	}
	res.State = StateSourceFound
	res.Source = source

	var fixed *types.Face
	if r.cfg.HasReferenceFrame() {
		fixed, err = r.findFixedReference(ctx)
		if err != nil {
			res.State = StateAborted
			return res, err
		}
		res.State = StateReferenceFound
	} else {
		res.State = StateReferenceNotNeeded
	}

	res.State = StateProcessing
	if err := r.process(ctx, *source, fixed, &res); err != nil {
		// Never leave a half-written video behind
		os.Remove(r.cfg.OutputFile)
		res.State = StateAborted
		return res, err
	}
	res.State = StateDone

	fmt.Fprintf(r.log, "🔊 Restoring audio from %s\n", r.cfg.InputFile)
	mixed, err := r.io.Mix(ctx, r.cfg.InputFile, r.cfg.OutputFile)
	if err != nil {
		return res, fmt.Errorf("audio remux failed: %w", err)
	}
	res.MixedOutput = mixed
	return res, nil
}

// findFixedReference looks up the reference face in the frame at the configured timestamp.
func (r *VideoRunner) findFixedReference(ctx context.Context) (*types.Face, error) {
	ms := r.cfg.ReferenceFrameTime
	where := fmt.Sprintf("frame at %d msec", ms)

	frame, err := r.io.ReadFrameAt(ctx, r.cfg.InputFile, ms)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference frame: %w", err)
	}
	if frame == nil {
		fmt.Fprintf(r.log, "❌ Video has no frame at %d msec\n", ms)
		return nil, &LookupError{Err: ErrReferenceFaceNotFound, Where: where}
	}

	if r.cfg.Debug {
		path := fmt.Sprintf("%s.reference_face_frame_at_%d_msec.png", r.cfg.OutputFile, ms)
		if err := media.WriteImage(path, frame); err != nil {
			fmt.Fprintf(r.log, "⚠️  Failed to save reference frame: %v\n", err)
		}
	}

	reference, err := r.analyser.FindReferenceFaceIn(frame, where)
	if err != nil {
		return nil, err
	}
	if reference == nil {
		return nil, &LookupError{Err: ErrReferenceFaceNotFound, Where: where}
	}
	return reference, nil
}

// process owns the source and sink for the duration of the run and releases both on every path.
func (r *VideoRunner) process(ctx context.Context, source types.Face, fixed *types.Face, res *Result) (err error) {
	src, err := r.io.Open(ctx, r.cfg.InputFile)
	if err != nil {
		return fmt.Errorf("failed to open input video: %w", err)
	}
	defer func() {
		if cerr := src.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to decode input video: %w", cerr)
		}
	}()

	info := src.Info()
	fmt.Fprintf(r.log, "🎞️  %dx%d @ %.2f fps, %d frames, codec=%s tag=%s\n",
		info.Width, info.Height, info.FPS, info.FrameCount, info.Codec, info.CodecTag)

	sink, err := r.io.Create(ctx, r.cfg.OutputFile, info)
	if err != nil {
		return fmt.Errorf("failed to open output video: %w", err)
	}
	defer func() {
		if cerr := sink.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to finish output video: %w", cerr)
		}
	}()

	if r.cfg.ProcessVideoInMemory {
		return r.processInMemory(src, sink, source, fixed, res)
	}
	return r.stream(ctx, src, sink, source, fixed, res)
}

// stream handles one frame at a time: constant memory, frames leave in the order they arrive.
func (r *VideoRunner) stream(ctx context.Context, src FrameSource, sink FrameSink, source types.Face, fixed *types.Face, res *Result) error {
	total := src.Info().FrameCount
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		reference, err := r.referenceFor(frame, fixed)
		if err != nil {
			return fmt.Errorf("frame %d: %w", res.Frames, err)
		}
		done, failed, err := r.ProcessFrame(source, reference, frame)
		res.FacesFailed += failed
		if err != nil {
			return fmt.Errorf("frame %d: %w", res.Frames, err)
		}
		if done > 0 {
			res.FramesModified++
		}

		if err := sink.Write(frame); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", res.Frames, err)
		}
		res.Frames++
		r.observe(StageProcessing, res.Frames, total)
	}
}

// processInMemory loads every frame, then runs the analyze, swap and restore passes over them.
func (r *VideoRunner) processInMemory(src FrameSource, sink FrameSink, source types.Face, fixed *types.Face, res *Result) error {
	fmt.Fprintf(r.log, "🧠 Reading all frames into memory\n")
	total := src.Info().FrameCount
	frames, err := src.ReadAll(func(read int) {
		r.observe(StageReading, read, total)
	})
	if err != nil {
		return fmt.Errorf("failed to read frames: %w", err)
	}
	res.Frames = len(frames)

	index, err := r.Analyze(frames, fixed)
	res.Index = index
	if err != nil {
		return err
	}
	res.FramesModified = len(index)
	fmt.Fprintf(r.log, "\n🔍 Found target faces in %d of %d frames\n", len(index), len(frames))

	failed, err := r.Swap(frames, index, source)
	res.FacesFailed += failed
	if err != nil {
		return err
	}

	if r.pipeline.RestoreEnabled() {
		failed, err := r.Restore(frames, index)
		res.FacesFailed += failed
		if err != nil {
			return err
		}
	}

	return sink.WriteAll(frames, func(written int) {
		r.observe(StageWriting, written, len(frames))
	})
}
