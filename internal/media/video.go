package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"

	"github.com/andresmejia3/deepswap/internal/utils"
)

// NewFFmpegRawDecoder creates a decoder that streams raw RGBA frames to Stdout.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *utils.SafeCommand {
	// -loglevel error keeps the stderr buffer small on long videos
	return utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// NewFFmpegEncoder creates an encoder that reads raw RGBA frames from Stdin.
// The output carries no audio; see Mix.
func NewFFmpegEncoder(ctx context.Context, outputPath string, info VideoInfo) *utils.SafeCommand {
	return utils.NewSafeCommand(ctx, "ffmpeg", encoderArgs(outputPath, info)...)
}

// encoderArgs builds the encoder command line. yuv420p needs even dimensions, so odd-sized
// input is padded by one row or column.
func encoderArgs(outputPath string, info VideoInfo) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", strconv.FormatFloat(info.FPS, 'f', -1, 64),
		"-i", "-",
		"-an", "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", encoderFor(info), "-pix_fmt", "yuv420p",
		outputPath}
}

// encoderFor keeps the output in the input's codec family where ffmpeg has an encoder for it.
func encoderFor(info VideoInfo) string {
	switch info.Codec {
	case "hevc":
		return "libx265"
	case "mpeg4":
		return "mpeg4"
	case "vp8":
		return "libvpx"
	case "vp9":
		return "libvpx-vp9"
	case "mjpeg":
		return "mjpeg"
	}
	switch info.CodecTag {
	case "hvc1", "hev1":
		return "libx265"
	case "mp4v", "FMP4", "XVID", "DIVX":
		return "mpeg4"
	case "MJPG":
		return "mjpeg"
	}
	return "libx264"
}

// VideoReader decodes a video file frame by frame through an ffmpeg pipe.
type VideoReader struct {
	path string
	info VideoInfo
	cmd  *utils.SafeCommand
	out  io.ReadCloser
	eof  bool
}

// OpenVideo probes the file and starts the decoder. The caller must Close the reader.
func OpenVideo(ctx context.Context, path string) (*VideoReader, error) {
	info, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := NewFFmpegRawDecoder(ctx, path)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Op: "start decoder", Err: err, Cmd: cmd}
	}

	return &VideoReader{path: path, info: info, cmd: cmd, out: out}, nil
}

// Info returns the container metadata.
func (r *VideoReader) Info() VideoInfo { return r.info }

// Next returns the next frame, or io.EOF after the last one.
func (r *VideoReader) Next() (*image.RGBA, error) {
	if r.eof {
		return nil, io.EOF
	}
	buf := make([]byte, r.info.FrameSize())
	if _, err := io.ReadFull(r.out, buf); err != nil {
		r.eof = true
		// A truncated trailing frame is treated as the end of the stream
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return &image.RGBA{
		Pix:    buf,
		Stride: r.info.Width * 4,
		Rect:   image.Rect(0, 0, r.info.Width, r.info.Height),
	}, nil
}

// ReadAll decodes every remaining frame into memory. progress, if not nil, is called with the
// number of frames read so far after each frame.
func (r *VideoReader) ReadAll(progress func(read int)) ([]*image.RGBA, error) {
	frames := make([]*image.RGBA, 0, r.info.FrameCount)
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		if progress != nil {
			progress(len(frames))
		}
	}
}

// Close stops the decoder. A decoder error is only reported when the stream was read to the end;
// closing early kills ffmpeg on purpose.
func (r *VideoReader) Close() error {
	if !r.eof && r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	r.out.Close()
	err := r.cmd.Wait()
	if r.eof && err != nil {
		return &ProcessError{Op: "decode " + r.path, Err: err, Cmd: r.cmd}
	}
	return nil
}

// ReadFrameAt decodes the single frame shown at the given timestamp.
// It returns a nil frame without error when the video has no frame there.
func ReadFrameAt(ctx context.Context, path string, timestampMs int) (*image.RGBA, error) {
	info, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	seek := strconv.FormatFloat(float64(timestampMs)/1000, 'f', 3, 64)
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-ss", seek, "-i", path, "-frames:v", "1", "-an", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	out, err := cmd.Output()
	if err != nil {
		return nil, &ProcessError{Op: "seek " + path, Err: err, Cmd: cmd}
	}
	if len(out) < info.FrameSize() {
		return nil, nil
	}
	return &image.RGBA{
		Pix:    out[:info.FrameSize()],
		Stride: info.Width * 4,
		Rect:   image.Rect(0, 0, info.Width, info.Height),
	}, nil
}

// VideoWriter encodes frames into a new, audio-less video file through an ffmpeg pipe.
type VideoWriter struct {
	path string
	info VideoInfo
	cmd  *utils.SafeCommand
	in   io.WriteCloser
}

// CreateVideo starts an encoder writing to path with the given geometry and frame rate.
// The caller must Close the writer.
func CreateVideo(ctx context.Context, path string, info VideoInfo) (*VideoWriter, error) {
	cmd := NewFFmpegEncoder(ctx, path, info)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Op: "start encoder", Err: err, Cmd: cmd}
	}
	return &VideoWriter{path: path, info: info, cmd: cmd, in: in}, nil
}

// Write encodes one frame. Frames must match the writer's dimensions.
func (w *VideoWriter) Write(frame *image.RGBA) error {
	width, height := w.info.Width, w.info.Height
	if frame.Rect.Dx() != width || frame.Rect.Dy() != height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", frame.Rect.Dx(), frame.Rect.Dy(), width, height)
	}

	if frame.Stride == width*4 {
		_, err := w.in.Write(frame.Pix[:width*height*4])
		return err
	}
	// Sub-images are not contiguous; write row by row
	for y := 0; y < height; y++ {
		off := y * frame.Stride
		if _, err := w.in.Write(frame.Pix[off : off+width*4]); err != nil {
			return err
		}
	}
	return nil
}

// WriteAll encodes frames in order. progress, if not nil, is called after each frame.
func (w *VideoWriter) WriteAll(frames []*image.RGBA, progress func(written int)) error {
	for i, frame := range frames {
		if err := w.Write(frame); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
		if progress != nil {
			progress(i + 1)
		}
	}
	return nil
}

// Close flushes the encoder and waits for it to finish the file.
func (w *VideoWriter) Close() error {
	w.in.Close()
	if err := w.cmd.Wait(); err != nil {
		return &ProcessError{Op: "encode " + w.path, Err: err, Cmd: w.cmd}
	}
	return nil
}
