package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/andresmejia3/deepswap/internal/utils" // Using the SafeCommand wrapper
)

// Config describes how to start the inference worker.
type Config struct {
	Script             string
	SwapperModel       string
	RestorerModel      string // empty disables the restoration model
	ExecutionProvider  string
	DetectionThreshold float64
	ReadTimeout        time.Duration
	Debug              bool
}

func (c Config) args() []string {
	args := []string{"-u", c.Script,
		"--swapper-model", c.SwapperModel,
		"--execution-provider", c.ExecutionProvider,
		"--det-thresh", strconv.FormatFloat(c.DetectionThreshold, 'f', -1, 64),
	}
	if c.RestorerModel != "" {
		args = append(args, "--restorer-model", c.RestorerModel)
	}
	if c.Debug {
		args = append(args, "--debug")
	}
	return args
}

// ErrWorkerBroken is returned by every request after a transport failure.
var ErrWorkerBroken = errors.New("python worker is broken")

// PythonWorker runs detection, swap and restoration inference in a python child process.
// Requests go over stdin; responses come back on a dedicated pipe (FD 3) so library
// output on the child's stdout cannot corrupt the protocol.
//
// The protocol has no request IDs, so once a request fails mid-flight (timeout, short read,
// failed write) the pipe may still carry its late answer. The worker is then killed and
// every later request fails with ErrWorkerBroken.
type PythonWorker struct {
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	broken error
}

// NewPythonWorker starts the worker process. The caller must Close it.
func NewPythonWorker(ctx context.Context, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, "python3", cfg.args()...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads the length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerBroken, w.broken)
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.fail(err)
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.fail(err) // This is where we catch an import error crash on startup
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.fail(err)
	}
	return respBody, nil
}

// fail marks the worker broken and tears the process down. It returns err unchanged.
func (w *PythonWorker) fail(err error) error {
	w.broken = err
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
	return err
}

// Detect returns the faces the detector finds in frame, in detector order.
func (w *PythonWorker) Detect(frame *image.RGBA) ([]types.Face, error) {
	resp, err := w.Communicate(encodeRequest(OpDetect, frame))
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp)
}

// Swap synthesizes source's identity onto target and returns the whole frame with the face pasted back.
func (w *PythonWorker) Swap(frame *image.RGBA, target, source types.Face) (*image.RGBA, error) {
	resp, err := w.Communicate(encodeRequest(OpSwap, frame, target, source))
	if err != nil {
		return nil, err
	}
	return decodeImage(resp)
}

// Restore runs the restoration model on a cropped face region.
func (w *PythonWorker) Restore(crop *image.RGBA) (*image.RGBA, error) {
	resp, err := w.Communicate(encodeRequest(OpRestore, crop))
	if err != nil {
		return nil, err
	}
	return decodeImage(resp)
}

// Close shuts the worker down: closing stdin tells it to exit.
// A worker killed after a transport failure is only reaped.
func (w *PythonWorker) Close() error {
	if w.broken == nil {
		w.Stdin.Close()
		w.DataPipe.Close()
	}
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken != nil {
		return nil
	}
	return err
}
