package processor

import (
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/faces"
	"github.com/andresmejia3/deepswap/internal/transform"
	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/andresmejia3/deepswap/internal/worker"
)

// State is the position of a run in its lifecycle.
type State int

const (
	StateInit State = iota
	StateSourceFound
	StateReferenceFound
	StateReferenceNotNeeded
	StateProcessing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSourceFound:
		return "SOURCE_FOUND"
	case StateReferenceFound:
		return "REFERENCE_FOUND"
	case StateReferenceNotNeeded:
		return "REFERENCE_NOT_NEEDED"
	case StateProcessing:
		return "PROCESSING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrSourceFaceNotFound    = errors.New("source face not found")
	ErrReferenceFaceNotFound = errors.New("reference face not found")
)

// LookupError means a run could not start because a required face was not found.
// Nothing is written when a run ends with it.
type LookupError struct {
	Err   error
	Where string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%v in %s", e.Err, e.Where)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Stage names a pass for progress reporting.
type Stage string

const (
	StageProcessing Stage = "Processing frames"
	StageReading    Stage = "Reading frames"
	StageAnalyzing  Stage = "Analyzing faces"
	StageSwapping   Stage = "Swapping faces"
	StageRestoring  Stage = "Restoring faces"
	StageWriting    Stage = "Writing frames"
)

// Observer is told about progress after every frame of a stage. total is 0 when unknown.
type Observer func(stage Stage, done, total int)

// TargetEntry holds the faces to transform in one frame.
type TargetEntry struct {
	FrameIndex int
	Faces      []types.Face
}

// TargetIndex lists, in increasing frame order, every frame that has something to transform.
type TargetIndex []TargetEntry

// Result describes how far a run got and what it produced.
type Result struct {
	State          State
	Source         *types.Face // the face found in the source image
	Output         string
	MixedOutput    string // video only, empty if the remux did not happen
	Frames         int
	FramesModified int
	FacesFailed    int
	Index          TargetIndex // in-memory video runs only
}

// Selector decides which faces of a frame get transformed.
type Selector interface {
	// NeedsReference reports whether Select depends on a reference face.
	NeedsReference() bool
	// Select returns the faces to transform. An error means detection itself failed.
	Select(frame *image.RGBA, reference *types.Face) ([]types.Face, error)
}

// referenceSelector transforms the one face that looks like the reference.
type referenceSelector struct {
	analyser *faces.Analyser
}

func (s referenceSelector) NeedsReference() bool { return true }

func (s referenceSelector) Select(frame *image.RGBA, reference *types.Face) ([]types.Face, error) {
	if reference == nil {
		return nil, nil
	}
	f, err := s.analyser.FindSimilarFace(frame, *reference)
	if err != nil || f == nil {
		return nil, err
	}
	return []types.Face{*f}, nil
}

// everyFaceSelector transforms every detected face.
type everyFaceSelector struct {
	analyser *faces.Analyser
}

func (s everyFaceSelector) NeedsReference() bool { return false }

func (s everyFaceSelector) Select(frame *image.RGBA, _ *types.Face) ([]types.Face, error) {
	return s.analyser.FindFaces(frame)
}

// NewSelector picks the selection variant configured in cfg.
func NewSelector(cfg config.Config, analyser *faces.Analyser) Selector {
	if cfg.ProcessEveryFace {
		return everyFaceSelector{analyser: analyser}
	}
	return referenceSelector{analyser: analyser}
}

// Processor holds what image and video runs share: face selection and the transform pipeline.
type Processor struct {
	cfg      config.Config
	analyser *faces.Analyser
	selector Selector
	pipeline *transform.Pipeline
	observer Observer
	log      io.Writer
}

// New builds a Processor. observer and log may be nil.
func New(cfg config.Config, analyser *faces.Analyser, pipeline *transform.Pipeline, observer Observer, log io.Writer) *Processor {
	if log == nil {
		log = io.Discard
	}
	return &Processor{
		cfg:      cfg,
		analyser: analyser,
		selector: NewSelector(cfg, analyser),
		pipeline: pipeline,
		observer: observer,
		log:      log,
	}
}

func (p *Processor) observe(stage Stage, done, total int) {
	if p.observer != nil {
		p.observer(stage, done, total)
	}
}

// referenceFor returns the reference face to use for frame: none when the selector does not
// need one, the fixed one when a reference frame is configured, otherwise whatever face sits at
// the reference position in this very frame.
func (p *Processor) referenceFor(frame *image.RGBA, fixed *types.Face) (*types.Face, error) {
	if !p.selector.NeedsReference() {
		return nil, nil
	}
	if p.cfg.HasReferenceFrame() {
		return fixed, nil
	}
	return p.analyser.FindReferenceFace(frame)
}

// skippable reports whether a transform error only affects the current face.
// Anything else (a dead worker, a broken pipe) ends the run.
func skippable(err error) bool {
	var logicErr *worker.LogicError
	return errors.As(err, &logicErr)
}

// ProcessFrame transforms the selected faces of frame in place and returns how many were transformed
// and how many failed. Frames with nothing selected are left untouched.
func (p *Processor) ProcessFrame(source types.Face, reference *types.Face, frame *image.RGBA) (done, failed int, err error) {
	if p.selector.NeedsReference() && reference == nil {
		return 0, 0, nil
	}
	targets, err := p.selector.Select(frame, reference)
	if err != nil {
		return 0, 0, err
	}
	for _, target := range targets {
		if _, err := p.pipeline.Transform(source, target, frame); err != nil {
			if !skippable(err) {
				return done, failed, err
			}
			fmt.Fprintf(p.log, "\n⚠️  Skipping face: %v\n", err)
			failed++
			continue
		}
		done++
	}
	return done, failed, nil
}

// Analyze builds the Target-Face Index of frames without touching any pixel.
// It stops at the first frame where detection fails.
func (p *Processor) Analyze(frames []*image.RGBA, fixed *types.Face) (TargetIndex, error) {
	var index TargetIndex
	for i, frame := range frames {
		reference, err := p.referenceFor(frame, fixed)
		if err != nil {
			return index, fmt.Errorf("frame %d: %w", i, err)
		}
		if !p.selector.NeedsReference() || reference != nil {
			targets, err := p.selector.Select(frame, reference)
			if err != nil {
				return index, fmt.Errorf("frame %d: %w", i, err)
			}
			if len(targets) > 0 {
				index = append(index, TargetEntry{FrameIndex: i, Faces: targets})
			}
		}
		p.observe(StageAnalyzing, i+1, len(frames))
	}
	return index, nil
}

// Swap applies the swap to every indexed face. It returns the number of faces that failed.
func (p *Processor) Swap(frames []*image.RGBA, index TargetIndex, source types.Face) (int, error) {
	return p.forEachTarget(StageSwapping, frames, index, func(target types.Face, frame *image.RGBA) error {
		_, err := p.pipeline.Swap(source, target, frame)
		return err
	})
}

// Restore applies the restoration to every indexed face. It returns the number of faces that failed.
func (p *Processor) Restore(frames []*image.RGBA, index TargetIndex) (int, error) {
	return p.forEachTarget(StageRestoring, frames, index, func(target types.Face, frame *image.RGBA) error {
		_, err := p.pipeline.Restore(target, frame)
		return err
	})
}

func (p *Processor) forEachTarget(stage Stage, frames []*image.RGBA, index TargetIndex, apply func(types.Face, *image.RGBA) error) (int, error) {
	failed := 0
	for n, entry := range index {
		if entry.FrameIndex < 0 || entry.FrameIndex >= len(frames) {
			return failed, fmt.Errorf("target index refers to frame %d of %d", entry.FrameIndex, len(frames))
		}
		frame := frames[entry.FrameIndex]
		for _, target := range entry.Faces {
			if err := apply(target, frame); err != nil {
				if !skippable(err) {
					return failed, fmt.Errorf("frame %d: %w", entry.FrameIndex, err)
				}
				fmt.Fprintf(p.log, "\n⚠️  Skipping face in frame %d: %v\n", entry.FrameIndex, err)
				failed++
			}
		}
		p.observe(stage, n+1, len(index))
	}
	return failed, nil
}
