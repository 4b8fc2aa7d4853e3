package faces

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sort"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/andresmejia3/deepswap/internal/worker"
)

// Detector finds faces in a frame. The order of the result is unspecified.
type Detector interface {
	Detect(frame *image.RGBA) ([]types.Face, error)
}

// Analyser picks faces out of detector results: by position, or by similarity to a reference.
type Analyser struct {
	detector  Detector
	position  int
	threshold float64
	log       io.Writer
}

// NewAnalyser binds a detector to the reference position and similarity threshold of cfg.
// Lookup results are reported to log.
func NewAnalyser(detector Detector, cfg config.Config, log io.Writer) *Analyser {
	if log == nil {
		log = io.Discard
	}
	return &Analyser{
		detector:  detector,
		position:  cfg.ReferenceFacePosition,
		threshold: cfg.SimilarFaceDistance,
		log:       log,
	}
}

// FindFaces detects faces and orders them left to right by bounding box.
// A frame the worker rejects (a logic error) counts as no faces; any other
// detector failure is returned, since later results could not be trusted.
func (a *Analyser) FindFaces(frame *image.RGBA) ([]types.Face, error) {
	faces, err := a.detector.Detect(frame)
	if err != nil {
		var logicErr *worker.LogicError
		if errors.As(err, &logicErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, nil
	}
	faces = append([]types.Face(nil), faces...)
	sort.SliceStable(faces, func(i, j int) bool {
		return faces[i].BBox.Left() < faces[j].BBox.Left()
	})
	return faces, nil
}

// FindFaceAtPosition returns the face at position in left-to-right order, or nil if there is none.
// A negative position asks for the leftmost face, which after sorting is always index 0.
func (a *Analyser) FindFaceAtPosition(frame *image.RGBA, position int) (*types.Face, error) {
	faces, err := a.FindFaces(frame)
	if err != nil || len(faces) == 0 {
		return nil, err
	}
	if position < 0 {
		return &faces[0], nil
	}
	if position >= len(faces) {
		return nil, nil
	}
	return &faces[position], nil
}

// FindSimilarFace returns the first face, left to right, whose squared embedding distance to
// reference is strictly below the threshold. It does not look for the closest face.
func (a *Analyser) FindSimilarFace(frame *image.RGBA, reference types.Face) (*types.Face, error) {
	if reference.Embedding == nil {
		return nil, nil
	}
	faces, err := a.FindFaces(frame)
	if err != nil {
		return nil, err
	}
	for i := range faces {
		if faces[i].Embedding == nil {
			continue
		}
		if types.SquaredDistance(faces[i].Embedding, reference.Embedding) < a.threshold {
			return &faces[i], nil
		}
	}
	return nil, nil
}

// FindSourceFace returns the first face of the source image.
func (a *Analyser) FindSourceFace(img *image.RGBA) (*types.Face, error) {
	face, err := a.FindFaceAtPosition(img, 0)
	switch {
	case err != nil:
		return nil, err
	case face != nil:
		fmt.Fprintf(a.log, "🙂 Source face found: %s\n", face)
	default:
		fmt.Fprintf(a.log, "❌ Source face not found\n")
	}
	return face, nil
}

// FindReferenceFace returns the face at the configured reference position.
// It is called once per frame in tracking loops, so it does not log.
func (a *Analyser) FindReferenceFace(frame *image.RGBA) (*types.Face, error) {
	return a.FindFaceAtPosition(frame, a.position)
}

// FindReferenceFaceIn is FindReferenceFace for one-off lookups; where names the frame in the log.
func (a *Analyser) FindReferenceFaceIn(frame *image.RGBA, where string) (*types.Face, error) {
	fmt.Fprintf(a.log, "🔎 Looking for reference face at position #%d in %s\n", a.position, where)
	face, err := a.FindReferenceFace(frame)
	switch {
	case err != nil:
		return nil, err
	case face != nil:
		fmt.Fprintf(a.log, "🎯 Reference face found in %s: %s\n", where, face)
	default:
		fmt.Fprintf(a.log, "❌ Reference face not found in %s\n", where)
	}
	return face, nil
}
