package types

import (
	"fmt"
	"image"
	"math"
)

// EmbeddingDim is the length of the normalized identity vector produced by the detector.
const EmbeddingDim = 512

// Gender is the coarse gender label reported by the attribute model.
type Gender byte

const (
	GenderUnknown Gender = 0
	GenderMale    Gender = 'M'
	GenderFemale  Gender = 'F'
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "M"
	case GenderFemale:
		return "F"
	default:
		return "?"
	}
}

// BBox is a face bounding box in pixel coordinates: [x1, y1, x2, y2]
type BBox [4]float64

// Left is the x coordinate of the left edge, the key faces are ordered by.
func (b BBox) Left() float64 { return b[0] }

// Rect truncates the box to integer pixel coordinates.
// The result is not clamped to any frame.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

func (b BBox) String() string {
	return fmt.Sprintf("[%.0f %.0f %.0f %.0f]", b[0], b[1], b[2], b[3])
}

// Face is a single detection result. It is never modified after the detector returns it.
type Face struct {
	BBox      BBox
	Landmarks [5][2]float64 // eyes, nose, mouth corners; used by the swap model for alignment
	Embedding []float64     // L2-normalized, EmbeddingDim long; nil when the detector had no recognizer output
	Score     float64       // detection confidence
	Age       int
	Gender    Gender
}

func (f Face) String() string {
	return fmt.Sprintf("det_score=%.2f, gender=%s, age=%d, bbox=%s", f.Score, f.Gender, f.Age, f.BBox)
}

// SquaredDistance is the squared Euclidean distance between two embeddings.
// Vectors of different length are never similar.
func SquaredDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
