package transform

import (
	"fmt"
	"image"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/types"
	"golang.org/x/image/draw"
)

// Swapper replaces target's face with source's identity and returns the full frame.
type Swapper interface {
	Swap(frame *image.RGBA, target, source types.Face) (*image.RGBA, error)
}

// Restorer enhances a cropped face region.
type Restorer interface {
	Restore(crop *image.RGBA) (*image.RGBA, error)
}

// Pipeline applies the swap and, when enabled, the restoration to single faces of a frame.
// Every method writes into the frame it is given and returns that same buffer.
type Pipeline struct {
	swapper  Swapper
	restorer Restorer
	restore  bool
}

// New builds a pipeline. restorer may be nil when cfg.RestoreFace is off.
func New(swapper Swapper, restorer Restorer, cfg config.Config) *Pipeline {
	return &Pipeline{
		swapper:  swapper,
		restorer: restorer,
		restore:  cfg.RestoreFace && restorer != nil,
	}
}

// RestoreEnabled reports whether Transform also restores.
func (p *Pipeline) RestoreEnabled() bool { return p.restore }

// Transform swaps source onto target, then restores the target region if restoration is on.
func (p *Pipeline) Transform(source, target types.Face, frame *image.RGBA) (*image.RGBA, error) {
	if _, err := p.Swap(source, target, frame); err != nil {
		return frame, err
	}
	if p.restore {
		return p.Restore(target, frame)
	}
	return frame, nil
}

// Swap runs the swap inference and copies its pasted-back result into frame.
func (p *Pipeline) Swap(source, target types.Face, frame *image.RGBA) (*image.RGBA, error) {
	out, err := p.swapper.Swap(frame, target, source)
	if err != nil {
		return frame, fmt.Errorf("swap failed for face at %s: %w", target.BBox, err)
	}
	if out == frame {
		return frame, nil
	}
	if out.Bounds().Size() != frame.Bounds().Size() {
		return frame, fmt.Errorf("swap returned a %v frame for a %v input", out.Bounds().Size(), frame.Bounds().Size())
	}
	draw.Draw(frame, frame.Bounds(), out, out.Bounds().Min, draw.Src)
	return frame, nil
}

// Restore runs the restoration inference on target's bounding box, clamped to the frame.
// An empty clamped box is skipped without error. Pixels outside the box are never touched.
func (p *Pipeline) Restore(target types.Face, frame *image.RGBA) (*image.RGBA, error) {
	if p.restorer == nil {
		return frame, nil
	}
	rect := target.BBox.Rect().Intersect(frame.Bounds())
	if rect.Empty() {
		return frame, nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), frame, rect.Min, draw.Src)

	restored, err := p.restorer.Restore(crop)
	if err != nil {
		return frame, fmt.Errorf("restore failed for face at %s: %w", target.BBox, err)
	}

	// Some models upscale; bring the result back to the box size before pasting.
	if restored.Bounds().Size() != crop.Bounds().Size() {
		scaled := image.NewRGBA(crop.Bounds())
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), restored, restored.Bounds(), draw.Src, nil)
		restored = scaled
	}
	draw.Draw(frame, rect, restored, restored.Bounds().Min, draw.Src)
	return frame, nil
}
