package processor

import (
	"context"
	"fmt"

	"github.com/andresmejia3/deepswap/internal/media"
	"github.com/andresmejia3/deepswap/internal/types"
)

// ImageRunner swaps faces in a single image.
type ImageRunner struct {
	*Processor
}

// NewImageRunner wraps a Processor for image input.
func NewImageRunner(p *Processor) *ImageRunner {
	return &ImageRunner{Processor: p}
}

// Run reads the input image, transforms the selected faces and writes the output image.
func (r *ImageRunner) Run(ctx context.Context) (Result, error) {
	res := Result{State: StateInit, Output: r.cfg.OutputFile}

	fmt.Fprintf(r.log, "🖼️  Processing input image %s\n", r.cfg.InputFile)

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

	input, err := media.ReadImage(r.cfg.InputFile)
	if err != nil {
		res.State = StateAborted
		return res, fmt.Errorf("failed to read input image: %w", err)
	}

	var reference *types.Face
	if r.selector.NeedsReference() {
		reference, err = r.analyser.FindReferenceFaceIn(input, "input image")
		if err != nil {
			res.State = StateAborted
			return res, err
		}
		if reference == nil {
			res.State = StateAborted
			return res, &LookupError{Err: ErrReferenceFaceNotFound, Where: r.cfg.InputFile}
		}
		res.State = StateReferenceFound
	} else {
		res.State = StateReferenceNotNeeded
	}

	if err := ctx.Err(); err != nil {
		res.State = StateAborted
		return res, err
	}

	res.State = StateProcessing
	res.Frames = 1
	done, failed, err := r.ProcessFrame(*source, reference, input)
	res.FacesFailed = failed
	if err != nil {
		res.State = StateAborted
		return res, err
	}
	if done > 0 {
		res.FramesModified = 1
	}
	r.observe(StageProcessing, 1, 1)

	if err := media.WriteImage(r.cfg.OutputFile, input); err != nil {
		res.State = StateAborted
		return res, fmt.Errorf("failed to write output image: %w", err)
	}

	res.State = StateDone
	return res, nil
}
