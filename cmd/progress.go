package cmd

import (
	"fmt"
	"io"

	"github.com/andresmejia3/deepswap/internal/processor"
	"github.com/schollz/progressbar/v3"
)

var stageIcons = map[processor.Stage]string{
	processor.StageProcessing: "🎬",
	processor.StageReading:    "📥",
	processor.StageAnalyzing:  "🔍",
	processor.StageSwapping:   "🔁",
	processor.StageRestoring:  "✨",
	processor.StageWriting:    "💾",
}

// stageProgress renders one progress bar per processing stage.
type stageProgress struct {
	w     io.Writer
	stage processor.Stage
	bar   *progressbar.ProgressBar
}

func newStageProgress(w io.Writer) *stageProgress {
	return &stageProgress{w: w}
}

// Observe is a processor.Observer.
func (p *stageProgress) Observe(stage processor.Stage, done, total int) {
	if p.bar == nil || stage != p.stage {
		p.Finish()
		max := total
		if max <= 0 {
			max = -1 // unknown length, spinner
		}
		p.stage = stage
		p.bar = progressbar.NewOptions(max,
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", stageIcons[stage], stage)),
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
		)
	}
	_ = p.bar.Set(done)
}

// Finish closes the current bar, if any.
func (p *stageProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(p.w)
	p.bar = nil
}
