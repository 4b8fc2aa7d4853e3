package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/deepswap/internal/config"
	"github.com/andresmejia3/deepswap/internal/faces"
	"github.com/andresmejia3/deepswap/internal/media"
	"github.com/andresmejia3/deepswap/internal/types"
	"github.com/andresmejia3/deepswap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	facesTime   int
	facesThresh float64
)

var facesCmd = &cobra.Command{
	Use:   "faces <image_or_video>",
	Short: "List detected faces by reference position",
	Long:  "Detects faces in an image, or in one frame of a video, and prints them in left-to-right order.\nThe POS column is the value to pass as --reference-position.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("detection-threshold") {
			cfg.DetectionThreshold = facesThresh
		}
		return runFaces(cmd.Context(), cfg, args[0], facesTime)
	},
}

func init() {
	facesCmd.Flags().IntVarP(&facesTime, "time", "t", 0, "Video time (msec) of the frame to inspect")
	facesCmd.Flags().Float64VarP(&facesThresh, "detection-threshold", "D", config.Default().DetectionThreshold, "Face detection confidence threshold")
	rootCmd.AddCommand(facesCmd)
}

func runFaces(ctx context.Context, cfg config.Config, path string, ms int) error {
	if _, err := os.Stat(path); err != nil {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	var frame *image.RGBA
	var err error
	switch {
	case media.IsImage(path):
		frame, err = media.ReadImage(path)
	case media.IsVideo(path):
		frame, err = media.ReadFrameAt(ctx, path, ms)
		if err == nil && frame == nil {
			err = fmt.Errorf("video has no frame at %d msec", ms)
		}
	default:
		err = fmt.Errorf("%s is not an image or video", path)
	}
	if err != nil {
		utils.ShowError("Failed to read frame", err, nil)
		return err
	}

	if err := ensureModels(ctx, cfg, false); err != nil {
		utils.ShowError("Failed to download models", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startWorker(ctx, cfg, false)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	found, err := w.Detect(frame)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	// Reuse the analyser's ordering so POS matches --reference-position exactly
	ordered, err := faces.NewAnalyser(staticDetector(found), cfg, nil).FindFaces(frame)
	if err != nil {
		return err
	}

	if len(ordered) == 0 {
		fmt.Println("❌ No faces detected.")
		return nil
	}
	printFaces(os.Stdout, ordered)
	return nil
}

// staticDetector replays an already computed detection.
type staticDetector []types.Face

func (s staticDetector) Detect(*image.RGBA) ([]types.Face, error) { return s, nil }

func printFaces(out io.Writer, list []types.Face) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "POS\tBBOX\tSCORE\tAGE\tGENDER")
	fmt.Fprintln(w, "---\t----\t-----\t---\t------")
	for i, f := range list {
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d\t%s\n", i, f.BBox, f.Score, f.Age, f.Gender)
	}
	w.Flush()
}
